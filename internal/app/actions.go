package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// EventAction is published after every handled reminder button.
const EventAction = "reminder.action"

type ActionEvent struct {
	Action     string
	Identifier string
	ActorID    int64
	Error      string `json:",omitempty"`
}

var (
	errWrongKind   = errors.New("action does not apply to this reminder")
	errUnsupported = errors.New("action not supported by the delivery backend")
)

type pendingLister interface {
	Pending() []reminder.ScheduledReminder
}

func (a *App) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-a.updates:
			a.handleUpdate(ctx, up)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateCallback:
		if up.Callback != nil {
			a.handleCallback(ctx, up.Callback)
		}
	case transport.UpdateMessage:
		if up.Message != nil {
			a.handleCommand(ctx, up.Message)
		}
	}
}

func (a *App) handleCallback(ctx context.Context, cb *transport.Callback) {
	if cb.ChatID != a.target.ChatID {
		a.log.Warn("callback from foreign chat ignored", logx.Int64("chat_id", cb.ChatID))
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Not allowed here.")
		return
	}
	action, id, ok := transport.ParseActionData(cb.Data)
	if !ok {
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Unknown button.")
		return
	}

	status, err := a.applyAction(ctx, action, id)
	a.audit(ctx, cb, action, id, err)
	if a.bus != nil {
		ev := ActionEvent{Action: action, Identifier: id, ActorID: cb.FromID}
		if err != nil {
			ev.Error = err.Error()
		}
		a.bus.Publish(eventbus.Event{Type: EventAction, Data: ev})
	}
	if err != nil {
		a.log.Warn("reminder action failed",
			logx.String("action", action), logx.String("id", id), logx.Err(err))
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Failed: "+err.Error())
		return
	}
	a.log.Info("reminder action", logx.String("action", action), logx.String("id", id))
	_ = a.adapter.AnswerCallback(ctx, cb.ID, status)

	text := html.EscapeString(status)
	if title := a.titleOf(id); title != "" {
		text = "<b>" + html.EscapeString(title) + "</b>\n" + text
	}
	ref := transport.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	if err := a.adapter.EditText(ctx, ref, text, "HTML"); err != nil {
		a.log.Debug("edit reminder message failed", logx.Err(err))
	}
}

// applyAction performs action on the reminder identified by id and returns
// a short status line for the user.
func (a *App) applyAction(ctx context.Context, action, id string) (string, error) {
	kind, sid, _, err := reminder.ParseIdentifier(id)
	if err != nil {
		return "", err
	}

	switch action {
	case reminder.ActionComplete:
		if kind != reminder.KindTask {
			return "", errWrongKind
		}
		if a.store != nil {
			s, ok, err := a.store.GetSubject(ctx, kind, sid)
			if err != nil {
				return "", err
			}
			if t, isTask := s.(reminder.Task); ok && isTask {
				t.IsCompleted = true
				// a completed task plans nothing, so this also cancels
				if _, err := a.engine.Upsert(ctx, t, func(ctx context.Context) error { return a.store.PutTask(ctx, t) }); err != nil {
					return "", err
				}
				return "✅ Marked complete", nil
			}
		}
		a.engine.CancelOne(ctx, kind, sid)
		return "✅ Marked complete", nil

	case reminder.ActionPaid:
		if kind != reminder.KindSubscription {
			return "", errWrongKind
		}
		if a.store != nil {
			s, ok, err := a.store.GetSubject(ctx, kind, sid)
			if err != nil {
				return "", err
			}
			if ok {
				// a later reconcile recreates these; keep them silent
				for _, r := range a.engine.Plan(s) {
					a.notif.Suppress(ctx, r)
				}
			}
		}
		a.engine.CancelOne(ctx, kind, sid)
		return "💳 Marked paid", nil

	case reminder.ActionSnooze:
		if a.resched == nil {
			return "", errUnsupported
		}
		at := a.clock.Now().Add(snoozeOrDefault(time.Duration(a.snooze.Load())))
		if err := a.resched.Reschedule(ctx, id, at); err != nil {
			return "", err
		}
		return "⏰ Snoozed until " + at.Format("Jan 2 15:04"), nil

	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

func (a *App) audit(ctx context.Context, cb *transport.Callback, action, id string, err error) {
	if a.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:         a.clock.Now(),
		ActorID:    cb.FromID,
		Actor:      cb.FromUsername,
		Action:     action,
		Identifier: id,
		OK:         err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := a.store.AppendAudit(ctx, e); aerr != nil {
		a.log.Warn("audit append failed", logx.Err(aerr))
	}
}

func (a *App) titleOf(id string) string {
	recent := a.notif.Recent()
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Identifier == id {
			return recent[i].Title
		}
	}
	return ""
}

func (a *App) handleCommand(ctx context.Context, m *transport.Incoming) {
	if m.ChatID != a.target.ChatID {
		return
	}
	fields := strings.Fields(m.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	// "/pending@remindbot" addresses this bot in groups
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")

	var reply string
	switch cmd {
	case "/pending":
		reply = a.pendingText(ctx)
	case "/reconcile":
		reply = a.reconcileText(ctx)
	case "/start", "/help":
		reply = "<b>remindbot</b>\n/pending - list scheduled reminders\n/reconcile - rebuild reminders from stored tasks and subscriptions"
	default:
		return
	}
	_, err := a.adapter.Send(ctx, transport.Message{
		Target:    transport.Target{ChatID: m.ChatID, ThreadID: m.ThreadID},
		Text:      reply,
		ParseMode: "HTML",
	})
	if err != nil {
		a.log.Warn("command reply failed", logx.String("cmd", cmd), logx.Err(err))
	}
}

func (a *App) pendingText(ctx context.Context) string {
	now := a.clock.Now()
	if pl, ok := a.port.(pendingLister); ok {
		rs := pl.Pending()
		if len(rs) == 0 {
			return "No reminders scheduled."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "<b>%d reminders scheduled</b>\n", len(rs))
		for _, r := range rs {
			fmt.Fprintf(&b, "• %s <i>(%s)</i>\n", html.EscapeString(r.Title), humanize.RelTime(r.FireAt, now, "ago", "from now"))
		}
		return strings.TrimRight(b.String(), "\n")
	}

	ids, err := a.port.ListPending(ctx)
	if err != nil {
		return "Failed to list reminders: " + html.EscapeString(err.Error())
	}
	if len(ids) == 0 {
		return "No reminders scheduled."
	}
	return fmt.Sprintf("<b>%d reminders scheduled</b>\n%s", len(ids), html.EscapeString(strings.Join(ids, "\n")))
}

func (a *App) reconcileText(ctx context.Context) string {
	if a.rec == nil {
		return "Reconcile needs storage to be enabled."
	}
	rep, err := a.rec.RunNow(ctx)
	text := fmt.Sprintf("Reconciled: %d scheduled, %d cancelled, %d failed.", rep.Scheduled, rep.Cancelled, rep.Failed)
	if err != nil {
		text += "\n" + html.EscapeString(err.Error())
	}
	return text
}

package reminder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

// Event types published by the engine.
const (
	EventScheduled = "reminder.scheduled"
	EventCancelled = "reminder.cancelled"
	EventFailed    = "reminder.failed"
)

// ReminderEvent is the Data payload of engine events.
type ReminderEvent struct {
	Identifiers []string  `json:"identifiers"`
	Category    Category  `json:"category,omitempty"`
	FireAt      time.Time `json:"fire_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Report summarizes a ReconcileAll run.
type Report struct {
	Subjects  int `json:"subjects"`
	Cancelled int `json:"cancelled"`
	Scheduled int `json:"scheduled"`
	Failed    int `json:"failed"`
}

// Engine orchestrates Policy, identifiers and the delivery Port.
//
// Mutating operations hold one lock for their whole duration, so a
// reconcile never interleaves with a single-subject upsert or cancel.
// Plan takes no lock.
type Engine struct {
	port   Port
	policy Policy
	format Formatter
	log    logx.Logger
	bus    eventbus.Bus

	mu sync.Mutex
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

func WithFormatter(f Formatter) Option { return func(e *Engine) { e.format = f } }

func NewEngine(port Port, policy Policy, opts ...Option) *Engine {
	e := &Engine{port: port, policy: policy}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.bus == nil {
		e.bus = eventbus.Nop{}
	}
	if e.format == nil {
		e.format = TextFormatter{Loc: policy.clock().Location()}
	}
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

// Plan computes the reminders subject should have right now, without
// touching the port.
func (e *Engine) Plan(subject Subject) []ScheduledReminder {
	subject = deref(subject)
	if subject == nil || !e.policy.Eligible(subject) {
		return nil
	}
	now := e.policy.clock().Now()

	var out []ScheduledReminder
	switch s := subject.(type) {
	case Task:
		if at, ok := e.policy.PrimaryFireTime(s); ok && at.After(now) {
			title, body := e.format.Task(s)
			out = append(out, e.build(s, CategoryTask, at, title, body))
		}
	case Subscription:
		if at, ok := e.policy.PrimaryFireTime(s); ok && at.After(now) {
			title, body := e.format.SubscriptionLead(s)
			out = append(out, e.build(s, CategorySubscriptionReminder, at, title, body))
		}
		if at, ok := e.policy.DueDayFireTime(s); ok && at.After(now) {
			title, body := e.format.SubscriptionDue(s)
			out = append(out, e.build(s, CategorySubscriptionDue, at, title, body))
		}
	}
	return out
}

func (e *Engine) build(s Subject, cat Category, at time.Time, title, body string) ScheduledReminder {
	return ScheduledReminder{
		Identifier: IdentifierFor(s.Kind(), s.SubjectID(), cat),
		FireAt:     at,
		Title:      title,
		Body:       body,
		Category:   cat,
		Metadata: map[string]string{
			MetaSubjectID: s.SubjectID().String(),
			MetaKind:      string(s.Kind()),
		},
	}
}

// ScheduleOne cancels whatever subject had pending and schedules its current
// reminders (0 or 1 for tasks, up to 2 for subscriptions).
//
// Each reminder is submitted independently. Failures are logged and joined
// into the returned error as *DeliveryError values; the returned slice holds
// the reminders the port accepted.
func (e *Engine) ScheduleOne(ctx context.Context, subject Subject) ([]ScheduledReminder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduleOne(ctx, subject)
}

// Upsert runs save and then schedules subject, both under the engine lock.
// A save error is returned as is and nothing is scheduled. A nil save only
// schedules.
func (e *Engine) Upsert(ctx context.Context, subject Subject, save func(context.Context) error) ([]ScheduledReminder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if save != nil {
		if err := save(ctx); err != nil {
			return nil, err
		}
	}
	return e.scheduleOne(ctx, subject)
}

func (e *Engine) scheduleOne(ctx context.Context, subject Subject) ([]ScheduledReminder, error) {
	subject = deref(subject)
	if subject == nil {
		return nil, nil
	}
	e.cancelOne(ctx, subject.Kind(), subject.SubjectID())

	planned := e.Plan(subject)
	if len(planned) == 0 {
		e.log.Debug("no reminders for subject",
			logx.String("kind", string(subject.Kind())),
			logx.String("id", subject.SubjectID().String()),
			logx.Bool("eligible", e.policy.Eligible(subject)),
		)
		return nil, nil
	}

	var (
		accepted []ScheduledReminder
		errs     []error
	)
	for _, r := range planned {
		if err := e.port.Schedule(ctx, r); err != nil {
			de := &DeliveryError{Identifier: r.Identifier, Err: err}
			errs = append(errs, de)
			e.log.Warn("reminder schedule failed",
				logx.String("id", r.Identifier),
				logx.String("category", string(r.Category)),
				logx.Time("fire_at", r.FireAt),
				logx.Err(err),
			)
			e.bus.Publish(eventbus.Event{Type: EventFailed, Data: ReminderEvent{
				Identifiers: []string{r.Identifier}, Category: r.Category, FireAt: r.FireAt, Error: err.Error(),
			}})
			continue
		}
		accepted = append(accepted, r)
		e.log.Debug("reminder scheduled",
			logx.String("id", r.Identifier),
			logx.String("category", string(r.Category)),
			logx.Time("fire_at", r.FireAt),
		)
		e.bus.Publish(eventbus.Event{Type: EventScheduled, Data: ReminderEvent{
			Identifiers: []string{r.Identifier}, Category: r.Category, FireAt: r.FireAt,
		}})
	}
	return accepted, errors.Join(errs...)
}

// CancelOne cancels every identifier the subject can own, regardless of its
// current eligibility.
func (e *Engine) CancelOne(ctx context.Context, kind Kind, id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelOne(ctx, kind, id)
}

// Remove runs remove and then cancels the subject's reminders, both under
// the engine lock. A remove error is returned as is and nothing is
// cancelled.
func (e *Engine) Remove(ctx context.Context, kind Kind, id uuid.UUID, remove func(context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if remove != nil {
		if err := remove(ctx); err != nil {
			return err
		}
	}
	e.cancelOne(ctx, kind, id)
	return nil
}

func (e *Engine) cancelOne(ctx context.Context, kind Kind, id uuid.UUID) {
	ids := IdentifiersFor(kind, id)
	e.port.Cancel(ctx, ids...)
	e.bus.Publish(eventbus.Event{Type: EventCancelled, Data: ReminderEvent{Identifiers: ids}})
}

// ReconcileAll cancels every pending reminder issued by the engine and then
// schedules subjects in input order, so the pending set mirrors exactly the
// eligible reminders of subjects.
func (e *Engine) ReconcileAll(ctx context.Context, subjects []Subject) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcile(ctx, subjects)
}

// ReconcileFrom loads the subjects and reconciles them without releasing the
// engine lock in between, so no upsert lands between the snapshot and the
// rebuild. A load error is returned as is and the port is left untouched.
func (e *Engine) ReconcileFrom(ctx context.Context, load func(context.Context) ([]Subject, error)) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subjects, err := load(ctx)
	if err != nil {
		return Report{}, err
	}
	return e.reconcile(ctx, subjects)
}

func (e *Engine) reconcile(ctx context.Context, subjects []Subject) (Report, error) {
	rep := Report{Subjects: len(subjects)}
	var errs []error

	pending, err := e.port.ListPending(ctx)
	if err != nil {
		e.log.Warn("list pending failed; reconciling without bulk cancel", logx.Err(err))
		errs = append(errs, err)
	}
	owned := make([]string, 0, len(pending))
	for _, id := range pending {
		if Owned(id) {
			owned = append(owned, id)
		}
	}
	if len(owned) > 0 {
		e.port.Cancel(ctx, owned...)
		e.bus.Publish(eventbus.Event{Type: EventCancelled, Data: ReminderEvent{Identifiers: owned}})
	}
	rep.Cancelled = len(owned)

	for _, s := range subjects {
		scheduled, err := e.scheduleOne(ctx, s)
		rep.Scheduled += len(scheduled)
		if err != nil {
			rep.Failed += countDeliveryErrors(err)
			errs = append(errs, err)
		}
	}

	e.log.Info("reconciled reminders",
		logx.Int("subjects", rep.Subjects),
		logx.Int("cancelled", rep.Cancelled),
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("failed", rep.Failed),
	)
	return rep, errors.Join(errs...)
}

func countDeliveryErrors(err error) int {
	if _, ok := err.(*DeliveryError); ok {
		return 1
	}
	j, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return 0
	}
	n := 0
	for _, e := range j.Unwrap() {
		n += countDeliveryErrors(e)
	}
	return n
}

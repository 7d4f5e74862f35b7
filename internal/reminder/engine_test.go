package reminder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/reminder/memport"
)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func tp(t time.Time) *time.Time { return &t }

var (
	netflixID = uuid.MustParse("0b6b2f7c-3d2a-4d8e-9f14-5e9d6c1a2b3c")
	rentID    = uuid.MustParse("9c5e1d2a-7f3b-4a6c-8d9e-0a1b2c3d4e5f")
)

func netflix() reminder.Subscription {
	return reminder.Subscription{
		ID:                 netflixID,
		Name:               "Netflix",
		FormattedAmount:    "$15.49",
		NextDueDate:        utc(2024, 6, 10, 0, 0),
		ReminderDaysBefore: 3,
		IsActive:           true,
	}
}

func payRent() reminder.Task {
	return reminder.Task{
		ID:           rentID,
		Title:        "Pay rent",
		DueDate:      tp(utc(2024, 6, 6, 0, 0)),
		ReminderDate: tp(utc(2024, 6, 5, 8, 0)),
	}
}

func newEngine(now time.Time, opts ...reminder.Option) (*reminder.Engine, *memport.Port) {
	port := memport.New()
	return reminder.NewEngine(port, reminder.NewPolicy(clock.Fixed(now)), opts...), port
}

func identifiers(rs []reminder.ScheduledReminder) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Identifier)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScheduleSubscriptionBothReminders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))

	got, err := e.ScheduleOne(ctx, netflix())
	if err != nil {
		t.Fatalf("ScheduleOne: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("accepted %d reminders, want 2", len(got))
	}

	lead, ok := port.Get("subscription-" + netflixID.String())
	if !ok {
		t.Fatal("primary reminder not pending")
	}
	if !lead.FireAt.Equal(utc(2024, 6, 7, 0, 0)) || lead.Category != reminder.CategorySubscriptionReminder {
		t.Fatalf("primary = %+v", lead)
	}
	if lead.Metadata[reminder.MetaSubjectID] != netflixID.String() || lead.Metadata[reminder.MetaKind] != "subscription" {
		t.Fatalf("primary metadata = %v", lead.Metadata)
	}

	due, ok := port.Get("subscription-due-" + netflixID.String())
	if !ok {
		t.Fatal("due-day reminder not pending")
	}
	if !due.FireAt.Equal(utc(2024, 6, 10, 9, 0)) || due.Category != reminder.CategorySubscriptionDue {
		t.Fatalf("due-day = %+v", due)
	}
	if due.Metadata[reminder.MetaSubjectID] != netflixID.String() {
		t.Fatalf("due-day metadata = %v", due.Metadata)
	}
}

func TestScheduleSubscriptionAfterLeadPassed(t *testing.T) {
	t.Parallel()
	e, port := newEngine(utc(2024, 6, 8, 0, 0))
	if _, err := e.ScheduleOne(context.Background(), netflix()); err != nil {
		t.Fatalf("ScheduleOne: %v", err)
	}
	pending, _ := port.ListPending(context.Background())
	want := []string{"subscription-due-" + netflixID.String()}
	if !equalStrings(pending, want) {
		t.Fatalf("pending = %v, want %v", pending, want)
	}
}

func TestScheduleTask(t *testing.T) {
	t.Parallel()
	e, port := newEngine(utc(2024, 6, 1, 0, 0))
	got, err := e.ScheduleOne(context.Background(), payRent())
	if err != nil || len(got) != 1 {
		t.Fatalf("ScheduleOne = %v, %v", got, err)
	}
	r, ok := port.Get("task-" + rentID.String())
	if !ok {
		t.Fatal("task reminder not pending")
	}
	if !r.FireAt.Equal(utc(2024, 6, 5, 8, 0)) || r.Title != "Task Reminder" || r.Body != "Pay rent - Due Jun 6, 2024" {
		t.Fatalf("task reminder = %+v", r)
	}
	if r.Category != reminder.CategoryTask || r.Metadata[reminder.MetaKind] != "task" {
		t.Fatalf("task reminder category/meta = %s %v", r.Category, r.Metadata)
	}
}

func TestIneligibleSubjectsCancelExisting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		now     time.Time
		subject reminder.Subject
		seed    []string
	}{
		{
			name: "task without reminder date",
			now:  utc(2024, 6, 1, 0, 0),
			subject: func() reminder.Subject {
				task := payRent()
				task.ReminderDate = nil
				return task
			}(),
			seed: []string{"task-" + rentID.String()},
		},
		{
			name: "task reminder in the past",
			now:  utc(2024, 6, 1, 0, 0),
			subject: func() reminder.Subject {
				task := payRent()
				task.ReminderDate = tp(utc(2024, 5, 30, 8, 0))
				task.DueDate = tp(utc(2024, 6, 9, 0, 0))
				return task
			}(),
			seed: []string{"task-" + rentID.String()},
		},
		{
			name: "completed task",
			now:  utc(2024, 6, 1, 0, 0),
			subject: func() reminder.Subject {
				task := payRent()
				task.IsCompleted = true
				return &task
			}(),
			seed: []string{"task-" + rentID.String()},
		},
		{
			name: "paused subscription",
			now:  utc(2024, 6, 1, 12, 0),
			subject: func() reminder.Subject {
				s := netflix()
				s.IsPaused = true
				return s
			}(),
			seed: []string{"subscription-" + netflixID.String(), "subscription-due-" + netflixID.String()},
		},
		{
			name: "inactive subscription",
			now:  utc(2024, 6, 1, 12, 0),
			subject: func() reminder.Subject {
				s := netflix()
				s.IsActive = false
				return s
			}(),
			seed: []string{"subscription-" + netflixID.String(), "subscription-due-" + netflixID.String()},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, port := newEngine(tt.now)
			for _, id := range tt.seed {
				port.Seed(reminder.ScheduledReminder{Identifier: id, FireAt: tt.now.Add(time.Hour)})
			}
			got, err := e.ScheduleOne(context.Background(), tt.subject)
			if err != nil || len(got) != 0 {
				t.Fatalf("ScheduleOne = %v, %v; want nothing", got, err)
			}
			if p := port.Pending(); len(p) != 0 {
				t.Fatalf("pending after ineligible schedule = %v", identifiers(p))
			}
		})
	}
}

func TestScheduleOneIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))

	if _, err := e.ScheduleOne(ctx, netflix()); err != nil {
		t.Fatal(err)
	}
	first := port.Pending()
	if _, err := e.ScheduleOne(ctx, netflix()); err != nil {
		t.Fatal(err)
	}
	second := port.Pending()
	if len(first) != len(second) {
		t.Fatalf("pending changed size: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Identifier != second[i].Identifier || !first[i].FireAt.Equal(second[i].FireAt) || first[i].Body != second[i].Body {
			t.Fatalf("pending changed: %+v vs %+v", first[i], second[i])
		}
	}
}

func TestScheduleOneCancelsBeforeScheduling(t *testing.T) {
	t.Parallel()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))
	if _, err := e.ScheduleOne(context.Background(), netflix()); err != nil {
		t.Fatal(err)
	}
	calls := port.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %+v, want cancel + 2 schedules", calls)
	}
	wantCancel := reminder.IdentifiersFor(reminder.KindSubscription, netflixID)
	if calls[0].Op != "cancel" || !equalStrings(calls[0].Identifiers, wantCancel) {
		t.Fatalf("first call = %+v, want cancel %v", calls[0], wantCancel)
	}
	if calls[1].Op != "schedule" || calls[2].Op != "schedule" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestCancelOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))
	if _, err := e.ScheduleOne(ctx, netflix()); err != nil {
		t.Fatal(err)
	}
	e.CancelOne(ctx, reminder.KindSubscription, netflixID)
	pending, err := port.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after CancelOne = %v", pending)
	}
	// Cancelling nothing is a no-op.
	e.CancelOne(ctx, reminder.KindTask, uuid.New())
}

func TestDeliveryFailureDoesNotBlockSibling(t *testing.T) {
	t.Parallel()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))
	boom := errors.New("quota exceeded")
	leadID := "subscription-" + netflixID.String()
	port.FailOn(leadID, boom)

	got, err := e.ScheduleOne(context.Background(), netflix())
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if !errors.Is(err, reminder.ErrDelivery) || !errors.Is(err, boom) {
		t.Fatalf("error %v does not wrap ErrDelivery and cause", err)
	}
	var de *reminder.DeliveryError
	if !errors.As(err, &de) || de.Identifier != leadID {
		t.Fatalf("errors.As DeliveryError = %+v", de)
	}
	if want := []string{"subscription-due-" + netflixID.String()}; !equalStrings(identifiers(got), want) {
		t.Fatalf("accepted = %v, want %v", identifiers(got), want)
	}
	if _, ok := port.Get("subscription-due-" + netflixID.String()); !ok {
		t.Fatal("due-day reminder missing after sibling failure")
	}
}

func TestReconcileAllMirrorsEligibleSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := utc(2024, 6, 1, 12, 0)
	e, port := newEngine(now)

	stale := "task-" + uuid.New().String()
	foreign := "habit-7"
	port.Seed(reminder.ScheduledReminder{Identifier: stale, FireAt: now.Add(time.Hour)})
	port.Seed(reminder.ScheduledReminder{Identifier: foreign, FireAt: now.Add(time.Hour)})

	paused := netflix()
	paused.ID = uuid.New()
	paused.IsPaused = true

	rep, err := e.ReconcileAll(ctx, []reminder.Subject{payRent(), netflix(), paused})
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if rep.Subjects != 3 || rep.Cancelled != 1 || rep.Scheduled != 3 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}

	pending, _ := port.ListPending(ctx)
	want := []string{
		foreign,
		"subscription-" + netflixID.String(),
		"subscription-due-" + netflixID.String(),
		"task-" + rentID.String(),
	}
	if !equalStrings(pending, want) {
		t.Fatalf("pending = %v, want %v", pending, want)
	}

	// Running again converges to the same set.
	if _, err := e.ReconcileAll(ctx, []reminder.Subject{payRent(), netflix(), paused}); err != nil {
		t.Fatal(err)
	}
	again, _ := port.ListPending(ctx)
	if !equalStrings(again, want) {
		t.Fatalf("second reconcile pending = %v, want %v", again, want)
	}
}

func TestReconcileAllEmptyCancelsEverythingOwned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))
	if _, err := e.ScheduleOne(ctx, netflix()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ScheduleOne(ctx, payRent()); err != nil {
		t.Fatal(err)
	}
	port.Seed(reminder.ScheduledReminder{Identifier: "calendar-42"})

	rep, err := e.ReconcileAll(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cancelled != 3 || rep.Scheduled != 0 {
		t.Fatalf("report = %+v", rep)
	}
	pending, _ := port.ListPending(ctx)
	if !equalStrings(pending, []string{"calendar-42"}) {
		t.Fatalf("pending = %v", pending)
	}
}

func TestReconcileAllListFailureStillSchedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))
	listErr := errors.New("backend unavailable")
	port.FailList(listErr)

	rep, err := e.ReconcileAll(ctx, []reminder.Subject{netflix()})
	if !errors.Is(err, listErr) {
		t.Fatalf("err = %v, want list error", err)
	}
	if rep.Scheduled != 2 {
		t.Fatalf("report = %+v, want 2 scheduled", rep)
	}
	if len(port.Pending()) != 2 {
		t.Fatalf("pending = %v", identifiers(port.Pending()))
	}
}

func TestReconcileAllCountsFailures(t *testing.T) {
	t.Parallel()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))
	port.FailOn("task-"+rentID.String(), errors.New("denied"))
	port.FailOn("subscription-due-"+netflixID.String(), errors.New("denied"))

	rep, err := e.ReconcileAll(context.Background(), []reminder.Subject{payRent(), netflix()})
	if err == nil {
		t.Fatal("expected joined delivery errors")
	}
	if rep.Failed != 2 || rep.Scheduled != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestPlanDoesNotTouchPort(t *testing.T) {
	t.Parallel()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))
	plan := e.Plan(netflix())
	if len(plan) != 2 {
		t.Fatalf("plan = %v", identifiers(plan))
	}
	if len(port.Calls()) != 0 {
		t.Fatalf("Plan made port calls: %+v", port.Calls())
	}
	if e.Plan(nil) != nil {
		t.Fatal("Plan(nil) should be empty")
	}
}

func TestEnginePublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "reminder.")
	defer unsub()

	e, port := newEngine(utc(2024, 6, 1, 12, 0), reminder.WithBus(bus))
	port.FailOn("subscription-"+netflixID.String(), errors.New("nope"))
	_, _ = e.ScheduleOne(context.Background(), netflix())

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{reminder.EventCancelled, reminder.EventFailed, reminder.EventScheduled}
	if !equalStrings(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestUpsertAndRemoveRunCallbacksFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))
	boom := errors.New("disk full")

	if got, err := e.Upsert(ctx, netflix(), func(context.Context) error { return boom }); !errors.Is(err, boom) || got != nil {
		t.Fatalf("Upsert = %v, %v; want save error", got, err)
	}
	if ids, _ := port.ListPending(ctx); len(ids) != 0 {
		t.Fatalf("pending after failed save = %v", ids)
	}

	saved := false
	got, err := e.Upsert(ctx, netflix(), func(context.Context) error { saved = true; return nil })
	if err != nil || !saved || len(got) != 2 {
		t.Fatalf("Upsert = %v, %v (saved=%v)", identifiers(got), err, saved)
	}

	if err := e.Remove(ctx, reminder.KindSubscription, netflixID, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Remove = %v, want save error", err)
	}
	if ids, _ := port.ListPending(ctx); len(ids) != 2 {
		t.Fatalf("pending after failed remove = %v", ids)
	}
	if err := e.Remove(ctx, reminder.KindSubscription, netflixID, nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ids, _ := port.ListPending(ctx); len(ids) != 0 {
		t.Fatalf("pending after remove = %v", ids)
	}
}

func TestReconcileFromLoadFailureLeavesPort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, port := newEngine(utc(2024, 6, 1, 12, 0))
	port.Seed(reminder.ScheduledReminder{Identifier: "task-keep", FireAt: utc(2024, 6, 2, 0, 0)})
	port.ResetCalls()

	boom := errors.New("store offline")
	if _, err := e.ReconcileFrom(ctx, func(context.Context) ([]reminder.Subject, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("ReconcileFrom = %v", err)
	}
	if calls := port.Calls(); len(calls) != 0 {
		t.Fatalf("port calls = %+v, want none", calls)
	}

	rep, err := e.ReconcileFrom(ctx, func(context.Context) ([]reminder.Subject, error) {
		return []reminder.Subject{payRent()}, nil
	})
	if err != nil || rep.Cancelled != 1 || rep.Scheduled != 1 {
		t.Fatalf("ReconcileFrom = %+v, %v", rep, err)
	}
}

package reconciler

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
	logx "remindbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 */6 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 6h", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:02:00", kind: SpecInterval, source: "hhmm", duration: 2 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0m", "cron:", "cron:99 * * * *", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

type source struct {
	subjects []reminder.Subject
	err      error
}

func (s *source) ListSubjects(context.Context) ([]reminder.Subject, error) {
	return s.subjects, s.err
}

func fixture(now time.Time) (*reminder.Engine, *memport.Port, *source) {
	port := memport.New()
	eng := reminder.NewEngine(port, reminder.NewPolicy(clock.Fixed(now)))
	rd := now.Add(24 * time.Hour)
	src := &source{subjects: []reminder.Subject{
		reminder.Task{ID: uuid.MustParse("6f1c1d5e-8a3b-4c2d-9e0f-112233445566"), Title: "Pay rent", ReminderDate: &rd},
	}}
	return eng, port, src
}

func TestRunNowReconciles(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, port, src := fixture(now)
	port.Seed(reminder.ScheduledReminder{Identifier: "task-stale", FireAt: now.Add(time.Hour)})

	s := New(eng, src, time.UTC, logx.Nop(), nil)
	rep, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if rep.Subjects != 1 || rep.Cancelled != 1 || rep.Scheduled != 1 {
		t.Fatalf("report = %+v", rep)
	}
	ids, _ := port.ListPending(context.Background())
	if len(ids) != 1 || ids[0] != "task-6f1c1d5e-8a3b-4c2d-9e0f-112233445566" {
		t.Fatalf("pending = %v", ids)
	}
	if last := s.Last(); last.Trigger != "manual" || last.Report != rep || last.Error != "" {
		t.Fatalf("Last = %+v", last)
	}
}

func TestRunNowSourceFailure(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, port, src := fixture(now)
	port.Seed(reminder.ScheduledReminder{Identifier: "task-keep", FireAt: now.Add(time.Hour)})
	src.err = errors.New("disk gone")

	s := New(eng, src, time.UTC, logx.Nop(), nil)
	if _, err := s.RunNow(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	// Nothing is cancelled when subjects cannot be loaded.
	if _, ok := port.Get("task-keep"); !ok {
		t.Fatal("pending reminder cancelled on source failure")
	}
	if s.Last().Error == "" {
		t.Fatal("Last should record the error")
	}
}

func TestScheduledRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, _, src := fixture(now)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, EventReconciled)
	defer unsub()

	s := New(eng, src, time.UTC, logx.Nop(), bus)
	if err := s.Start(context.Background(), "@every 1s"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	select {
	case ev := <-events:
		st, _ := ev.Data.(Status)
		if st.Trigger != "schedule" || st.Schedule != "@every 1s" || st.Report.Scheduled != 1 {
			t.Fatalf("status = %+v", st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no scheduled reconcile")
	}
}

func TestApplySchedule(t *testing.T) {
	t.Parallel()
	eng, _, src := fixture(time.Now())
	s := New(eng, src, time.UTC, logx.Nop(), nil)
	if err := s.Apply("1h"); err == nil {
		t.Fatal("Apply before Start should fail")
	}
	if err := s.Start(context.Background(), "off"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if err := s.Apply("bogus"); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	if err := s.Apply("6h"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.mu.Lock()
	spec, entries := s.spec, len(s.c.Entries())
	s.mu.Unlock()
	if spec != "6h" || entries != 1 {
		t.Fatalf("spec = %q entries = %d", spec, entries)
	}
	if err := s.Apply(""); err != nil {
		t.Fatalf("Apply(off): %v", err)
	}
	s.mu.Lock()
	entries = len(s.c.Entries())
	s.mu.Unlock()
	if entries != 0 {
		t.Fatalf("entries after disable = %d", entries)
	}
}

// racingSource starts an upsert while the snapshot is being taken and
// returns the snapshot from before it.
type racingSource struct {
	eng   *reminder.Engine
	stale []reminder.Subject
	late  reminder.Subject
	done  chan struct{}
}

func (s *racingSource) ListSubjects(ctx context.Context) ([]reminder.Subject, error) {
	go func() {
		defer close(s.done)
		_, _ = s.eng.ScheduleOne(context.Background(), s.late)
	}()
	select {
	case <-s.done:
	case <-time.After(50 * time.Millisecond):
	}
	return s.stale, nil
}

func TestRunNowKeepsUpsertDuringSnapshot(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, port, src := fixture(now)
	rd := now.Add(2 * time.Hour)
	late := reminder.Task{ID: uuid.MustParse("9a8b7c6d-5e4f-4a3b-8c2d-1e0f11223344"), Title: "Call bank", ReminderDate: &rd}
	rs := &racingSource{eng: eng, stale: src.subjects, late: late, done: make(chan struct{})}

	s := New(eng, rs, time.UTC, logx.Nop(), nil)
	if _, err := s.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	<-rs.done

	want := reminder.IdentifierFor(reminder.KindTask, late.ID, reminder.CategoryTask)
	if _, ok := port.Get(want); !ok {
		ids, _ := port.ListPending(context.Background())
		t.Fatalf("pending = %v, missing %s", ids, want)
	}
}

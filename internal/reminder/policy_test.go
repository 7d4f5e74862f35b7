package reminder

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/clock"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func netflix() Subscription {
	return Subscription{
		ID:                 uuid.MustParse("0b6b2f7c-3d2a-4d8e-9f14-5e9d6c1a2b3c"),
		Name:               "Netflix",
		FormattedAmount:    "$15.49",
		NextDueDate:        at(2024, 6, 10, 0, 0),
		ReminderDaysBefore: 3,
		IsActive:           true,
	}
}

func TestTaskEligibility(t *testing.T) {
	t.Parallel()
	p := NewPolicy(clock.Fixed(at(2024, 6, 1, 0, 0)))
	tests := []struct {
		name string
		task Task
		want bool
	}{
		{name: "future reminder", task: Task{ReminderDate: ptr(at(2024, 6, 5, 8, 0))}, want: true},
		{name: "no reminder", task: Task{DueDate: ptr(at(2024, 6, 5, 8, 0))}, want: false},
		{name: "past reminder", task: Task{ReminderDate: ptr(at(2024, 5, 30, 8, 0)), DueDate: ptr(at(2024, 6, 9, 0, 0))}, want: false},
		{name: "reminder at now", task: Task{ReminderDate: ptr(at(2024, 6, 1, 0, 0))}, want: false},
		{name: "completed", task: Task{ReminderDate: ptr(at(2024, 6, 5, 8, 0)), IsCompleted: true}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Eligible(tt.task); got != tt.want {
				t.Fatalf("Eligible = %v, want %v", got, tt.want)
			}
			if got := p.Eligible(&tt.task); got != tt.want {
				t.Fatalf("Eligible(pointer) = %v, want %v", got, tt.want)
			}
			_, ok := p.PrimaryFireTime(tt.task)
			if ok != tt.want {
				t.Fatalf("PrimaryFireTime present = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestTaskPrimaryIsReminderDateVerbatim(t *testing.T) {
	t.Parallel()
	p := NewPolicy(clock.Fixed(at(2024, 6, 1, 0, 0)))
	rd := time.Date(2024, 6, 5, 8, 0, 30, 500, time.UTC)
	got, ok := p.PrimaryFireTime(Task{ReminderDate: &rd})
	if !ok || !got.Equal(rd) {
		t.Fatalf("PrimaryFireTime = %v (%v), want %v", got, ok, rd)
	}
	if _, ok := p.DueDayFireTime(Task{ReminderDate: &rd}); ok {
		t.Fatal("tasks have no due-day reminder")
	}
}

func TestSubscriptionEligibility(t *testing.T) {
	t.Parallel()
	p := NewPolicy(clock.Fixed(at(2024, 6, 1, 12, 0)))
	s := netflix()
	if !p.Eligible(s) {
		t.Fatal("active subscription should be eligible")
	}
	s.IsPaused = true
	if p.Eligible(s) {
		t.Fatal("paused subscription should not be eligible")
	}
	s.IsPaused, s.IsActive = false, false
	if p.Eligible(s) {
		t.Fatal("inactive subscription should not be eligible")
	}
}

func TestSubscriptionFireTimes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		now         time.Time
		mutate      func(*Subscription)
		wantPrimary *time.Time
		wantDue     *time.Time
	}{
		{
			name:        "both reminders",
			now:         at(2024, 6, 1, 12, 0),
			wantPrimary: ptr(at(2024, 6, 7, 0, 0)),
			wantDue:     ptr(at(2024, 6, 10, 9, 0)),
		},
		{
			name:    "primary already passed",
			now:     at(2024, 6, 8, 0, 0),
			wantDue: ptr(at(2024, 6, 10, 9, 0)),
		},
		{
			name:        "carries due hour and minute",
			now:         at(2024, 6, 1, 12, 0),
			mutate:      func(s *Subscription) { s.NextDueDate = at(2024, 6, 10, 18, 45) },
			wantPrimary: ptr(at(2024, 6, 7, 18, 45)),
			wantDue:     ptr(at(2024, 6, 10, 9, 0)),
		},
		{
			name:    "lead time exceeds gap",
			now:     at(2024, 6, 1, 12, 0),
			mutate:  func(s *Subscription) { s.ReminderDaysBefore = 30 },
			wantDue: ptr(at(2024, 6, 10, 9, 0)),
		},
		{
			name:    "zero lead time collides with due day",
			now:     at(2024, 6, 1, 12, 0),
			mutate:  func(s *Subscription) { s.ReminderDaysBefore = 0 },
			wantDue: ptr(at(2024, 6, 10, 9, 0)),
		},
		{
			name:   "due date passed",
			now:    at(2024, 6, 10, 10, 0),
			mutate: func(s *Subscription) { s.NextDueDate = at(2024, 6, 10, 0, 0) },
		},
		{
			name:   "due later today but 09:00 passed",
			now:    at(2024, 6, 10, 10, 0),
			mutate: func(s *Subscription) { s.NextDueDate = at(2024, 6, 10, 12, 0) },
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewPolicy(clock.Fixed(tt.now))
			s := netflix()
			if tt.mutate != nil {
				tt.mutate(&s)
			}
			primary, ok := p.PrimaryFireTime(s)
			if (tt.wantPrimary != nil) != ok {
				t.Fatalf("primary present = %v, want %v (%v)", ok, tt.wantPrimary != nil, primary)
			}
			if ok && !primary.Equal(*tt.wantPrimary) {
				t.Fatalf("primary = %v, want %v", primary, *tt.wantPrimary)
			}
			due, ok := p.DueDayFireTime(s)
			if (tt.wantDue != nil) != ok {
				t.Fatalf("due present = %v, want %v (%v)", ok, tt.wantDue != nil, due)
			}
			if ok && !due.Equal(*tt.wantDue) {
				t.Fatalf("due = %v, want %v", due, *tt.wantDue)
			}
		})
	}
}

func TestDueDayTimeConfigurable(t *testing.T) {
	t.Parallel()
	p := Policy{Clock: clock.Fixed(at(2024, 6, 1, 12, 0)), DueDayHour: 7, DueDayMinute: 30}
	got, ok := p.DueDayFireTime(netflix())
	if !ok || !got.Equal(at(2024, 6, 10, 7, 30)) {
		t.Fatalf("DueDayFireTime = %v (%v), want 2024-06-10 07:30", got, ok)
	}
}

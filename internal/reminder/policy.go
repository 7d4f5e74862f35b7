package reminder

import (
	"time"

	"remindbot/internal/clock"
)

// Default time-of-day for the subscription due-day reminder.
const (
	DefaultDueDayHour   = 9
	DefaultDueDayMinute = 0
)

// Policy holds the pure scheduling decisions. It performs no I/O.
type Policy struct {
	Clock        clock.Clock
	DueDayHour   int
	DueDayMinute int
}

// NewPolicy returns a Policy with the default 09:00 due-day time.
func NewPolicy(c clock.Clock) Policy {
	return Policy{Clock: c, DueDayHour: DefaultDueDayHour, DueDayMinute: DefaultDueDayMinute}
}

func (p Policy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.New(time.Local)
	}
	return p.Clock
}

// Eligible reports whether subject may produce reminders at all.
func (p Policy) Eligible(subject Subject) bool {
	switch s := deref(subject).(type) {
	case Task:
		return s.ReminderDate != nil && s.ReminderDate.After(p.clock().Now()) && !s.IsCompleted
	case Subscription:
		return s.IsActive && !s.IsPaused
	default:
		return false
	}
}

// PrimaryFireTime returns the lead-time reminder instant, if any.
//
// Subscriptions fire ReminderDaysBefore calendar days before NextDueDate at
// the due date's hour and minute. A zero lead time coincides with the due day
// and yields no primary reminder.
func (p Policy) PrimaryFireTime(subject Subject) (time.Time, bool) {
	c := p.clock()
	now := c.Now()
	switch s := deref(subject).(type) {
	case Task:
		if !p.Eligible(s) {
			return time.Time{}, false
		}
		return *s.ReminderDate, true
	case Subscription:
		days := s.ReminderDaysBefore
		if days <= 0 {
			return time.Time{}, false
		}
		due := c.Components(s.NextDueDate)
		at := c.At(c.AddDays(s.NextDueDate, -days), due.Hour, due.Minute)
		if !at.After(now) {
			return time.Time{}, false
		}
		return at, true
	default:
		return time.Time{}, false
	}
}

// DueDayFireTime returns the subscription due-day reminder instant, if any.
// It is computed independently of the primary reminder.
func (p Policy) DueDayFireTime(subject Subject) (time.Time, bool) {
	s, ok := deref(subject).(Subscription)
	if !ok {
		return time.Time{}, false
	}
	c := p.clock()
	now := c.Now()
	if !s.NextDueDate.After(now) {
		return time.Time{}, false
	}
	at := c.At(s.NextDueDate, p.DueDayHour, p.DueDayMinute)
	if !at.After(now) {
		return time.Time{}, false
	}
	return at, true
}

func deref(subject Subject) Subject {
	switch s := subject.(type) {
	case *Task:
		if s == nil {
			return nil
		}
		return *s
	case *Subscription:
		if s == nil {
			return nil
		}
		return *s
	default:
		return subject
	}
}

// Package clock supplies "now" and calendar arithmetic for reminder decisions.
//
// All date math happens in the clock's location using time.Date, so adding
// days keeps the wall-clock time across DST transitions.
package clock

import "time"

// Components is a timestamp decomposed in the clock's location.
type Components struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
}

// Clock is the injectable time source used by the reminder policy.
type Clock interface {
	Now() time.Time
	Location() *time.Location
	StartOfDay(t time.Time) time.Time
	AddDays(t time.Time, n int) time.Time
	Components(t time.Time) Components
	// At returns the calendar day of t at hour:minute.
	At(t time.Time, hour, minute int) time.Time
}

type clock struct {
	now func() time.Time
	loc *time.Location
}

// New returns a wall-clock Clock in loc (time.Local when nil).
func New(loc *time.Location) Clock {
	return Func(time.Now, loc)
}

// Func returns a Clock backed by fn.
func Func(fn func() time.Time, loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	if fn == nil {
		fn = time.Now
	}
	return clock{now: fn, loc: loc}
}

// Fixed returns a Clock frozen at t, in t's location.
func Fixed(t time.Time) Clock {
	return Func(func() time.Time { return t }, t.Location())
}

func (c clock) Now() time.Time { return c.now().In(c.loc) }

func (c clock) Location() *time.Location { return c.loc }

func (c clock) StartOfDay(t time.Time) time.Time {
	return c.At(t, 0, 0)
}

func (c clock) AddDays(t time.Time, n int) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day()+n, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), c.loc)
}

func (c clock) Components(t time.Time) Components {
	t = t.In(c.loc)
	return Components{
		Year:   t.Year(),
		Month:  t.Month(),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
	}
}

func (c clock) At(t time.Time, hour, minute int) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, c.loc)
}

// LoadLocation resolves an IANA zone name, falling back to time.Local for "".
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

package reminder

import (
	"fmt"
	"strings"
	"time"
)

// DueDateLayout renders task due dates in reminder bodies ("Jun 6, 2024").
const DueDateLayout = "Jan 2, 2006"

// Formatter composes reminder title and body text from subject fields.
type Formatter interface {
	Task(t Task) (title, body string)
	SubscriptionLead(s Subscription) (title, body string)
	SubscriptionDue(s Subscription) (title, body string)
}

// TextFormatter is the default English Formatter. Loc controls the zone
// task due dates are rendered in (time.Local when nil).
type TextFormatter struct {
	Loc *time.Location
}

func (f TextFormatter) Task(t Task) (string, string) {
	body := strings.TrimSpace(t.Title)
	if t.DueDate != nil {
		loc := f.Loc
		if loc == nil {
			loc = time.Local
		}
		body += " - Due " + t.DueDate.In(loc).Format(DueDateLayout)
	}
	return "Task Reminder", body
}

func (f TextFormatter) SubscriptionLead(s Subscription) (string, string) {
	var when string
	switch s.ReminderDaysBefore {
	case 1:
		when = "is due tomorrow"
	default:
		when = fmt.Sprintf("is due in %d days", s.ReminderDaysBefore)
	}
	return "Upcoming payment: " + s.Name, subscriptionLabel(s) + " " + when
}

func (f TextFormatter) SubscriptionDue(s Subscription) (string, string) {
	return "Payment due today", subscriptionLabel(s) + " is due today"
}

func subscriptionLabel(s Subscription) string {
	name := strings.TrimSpace(s.Name)
	amount := strings.TrimSpace(s.FormattedAmount)
	if amount == "" {
		return name
	}
	return name + " (" + amount + ")"
}

package reminder

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the subject variant a reminder belongs to.
type Kind string

const (
	KindTask         Kind = "task"
	KindSubscription Kind = "subscription"
)

func (k Kind) Valid() bool { return k == KindTask || k == KindSubscription }

// Category is the notification category tag emitted with every reminder.
type Category string

const (
	CategoryTask                 Category = "task"
	CategorySubscriptionReminder Category = "subscription-reminder"
	CategorySubscriptionDue      Category = "subscription-due"
)

// Metadata keys attached to every ScheduledReminder.
const (
	MetaSubjectID = "subjectId"
	MetaKind      = "kind"
)

// Subject is a task or subscription that may generate reminders.
// Subjects are owned by the caller; the engine only reads them.
type Subject interface {
	Kind() Kind
	SubjectID() uuid.UUID
}

// Task is a to-do item with an optional absolute reminder instant.
type Task struct {
	ID           uuid.UUID  `json:"id" yaml:"id"`
	Title        string     `json:"title" yaml:"title"`
	DueDate      *time.Time `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	ReminderDate *time.Time `json:"reminder_date,omitempty" yaml:"reminder_date,omitempty"`
	IsCompleted  bool       `json:"is_completed" yaml:"is_completed"`
}

func (t Task) Kind() Kind           { return KindTask }
func (t Task) SubjectID() uuid.UUID { return t.ID }

// Subscription is a recurring payment with a lead-time reminder.
type Subscription struct {
	ID                 uuid.UUID `json:"id" yaml:"id"`
	Name               string    `json:"name" yaml:"name"`
	FormattedAmount    string    `json:"formatted_amount" yaml:"formatted_amount"`
	NextDueDate        time.Time `json:"next_due_date" yaml:"next_due_date"`
	ReminderDaysBefore int       `json:"reminder_days_before" yaml:"reminder_days_before"`
	IsActive           bool      `json:"is_active" yaml:"is_active"`
	IsPaused           bool      `json:"is_paused" yaml:"is_paused"`
}

func (s Subscription) Kind() Kind           { return KindSubscription }
func (s Subscription) SubjectID() uuid.UUID { return s.ID }

// ScheduledReminder is the unit handed to the delivery port.
// It is computed on demand and never persisted by the engine.
type ScheduledReminder struct {
	Identifier string            `json:"identifier"`
	FireAt     time.Time         `json:"fire_at"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Category   Category          `json:"category"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

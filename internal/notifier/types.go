package notifier

import (
	"time"

	"remindbot/internal/transport"
)

// Config controls the delivery pipeline.
type Config struct {
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// Target is the default chat for reminders.
	Target transport.Target
}

// Event types published on the bus.
const (
	EventDelivered = "reminder.delivered"
	EventDropped   = "reminder.dropped"
)

// Drop reasons.
const (
	ReasonDuplicate = "duplicate"
	ReasonQueueFull = "queue_full"
	ReasonFailed    = "send_failed"
	ReasonLate      = "missed"
)

// DeliveryEvent is the Data payload of notifier events.
type DeliveryEvent struct {
	Identifier string    `json:"identifier"`
	FireAt     time.Time `json:"fire_at"`
	MessageID  int       `json:"message_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// HistoryItem is a recently delivered reminder.
type HistoryItem struct {
	At         time.Time `json:"at"`
	Identifier string    `json:"identifier"`
	Title      string    `json:"title"`
}

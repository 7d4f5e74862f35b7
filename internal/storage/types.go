package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/reminder"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + append-only journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the delivery port, notifier,
// reconciler and admin API.
type Store interface {
	PutTask(ctx context.Context, t reminder.Task) error
	PutSubscription(ctx context.Context, s reminder.Subscription) error
	GetSubject(ctx context.Context, kind reminder.Kind, id uuid.UUID) (reminder.Subject, bool, error)
	DeleteSubject(ctx context.Context, kind reminder.Kind, id uuid.UUID) error
	// ListSubjects returns tasks then subscriptions, each ordered by id.
	ListSubjects(ctx context.Context) ([]reminder.Subject, error)

	PutPending(ctx context.Context, r reminder.ScheduledReminder) error
	DeletePending(ctx context.Context, identifiers ...string) error
	// ListPending returns pending reminders ordered by fire time.
	ListPending(ctx context.Context) ([]reminder.ScheduledReminder, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records a user action on a delivered reminder.
type AuditEntry struct {
	At         time.Time `json:"at"`
	ActorID    int64     `json:"actor_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Action     string    `json:"action"`
	Identifier string    `json:"identifier"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
}

package reminder

import (
	"context"
	"errors"
	"fmt"
)

// Port is the notification delivery mechanism the engine schedules against.
//
// Implementations guarantee at-most-once delivery per scheduled request and
// serialize their own state; the engine calls them without extra locking.
type Port interface {
	// RequestAuthorization reports whether deliveries can currently reach the
	// user. The engine never gates on it.
	RequestAuthorization(ctx context.Context) bool
	// Schedule registers r under r.Identifier, replacing any pending request
	// with the same identifier.
	Schedule(ctx context.Context, r ScheduledReminder) error
	// Cancel drops pending requests. Unknown identifiers are ignored.
	Cancel(ctx context.Context, identifiers ...string)
	// ListPending returns the identifiers of all pending requests.
	ListPending(ctx context.Context) ([]string, error)
}

// ErrDelivery is wrapped by every DeliveryError.
var ErrDelivery = errors.New("reminder delivery failed")

// DeliveryError reports a single failed Schedule call.
type DeliveryError struct {
	Identifier string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("schedule %s: %v", e.Identifier, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }

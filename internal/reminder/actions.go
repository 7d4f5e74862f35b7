package reminder

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Action is a named interaction offered alongside a delivered reminder.
// The engine only emits the category tag; the surrounding application
// interprets the actions.
type Action struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

const (
	ActionComplete = "complete"
	ActionSnooze   = "snooze"
	ActionPaid     = "paid"
)

// DefaultActions is the category/action table used by remindbot.
func DefaultActions() map[Category][]Action {
	return map[Category][]Action{
		CategoryTask: {
			{ID: ActionComplete, Label: "✅ Mark complete"},
			{ID: ActionSnooze, Label: "⏰ Snooze"},
		},
		CategorySubscriptionReminder: {
			{ID: ActionPaid, Label: "💳 Mark paid"},
			{ID: ActionSnooze, Label: "⏰ Snooze"},
		},
		CategorySubscriptionDue: {
			{ID: ActionPaid, Label: "💳 Mark paid"},
		},
	}
}

var (
	actionsMu sync.RWMutex
	actions   = DefaultActions()
)

var categoryKinds = map[Category]Kind{
	CategoryTask:                 KindTask,
	CategorySubscriptionReminder: KindSubscription,
	CategorySubscriptionDue:      KindSubscription,
}

// ValidateActions checks every action of table with encode against an
// identifier of its category. encode renders button data for one action.
func ValidateActions(table map[Category][]Action, encode func(action, identifier string) (string, error)) error {
	var errs []error
	for cat, list := range table {
		kind, ok := categoryKinds[cat]
		if !ok {
			errs = append(errs, fmt.Errorf("actions: unknown category %q", cat))
			continue
		}
		// identifiers of one category all have the same length
		id := IdentifierFor(kind, uuid.Nil, cat)
		for _, a := range list {
			if strings.TrimSpace(a.ID) == "" {
				errs = append(errs, fmt.Errorf("actions: %s: empty action id", cat))
				continue
			}
			if _, err := encode(a.ID, id); err != nil {
				errs = append(errs, fmt.Errorf("actions: %s on %s: %w", a.ID, cat, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RegisterActions validates table and replaces the process-wide
// category/action table with it. Call it once during startup.
func RegisterActions(table map[Category][]Action, encode func(action, identifier string) (string, error)) error {
	if err := ValidateActions(table, encode); err != nil {
		return err
	}
	cp := make(map[Category][]Action, len(table))
	for k, v := range table {
		cp[k] = append([]Action(nil), v...)
	}
	actionsMu.Lock()
	actions = cp
	actionsMu.Unlock()
	return nil
}

// ActionsFor returns the actions registered for category.
func ActionsFor(category Category) []Action {
	actionsMu.RLock()
	defer actionsMu.RUnlock()
	return append([]Action(nil), actions[category]...)
}

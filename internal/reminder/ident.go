package reminder

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identifier layout (stable across runs so a previously scheduled set can be
// cancelled):
//
//	task-<uuid>              task primary
//	subscription-<uuid>      subscription primary
//	subscription-due-<uuid>  subscription due-day
const dueInfix = "due-"

// IdentifierFor maps (kind, id, category) to the delivery key.
// The same triple always yields the same key and distinct triples never collide.
func IdentifierFor(kind Kind, id uuid.UUID, category Category) string {
	if category == CategorySubscriptionDue {
		return string(kind) + "-" + dueInfix + id.String()
	}
	return string(kind) + "-" + id.String()
}

// IdentifiersFor returns every identifier a subject of kind can own.
func IdentifiersFor(kind Kind, id uuid.UUID) []string {
	switch kind {
	case KindSubscription:
		return []string{
			IdentifierFor(kind, id, CategorySubscriptionReminder),
			IdentifierFor(kind, id, CategorySubscriptionDue),
		}
	default:
		return []string{IdentifierFor(kind, id, CategoryTask)}
	}
}

// Prefixes lists the identifier prefixes owned by the engine. Due-day
// identifiers share the subscription prefix.
func Prefixes() []string {
	return []string{string(KindTask) + "-", string(KindSubscription) + "-"}
}

// Owned reports whether identifier was issued by the engine.
func Owned(identifier string) bool {
	for _, p := range Prefixes() {
		if strings.HasPrefix(identifier, p) {
			return true
		}
	}
	return false
}

// ParseIdentifier reverses IdentifierFor.
func ParseIdentifier(identifier string) (Kind, uuid.UUID, Category, error) {
	kind, rest, ok := strings.Cut(identifier, "-")
	if !ok {
		return "", uuid.Nil, "", fmt.Errorf("invalid identifier %q", identifier)
	}
	switch Kind(kind) {
	case KindTask:
		id, err := uuid.Parse(rest)
		if err != nil {
			return "", uuid.Nil, "", fmt.Errorf("invalid identifier %q: %w", identifier, err)
		}
		return KindTask, id, CategoryTask, nil
	case KindSubscription:
		cat := CategorySubscriptionReminder
		if strings.HasPrefix(rest, dueInfix) {
			cat = CategorySubscriptionDue
			rest = rest[len(dueInfix):]
		}
		id, err := uuid.Parse(rest)
		if err != nil {
			return "", uuid.Nil, "", fmt.Errorf("invalid identifier %q: %w", identifier, err)
		}
		return KindSubscription, id, cat, nil
	default:
		return "", uuid.Nil, "", fmt.Errorf("invalid identifier %q: unknown kind", identifier)
	}
}

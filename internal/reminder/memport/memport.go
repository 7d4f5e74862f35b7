// Package memport is an in-memory reminder.Port used by tests and the
// dry-run planner.
package memport

import (
	"context"
	"sort"
	"sync"

	"remindbot/internal/reminder"
)

// Call records one Schedule or Cancel invocation, in order.
type Call struct {
	Op          string // "schedule" | "cancel"
	Identifiers []string
}

// Port keeps pending reminders in a map. It is safe for concurrent use.
type Port struct {
	mu         sync.Mutex
	pending    map[string]reminder.ScheduledReminder
	calls      []Call
	fail       map[string]error
	listErr    error
	authorized bool
}

func New() *Port {
	return &Port{pending: map[string]reminder.ScheduledReminder{}, fail: map[string]error{}, authorized: true}
}

// FailOn makes Schedule return err for identifier (nil clears it).
func (p *Port) FailOn(identifier string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, identifier)
		return
	}
	p.fail[identifier] = err
}

// FailList makes ListPending return err (nil clears it).
func (p *Port) FailList(err error) {
	p.mu.Lock()
	p.listErr = err
	p.mu.Unlock()
}

func (p *Port) SetAuthorized(v bool) {
	p.mu.Lock()
	p.authorized = v
	p.mu.Unlock()
}

func (p *Port) RequestAuthorization(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authorized
}

func (p *Port) Schedule(ctx context.Context, r reminder.ScheduledReminder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: "schedule", Identifiers: []string{r.Identifier}})
	if err := p.fail[r.Identifier]; err != nil {
		return err
	}
	p.pending[r.Identifier] = r
	return nil
}

func (p *Port) Cancel(ctx context.Context, identifiers ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: "cancel", Identifiers: append([]string(nil), identifiers...)})
	for _, id := range identifiers {
		delete(p.pending, id)
	}
}

func (p *Port) ListPending(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]string, 0, len(p.pending))
	for id := range p.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Seed inserts a pending reminder without recording a call.
func (p *Port) Seed(r reminder.ScheduledReminder) {
	p.mu.Lock()
	p.pending[r.Identifier] = r
	p.mu.Unlock()
}

// Get returns the pending reminder for identifier.
func (p *Port) Get(identifier string) (reminder.ScheduledReminder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.pending[identifier]
	return r, ok
}

// Pending returns all pending reminders sorted by fire time, then identifier.
func (p *Port) Pending() []reminder.ScheduledReminder {
	p.mu.Lock()
	out := make([]reminder.ScheduledReminder, 0, len(p.pending))
	for _, r := range p.pending {
		out = append(out, r)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}

func (p *Port) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

func (p *Port) ResetCalls() {
	p.mu.Lock()
	p.calls = nil
	p.mu.Unlock()
}

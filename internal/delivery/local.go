// Package delivery implements reminder.Port on top of in-process timers.
//
// Pending reminders are mirrored into the store so they survive restarts.
// When a timer fires the reminder is removed from the pending set before it
// is handed to the Deliverer, so a crash mid-delivery loses the reminder
// instead of sending it twice.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

var (
	ErrStopped         = errors.New("delivery port stopped")
	ErrPastFireTime    = errors.New("fire time is not in the future")
	ErrUnknownReminder = errors.New("unknown reminder")
)

// Deliverer receives reminders whose fire time has come.
type Deliverer interface {
	Deliver(ctx context.Context, r reminder.ScheduledReminder) error
}

// Rescheduler moves a pending or recently fired reminder to a new time.
type Rescheduler interface {
	Reschedule(ctx context.Context, identifier string, at time.Time) error
}

type Config struct {
	// MissedGrace bounds how late a reminder recovered on Start may still be
	// delivered. Zero drops every missed reminder.
	MissedGrace time.Duration
	// Authorize backs RequestAuthorization. Nil always authorizes.
	Authorize func(ctx context.Context) bool
}

// firedMemory bounds the recently fired reminders kept for Reschedule.
const firedMemory = 256

type entry struct {
	r       reminder.ScheduledReminder
	timer   *time.Timer
	version uint64
}

// Port is a reminder.Port backed by one timer per identifier.
type Port struct {
	cfg     Config
	clock   clock.Clock
	deliver Deliverer
	store   storage.Store
	log     logx.Logger
	bus     eventbus.Bus

	mu      sync.Mutex
	ctx     context.Context
	started bool
	stopped bool
	seq     uint64
	pending map[string]*entry
	fired   map[string]reminder.ScheduledReminder
	order   []string // fired, oldest first
	wg      sync.WaitGroup
}

// NewLocal builds a Port. store and bus may be nil.
func NewLocal(cfg Config, clk clock.Clock, d Deliverer, store storage.Store, log logx.Logger, bus eventbus.Bus) *Port {
	if clk == nil {
		clk = clock.New(time.Local)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Port{
		cfg:     cfg,
		clock:   clk,
		deliver: d,
		store:   store,
		log:     log,
		bus:     bus,
		ctx:     context.Background(),
		pending: map[string]*entry{},
		fired:   map[string]reminder.ScheduledReminder{},
	}
}

func (p *Port) RequestAuthorization(ctx context.Context) bool {
	if p.cfg.Authorize == nil {
		return true
	}
	return p.cfg.Authorize(ctx)
}

// Schedule registers r, replacing any pending reminder with the same
// identifier. Timers are armed once the port is started.
func (p *Port) Schedule(ctx context.Context, r reminder.ScheduledReminder) error {
	if r.Identifier == "" {
		return errors.New("schedule: empty identifier")
	}
	now := p.clock.Now()
	if !r.FireAt.After(now) {
		return fmt.Errorf("%w: %s at %s", ErrPastFireTime, r.Identifier, r.FireAt.Format(time.RFC3339))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.store != nil {
		if err := p.store.PutPending(ctx, r); err != nil {
			return fmt.Errorf("persist pending %s: %w", r.Identifier, err)
		}
	}
	p.upsertLocked(r, now)
	return nil
}

func (p *Port) upsertLocked(r reminder.ScheduledReminder, now time.Time) {
	if old, ok := p.pending[r.Identifier]; ok && old.timer != nil {
		old.timer.Stop()
	}
	p.forgetFiredLocked(r.Identifier)
	p.seq++
	e := &entry{r: r, version: p.seq}
	if p.started {
		e.timer = p.arm(r.Identifier, e.version, r.FireAt.Sub(now))
	}
	p.pending[r.Identifier] = e
}

func (p *Port) arm(id string, version uint64, d time.Duration) *time.Timer {
	return time.AfterFunc(max(d, 0), func() { p.fire(id, version) })
}

func (p *Port) Cancel(ctx context.Context, identifiers ...string) {
	if len(identifiers) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range identifiers {
		if e, ok := p.pending[id]; ok {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(p.pending, id)
		}
		p.forgetFiredLocked(id)
	}
	if p.store != nil {
		if err := p.store.DeletePending(ctx, identifiers...); err != nil {
			p.log.Warn("pending delete failed", logx.Strings("ids", identifiers), logx.Err(err))
		}
	}
}

// ListPending returns pending identifiers in lexical order.
func (p *Port) ListPending(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.pending))
	for id := range p.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Pending returns the pending reminders ordered by fire time.
func (p *Port) Pending() []reminder.ScheduledReminder {
	p.mu.Lock()
	out := make([]reminder.ScheduledReminder, 0, len(p.pending))
	for _, e := range p.pending {
		out = append(out, e.r)
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

// Reschedule moves identifier to at. Recently fired reminders can be
// rescheduled too, which is how snoozing works.
func (p *Port) Reschedule(ctx context.Context, identifier string, at time.Time) error {
	p.mu.Lock()
	var (
		r  reminder.ScheduledReminder
		ok bool
	)
	if e, found := p.pending[identifier]; found {
		r, ok = e.r, true
	} else {
		r, ok = p.fired[identifier]
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReminder, identifier)
	}
	r.FireAt = at
	return p.Schedule(ctx, r)
}

// Start recovers the persisted pending set and arms all timers. Reminders
// that fired while the process was down are delivered when they are at most
// MissedGrace late and dropped otherwise.
func (p *Port) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}

	var stored []reminder.ScheduledReminder
	if p.store != nil {
		var err error
		stored, err = p.store.ListPending(ctx)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("load pending: %w", err)
		}
	}

	now := p.clock.Now()
	var late, missed []reminder.ScheduledReminder
	for _, r := range stored {
		if _, ok := p.pending[r.Identifier]; ok {
			continue
		}
		switch {
		case r.FireAt.After(now):
			p.seq++
			p.pending[r.Identifier] = &entry{r: r, version: p.seq}
		case now.Sub(r.FireAt) <= p.cfg.MissedGrace:
			late = append(late, r)
		default:
			missed = append(missed, r)
		}
	}

	p.ctx = ctx
	p.started = true
	for id, e := range p.pending {
		e.timer = p.arm(id, e.version, e.r.FireAt.Sub(now))
	}
	armed := len(p.pending)
	for _, r := range late {
		p.rememberFiredLocked(r)
	}
	p.wg.Add(len(late))
	p.mu.Unlock()

	for _, r := range missed {
		p.drop(ctx, r, now)
	}
	for _, r := range late {
		go func(r reminder.ScheduledReminder) {
			defer p.wg.Done()
			p.handOff(ctx, r)
		}(r)
	}

	p.log.Info("delivery port started",
		logx.Int("armed", armed),
		logx.Int("late", len(late)),
		logx.Int("missed", len(missed)),
	)
	return nil
}

// Stop disarms every timer and waits for in-flight hand-offs. The persisted
// pending set is kept for the next Start.
func (p *Port) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, e := range p.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Port) fire(id string, version uint64) {
	p.mu.Lock()
	e, ok := p.pending[id]
	if !ok || e.version != version || p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.pending, id)
	p.rememberFiredLocked(e.r)
	ctx := p.ctx
	p.wg.Add(1)
	p.mu.Unlock()

	defer p.wg.Done()
	p.handOff(ctx, e.r)
}

func (p *Port) handOff(ctx context.Context, r reminder.ScheduledReminder) {
	if p.store != nil {
		if err := p.store.DeletePending(ctx, r.Identifier); err != nil {
			p.log.Warn("pending delete failed", logx.String("id", r.Identifier), logx.Err(err))
		}
	}
	if p.deliver == nil {
		p.log.Warn("no deliverer; reminder discarded", logx.String("id", r.Identifier))
		return
	}
	if err := p.deliver.Deliver(ctx, r); err != nil && !errors.Is(err, notifier.ErrDuplicate) {
		p.log.Warn("reminder hand-off failed", logx.String("id", r.Identifier), logx.Err(err))
	}
}

func (p *Port) drop(ctx context.Context, r reminder.ScheduledReminder, now time.Time) {
	if p.store != nil {
		if err := p.store.DeletePending(ctx, r.Identifier); err != nil {
			p.log.Warn("pending delete failed", logx.String("id", r.Identifier), logx.Err(err))
		}
	}
	p.log.Warn("missed reminder dropped",
		logx.String("id", r.Identifier),
		logx.Time("fire_at", r.FireAt),
		logx.Duration("late", now.Sub(r.FireAt)),
	)
	p.bus.Publish(eventbus.Event{Type: notifier.EventDropped, Data: notifier.DeliveryEvent{
		Identifier: r.Identifier, FireAt: r.FireAt, Reason: notifier.ReasonLate,
	}})
}

func (p *Port) rememberFiredLocked(r reminder.ScheduledReminder) {
	if _, ok := p.fired[r.Identifier]; !ok {
		p.order = append(p.order, r.Identifier)
	}
	p.fired[r.Identifier] = r
	for len(p.order) > firedMemory {
		delete(p.fired, p.order[0])
		p.order = p.order[1:]
	}
}

func (p *Port) forgetFiredLocked(id string) {
	if _, ok := p.fired[id]; !ok {
		return
	}
	delete(p.fired, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

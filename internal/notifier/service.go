package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrDuplicate = errors.New("reminder already delivered")
)

type job struct {
	r        reminder.ScheduledReminder
	dedupKey string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a Service. A nil sender logs deliveries instead of sending;
// store and bus may be nil.
func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if sender == nil {
		sender = LogSender{Log: log}
	}
	s := &Service{sender: sender, log: log, bus: bus, store: store, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		// Reminders are one-shot; keep marks well past any plausible retry.
		cfg.DedupWindow = 7 * 24 * time.Hour
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	s.cfg = cfg
	// Burst = rate per second so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight Deliver calls, then close so workers drain.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Deliver queues r for sending. A reminder occurrence that was already
// accepted returns ErrDuplicate without sending again.
func (s *Service) Deliver(ctx context.Context, r reminder.ScheduledReminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := DedupKey(r)
	if !s.dedupAllow(ctx, key, window, maxEntries) {
		s.log.Info("duplicate reminder suppressed", logx.String("id", r.Identifier), logx.Time("fire_at", r.FireAt))
		s.publishDrop(r, ReasonDuplicate, nil)
		return ErrDuplicate
	}

	select {
	case q <- job{r: r, dedupKey: key}:
		return nil
	default:
		s.log.Warn("reminder dropped (queue full)", logx.String("id", r.Identifier))
		s.publishDrop(r, ReasonQueueFull, ErrQueueFull)
		return ErrQueueFull
	}
}

// Suppress marks r as delivered without sending it, so a later Deliver of
// the same occurrence is dropped as a duplicate. The mark lasts until one
// dedup window past r.FireAt, so occurrences further out than the window
// stay silent too.
func (s *Service) Suppress(ctx context.Context, r reminder.ScheduledReminder) {
	s.mu.Lock()
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.mu.Unlock()
	now := time.Now()
	until := now.Add(window)
	if end := r.FireAt.Add(window); end.After(until) {
		until = end
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if cur, ok := s.dedup[DedupKey(r)]; ok && !cur.Before(until) {
		return
	}
	s.markLocked(ctx, DedupKey(r), now, until, maxEntries)
	s.log.Debug("reminder suppressed", logx.String("id", r.Identifier), logx.Time("fire_at", r.FireAt), logx.Time("until", until))
}

// Recent returns recently delivered reminders, oldest first.
func (s *Service) Recent() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(r reminder.ScheduledReminder) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Identifier: r.Identifier, Title: r.Title})
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	msg := s.render(cfg, j.r)
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ref, err := s.sender.Send(callCtx, msg)
		cancel()
		if err == nil {
			s.appendHistory(j.r)
			s.log.Info("reminder delivered",
				logx.String("id", j.r.Identifier),
				logx.String("category", string(j.r.Category)),
				logx.Int("attempt", attempt),
			)
			s.bus.Publish(eventbus.Event{Type: EventDelivered, Data: DeliveryEvent{
				Identifier: j.r.Identifier, FireAt: j.r.FireAt, MessageID: ref.MessageID,
			}})
			return
		}
		lastErr = err
		s.log.Debug("reminder send failed", logx.String("id", j.r.Identifier), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("reminder delivery failed", logx.String("id", j.r.Identifier), logx.Int("attempts", maxAttempts), logx.Err(lastErr))
	s.publishDrop(j.r, ReasonFailed, lastErr)
}

func (s *Service) publishDrop(r reminder.ScheduledReminder, reason string, err error) {
	ev := DeliveryEvent{Identifier: r.Identifier, FireAt: r.FireAt, Reason: reason}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: EventDropped, Data: ev})
}

// render builds the chat message: bold title, body and one button per
// registered action.
func (s *Service) render(cfg Config, r reminder.ScheduledReminder) transport.Message {
	var b strings.Builder
	if t := strings.TrimSpace(r.Title); t != "" {
		b.WriteString("<b>" + html.EscapeString(t) + "</b>\n")
	}
	b.WriteString(html.EscapeString(r.Body))

	msg := transport.Message{Target: cfg.Target, Text: b.String(), ParseMode: "HTML"}
	for _, a := range reminder.ActionsFor(r.Category) {
		data, err := transport.ActionData(a.ID, r.Identifier)
		if err != nil {
			s.log.Warn("action button skipped", logx.String("id", r.Identifier), logx.String("action", a.ID), logx.Err(err))
			continue
		}
		msg.Buttons = append(msg.Buttons, transport.Button{Label: a.Label, Data: data})
	}
	return msg
}

// DedupKey identifies one reminder occurrence: a rescheduled reminder with a
// new fire time is a new occurrence.
func DedupKey(r reminder.ScheduledReminder) string {
	return r.Identifier + "@" + strconv.FormatInt(r.FireAt.UnixMilli(), 10)
}

// dedupAllow marks key and reports whether it was unmarked.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err != nil {
			s.log.Debug("dedup lookup failed", logx.String("key", key), logx.Err(err))
		} else if ok && now.Before(until) {
			s.dedup[key] = until
			return false
		}
	}

	s.markLocked(ctx, key, now, now.Add(window), maxEntries)
	return true
}

// markLocked records key until the given time, evicting expired and excess
// entries. s.dmu must be held.
func (s *Service) markLocked(ctx context.Context, key string, now, until time.Time, maxEntries int) {
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest  string
			oldestT time.Time
		)
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestT) {
				oldest, oldestT = k, u
			}
		}
		delete(s.dedup, oldest)
	}

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Warn("dedup persist failed", logx.String("key", key), logx.Err(err))
		}
		cancel()
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt is the one that just failed; the delay precedes attempt+1.
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

// LogSender logs messages instead of sending them. It is used when no chat
// transport is configured.
type LogSender struct {
	Log logx.Logger
}

func (l LogSender) Send(ctx context.Context, msg transport.Message) (transport.MessageRef, error) {
	labels := make([]string, 0, len(msg.Buttons))
	for _, b := range msg.Buttons {
		labels = append(labels, b.Label)
	}
	l.Log.Info("reminder (no transport)", logx.String("text", msg.Text), logx.Strings("actions", labels))
	return transport.MessageRef{ChatID: msg.Target.ChatID, ThreadID: msg.Target.ThreadID}, nil
}

// Package redisport implements reminder.Port on Redis so several remindbot
// instances can share one pending set.
//
// Layout:
//
//	<prefix>pending          ZSET  member=identifier score=fire time (unix ms)
//	<prefix>reminder:<id>    STRING JSON ScheduledReminder
//
// Run polls due members and claims each with a script that checks the score,
// removes the member and reads the payload in one step; only the instance
// whose script removed the member delivers it. A cluster deployment needs a
// hash-tagged Prefix so both keys share a slot.
package redisport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"remindbot/internal/clock"
	"remindbot/internal/delivery"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Prefix       string
	PollInterval time.Duration
	Batch        int

	// MissedGrace bounds how late a claimed reminder may still be delivered.
	// Zero disables the check.
	MissedGrace time.Duration

	// FiredTTL keeps payloads of delivered reminders around for Reschedule.
	FiredTTL time.Duration

	Authorize func(ctx context.Context) bool
}

type Port struct {
	rdb     redis.UniversalClient
	cfg     Config
	clock   clock.Clock
	deliver delivery.Deliverer
	log     logx.Logger
	bus     eventbus.Bus
}

func New(rdb redis.UniversalClient, cfg Config, clk clock.Clock, d delivery.Deliverer, log logx.Logger, bus eventbus.Bus) *Port {
	if cfg.Prefix == "" {
		cfg.Prefix = "remindbot:"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.FiredTTL <= 0 {
		cfg.FiredTTL = 24 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if clk == nil {
		clk = clock.New(time.Local)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Port{rdb: rdb, cfg: cfg, clock: clk, deliver: d, log: log, bus: bus}
}

func (p *Port) pendingKey() string { return p.cfg.Prefix + "pending" }

func (p *Port) reminderKey(id string) string { return p.cfg.Prefix + "reminder:" + id }

// RequestAuthorization also requires Redis to answer PING.
func (p *Port) RequestAuthorization(ctx context.Context) bool {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		p.log.Warn("redis ping failed", logx.Err(err))
		return false
	}
	if p.cfg.Authorize == nil {
		return true
	}
	return p.cfg.Authorize(ctx)
}

func (p *Port) Schedule(ctx context.Context, r reminder.ScheduledReminder) error {
	if r.Identifier == "" {
		return errors.New("schedule: empty identifier")
	}
	if !r.FireAt.After(p.clock.Now()) {
		return fmt.Errorf("%w: %s at %s", delivery.ErrPastFireTime, r.Identifier, r.FireAt.Format(time.RFC3339))
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.Identifier, err)
	}
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, p.reminderKey(r.Identifier), payload, 0)
	pipe.ZAdd(ctx, p.pendingKey(), redis.Z{Score: float64(r.FireAt.UnixMilli()), Member: r.Identifier})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis schedule %s: %w", r.Identifier, err)
	}
	return nil
}

func (p *Port) Cancel(ctx context.Context, identifiers ...string) {
	if len(identifiers) == 0 {
		return
	}
	members := make([]any, 0, len(identifiers))
	keys := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		members = append(members, id)
		keys = append(keys, p.reminderKey(id))
	}
	pipe := p.rdb.TxPipeline()
	pipe.ZRem(ctx, p.pendingKey(), members...)
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("redis cancel failed", logx.Strings("ids", identifiers), logx.Err(err))
	}
}

// ListPending returns pending identifiers ordered by fire time.
func (p *Port) ListPending(ctx context.Context) ([]string, error) {
	ids, err := p.rdb.ZRange(ctx, p.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list pending: %w", err)
	}
	return ids, nil
}

// Reschedule moves a pending or recently delivered reminder to at.
func (p *Port) Reschedule(ctx context.Context, identifier string, at time.Time) error {
	r, err := p.load(ctx, identifier)
	if err != nil {
		return err
	}
	r.FireAt = at
	return p.Schedule(ctx, r)
}

func (p *Port) load(ctx context.Context, id string) (reminder.ScheduledReminder, error) {
	var r reminder.ScheduledReminder
	b, err := p.rdb.Get(ctx, p.reminderKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return r, fmt.Errorf("%w: %s", delivery.ErrUnknownReminder, id)
	}
	if err != nil {
		return r, fmt.Errorf("redis get %s: %w", id, err)
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("decode %s: %w", id, err)
	}
	return r, nil
}

// Run polls for due reminders until ctx is done.
func (p *Port) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("redis poll failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Poll claims and delivers up to Batch reminders due now.
func (p *Port) Poll(ctx context.Context) error {
	now := p.clock.Now()
	ids, err := p.rdb.ZRangeByScore(ctx, p.pendingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(p.cfg.Batch),
	}).Result()
	if err != nil {
		return fmt.Errorf("redis due: %w", err)
	}
	for _, id := range ids {
		r, ok, err := p.claim(ctx, id, now)
		if errors.Is(err, errUnreadable) {
			p.log.Warn("claimed reminder unreadable", logx.String("id", id), logx.Err(err))
			continue
		}
		if err != nil {
			return err
		}
		if !ok {
			continue // claimed elsewhere or moved later
		}

		if late := now.Sub(r.FireAt); p.cfg.MissedGrace > 0 && late > p.cfg.MissedGrace {
			p.log.Warn("missed reminder dropped", logx.String("id", id), logx.Time("fire_at", r.FireAt), logx.Duration("late", late))
			p.bus.Publish(eventbus.Event{Type: notifier.EventDropped, Data: notifier.DeliveryEvent{
				Identifier: id, FireAt: r.FireAt, Reason: notifier.ReasonLate,
			}})
			continue
		}
		if p.deliver == nil {
			continue
		}
		if err := p.deliver.Deliver(ctx, r); err != nil && !errors.Is(err, notifier.ErrDuplicate) {
			p.log.Warn("reminder hand-off failed", logx.String("id", id), logx.Err(err))
		}
	}
	return nil
}

var errUnreadable = errors.New("reminder payload unreadable")

// claimScript removes ARGV[1] from the pending set only while its score is
// at most ARGV[2], then returns the payload and starts its ARGV[3] ms TTL.
// It returns nil when the member is gone or not yet due.
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
  return false
end
redis.call('ZREM', KEYS[1], ARGV[1])
local payload = redis.call('GET', KEYS[2])
if not payload then
  return ''
end
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return payload
`)

// claim atomically takes id off the pending set if it is due at now and
// returns its payload. ok is false when another claimer won or the
// reminder was rescheduled past now.
func (p *Port) claim(ctx context.Context, id string, now time.Time) (r reminder.ScheduledReminder, ok bool, err error) {
	keys := []string{p.pendingKey(), p.reminderKey(id)}
	payload, err := claimScript.Run(ctx, p.rdb, keys, id, now.UnixMilli(), p.cfg.FiredTTL.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("redis claim %s: %w", id, err)
	}
	if payload == "" {
		return r, false, fmt.Errorf("%w: %s: no payload", errUnreadable, id)
	}
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return r, false, fmt.Errorf("%w: %s: %v", errUnreadable, id, err)
	}
	return r, true, nil
}

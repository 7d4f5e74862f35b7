package redisport

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"remindbot/internal/clock"
	"remindbot/internal/delivery"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// testClient runs against an in-process miniredis. Set
// REMINDBOT_TEST_REDIS=host:port to use a live server instead.
func testClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("REMINDBOT_TEST_REDIS")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) Deliver(ctx context.Context, sr reminder.ScheduledReminder) error {
	r.mu.Lock()
	r.got = append(r.got, sr.Identifier)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func newPort(t *testing.T, rdb redis.UniversalClient, now *time.Time, d delivery.Deliverer) *Port {
	t.Helper()
	prefix := "remindbot-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(ctx, keys...).Err()
		}
	})
	clk := clock.Func(func() time.Time { return *now }, time.UTC)
	return New(rdb, Config{Prefix: prefix, MissedGrace: 15 * time.Minute}, clk, d, logx.Nop(), nil)
}

func rem(id string, at time.Time) reminder.ScheduledReminder {
	return reminder.ScheduledReminder{Identifier: id, FireAt: at, Title: "t", Body: "b", Category: reminder.CategoryTask}
}

func TestScheduleCancelList(t *testing.T) {
	t.Parallel()
	rdb := testClient(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	p := newPort(t, rdb, &now, nil)
	ctx := context.Background()

	if err := p.Schedule(ctx, rem("task-b", now.Add(2*time.Hour))); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := p.Schedule(ctx, rem("task-a", now.Add(time.Hour))); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// Upsert moves task-b ahead of task-a.
	if err := p.Schedule(ctx, rem("task-b", now.Add(time.Minute))); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	ids, err := p.ListPending(ctx)
	if err != nil || !reflect.DeepEqual(ids, []string{"task-b", "task-a"}) {
		t.Fatalf("ListPending = %v, %v", ids, err)
	}

	p.Cancel(ctx, "task-b", "unknown")
	ids, _ = p.ListPending(ctx)
	if !reflect.DeepEqual(ids, []string{"task-a"}) {
		t.Fatalf("ListPending after cancel = %v", ids)
	}
	if err := p.Schedule(ctx, rem("task-c", now)); !errors.Is(err, delivery.ErrPastFireTime) {
		t.Fatalf("Schedule(now) = %v", err)
	}
}

func TestPollClaimsOnce(t *testing.T) {
	t.Parallel()
	rdb := testClient(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &recorder{}
	p := newPort(t, rdb, &now, rec)
	ctx := context.Background()

	_ = p.Schedule(ctx, rem("task-a", now.Add(time.Minute)))
	_ = p.Schedule(ctx, rem("task-b", now.Add(time.Hour)))

	now = now.Add(2 * time.Minute)
	// A second instance sharing the prefix must not deliver task-a again.
	other := New(rdb, p.cfg, p.clock, rec, logx.Nop(), nil)
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := other.Poll(ctx); err != nil {
		t.Fatalf("Poll other: %v", err)
	}
	if got := rec.ids(); !reflect.DeepEqual(got, []string{"task-a"}) {
		t.Fatalf("delivered = %v", got)
	}
	ids, _ := p.ListPending(ctx)
	if !reflect.DeepEqual(ids, []string{"task-b"}) {
		t.Fatalf("ListPending = %v", ids)
	}

	// Snooze after delivery.
	if err := p.Reschedule(ctx, "task-a", now.Add(10*time.Minute)); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	ids, _ = p.ListPending(ctx)
	if !reflect.DeepEqual(ids, []string{"task-a", "task-b"}) {
		t.Fatalf("ListPending after snooze = %v", ids)
	}
}

func TestPollDropsMissed(t *testing.T) {
	t.Parallel()
	rdb := testClient(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &recorder{}
	p := newPort(t, rdb, &now, rec)
	ctx := context.Background()

	_ = p.Schedule(ctx, rem("task-a", now.Add(time.Minute)))
	now = now.Add(time.Hour)
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := rec.ids(); len(got) != 0 {
		t.Fatalf("delivered = %v, want none", got)
	}
	if err := p.Reschedule(ctx, "task-unknown", now.Add(time.Minute)); !errors.Is(err, delivery.ErrUnknownReminder) {
		t.Fatalf("Reschedule unknown = %v", err)
	}
}

func TestClaimSkipsRescheduledMember(t *testing.T) {
	t.Parallel()
	rdb := testClient(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	p := newPort(t, rdb, &now, nil)
	ctx := context.Background()

	_ = p.Schedule(ctx, rem("task-a", now.Add(time.Minute)))
	due := now.Add(2 * time.Minute)

	// Another instance moves task-a out after this one saw it as due.
	later := rem("task-a", due.Add(time.Hour))
	later.Title = "moved"
	if err := p.Schedule(ctx, later); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, ok, err := p.claim(ctx, "task-a", due); err != nil || ok {
		t.Fatalf("claim before new fire time = %v, %v; want not claimed", ok, err)
	}
	ids, _ := p.ListPending(ctx)
	if !reflect.DeepEqual(ids, []string{"task-a"}) {
		t.Fatalf("ListPending = %v", ids)
	}

	r, ok, err := p.claim(ctx, "task-a", due.Add(2*time.Hour))
	if err != nil || !ok || r.Title != "moved" {
		t.Fatalf("claim = %+v, %v, %v", r, ok, err)
	}
	if _, ok, _ := p.claim(ctx, "task-a", due.Add(2*time.Hour)); ok {
		t.Fatal("second claim succeeded")
	}
	ttl, err := rdb.PTTL(ctx, p.reminderKey("task-a")).Result()
	if err != nil || ttl <= 0 || ttl > p.cfg.FiredTTL {
		t.Fatalf("payload ttl = %v, %v; want (0, %v]", ttl, err, p.cfg.FiredTTL)
	}
}

func TestPollSkipsUnreadablePayload(t *testing.T) {
	t.Parallel()
	rdb := testClient(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &recorder{}
	p := newPort(t, rdb, &now, rec)
	ctx := context.Background()

	_ = p.Schedule(ctx, rem("task-a", now.Add(time.Minute)))
	_ = p.Schedule(ctx, rem("task-b", now.Add(2*time.Minute)))
	if err := rdb.Set(ctx, p.reminderKey("task-a"), "{", 0).Err(); err != nil {
		t.Fatalf("Set: %v", err)
	}
	now = now.Add(3 * time.Minute)
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := rec.ids(); !reflect.DeepEqual(got, []string{"task-b"}) {
		t.Fatalf("delivered = %v", got)
	}
	if ids, _ := p.ListPending(ctx); len(ids) != 0 {
		t.Fatalf("ListPending = %v", ids)
	}
}

func TestRescheduleMovesPending(t *testing.T) {
	t.Parallel()
	rdb := testClient(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	p := newPort(t, rdb, &now, nil)
	ctx := context.Background()

	_ = p.Schedule(ctx, rem("task-a", now.Add(time.Hour)))
	_ = p.Schedule(ctx, rem("task-b", now.Add(2*time.Hour)))
	if err := p.Reschedule(ctx, "task-a", now.Add(3*time.Hour)); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	ids, _ := p.ListPending(ctx)
	if !reflect.DeepEqual(ids, []string{"task-b", "task-a"}) {
		t.Fatalf("ListPending = %v", ids)
	}
	score, err := rdb.ZScore(ctx, p.pendingKey(), "task-a").Result()
	if err != nil || int64(score) != now.Add(3*time.Hour).UnixMilli() {
		t.Fatalf("score = %v, %v", score, err)
	}
	if err := p.Reschedule(ctx, "task-a", now.Add(-time.Minute)); !errors.Is(err, delivery.ErrPastFireTime) {
		t.Fatalf("Reschedule into past = %v", err)
	}
}

var (
	_ reminder.Port        = (*Port)(nil)
	_ delivery.Rescheduler = (*Port)(nil)
)

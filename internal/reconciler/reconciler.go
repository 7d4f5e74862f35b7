// Package reconciler periodically rebuilds the pending reminder set from the
// stored subjects.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// EventReconciled is published after every run with a Status payload.
const EventReconciled = "reconcile.completed"

// SubjectSource lists every known subject.
type SubjectSource interface {
	ListSubjects(ctx context.Context) ([]reminder.Subject, error)
}

// Status describes the last run.
type Status struct {
	Schedule string          `json:"schedule,omitempty"`
	At       time.Time       `json:"at,omitempty"`
	Took     time.Duration   `json:"took,omitempty"`
	Trigger  string          `json:"trigger,omitempty"`
	Report   reminder.Report `json:"report"`
	Error    string          `json:"error,omitempty"`
}

type Service struct {
	engine *reminder.Engine
	src    SubjectSource
	log    logx.Logger
	bus    eventbus.Bus
	loc    *time.Location

	mu    sync.Mutex
	ctx   context.Context
	c     *cron.Cron
	entry cron.EntryID
	spec  string

	// runMu serializes runs; scheduled runs skip while one is in flight.
	runMu sync.Mutex

	smu  sync.Mutex
	last Status
}

func New(engine *reminder.Engine, src SubjectSource, loc *time.Location, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{engine: engine, src: src, log: log, bus: bus, loc: loc, ctx: context.Background()}
}

// Start begins periodic runs on schedule. An empty schedule or "off" only
// allows RunNow.
func (s *Service) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	if err := s.applyLocked(schedule); err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	return nil
}

// Apply swaps the schedule of a started service.
func (s *Service) Apply(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errors.New("reconciler not started")
	}
	if strings.TrimSpace(schedule) == s.spec {
		return nil
	}
	return s.applyLocked(schedule)
}

func (s *Service) applyLocked(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	var sched cron.Schedule
	if schedule != "" && !strings.EqualFold(schedule, "off") {
		ps, err := ParseSchedule(schedule)
		if err != nil {
			return err
		}
		if sched, err = ps.Schedule(); err != nil {
			return fmt.Errorf("reconcile schedule: %w", err)
		}
	}
	if s.entry != 0 {
		s.c.Remove(s.entry)
		s.entry = 0
	}
	s.spec = schedule
	if sched == nil {
		s.log.Info("periodic reconcile disabled")
		return nil
	}
	s.entry = s.c.Schedule(sched, cron.FuncJob(s.scheduledRun))
	s.log.Info("reconcile scheduled", logx.String("schedule", schedule), logx.Time("next", sched.Next(time.Now().In(s.loc))))
	return nil
}

func (s *Service) scheduledRun() {
	if !s.runMu.TryLock() {
		s.log.Warn("reconcile still running; skipping tick")
		return
	}
	defer s.runMu.Unlock()
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	_, _ = s.run(ctx, "schedule")
}

// RunNow reconciles immediately, waiting for an in-flight run first.
func (s *Service) RunNow(ctx context.Context) (reminder.Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.run(ctx, "manual")
}

func (s *Service) run(ctx context.Context, trigger string) (reminder.Report, error) {
	start := time.Now()
	var listErr error
	rep, err := s.engine.ReconcileFrom(ctx, func(ctx context.Context) ([]reminder.Subject, error) {
		subjects, err := s.src.ListSubjects(ctx)
		if err != nil {
			listErr = fmt.Errorf("list subjects: %w", err)
			return nil, listErr
		}
		return subjects, nil
	})
	if listErr != nil {
		s.log.Warn("reconcile aborted", logx.String("trigger", trigger), logx.Err(listErr))
		s.record(Status{At: start, Trigger: trigger, Error: listErr.Error()})
		return reminder.Report{}, listErr
	}
	st := Status{At: start, Took: time.Since(start), Trigger: trigger, Report: rep}
	if err != nil {
		st.Error = err.Error()
	}
	s.record(st)
	return rep, err
}

func (s *Service) record(st Status) {
	s.mu.Lock()
	st.Schedule = s.spec
	s.mu.Unlock()

	s.smu.Lock()
	s.last = st
	s.smu.Unlock()
	s.bus.Publish(eventbus.Event{Type: EventReconciled, Data: st})
}

// Last returns the status of the most recent run.
func (s *Service) Last() Status {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.last
}

// Stop stops the cron scheduler and waits for a running job until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"remindbot/internal/api"
	"remindbot/internal/clock"
	"remindbot/internal/config"
	"remindbot/internal/delivery"
	"remindbot/internal/delivery/redisport"
	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reconciler"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock clock.Clock

	adapter transport.Adapter // nil when Telegram is disabled
	target  transport.Target

	notif   *notifier.Service
	port    reminder.Port
	resched delivery.Rescheduler
	local   *delivery.Port
	remote  *redisport.Port
	rdb     *redis.Client

	engine *reminder.Engine
	rec    *reconciler.Service
	api    *api.Server

	snooze  atomic.Int64 // time.Duration
	updates chan transport.Update
}

// NewApp loads the config and builds every component without starting any.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		target:  transport.Target{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		updates: make(chan transport.Update, 256),
	}
	if err := a.build(cfg, logSvc.Logger()); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	loc, err := cfg.Reminders.Location()
	if err != nil {
		return err
	}
	a.clock = clock.New(loc)

	snooze, err := cfg.Reminders.SnoozeDuration()
	if err != nil {
		return err
	}
	a.snooze.Store(int64(snooze))

	sc, err := cfg.StorageSettings()
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	if st != nil {
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.log.Warn("storage disabled; pending reminders and delivery marks are not persisted")
	}

	if cfg.Telegram.Enabled() {
		pt, err := cfg.Telegram.PollTimeoutDuration()
		if err != nil {
			return err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			ChatID:      cfg.Telegram.ChatID,
			PollTimeout: pt,
		}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.adapter = ad
	} else {
		a.log.Warn("telegram disabled; reminders are only logged")
	}

	if err := reminder.RegisterActions(reminder.DefaultActions(), transport.ActionData); err != nil {
		return err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	var sender transport.Sender
	if a.adapter != nil {
		sender = a.adapter
	}
	a.notif = notifier.New(ncfg, sender, root.With(logx.String("comp", "notifier")), a.bus, a.store)

	if err := a.buildPort(cfg, root); err != nil {
		return err
	}

	policy, err := mapPolicy(cfg, a.clock)
	if err != nil {
		return err
	}
	a.engine = reminder.NewEngine(a.port, policy,
		reminder.WithLogger(root.With(logx.String("comp", "engine"))),
		reminder.WithBus(a.bus),
	)

	if a.store != nil {
		a.rec = reconciler.New(a.engine, a.store, loc, root.With(logx.String("comp", "reconciler")), a.bus)
	}

	if cfg.API.Enabled {
		acfg, err := mapAPIConfig(cfg)
		if err != nil {
			return err
		}
		deps := api.Deps{
			Engine: a.engine,
			Port:   a.port,
			Store:  a.store,
			Health: a.health,
			Log:    root.With(logx.String("comp", "api")),
			Pprof:  cfg.API.Pprof,
		}
		if a.rec != nil {
			deps.Reconciler = a.rec
		}
		a.api = api.NewServer(acfg, api.NewRouter(deps), root.With(logx.String("comp", "api")))
	}
	return nil
}

func (a *App) buildPort(cfg *config.Config, root logx.Logger) error {
	grace, err := cfg.Delivery.MissedGraceDuration()
	if err != nil {
		return err
	}
	authorize := a.authorize
	switch cfg.Delivery.DriverName() {
	case "redis":
		poll, err := cfg.Delivery.Redis.PollIntervalDuration()
		if err != nil {
			return err
		}
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     strings.TrimSpace(cfg.Delivery.Redis.Addr),
			Password: cfg.Delivery.Redis.Password,
			DB:       cfg.Delivery.Redis.DB,
		})
		a.remote = redisport.New(a.rdb, redisport.Config{
			Prefix:       cfg.Delivery.Redis.Prefix(),
			PollInterval: poll,
			MissedGrace:  grace,
			Authorize:    authorize,
		}, a.clock, a.notif, root.With(logx.String("comp", "delivery.redis")), a.bus)
		a.port, a.resched = a.remote, a.remote
	default:
		a.local = delivery.NewLocal(delivery.Config{MissedGrace: grace, Authorize: authorize},
			a.clock, a.notif, a.store, root.With(logx.String("comp", "delivery")), a.bus)
		a.port, a.resched = a.local, a.local
	}
	a.log.Info("delivery port ready", logx.String("driver", cfg.Delivery.DriverName()))
	return nil
}

// authorize reports whether reminders can reach the user: the configured
// chat must be reachable. Without Telegram, deliveries are logged and always
// "reach" the operator.
func (a *App) authorize(ctx context.Context) bool {
	if a.adapter == nil {
		return true
	}
	if err := a.adapter.Ping(ctx); err != nil {
		a.log.Warn("telegram chat unreachable", logx.Int64("chat_id", a.target.ChatID), logx.Err(err))
		return false
	}
	return true
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
		a.sup.Go0("updates.dispatch", a.dispatchLoop)
	}

	a.notif.Start(run)

	switch {
	case a.local != nil:
		if err := a.local.Start(run); err != nil {
			return err
		}
	case a.remote != nil:
		a.sup.GoRestart("delivery.redis.poll", a.remote.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	authCtx, cancel := context.WithTimeout(run, 10*time.Second)
	if !a.port.RequestAuthorization(authCtx) {
		a.log.Warn("reminder delivery not authorized; scheduling anyway")
	}
	cancel()

	if a.rec != nil {
		if err := a.rec.Start(run, a.cfgm.Get().Reminders.ReconcileSpec()); err != nil {
			return err
		}
		if _, err := a.rec.RunNow(run); err != nil {
			a.log.Warn("initial reconcile finished with errors", logx.Err(err))
		}
	}

	if a.api != nil {
		if err := a.api.Start(run); err != nil {
			return err
		}
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c, func() bool { return a.sup.Err() == nil }); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	pending, _ := a.port.ListPending(run)
	_, _ = systemd.Status(fmt.Sprintf("%d reminders pending", len(pending)))

	a.log.Info("app started", logx.Int("pending", len(pending)))
	return nil
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if snooze, err := newCfg.Reminders.SnoozeDuration(); err == nil {
		a.snooze.Store(int64(snooze))
	}
	if a.rec != nil {
		if err := a.rec.Apply(newCfg.Reminders.ReconcileSpec()); err != nil {
			a.log.Warn("invalid reconcile schedule; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) health() map[string]any {
	out := map[string]any{}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	if a.rec != nil {
		out["last_reconcile"] = a.rec.Last()
	}
	out["recent_deliveries"] = len(a.notif.Recent())
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	step("reconciler", 2*time.Second, func(c context.Context) error {
		if a.rec != nil {
			return a.rec.Stop(c)
		}
		return nil
	})
	step("delivery", 2*time.Second, func(c context.Context) error {
		if a.local != nil {
			return a.local.Stop(c)
		}
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.rdb != nil {
			_ = a.rdb.Close()
		}
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeEarly releases resources of an app that never started.
func (a *App) closeEarly() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

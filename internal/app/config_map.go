package app

import (
	"errors"
	"strings"
	"time"

	"remindbot/internal/api"
	"remindbot/internal/clock"
	"remindbot/internal/config"
	"remindbot/internal/notifier"
	"remindbot/internal/reconciler"
	"remindbot/internal/reminder"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Target: transport.Target{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.DedupMaxEntries = n.DedupMaxEntries

	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapPolicy(cfg *config.Config, clk clock.Clock) (reminder.Policy, error) {
	h, m, err := cfg.Reminders.DueDayClock()
	if err != nil {
		return reminder.Policy{}, err
	}
	p := reminder.NewPolicy(clk)
	p.DueDayHour, p.DueDayMinute = h, m
	return p, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, config.DefaultAPITimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, config.DefaultAPITimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{Addr: cfg.API.Address(), ReadTimeout: read, WriteTimeout: write}, nil
}

// validate runs before a reloaded config is committed.
func validate(cfg *config.Config) error {
	err := config.Validate(cfg)
	if cfg == nil {
		return err
	}
	spec := cfg.Reminders.ReconcileSpec()
	if strings.EqualFold(strings.TrimSpace(spec), "off") {
		return err
	}
	if _, perr := reconciler.ParseSchedule(spec); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

func snoozeOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return config.DefaultSnooze
	}
	return d
}

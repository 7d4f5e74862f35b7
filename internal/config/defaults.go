package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/storage"
)

const (
	DefaultDueDayTime   = "09:00"
	DefaultSnooze       = 10 * time.Minute
	DefaultReconcile    = "@every 6h"
	DefaultMissedGrace  = 15 * time.Minute
	DefaultPollTimeout  = 10 * time.Second
	DefaultRedisPrefix  = "remindbot:"
	DefaultRedisPoll    = time.Second
	DefaultAPIAddr      = "127.0.0.1:8080"
	DefaultAPITimeout   = 10 * time.Second
	DefaultDeliveryKind = "local"
)

// Location resolves Timezone (time.Local when empty).
func (r RemindersConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("reminders.timezone: %w", err)
	}
	return loc, nil
}

func (r RemindersConfig) DueDayClock() (hour, minute int, err error) {
	raw := r.DueDayTime
	if strings.TrimSpace(raw) == "" {
		raw = DefaultDueDayTime
	}
	return ParseClockField("reminders.due_day_time", raw)
}

func (r RemindersConfig) SnoozeDuration() (time.Duration, error) {
	return ParseDurationOrDefault("reminders.snooze", r.Snooze, DefaultSnooze)
}

func (r RemindersConfig) ReconcileSpec() string {
	if s := strings.TrimSpace(r.Reconcile); s != "" {
		return s
	}
	return DefaultReconcile
}

func (d DeliveryConfig) DriverName() string {
	if s := strings.ToLower(strings.TrimSpace(d.Driver)); s != "" {
		return s
	}
	return DefaultDeliveryKind
}

func (d DeliveryConfig) MissedGraceDuration() (time.Duration, error) {
	return ParseDurationOrDefault("delivery.missed_grace", d.MissedGrace, DefaultMissedGrace)
}

func (r RedisConfig) Prefix() string {
	if s := strings.TrimSpace(r.KeyPrefix); s != "" {
		return s
	}
	return DefaultRedisPrefix
}

func (r RedisConfig) PollIntervalDuration() (time.Duration, error) {
	return ParseDurationOrDefault("delivery.redis.poll_interval", r.PollInterval, DefaultRedisPoll)
}

func (t TelegramConfig) Enabled() bool { return strings.TrimSpace(t.Token) != "" }

func (t TelegramConfig) PollTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, DefaultPollTimeout)
}

func (a APIConfig) Address() string {
	if s := strings.TrimSpace(a.Addr); s != "" {
		return s
	}
	return DefaultAPIAddr
}

// StorageSettings converts the storage section for storage.Open.
// A nil section disables storage.
func (c *Config) StorageSettings() (storage.Config, error) {
	if c == nil || c.Storage == nil {
		return storage.Config{Driver: "none"}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

// Validate checks field shapes. It does not touch the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(validateLevel(cfg.Logging.Level))
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}

	if cfg.Telegram.Enabled() && cfg.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id is required when telegram.token is set"))
	}
	_, err := cfg.Telegram.PollTimeoutDuration()
	add(err)

	sc, err := cfg.StorageSettings()
	add(err)
	switch strings.ToLower(sc.Driver) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if sc.Path == "" {
			add(errors.New("storage.path is required"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", sc.Driver))
	}

	switch cfg.Delivery.DriverName() {
	case "local":
	case "redis":
		if strings.TrimSpace(cfg.Delivery.Redis.Addr) == "" {
			add(errors.New("delivery.redis.addr is required for the redis driver"))
		}
	default:
		add(fmt.Errorf("delivery.driver: unknown driver %q", cfg.Delivery.Driver))
	}
	_, err = cfg.Delivery.MissedGraceDuration()
	add(err)
	_, err = cfg.Delivery.Redis.PollIntervalDuration()
	add(err)

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier: numeric fields must be >= 0"))
		}
		for _, f := range [][2]string{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			_, err := ParseDurationField(f[0], f[1])
			add(err)
		}
	}

	_, err = cfg.Reminders.Location()
	add(err)
	_, _, err = cfg.Reminders.DueDayClock()
	add(err)
	_, err = cfg.Reminders.SnoozeDuration()
	add(err)

	_, err = ParseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	add(err)
	_, err = ParseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	add(err)

	return errors.Join(errs...)
}

func validateLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unknown level %q", level)
	}
}

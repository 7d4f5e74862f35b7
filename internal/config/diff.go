package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// Hot-reloadable sections. Changes to any other section only take effect
// after a restart.
var hotSections = map[string]bool{"logging": true, "reminders": true}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never secrets) and the changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Never log the token.
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", nt.Enabled()),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Int("telegram.thread_id", nt.ThreadID),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		var pathSet bool
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			pathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		attrs = append(attrs, logx.String("storage.driver", driver), logx.Bool("storage.path_set", pathSet))
	}

	// Never log the redis password.
	od, nd := oldCfg.Delivery, newCfg.Delivery
	if !reflect.DeepEqual(od, nd) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.driver", nd.DriverName()),
			logx.String("delivery.missed_grace", strings.TrimSpace(nd.MissedGrace)),
			logx.String("delivery.redis.addr", strings.TrimSpace(nd.Redis.Addr)),
			logx.Bool("delivery.redis.password_set", nd.Redis.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.queue_size", n.QueueSize),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.Int("notifier.retry_max", n.RetryMax),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.String("reminders.timezone", strings.TrimSpace(newCfg.Reminders.Timezone)),
			logx.String("reminders.due_day_time", strings.TrimSpace(newCfg.Reminders.DueDayTime)),
			logx.String("reminders.snooze", strings.TrimSpace(newCfg.Reminders.Snooze)),
			logx.String("reminders.reconcile", newCfg.Reminders.ReconcileSpec()),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs, logx.Bool("api.enabled", newCfg.API.Enabled), logx.String("api.addr", newCfg.API.Address()))
	}

	sort.Strings(changed)
	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	// Only the schedule and snooze of the reminders section apply live.
	or, nr := oldCfg.Reminders, newCfg.Reminders
	if strings.TrimSpace(or.Timezone) != strings.TrimSpace(nr.Timezone) ||
		strings.TrimSpace(or.DueDayTime) != strings.TrimSpace(nr.DueDayTime) {
		restart = append(restart, "reminders.timing")
	}
	return changed, attrs, restart
}

package config

// Config is the remindbot configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "6h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Reminders RemindersConfig `json:"reminders"`
	API       APIConfig       `json:"api"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramConfig selects the bot and the chat reminders are delivered to.
// An empty token disables Telegram; deliveries are then only logged.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/remindbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DeliveryConfig selects the reminder delivery backend.
//
// Driver values:
//   - "local" (default): in-process timers, pending set persisted in storage
//   - "redis": sorted set in Redis, safe to run several instances
type DeliveryConfig struct {
	Driver string `json:"driver"`
	// MissedGrace delivers reminders whose fire time passed while the
	// process was down, if they are at most this late (default "15m").
	MissedGrace string      `json:"missed_grace,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr         string `json:"addr"`
	Password     string `json:"password,omitempty"`
	DB           int    `json:"db,omitempty"`
	KeyPrefix    string `json:"key_prefix,omitempty"`    // default "remindbot:"
	PollInterval string `json:"poll_interval,omitempty"` // default "1s"
}

// NotifierConfig controls the async delivery pipeline.
//
// If the whole section is omitted, defaults apply.
type NotifierConfig struct {
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// RemindersConfig controls reminder timing.
type RemindersConfig struct {
	// Timezone is an IANA zone name used for calendar math (default: local).
	Timezone string `json:"timezone,omitempty"`
	// DueDayTime is the HH:MM wall-clock time of the subscription due-day
	// reminder (default "09:00").
	DueDayTime string `json:"due_day_time,omitempty"`
	// Snooze is how far a snoozed reminder is pushed out (default "10m").
	Snooze string `json:"snooze,omitempty"`
	// Reconcile is the full reconciliation schedule: cron expression,
	// "@every <dur>", "every:<dur>" or a Go duration (default "@every 6h").
	Reconcile string `json:"reconcile,omitempty"`
}

// APIConfig controls the HTTP admin API.
//
// Prefer binding to localhost; the API has no authentication.
type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

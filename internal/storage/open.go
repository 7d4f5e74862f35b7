package storage

import (
	"errors"
	"sort"
	"strings"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func sortPending(rs []reminder.ScheduledReminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].FireAt.Equal(rs[j].FireAt) {
			return rs[i].FireAt.Before(rs[j].FireAt)
		}
		return rs[i].Identifier < rs[j].Identifier
	})
}

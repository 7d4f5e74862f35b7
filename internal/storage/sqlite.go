package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) putSubject(ctx context.Context, kind reminder.Kind, id uuid.UUID, v any) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subjects(kind, id, payload, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(kind, id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		string(kind), id.String(), string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) PutTask(ctx context.Context, t reminder.Task) error {
	return s.putSubject(ctx, reminder.KindTask, t.ID, t)
}

func (s *sqliteStore) PutSubscription(ctx context.Context, sub reminder.Subscription) error {
	return s.putSubject(ctx, reminder.KindSubscription, sub.ID, sub)
}

func (s *sqliteStore) GetSubject(ctx context.Context, kind reminder.Kind, id uuid.UUID) (reminder.Subject, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM subjects WHERE kind = ? AND id = ?`, string(kind), id.String(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	subj, err := decodeSubject(kind, payload)
	if err != nil {
		return nil, false, err
	}
	return subj, true, nil
}

func (s *sqliteStore) DeleteSubject(ctx context.Context, kind reminder.Kind, id uuid.UUID) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM subjects WHERE kind = ? AND id = ?`, string(kind), id.String())
	return err
}

func (s *sqliteStore) ListSubjects(ctx context.Context) ([]reminder.Subject, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	// 'subscription' sorts after 'task' alphabetically; order explicitly.
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, payload FROM subjects
		 ORDER BY CASE kind WHEN 'task' THEN 0 ELSE 1 END, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Subject
	for rows.Next() {
		var kind, payload string
		if err := rows.Scan(&kind, &payload); err != nil {
			return nil, err
		}
		subj, err := decodeSubject(reminder.Kind(kind), payload)
		if err != nil {
			s.log.Warn("skipping undecodable subject", logx.String("kind", kind), logx.Err(err))
			continue
		}
		out = append(out, subj)
	}
	return out, rows.Err()
}

func decodeSubject(kind reminder.Kind, payload string) (reminder.Subject, error) {
	switch kind {
	case reminder.KindTask:
		var t reminder.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, err
		}
		return t, nil
	case reminder.KindSubscription:
		var sub reminder.Subscription
		if err := json.Unmarshal([]byte(payload), &sub); err != nil {
			return nil, err
		}
		return sub, nil
	default:
		return nil, errors.New("unknown subject kind: " + string(kind))
	}
}

func (s *sqliteStore) PutPending(ctx context.Context, r reminder.ScheduledReminder) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(r.Identifier) == "" {
		return errors.New("pending reminder has no identifier")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending(identifier, fire_at, payload) VALUES(?,?,?)
		 ON CONFLICT(identifier) DO UPDATE SET fire_at=excluded.fire_at, payload=excluded.payload`,
		r.Identifier, r.FireAt.UnixMilli(), string(b),
	)
	return err
}

func (s *sqliteStore) DeletePending(ctx context.Context, identifiers ...string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(identifiers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM pending WHERE identifier = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range identifiers {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]reminder.ScheduledReminder, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM pending ORDER BY fire_at, identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.ScheduledReminder
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r reminder.ScheduledReminder
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			s.log.Warn("skipping undecodable pending reminder", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// fire_at is millisecond precision; restore full ordering.
	sortPending(out)
	return out, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor, action, identifier, ok, err) VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.Actor), e.Action, e.Identifier, e.OK, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// fileStore keeps all state in memory and persists it to disk.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (periodic snapshot)
//   - <prefix>.journal.jsonl  (append-only journal of mutations)
//
// The journal is compacted into the snapshot every compactEvery writes
// and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File

	st     fileState
	writes int
}

const compactEvery = 1000

type fileState struct {
	Tasks         map[string]reminder.Task              `json:"tasks"`
	Subscriptions map[string]reminder.Subscription      `json:"subscriptions"`
	Pending       map[string]reminder.ScheduledReminder `json:"pending"`
	Dedup         map[string]int64                      `json:"dedup"` // unix milli
}

func newFileState() fileState {
	return fileState{
		Tasks:         map[string]reminder.Task{},
		Subscriptions: map[string]reminder.Subscription{},
		Pending:       map[string]reminder.ScheduledReminder{},
		Dedup:         map[string]int64{},
	}
}

// journal ops
const (
	opPutTask    = "put_task"
	opPutSub     = "put_subscription"
	opDelTask    = "del_task"
	opDelSub     = "del_subscription"
	opPutPending = "put_pending"
	opDelPending = "del_pending"
	opPutDedup   = "put_dedup"
)

type journalRecord struct {
	Op           string                      `json:"op"`
	Key          string                      `json:"key,omitempty"`
	Keys         []string                    `json:"keys,omitempty"`
	Until        int64                       `json:"until,omitempty"`
	Task         *reminder.Task              `json:"task,omitempty"`
	Subscription *reminder.Subscription      `json:"subscription,omitempty"`
	Reminder     *reminder.ScheduledReminder `json:"reminder,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}
	pruneExpiredDedup(st.Dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		st:           st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	errCompact := s.compactLocked()
	errJournal := s.journalFile.Close()
	s.journalFile = nil
	var errAudit error
	if s.auditFile != nil {
		errAudit = s.auditFile.Close()
		s.auditFile = nil
	}
	return errors.Join(errCompact, errJournal, errAudit)
}

// appendLocked writes rec to the journal. The in-memory state must already
// reflect rec.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) PutTask(ctx context.Context, t reminder.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.st.Tasks[t.ID.String()] = t
	return s.appendLocked(journalRecord{Op: opPutTask, Task: &t})
}

func (s *fileStore) PutSubscription(ctx context.Context, sub reminder.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.st.Subscriptions[sub.ID.String()] = sub
	return s.appendLocked(journalRecord{Op: opPutSub, Subscription: &sub})
}

func (s *fileStore) GetSubject(ctx context.Context, kind reminder.Kind, id uuid.UUID) (reminder.Subject, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case reminder.KindTask:
		t, ok := s.st.Tasks[id.String()]
		if !ok {
			return nil, false, nil
		}
		return t, true, nil
	case reminder.KindSubscription:
		sub, ok := s.st.Subscriptions[id.String()]
		if !ok {
			return nil, false, nil
		}
		return sub, true, nil
	default:
		return nil, false, errors.New("unknown subject kind: " + string(kind))
	}
}

func (s *fileStore) DeleteSubject(ctx context.Context, kind reminder.Kind, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	key := id.String()
	switch kind {
	case reminder.KindTask:
		if _, ok := s.st.Tasks[key]; !ok {
			return nil
		}
		delete(s.st.Tasks, key)
		return s.appendLocked(journalRecord{Op: opDelTask, Key: key})
	case reminder.KindSubscription:
		if _, ok := s.st.Subscriptions[key]; !ok {
			return nil
		}
		delete(s.st.Subscriptions, key)
		return s.appendLocked(journalRecord{Op: opDelSub, Key: key})
	default:
		return errors.New("unknown subject kind: " + string(kind))
	}
}

func (s *fileStore) ListSubjects(ctx context.Context) ([]reminder.Subject, error) {
	s.mu.Lock()
	tasks := make([]reminder.Task, 0, len(s.st.Tasks))
	for _, t := range s.st.Tasks {
		tasks = append(tasks, t)
	}
	subs := make([]reminder.Subscription, 0, len(s.st.Subscriptions))
	for _, sub := range s.st.Subscriptions {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID.String() < tasks[j].ID.String() })
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID.String() < subs[j].ID.String() })

	out := make([]reminder.Subject, 0, len(tasks)+len(subs))
	for _, t := range tasks {
		out = append(out, t)
	}
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out, nil
}

func (s *fileStore) PutPending(ctx context.Context, r reminder.ScheduledReminder) error {
	if strings.TrimSpace(r.Identifier) == "" {
		return errors.New("pending reminder has no identifier")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.st.Pending[r.Identifier] = r
	return s.appendLocked(journalRecord{Op: opPutPending, Reminder: &r})
}

func (s *fileStore) DeletePending(ctx context.Context, identifiers ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	var gone []string
	for _, id := range identifiers {
		if _, ok := s.st.Pending[id]; ok {
			delete(s.st.Pending, id)
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	return s.appendLocked(journalRecord{Op: opDelPending, Keys: gone})
}

func (s *fileStore) ListPending(ctx context.Context) ([]reminder.ScheduledReminder, error) {
	s.mu.Lock()
	out := make([]reminder.ScheduledReminder, 0, len(s.st.Pending))
	for _, r := range s.st.Pending {
		out = append(out, r)
	}
	s.mu.Unlock()
	sortPending(out)
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.st.Dedup[key] = ms
	return s.appendLocked(journalRecord{Op: opPutDedup, Key: key, Until: ms})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.st.Dedup[key]
	if !ok || ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.st.Dedup)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileState
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Tasks {
		st.Tasks[k] = v
	}
	for k, v := range snap.Subscriptions {
		st.Subscriptions[k] = v
	}
	for k, v := range snap.Pending {
		st.Pending[k] = v
	}
	for k, v := range snap.Dedup {
		st.Dedup[k] = v
	}
	return nil
}

func replayJournal(path string, st *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail write.
			continue
		}
		applyRecord(st, r)
	}
	return sc.Err()
}

func applyRecord(st *fileState, r journalRecord) {
	switch r.Op {
	case opPutTask:
		if r.Task != nil {
			st.Tasks[r.Task.ID.String()] = *r.Task
		}
	case opPutSub:
		if r.Subscription != nil {
			st.Subscriptions[r.Subscription.ID.String()] = *r.Subscription
		}
	case opDelTask:
		delete(st.Tasks, r.Key)
	case opDelSub:
		delete(st.Subscriptions, r.Key)
	case opPutPending:
		if r.Reminder != nil && r.Reminder.Identifier != "" {
			st.Pending[r.Reminder.Identifier] = *r.Reminder
		}
	case opDelPending:
		for _, k := range r.Keys {
			delete(st.Pending, k)
		}
	case opPutDedup:
		if r.Key != "" {
			st.Dedup[r.Key] = r.Until
		}
	}
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

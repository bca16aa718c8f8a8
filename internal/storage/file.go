package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (periodic snapshot)
//   - <prefix>.journal.jsonl  (append-only journal)
//
// Every mutation is appended to the journal before it is acknowledged. The
// journal is compacted into the snapshot every compactEvery writes and on
// Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	st           *state

	writes int
}

const compactEvery = 500

const (
	opPut      = "put"
	opDelete   = "del"
	opPrefsPut = "prefs"
)

type journalRecord struct {
	Op       string             `json:"op"`
	ID       string             `json:"id,omitempty"`
	Reminder *reminder.Reminder `json:"reminder,omitempty"`
	Prefs    *UserPrefs         `json:"prefs,omitempty"`
}

type snapshot struct {
	Reminders []reminder.Reminder `json:"reminders"`
	Prefs     []UserPrefs         `json:"prefs"`
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

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := newState()
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, err
	}
	replayed, skipped, err := replayJournal(journalPath, st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, err
	}
	if skipped > 0 {
		log.Warn("journal lines skipped", logx.Int("skipped", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("reminders", len(st.reminders)),
		logx.Int("journal_records", replayed),
	)
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
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact; the journal still holds everything on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) SaveReminder(ctx context.Context, r *reminder.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepare(r)
	cp := r.Clone()
	if err := s.appendLocked(journalRecord{Op: opPut, Reminder: &cp}); err != nil {
		return err
	}
	s.st.reminders[cp.ID] = cp
	return nil
}

func (s *fileStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.reminders[id]
	return r.Clone(), ok, nil
}

func (s *fileStore) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.list(nil), nil
}

func (s *fileStore) ListRemindersByUser(ctx context.Context, userID string) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.list(func(r reminder.Reminder) bool { return r.UserID == userID }), nil
}

func (s *fileStore) DeleteReminder(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.reminders[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opDelete, ID: id}); err != nil {
		return err
	}
	delete(s.st.reminders, id)
	return nil
}

func (s *fileStore) DeleteStalePaused(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.st.stale(cutoff.UnixMilli()) {
		if err := s.appendLocked(journalRecord{Op: opDelete, ID: id}); err != nil {
			return n, err
		}
		delete(s.st.reminders, id)
		n++
	}
	return n, nil
}

func (s *fileStore) GetUserPrefs(ctx context.Context, userID string) (UserPrefs, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.prefs[userID]
	return p.clone(), ok, nil
}

func (s *fileStore) PutUserPrefs(ctx context.Context, p UserPrefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	cp := p.clone()
	if err := s.appendLocked(journalRecord{Op: opPrefsPut, Prefs: &cp}); err != nil {
		return err
	}
	s.st.prefs[cp.UserID] = cp
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{
		Reminders: s.st.list(nil),
		Prefs:     make([]UserPrefs, 0, len(s.st.prefs)),
	}
	for _, p := range s.st.prefs {
		snap.Prefs = append(snap.Prefs, p)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
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
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Reminders {
		st.reminders[r.ID] = r
	}
	for _, p := range snap.Prefs {
		st.prefs[p.UserID] = p
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn
// final line (crash mid-write) is skipped, not fatal.
func replayJournal(path string, st *state) (applied, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			skipped++
			continue
		}
		switch rec.Op {
		case opPut:
			if rec.Reminder == nil || rec.Reminder.ID == "" {
				skipped++
				continue
			}
			st.reminders[rec.Reminder.ID] = *rec.Reminder
		case opDelete:
			delete(st.reminders, rec.ID)
		case opPrefsPut:
			if rec.Prefs == nil || rec.Prefs.UserID == "" {
				skipped++
				continue
			}
			st.prefs[rec.Prefs.UserID] = *rec.Prefs
		default:
			skipped++
			continue
		}
		applied++
	}
	return applied, skipped, sc.Err()
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"remindbot/internal/reminder"
)

// state is the in-memory index shared by the memory and file drivers.
// Callers hold their own lock.
type state struct {
	reminders map[string]reminder.Reminder
	prefs     map[string]UserPrefs
}

func newState() *state {
	return &state{
		reminders: map[string]reminder.Reminder{},
		prefs:     map[string]UserPrefs{},
	}
}

func (s *state) list(match func(reminder.Reminder) bool) []reminder.Reminder {
	out := make([]reminder.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		if match == nil || match(r) {
			out = append(out, r.Clone())
		}
	}
	sortReminders(out)
	return out
}

func (s *state) stale(cutoffMS int64) []string {
	var ids []string
	for id, r := range s.reminders {
		if isStale(r, cutoffMS) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// sortReminders orders by fire time, then id, so listings are stable.
func sortReminders(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].RemindAt != rs[j].RemindAt {
			return rs[i].RemindAt < rs[j].RemindAt
		}
		return rs[i].ID < rs[j].ID
	})
}

type memoryStore struct {
	mu     sync.RWMutex
	st     *state
	audit  []AuditEntry
	closed bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{st: newState()}
}

func (m *memoryStore) SaveReminder(ctx context.Context, r *reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	prepare(r)
	m.st.reminders[r.ID] = r.Clone()
	return nil
}

func (m *memoryStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return reminder.Reminder{}, false, ErrClosed
	}
	r, ok := m.st.reminders[id]
	return r.Clone(), ok, nil
}

func (m *memoryStore) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.st.list(nil), nil
}

func (m *memoryStore) ListRemindersByUser(ctx context.Context, userID string) ([]reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.st.list(func(r reminder.Reminder) bool { return r.UserID == userID }), nil
}

func (m *memoryStore) DeleteReminder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.st.reminders, id)
	return nil
}

func (m *memoryStore) DeleteStalePaused(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	ids := m.st.stale(cutoff.UnixMilli())
	for _, id := range ids {
		delete(m.st.reminders, id)
	}
	return len(ids), nil
}

func (m *memoryStore) GetUserPrefs(ctx context.Context, userID string) (UserPrefs, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return UserPrefs{}, false, ErrClosed
	}
	p, ok := m.st.prefs[userID]
	return p.clone(), ok, nil
}

func (m *memoryStore) PutUserPrefs(ctx context.Context, p UserPrefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	m.st.prefs[p.UserID] = p.clone()
	return nil
}

func (m *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

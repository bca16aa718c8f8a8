package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/reminder"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on exit
//   - "file": jsonl journal + snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Store is the persistence API used by the engine and the preference layer.
//
// SaveReminder is an upsert keyed by ID; it assigns an ID when empty.
// DeleteReminder is idempotent. None of the methods validate records.
type Store interface {
	SaveReminder(ctx context.Context, r *reminder.Reminder) error
	GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error)
	ListReminders(ctx context.Context) ([]reminder.Reminder, error)
	ListRemindersByUser(ctx context.Context, userID string) ([]reminder.Reminder, error)
	DeleteReminder(ctx context.Context, id string) error
	// DeleteStalePaused removes paused reminders whose PausedAt is before cutoff.
	DeleteStalePaused(ctx context.Context, cutoff time.Time) (int, error)

	GetUserPrefs(ctx context.Context, userID string) (UserPrefs, bool, error)
	PutUserPrefs(ctx context.Context, p UserPrefs) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// UserPrefs is the per-user preference row.
type UserPrefs struct {
	UserID    string          `json:"userId"`
	Timezone  string          `json:"timezone,omitempty"`
	Flags     map[string]bool `json:"flags,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (p UserPrefs) clone() UserPrefs {
	cp := p
	if p.Flags != nil {
		cp.Flags = make(map[string]bool, len(p.Flags))
		for k, v := range p.Flags {
			cp.Flags[k] = v
		}
	}
	return cp
}

// AuditEntry records a user action. Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	ActorID   string    `json:"actorId"`
	Platform  string    `json:"platform,omitempty"`
	ChannelID string    `json:"channelId,omitempty"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	MetaJSON  string    `json:"meta,omitempty"`
}

// prepare fills the fields SaveReminder owns.
func prepare(r *reminder.Reminder) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
}

func isStale(r reminder.Reminder, cutoffMS int64) bool {
	return r.Paused && r.PausedAt > 0 && r.PausedAt < cutoffMS
}

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveReminder(ctx context.Context, r *reminder.Reminder) error {
	prepare(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, channel_id=excluded.channel_id, remind_at=excluded.remind_at,
			message=excluded.message, recurring=excluded.recurring, repeat_type=excluded.repeat_type,
			repeat_day=excluded.repeat_day, paused=excluded.paused, paused_at=excluded.paused_at,
			failure_count=excluded.failure_count, message_id=excluded.message_id, origin=excluded.origin`,
		reminderArgs(*r)...,
	)
	return err
}

func (s *sqliteStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, false, nil
	}
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	return s.query(ctx, `SELECT `+reminderColumns+` FROM reminders ORDER BY remind_at, id`)
}

func (s *sqliteStore) ListRemindersByUser(ctx context.Context, userID string) ([]reminder.Reminder, error) {
	return s.query(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? ORDER BY remind_at, id`, userID)
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) DeleteStalePaused(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE paused = 1 AND paused_at > 0 AND paused_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) GetUserPrefs(ctx context.Context, userID string) (UserPrefs, bool, error) {
	var (
		p       = UserPrefs{UserID: userID}
		flags   string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT timezone, flags, updated_at FROM user_prefs WHERE user_id = ?`, userID,
	).Scan(&p.Timezone, &flags, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return UserPrefs{}, false, nil
	}
	if err != nil {
		return UserPrefs{}, false, err
	}
	p.Flags = decodeFlags(flags)
	p.UpdatedAt = time.UnixMilli(updated)
	return p, true, nil
}

func (s *sqliteStore) PutUserPrefs(ctx context.Context, p UserPrefs) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_prefs(user_id, timezone, flags, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET timezone=excluded.timezone, flags=excluded.flags, updated_at=excluded.updated_at`,
		p.UserID, p.Timezone, encodeFlags(p.Flags), p.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, platform, channel_id, action, target, ok, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.Platform), nullStr(e.ChannelID),
		e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

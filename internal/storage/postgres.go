package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) SaveReminder(ctx context.Context, r *reminder.Reminder) error {
	prepare(r)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reminders(`+reminderColumns+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT(id) DO UPDATE SET
			user_id=EXCLUDED.user_id, channel_id=EXCLUDED.channel_id, remind_at=EXCLUDED.remind_at,
			message=EXCLUDED.message, recurring=EXCLUDED.recurring, repeat_type=EXCLUDED.repeat_type,
			repeat_day=EXCLUDED.repeat_day, paused=EXCLUDED.paused, paused_at=EXCLUDED.paused_at,
			failure_count=EXCLUDED.failure_count, message_id=EXCLUDED.message_id, origin=EXCLUDED.origin`,
		reminderArgs(*r)...,
	)
	return err
}

func (s *postgresStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)
	r, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.Reminder{}, false, nil
	}
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	return r, true, nil
}

func (s *postgresStore) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	return s.query(ctx, `SELECT `+reminderColumns+` FROM reminders ORDER BY remind_at, id`)
}

func (s *postgresStore) ListRemindersByUser(ctx context.Context, userID string) ([]reminder.Reminder, error) {
	return s.query(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE user_id = $1 ORDER BY remind_at, id`, userID)
}

func (s *postgresStore) query(ctx context.Context, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.pool.Query(ctx, q, args...)
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

func (s *postgresStore) DeleteReminder(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM reminders WHERE id = $1`, id)
	return err
}

func (s *postgresStore) DeleteStalePaused(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reminders WHERE paused AND paused_at > 0 AND paused_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) GetUserPrefs(ctx context.Context, userID string) (UserPrefs, bool, error) {
	var (
		p       = UserPrefs{UserID: userID}
		flags   string
		updated int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT timezone, flags, updated_at FROM user_prefs WHERE user_id = $1`, userID,
	).Scan(&p.Timezone, &flags, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserPrefs{}, false, nil
	}
	if err != nil {
		return UserPrefs{}, false, err
	}
	p.Flags = decodeFlags(flags)
	p.UpdatedAt = time.UnixMilli(updated)
	return p, true, nil
}

func (s *postgresStore) PutUserPrefs(ctx context.Context, p UserPrefs) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_prefs(user_id, timezone, flags, updated_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT(user_id) DO UPDATE SET timezone=EXCLUDED.timezone, flags=EXCLUDED.flags, updated_at=EXCLUDED.updated_at`,
		p.UserID, p.Timezone, encodeFlags(p.Flags), p.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, actor_id, platform, channel_id, action, target, ok, err, meta)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.At, e.ActorID, nullStr(e.Platform), nullStr(e.ChannelID),
		e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

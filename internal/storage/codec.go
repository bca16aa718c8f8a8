package storage

import (
	"encoding/json"

	"remindbot/internal/reminder"
)

// Column order shared by the SQL drivers. Nullable fields are stored as
// zero values so both database/sql and pgx scan into plain types.
const reminderColumns = `id, user_id, channel_id, remind_at, message, recurring, repeat_type, repeat_day,
	paused, paused_at, failure_count, message_id, origin, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc rowScanner) (reminder.Reminder, error) {
	var (
		r          reminder.Reminder
		repeatType string
		repeatDay  int
		origin     string
	)
	err := sc.Scan(&r.ID, &r.UserID, &r.ChannelID, &r.RemindAt, &r.Message, &r.Recurring, &repeatType, &repeatDay,
		&r.Paused, &r.PausedAt, &r.FailureCount, &r.MessageID, &origin, &r.CreatedAt)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if repeatType != "" {
		r.RepeatMeta = &reminder.RepeatMeta{Type: repeatType, UserDayOfMonth: repeatDay}
	}
	r.Origin = reminder.Origin(origin)
	return r, nil
}

// reminderArgs returns values in reminderColumns order.
func reminderArgs(r reminder.Reminder) []any {
	var repeatType string
	var repeatDay int
	if r.RepeatMeta != nil {
		repeatType = r.RepeatMeta.Type
		repeatDay = r.RepeatMeta.UserDayOfMonth
	}
	return []any{r.ID, r.UserID, r.ChannelID, r.RemindAt, r.Message, r.Recurring, repeatType, repeatDay,
		r.Paused, r.PausedAt, r.FailureCount, r.MessageID, string(r.Origin), r.CreatedAt}
}

func encodeFlags(m map[string]bool) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeFlags(s string) map[string]bool {
	var m map[string]bool
	if err := json.Unmarshal([]byte(s), &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}

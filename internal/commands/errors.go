package commands

import (
	"errors"
	"fmt"

	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
)

var (
	errAmbiguousID   = errors.New("ambiguous reminder id")
	errEditRecurring = errors.New("recurring reminders cannot be edited")
)

func notFound(id string) error {
	return fmt.Errorf("%w: %q", scheduler.ErrNotFound, id)
}

type usageError struct{ usage string }

func (e usageError) Error() string { return "usage: " + e.usage }

// userMessage maps an error to a reply. known is false for errors the user
// cannot fix; those are logged by the request middleware.
func userMessage(err error) (msg string, known bool) {
	var ue usageError
	switch {
	case errors.As(err, &ue):
		return "Usage: /" + ue.usage, true
	case errors.Is(err, reminder.ErrForbiddenMention):
		return "❌ Mentions like @everyone, @here or user pings are not allowed.", true
	case errors.Is(err, reminder.ErrInvalidDuration):
		return "❌ Invalid or too short duration. Use at least 10 seconds, such as 10s, 5m, 2h or 1d.", true
	case errors.Is(err, reminder.ErrInvalidTimeFormat):
		return "❌ Invalid time. Use the 12-hour format with AM/PM, such as 7:00 PM or 12:30 AM.", true
	case errors.Is(err, reminder.ErrInvalidDateFormat):
		return "❌ Invalid date. Use MM-DD-YYYY, such as 12-25-2025.", true
	case errors.Is(err, reminder.ErrInvalidDateTime):
		return "❌ That date and time is not valid or is already in the past.", true
	case errors.Is(err, reminder.ErrTimeAlreadyPassed):
		return "❌ That time has already passed for today. For a later day use /remind on with a date.", true
	case errors.Is(err, reminder.ErrTimezoneNotSet):
		return "🌍 Timezone not set. Set it first, e.g. /timezone America/New_York", true
	case errors.Is(err, reminder.ErrInvalidTimezone):
		return "❌ Unknown timezone. Use an IANA name such as Europe/Berlin or Asia/Jakarta.", true
	case errors.Is(err, reminder.ErrUnknownRecurrenceType):
		return "❌ Unknown interval. Use hour, day, week, month or a weekday such as tuesday.", true
	case errors.Is(err, reminder.ErrInvalidRecord):
		return "❌ That reminder is not valid.", true
	case errors.Is(err, scheduler.ErrNotFound):
		return "🔍 No reminder of yours matches that id. See /reminders", true
	case errors.Is(err, errAmbiguousID):
		return "🔍 That id matches more than one reminder. Type a few more characters.", true
	case errors.Is(err, errEditRecurring):
		return "❌ Only one-time reminders can be edited with --id.", true
	case errors.Is(err, scheduler.ErrNotRecurring):
		return "❌ Only recurring reminders can be paused or resumed.", true
	case errors.Is(err, scheduler.ErrAlreadyPaused):
		return "⏸️ That reminder is already paused.", true
	case errors.Is(err, scheduler.ErrNotPaused):
		return "▶️ That reminder is not paused.", true
	case errors.Is(err, scheduler.ErrStopped):
		return "⚠️ The bot is shutting down. Try again in a moment.", true
	}
	return "⚠️ Something went wrong. Try again later.", false
}

package reminder

import "errors"

// User-input errors. They are returned before anything reaches the store.
var (
	ErrInvalidDuration   = errors.New("invalid duration")
	ErrInvalidTimeFormat = errors.New("invalid time format")
	ErrInvalidDateFormat = errors.New("invalid date format")
	ErrInvalidDateTime   = errors.New("invalid date/time")
	ErrTimeAlreadyPassed = errors.New("time already passed")
	ErrTimezoneNotSet    = errors.New("timezone not set")
	ErrInvalidTimezone   = errors.New("invalid timezone")
	ErrForbiddenMention  = errors.New("message contains a forbidden mention")
)

var (
	// ErrUnknownRecurrenceType ends a recurrence; the record is deleted, not re-armed.
	ErrUnknownRecurrenceType = errors.New("unknown recurrence type")

	ErrInvalidRecord = errors.New("invalid reminder record")
)

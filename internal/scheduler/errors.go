package scheduler

import "errors"

var (
	// ErrPersistence wraps store failures surfaced to callers.
	ErrPersistence   = errors.New("reminder store unavailable")
	ErrNotFound      = errors.New("reminder not found")
	ErrNotRecurring  = errors.New("only recurring reminders can be paused or resumed")
	ErrAlreadyPaused = errors.New("reminder is already paused")
	ErrNotPaused     = errors.New("reminder is not paused")
	ErrStopped       = errors.New("scheduler stopped")
)

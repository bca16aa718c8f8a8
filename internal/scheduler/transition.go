package scheduler

import (
	"time"

	"remindbot/internal/reminder"
)

// Outcome is the result of one fire of a reminder.
type Outcome int

const (
	// OutcomeDelivered: a one-shot reminder was delivered and is removed.
	OutcomeDelivered Outcome = iota + 1
	// OutcomeRescheduled: a recurring reminder moves to its next occurrence.
	OutcomeRescheduled
	// OutcomeAutoPaused: a recurring reminder hit the failure threshold.
	OutcomeAutoPaused
	// OutcomeTerminated: the recurrence has no next occurrence; removed.
	OutcomeTerminated
	// OutcomeDropped: a one-shot failed delivery. One-shots are not retried,
	// so it is removed.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRescheduled:
		return "rescheduled"
	case OutcomeAutoPaused:
		return "auto_paused"
	case OutcomeTerminated:
		return "terminated"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// removes reports whether the record is deleted from the store.
func (o Outcome) removes() bool {
	return o == OutcomeDelivered || o == OutcomeTerminated || o == OutcomeDropped
}

// Transition is the decided next state of a reminder.
type Transition struct {
	Outcome Outcome
	Record  reminder.Reminder
}

// Decide computes the transition after one delivery attempt made at now.
// It has no side effects. loc is the owner's zone used for recurrence.
func Decide(r reminder.Reminder, delivered bool, now time.Time, loc *time.Location, threshold int) Transition {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	rec := r.Clone()
	if delivered {
		rec.FailureCount = 0
	} else {
		rec.FailureCount++
	}

	if !rec.Recurring {
		if delivered {
			return Transition{Outcome: OutcomeDelivered, Record: rec}
		}
		return Transition{Outcome: OutcomeDropped, Record: rec}
	}

	if !delivered && rec.FailureCount >= threshold {
		rec.Paused = true
		rec.PausedAt = now.UnixMilli()
		return Transition{Outcome: OutcomeAutoPaused, Record: rec}
	}

	if rec.RepeatMeta == nil {
		return Transition{Outcome: OutcomeTerminated, Record: rec}
	}
	meta := *rec.RepeatMeta
	meta.Type = reminder.NormalizeKind(meta.Type)
	next, ok := reminder.NextAfter(rec.Due(), now, meta, loc)
	if !ok {
		return Transition{Outcome: OutcomeTerminated, Record: rec}
	}
	rec.RemindAt = next.UnixMilli()
	return Transition{Outcome: OutcomeRescheduled, Record: rec}
}

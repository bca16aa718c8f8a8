package scheduler

import (
	"context"
	"fmt"
	"sync"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// RecoveryStats summarizes one LoadReminders sweep.
type RecoveryStats struct {
	Total     int
	Armed     int
	Delivered int
	Failed    int
	Paused    int
	Skipped   int
}

type overdueJob struct {
	r   reminder.Reminder
	tok uint64
}

// LoadReminders is the startup recovery sweep. Paused reminders stay
// dormant. Future reminders are armed. Overdue ones are delivered right
// away on a bounded pool, and the sweep waits for them, so running it twice
// never delivers a reminder the first run already removed. Reminders with a
// delivery in flight are left alone. A recurring reminder with an unknown
// repeat type fires once more and is then removed.
func (e *Engine) LoadReminders(ctx context.Context) (RecoveryStats, error) {
	var st RecoveryStats
	all, err := e.store.ListReminders(ctx)
	if err != nil {
		return st, fmt.Errorf("%w: list: %v", ErrPersistence, err)
	}
	st.Total = len(all)
	now := e.now()
	nowMS := now.UnixMilli()

	var overdue []overdueJob
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return st, ErrStopped
	}
	for _, r := range all {
		switch {
		case r.Paused:
			st.Paused++
		case e.inflight[r.ID] > 0:
			st.Skipped++
		case !e.recoverable(r):
			st.Skipped++
		case r.RemindAt <= nowMS:
			e.revokeLocked(r.ID)
			e.seq++
			tok := e.seq
			e.tokens[r.ID] = tok
			e.inflight[r.ID]++
			e.wg.Add(1)
			overdue = append(overdue, overdueJob{r: r, tok: tok})
		default:
			e.armLocked(r, r.Due().Sub(now))
			st.Armed++
		}
	}
	e.mu.Unlock()

	if len(overdue) > 0 {
		e.log.Info("delivering overdue reminders", logx.Int("count", len(overdue)))
	}
	workers := e.config().RecoveryWorkers
	sem := make(chan struct{}, workers)
	var (
		wg  sync.WaitGroup
		smu sync.Mutex
	)
	for _, j := range overdue {
		sem <- struct{}{}
		wg.Add(1)
		go func(j overdueJob) {
			defer wg.Done()
			defer func() { <-sem }()
			defer e.done(j.r.ID)
			ok := e.handle(j.r, j.tok, true)
			smu.Lock()
			if ok {
				st.Delivered++
			} else {
				st.Failed++
			}
			smu.Unlock()
		}(j)
	}
	wg.Wait()

	e.log.Info("recovery finished",
		logx.Int("total", st.Total),
		logx.Int("armed", st.Armed),
		logx.Int("delivered", st.Delivered),
		logx.Int("failed", st.Failed),
		logx.Int("paused", st.Paused),
		logx.Int("skipped", st.Skipped),
	)
	return st, nil
}

// recoverable reports whether the sweep may arm or deliver r. Records whose
// only defect is the repeat type are kept in play so the fire path ends them.
func (e *Engine) recoverable(r reminder.Reminder) bool {
	err := reminder.Validate(r)
	if err == nil {
		return true
	}
	log := e.log.With(logx.String("reminder_id", r.ID), logx.String("user_id", r.UserID))
	if r.Recurring {
		cp := r.Clone()
		if cp.RepeatMeta == nil {
			cp.RepeatMeta = &reminder.RepeatMeta{}
		}
		cp.RepeatMeta.Type = reminder.KindDay
		if reminder.Validate(cp) == nil {
			kind := ""
			if r.RepeatMeta != nil {
				kind = r.RepeatMeta.Type
			}
			log.Warn("reminder has an unknown repeat type; it ends after its next delivery",
				logx.String("repeat_type", kind), logx.Err(reminder.ErrUnknownRecurrenceType))
			return true
		}
	}
	log.Warn("invalid reminder skipped during recovery", logx.Err(err))
	return false
}

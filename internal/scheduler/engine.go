package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"remindbot/internal/delivery"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// Store is the persistence the engine needs. storage.Store satisfies it.
type Store interface {
	SaveReminder(ctx context.Context, r *reminder.Reminder) error
	GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error)
	ListReminders(ctx context.Context) ([]reminder.Reminder, error)
	ListRemindersByUser(ctx context.Context, userID string) ([]reminder.Reminder, error)
	DeleteReminder(ctx context.Context, id string) error
	DeleteStalePaused(ctx context.Context, cutoff time.Time) (int, error)
}

// Deliverer sends one notification. delivery.Dispatcher satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, n delivery.Notification) (delivery.Result, error)
}

// ZoneResolver returns a user's timezone. prefs.Service satisfies it.
type ZoneResolver interface {
	Location(ctx context.Context, userID string) (*time.Location, error)
}

// storeTimeout bounds store writes that commit a fire outcome. They use a
// context detached from shutdown so a finished delivery is still recorded.
const storeTimeout = 10 * time.Second

// Engine owns the in-memory timers for active reminders.
//
// Every armed or in-flight reminder holds a token. Re-arming issues a new
// token; cancel and pause revoke it. A fire handler commits its outcome only
// while its token is current, under a per-id lock shared with cancel, so an
// explicit cancel is never undone by a delivery that was already running.
type Engine struct {
	store   Store
	deliver Deliverer
	zones   ZoneResolver
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	timers   map[string]*time.Timer
	tokens   map[string]uint64
	inflight map[string]int
	seq      uint64
	stopped  bool

	locks keyedMutex
	wg    sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	cronMu sync.Mutex
	cron   *cron.Cron
	cronOn Config
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithEventBus(b eventbus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

func WithZones(z ZoneResolver) Option {
	return func(e *Engine) { e.zones = z }
}

func New(store Store, deliver Deliverer, cfg Config, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    store,
		deliver:  deliver,
		log:      log,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		timers:   map[string]*time.Timer{},
		tokens:   map[string]uint64{},
		inflight: map[string]int{},
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Config returns the active policy with defaults applied.
func (e *Engine) Config() Config { return e.config() }

// SetConfig swaps the policy. A changed cleanup schedule restarts the cron.
func (e *Engine) SetConfig(cfg Config) error {
	cfg = cfg.withDefaults()
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	return e.reloadCron(cfg)
}

// Arm registers a timer for r, replacing any earlier one for the same id.
// A paused reminder or one whose time has passed is not armed; overdue
// reminders are delivered only by LoadReminders.
func (e *Engine) Arm(r reminder.Reminder) bool {
	if r.Paused {
		return false
	}
	delay := r.Due().Sub(e.now())
	if delay < 0 {
		e.log.Debug("arm skipped for past reminder", logx.String("reminder_id", r.ID), logx.Duration("overdue", -delay))
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.armLocked(r, delay)
	return true
}

func (e *Engine) armLocked(r reminder.Reminder, delay time.Duration) {
	if t := e.timers[r.ID]; t != nil {
		t.Stop()
	}
	e.seq++
	tok := e.seq
	e.tokens[r.ID] = tok
	rec := r.Clone()
	e.timers[r.ID] = time.AfterFunc(delay, func() { e.fire(rec, tok) })
}

func (e *Engine) revokeLocked(id string) {
	if t := e.timers[id]; t != nil {
		t.Stop()
		delete(e.timers, id)
	}
	delete(e.tokens, id)
}

// Pending reports how many reminders have a live timer.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Armed reports whether id has a live timer.
func (e *Engine) Armed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[id]
	return ok
}

func (e *Engine) fire(r reminder.Reminder, tok uint64) {
	e.mu.Lock()
	if e.stopped || e.tokens[r.ID] != tok {
		e.mu.Unlock()
		return
	}
	delete(e.timers, r.ID)
	e.inflight[r.ID]++
	e.wg.Add(1)
	e.mu.Unlock()

	defer e.done(r.ID)
	e.handle(r, tok, false)
}

func (e *Engine) done(id string) {
	e.mu.Lock()
	if e.inflight[id] <= 1 {
		delete(e.inflight, id)
	} else {
		e.inflight[id]--
	}
	e.mu.Unlock()
	e.wg.Done()
}

// handle delivers r and commits the resulting transition. It reports
// whether delivery succeeded.
func (e *Engine) handle(r reminder.Reminder, tok uint64, restored bool) bool {
	cfg := e.config()
	log := e.log.With(logx.String("reminder_id", r.ID), logx.String("user_id", r.UserID))
	loc := e.location(r.UserID, log)

	ctx, cancel := context.WithTimeout(e.baseCtx, cfg.FireTimeout)
	res, err := e.deliver.Deliver(ctx, delivery.Notification{Reminder: r, Restored: restored, Location: loc})
	cancel()

	if err != nil {
		log.Warn("reminder delivery failed", logx.Int("failures", r.FailureCount+1), logx.Bool("restored", restored), logx.Err(err))
		e.publish(eventbus.ReminderFailed, r, func(ev *eventbus.ReminderEvent) {
			ev.Failures = r.FailureCount + 1
			ev.Err = err.Error()
		})
	} else {
		log.Info("reminder delivered", logx.String("via", string(res.Via)), logx.Bool("restored", restored))
		e.publish(eventbus.ReminderDelivered, r, func(ev *eventbus.ReminderEvent) { ev.Via = string(res.Via) })
	}

	e.apply(Decide(r, err == nil, e.now(), loc, cfg.FailureThreshold), tok, log)
	return err == nil
}

func (e *Engine) location(userID string, log logx.Logger) *time.Location {
	if e.zones == nil {
		return time.UTC
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, 5*time.Second)
	defer cancel()
	loc, err := e.zones.Location(ctx, userID)
	if err != nil {
		if !errors.Is(err, reminder.ErrTimezoneNotSet) {
			log.Warn("timezone lookup failed; using UTC", logx.Err(err))
		}
		return time.UTC
	}
	return loc
}

// apply commits tr if tok still owns the reminder.
func (e *Engine) apply(tr Transition, tok uint64, log logx.Logger) {
	rec := tr.Record
	unlock := e.locks.Lock(rec.ID)
	defer unlock()

	e.mu.Lock()
	current := e.tokens[rec.ID] == tok
	e.mu.Unlock()
	if !current {
		log.Debug("fire outcome discarded; reminder changed during delivery", logx.String("outcome", tr.Outcome.String()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch {
	case tr.Outcome == OutcomeRescheduled:
		if err := e.store.SaveReminder(ctx, &rec); err != nil {
			// The timer below still fires in this process; a restart would
			// deliver the old occurrence again.
			log.Error("reschedule not persisted", logx.Err(fmt.Errorf("%w: %v", ErrPersistence, err)))
		}
		e.mu.Lock()
		if e.stopped {
			e.clearTokenLocked(rec.ID, tok)
		} else {
			e.armLocked(rec, max(rec.Due().Sub(e.now()), 0))
		}
		e.mu.Unlock()
		log.Info("reminder rescheduled", logx.Time("next", rec.Due()))
		e.publish(eventbus.ReminderRescheduled, rec, func(ev *eventbus.ReminderEvent) { ev.NextAt = rec.RemindAt })
		return

	case tr.Outcome.removes():
		if err := e.store.DeleteReminder(ctx, rec.ID); err != nil {
			log.Error("reminder not removed", logx.String("outcome", tr.Outcome.String()), logx.Err(fmt.Errorf("%w: %v", ErrPersistence, err)))
		}
		if tr.Outcome == OutcomeTerminated && rec.Recurring {
			kind := ""
			if rec.RepeatMeta != nil {
				kind = rec.RepeatMeta.Type
			}
			log.Warn("recurrence ended", logx.String("repeat_type", kind), logx.Err(reminder.ErrUnknownRecurrenceType))
		}
		if tr.Outcome == OutcomeDropped {
			log.Warn("one-shot reminder dropped after failed delivery")
		}
		e.publish(eventbus.ReminderRemoved, rec, func(ev *eventbus.ReminderEvent) { ev.Failures = rec.FailureCount })

	default: // auto-paused
		if err := e.store.SaveReminder(ctx, &rec); err != nil {
			log.Error("failure state not persisted", logx.String("outcome", tr.Outcome.String()), logx.Err(fmt.Errorf("%w: %v", ErrPersistence, err)))
		}
		if tr.Outcome == OutcomeAutoPaused {
			log.Warn("recurring reminder auto-paused", logx.Int("failures", rec.FailureCount))
			e.publish(eventbus.ReminderAutoPaused, rec, func(ev *eventbus.ReminderEvent) { ev.Failures = rec.FailureCount })
		}
	}

	e.mu.Lock()
	e.clearTokenLocked(rec.ID, tok)
	e.mu.Unlock()
}

func (e *Engine) clearTokenLocked(id string, tok uint64) {
	if e.tokens[id] == tok {
		delete(e.tokens, id)
	}
}

func (e *Engine) publish(typ string, r reminder.Reminder, fill func(ev *eventbus.ReminderEvent)) {
	if e.bus == nil {
		return
	}
	ev := eventbus.ReminderEvent{ReminderID: r.ID, UserID: r.UserID, ChannelID: r.ChannelID, Failures: r.FailureCount}
	if fill != nil {
		fill(&ev)
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: ev})
}

// ScheduleReminder validates, persists and arms r. An empty ID is assigned.
// Saving a reminder with an existing ID replaces it and its timer.
func (e *Engine) ScheduleReminder(ctx context.Context, r *reminder.Reminder) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = e.now().UnixMilli()
	}
	if err := reminder.Validate(*r); err != nil {
		return err
	}

	unlock := e.locks.Lock(r.ID)
	defer unlock()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	if err := e.store.SaveReminder(ctx, r); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrPersistence, r.ID, err)
	}

	e.mu.Lock()
	e.revokeLocked(r.ID)
	e.mu.Unlock()
	armed := e.Arm(*r)

	e.log.Info("reminder scheduled",
		logx.String("reminder_id", r.ID),
		logx.String("user_id", r.UserID),
		logx.String("channel_id", r.ChannelID),
		logx.Time("remind_at", r.Due()),
		logx.Bool("recurring", r.Recurring),
		logx.Bool("armed", armed),
	)
	e.publish(eventbus.ReminderScheduled, *r, nil)
	return nil
}

// RemoveReminder cancels the timer and deletes the record. Removing an
// unknown id is not an error. A delivery already in flight still completes
// but its outcome is discarded.
func (e *Engine) RemoveReminder(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	e.mu.Lock()
	e.revokeLocked(id)
	e.mu.Unlock()

	if err := e.store.DeleteReminder(ctx, id); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrPersistence, id, err)
	}
	e.log.Info("reminder removed", logx.String("reminder_id", id))
	e.publish(eventbus.ReminderRemoved, reminder.Reminder{ID: id}, nil)
	return nil
}

// RemoveUserReminders removes every reminder owned by userID.
func (e *Engine) RemoveUserReminders(ctx context.Context, userID string) (int, error) {
	rs, err := e.GetReminders(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rs {
		if err := e.RemoveReminder(ctx, r.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// GetReminders lists a user's reminders ordered by fire time.
func (e *Engine) GetReminders(ctx context.Context, userID string) ([]reminder.Reminder, error) {
	rs, err := e.store.ListRemindersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrPersistence, err)
	}
	return rs, nil
}

func (e *Engine) GetReminder(ctx context.Context, id string) (reminder.Reminder, error) {
	r, ok, err := e.store.GetReminder(ctx, id)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("%w: get %s: %v", ErrPersistence, id, err)
	}
	if !ok {
		return reminder.Reminder{}, ErrNotFound
	}
	return r, nil
}

// Pause stops a recurring reminder and records when it was paused.
func (e *Engine) Pause(ctx context.Context, id string) (reminder.Reminder, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	r, err := e.GetReminder(ctx, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if !r.Recurring {
		return r, ErrNotRecurring
	}
	if r.Paused {
		return r, ErrAlreadyPaused
	}
	r.Paused = true
	r.PausedAt = e.now().UnixMilli()
	if err := e.store.SaveReminder(ctx, &r); err != nil {
		return r, fmt.Errorf("%w: save %s: %v", ErrPersistence, id, err)
	}
	e.mu.Lock()
	e.revokeLocked(id)
	e.mu.Unlock()

	e.log.Info("reminder paused", logx.String("reminder_id", id), logx.String("user_id", r.UserID))
	return r, nil
}

// Resume re-arms a paused recurring reminder at its stored time and resets
// the failure count. A stored time already in the past is not armed; the
// next recovery sweep delivers it.
func (e *Engine) Resume(ctx context.Context, id string) (reminder.Reminder, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	r, err := e.GetReminder(ctx, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if !r.Recurring {
		return r, ErrNotRecurring
	}
	if !r.Paused {
		return r, ErrNotPaused
	}

	r.Paused = false
	r.PausedAt = 0
	r.FailureCount = 0
	if err := e.store.SaveReminder(ctx, &r); err != nil {
		return r, fmt.Errorf("%w: save %s: %v", ErrPersistence, id, err)
	}
	e.Arm(r)

	e.log.Info("reminder resumed", logx.String("reminder_id", id), logx.String("user_id", r.UserID), logx.Time("next", r.Due()))
	return r, nil
}

// Stop disarms every timer and waits for in-flight deliveries. When ctx
// ends first, in-flight deliveries are cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
		if e.inflight[id] == 0 {
			delete(e.tokens, id)
		}
	}
	e.mu.Unlock()

	e.stopCron(ctx)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

// cronParser accepts 5-field specs, an optional seconds field, and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cleanup cron spec. "off" is accepted.
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "off") {
		return nil
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", spec, err)
	}
	return nil
}

// CleanupStaleReminders deletes reminders paused for longer than StaleAfter.
func (e *Engine) CleanupStaleReminders(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.config().StaleAfter)
	n, err := e.store.DeleteStalePaused(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", ErrPersistence, err)
	}
	if n > 0 {
		e.log.Info("stale paused reminders removed", logx.Int("count", n), logx.Time("cutoff", cutoff))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.ReminderCleanup, Time: e.now(), Data: eventbus.ReminderEvent{Count: n}})
		}
	}
	return n, nil
}

// Start begins the periodic stale cleanup.
func (e *Engine) Start(ctx context.Context) error {
	return e.reloadCron(e.config())
}

func (e *Engine) reloadCron(cfg Config) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil
	}

	if e.cron != nil {
		if e.cronOn.CleanupSchedule == cfg.CleanupSchedule && e.cronOn.CleanupTimezone == cfg.CleanupTimezone {
			return nil
		}
		<-e.cron.Stop().Done()
		e.cron = nil
	}
	if !cfg.cleanupEnabled() {
		e.log.Info("stale cleanup disabled")
		e.cronOn = cfg
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.CleanupTimezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("cleanup timezone %q: %w", tz, err)
		}
		loc = l
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{log: e.log}), cron.SkipIfStillRunning(cronLogger{log: e.log})),
	)
	_, err := c.AddFunc(cfg.CleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(e.baseCtx, time.Minute)
		defer cancel()
		if _, err := e.CleanupStaleReminders(ctx); err != nil {
			e.log.Error("stale cleanup failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}
	c.Start()
	e.cron = c
	e.cronOn = cfg
	e.log.Info("stale cleanup scheduled",
		logx.String("spec", cfg.CleanupSchedule),
		logx.String("tz", loc.String()),
		logx.Duration("stale_after", cfg.StaleAfter),
	)
	return nil
}

func (e *Engine) stopCron(ctx context.Context) {
	e.cronMu.Lock()
	c := e.cron
	e.cron = nil
	e.cronMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

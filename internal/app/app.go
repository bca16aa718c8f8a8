package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/commands"
	"remindbot/internal/config"
	"remindbot/internal/delivery"
	"remindbot/internal/eventbus"
	"remindbot/internal/prefs"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/internal/transport/discord"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	sd   sdNotifier

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	prefs   *prefs.Service
	adapter transport.Adapter
	deliver *delivery.Dispatcher
	engine  *scheduler.Engine

	router    *commands.Router
	reminders *commands.Reminders

	updates chan transport.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validateRuntime(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))

	ad, err := newAdapter(cfg, log.With(logx.String("comp", cfg.TransportDriver())))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	// The log target is read per line so a reload retargets it.
	logSvc.SetChatSender(func(ctx context.Context, text string) error {
		target := logTarget(cfgm.Get())
		if target == "" {
			return nil
		}
		_, err := ad.SendText(ctx, transport.ChatTarget{ChatID: target}, text, nil)
		return err
	})

	a := &App{
		cfgm:    cfgm,
		sd:      sdNotifier{log: log.With(logx.String("comp", "systemd"))},
		log:     appLog,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan transport.Update, 256),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", orDefault(sc.Driver, "memory")))

	cc, ttl, err := mapCache(cfg)
	if err != nil {
		return err
	}
	cache, err := prefs.OpenCache(ctx, cc)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	a.prefs = prefs.New(st, cache, ttl, log.With(logx.String("comp", "prefs")))

	dc, err := mapDelivery(cfg)
	if err != nil {
		return err
	}
	a.deliver = delivery.New(a.adapter, dc, log.With(logx.String("comp", "delivery")))

	ec, err := mapEngine(cfg)
	if err != nil {
		return err
	}
	a.engine = scheduler.New(st, a.deliver, ec, log.With(logx.String("comp", "scheduler")),
		scheduler.WithEventBus(a.bus),
		scheduler.WithZones(a.prefs),
	)

	minDur, err := mapMinDuration(cfg)
	if err != nil {
		return err
	}
	a.reminders = commands.NewReminders(a.engine, a.prefs, st, log.With(logx.String("comp", "reminders")))
	a.reminders.SetMinDuration(minDur)

	a.router = commands.NewRouter(a.adapter, log.With(logx.String("comp", "commands")), cfg.Owners())
	a.router.SetRegistry(a.reminders.Commands())
	return nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	switch cfg.TransportDriver() {
	case "discord":
		return discord.New(discord.Config{Token: cfg.Discord.Token}, log)
	default:
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, log)
	}
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start connects the transport, runs the recovery sweep and then starts
// command dispatch, the cleanup cron and config hot-reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateRuntime)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	start := time.Now()
	stats, err := a.engine.LoadReminders(runCtx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	a.log.Info("reminders recovered",
		logx.Int("total", stats.Total),
		logx.Int("armed", stats.Armed),
		logx.Int("delivered", stats.Delivered),
		logx.Int("failed", stats.Failed),
		logx.Int("paused", stats.Paused),
		logx.Int("skipped", stats.Skipped),
		logx.Duration("took", time.Since(start)),
	)

	if err := a.engine.Start(runCtx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.sd.watchdog)

	a.sd.ready()
	a.log.Info("app started",
		logx.String("transport", string(a.adapter.Platform())),
		logx.Int("pending", a.engine.Pending()),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
			if re, ok := e.Data.(eventbus.ReminderEvent); ok {
				if re.ReminderID != "" {
					fields = append(fields, logx.String("reminder_id", re.ReminderID))
				}
				if re.UserID != "" {
					fields = append(fields, logx.String("user_id", re.UserID))
				}
				if re.Via != "" {
					fields = append(fields, logx.String("via", re.Via))
				}
				if re.Err != "" {
					fields = append(fields, logx.String("err", re.Err))
				}
			}
			a.log.Debug("event", fields...)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts to the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the hot-reloadable parts of next into the running
// components. Sections that need a restart are only logged.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))
	a.router.SetOwners(next.Owners())

	if dc, err := mapDelivery(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.deliver.SetConfig(dc)
	}
	if ec, err := mapEngine(next); err != nil {
		a.log.Warn("invalid reminders config; keeping previous", logx.Err(err))
	} else if err := a.engine.SetConfig(ec); err != nil {
		a.log.Warn("engine config not applied", logx.Err(err))
	}
	if d, err := mapMinDuration(next); err != nil {
		a.log.Warn("invalid reminders.min_duration; keeping previous", logx.Err(err))
	} else {
		a.reminders.SetMinDuration(d)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The engine goes first so no new fire starts while the transport is
	// closing; in-flight deliveries still get to commit.
	step("scheduler", 5*time.Second, a.engine.Stop)
	step("transport", 3*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.prefs != nil {
		errs = append(errs, a.prefs.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// closeResources releases what New opened when startup fails.
func (a *App) closeResources() {
	if err := a.closeStores(); err != nil {
		a.log.Warn("close failed", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

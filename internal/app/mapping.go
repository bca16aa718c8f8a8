package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/delivery"
	"remindbot/internal/prefs"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled && logTarget(cfg) != "",
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

// logTarget is the chat that receives forwarded log lines on the active
// transport, or "" when none is configured.
func logTarget(cfg *config.Config) string {
	if cfg.TransportDriver() == "discord" {
		return strings.TrimSpace(cfg.Discord.LogChannelID)
	}
	return strings.TrimSpace(cfg.Telegram.LogChatID)
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapCache(cfg *config.Config) (prefs.CacheConfig, time.Duration, error) {
	ttl, err := config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, prefs.DefaultTTL)
	if err != nil {
		return prefs.CacheConfig{}, 0, err
	}
	prefix := cfg.Cache.Prefix
	if prefix == "" {
		prefix = "remindbot:tz:"
	}
	return prefs.CacheConfig{
		Driver:   cfg.Cache.Driver,
		RedisURL: cfg.Cache.RedisURL,
		Prefix:   prefix,
	}, ttl, nil
}

func mapEngine(cfg *config.Config) (scheduler.Config, error) {
	rc := cfg.Reminders
	stale, err := config.ParseDurationField("reminders.stale_after", rc.StaleAfter)
	if err != nil {
		return scheduler.Config{}, err
	}
	fire, err := config.ParseDurationField("reminders.fire_timeout", rc.FireTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	// Zero values fall back to the scheduler defaults.
	return scheduler.Config{
		FailureThreshold: rc.FailureThreshold,
		StaleAfter:       stale,
		CleanupSchedule:  rc.CleanupSchedule,
		CleanupTimezone:  rc.Timezone,
		RecoveryWorkers:  rc.RecoveryWorkers,
		FireTimeout:      fire,
	}, nil
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	base, err := config.ParseDurationField("delivery.retry_base", dc.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	send, err := config.ParseDurationField("delivery.send_timeout", dc.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		RatePerSec:  dc.RatePerSec,
		Burst:       dc.Burst,
		RetryMax:    dc.RetryMax,
		RetryBase:   base,
		SendTimeout: send,
	}, nil
}

func mapMinDuration(cfg *config.Config) (time.Duration, error) {
	d, err := config.ParseDurationOrDefault("reminders.min_duration", cfg.Reminders.MinDuration, reminder.MinDuration)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, fmt.Errorf("reminders.min_duration must be at least 1s")
	}
	return d, nil
}

// validateRuntime is the reload hook: every mapping must succeed and the
// cleanup schedule must parse before a new config is committed.
func validateRuntime(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, _, err := mapCache(cfg); err != nil {
		return err
	}
	ec, err := mapEngine(cfg)
	if err != nil {
		return err
	}
	if err := scheduler.ValidateSchedule(ec.CleanupSchedule); err != nil {
		return fmt.Errorf("reminders.cleanup_schedule: %w", err)
	}
	if _, err := mapDelivery(cfg); err != nil {
		return err
	}
	if _, err := mapMinDuration(cfg); err != nil {
		return err
	}
	return nil
}

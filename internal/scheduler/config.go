package scheduler

import (
	"strings"
	"time"
)

const (
	DefaultFailureThreshold = 3
	DefaultStaleAfter       = 30 * 24 * time.Hour
	DefaultCleanupSchedule  = "0 3 * * *"
	DefaultRecoveryWorkers  = 4
	DefaultFireTimeout      = 30 * time.Second
)

// Config is the engine policy. All fields may change at runtime via SetConfig.
type Config struct {
	// FailureThreshold is the consecutive delivery failures that auto-pause
	// a recurring reminder (and drop a one-shot).
	FailureThreshold int
	// StaleAfter is how long a reminder may stay paused before cleanup deletes it.
	StaleAfter time.Duration
	// CleanupSchedule is a cron spec for the stale sweep. "off" disables it.
	CleanupSchedule string
	// CleanupTimezone is the zone the cron spec is evaluated in; empty is Local.
	CleanupTimezone string
	// RecoveryWorkers bounds concurrent overdue deliveries at startup.
	RecoveryWorkers int
	// FireTimeout bounds a single delivery including retries and fallback.
	FireTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	c.CleanupSchedule = strings.TrimSpace(c.CleanupSchedule)
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = DefaultCleanupSchedule
	}
	if c.RecoveryWorkers <= 0 {
		c.RecoveryWorkers = DefaultRecoveryWorkers
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = DefaultFireTimeout
	}
	return c
}

func (c Config) cleanupEnabled() bool {
	return !strings.EqualFold(c.CleanupSchedule, "off")
}

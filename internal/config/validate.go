package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks tags, durations and zones. It does not touch the network
// or the filesystem; cron specs are checked by the scheduler.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q check", trimNamespace(fe.Namespace()), fe.Tag())
		}
		return err
	}

	switch cfg.TransportDriver() {
	case "telegram":
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return errors.New("telegram.token is required when transport.driver=telegram")
		}
	case "discord":
		if strings.TrimSpace(cfg.Discord.Token) == "" {
			return errors.New("discord.token is required when transport.driver=discord")
		}
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"cache.ttl", cfg.Cache.TTL},
		{"reminders.stale_after", cfg.Reminders.StaleAfter},
		{"reminders.min_duration", cfg.Reminders.MinDuration},
		{"reminders.fire_timeout", cfg.Reminders.FireTimeout},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.send_timeout", cfg.Delivery.SendTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Reminders.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("reminders.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

// trimNamespace turns "Config.reminders.recovery_workers" into
// "reminders.recovery_workers".
func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

package config

import (
	"reflect"
	"strings"

	logx "remindbot/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"transport": true,
	"storage":   true,
	"cache":     true,
}

// SummarizeConfigChange returns the changed sections, log fields describing
// the new values, and the subset of sections that need a restart. Tokens,
// DSNs and redis URLs are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
		restart []string
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if restartSections[section] {
			restart = append(restart, section)
		}
	}

	if oldCfg.TransportDriver() != newCfg.TransportDriver() {
		mark("transport", logx.String("transport.driver", newCfg.TransportDriver()))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || trim(ot.PollTimeout) != trim(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || trim(ot.LogChatID) != trim(nt.LogChatID) {
		mark("telegram",
			logx.String("telegram.poll_timeout", trim(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", trim(nt.LogChatID) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token || !reflect.DeepEqual(od.OwnerUserIDs, nd.OwnerUserIDs) || trim(od.LogChannelID) != trim(nd.LogChannelID) {
		mark("discord",
			logx.Int("discord.owner_count", len(nd.OwnerUserIDs)),
			logx.Bool("discord.log_channel_set", trim(nd.LogChannelID) != ""),
			logx.Bool("discord.token_changed", od.Token != nd.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		mark("logging",
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.chat_enabled", l.Chat.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		s := newCfg.Storage
		mark("storage",
			logx.String("storage.driver", s.Driver),
			logx.String("storage.path", s.Path),
			logx.Bool("storage.dsn_set", trim(s.DSN) != ""),
		)
	}

	if oldCfg.Cache != newCfg.Cache {
		c := newCfg.Cache
		mark("cache",
			logx.String("cache.driver", c.Driver),
			logx.Bool("cache.redis_url_set", trim(c.RedisURL) != ""),
			logx.String("cache.ttl", c.TTL),
		)
	}

	if oldCfg.Reminders != newCfg.Reminders {
		r := newCfg.Reminders
		mark("reminders",
			logx.Int("reminders.failure_threshold", r.FailureThreshold),
			logx.String("reminders.stale_after", r.StaleAfter),
			logx.String("reminders.cleanup_schedule", r.CleanupSchedule),
			logx.String("reminders.min_duration", r.MinDuration),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		d := newCfg.Delivery
		mark("delivery",
			logx.Any("delivery.rate_per_sec", d.RatePerSec),
			logx.Int("delivery.retry_max", d.RetryMax),
			logx.String("delivery.retry_base", d.RetryBase),
		)
	}

	// Token changes only matter for the active transport.
	active := newCfg.TransportDriver()
	for _, s := range changed {
		if s != active {
			continue
		}
		if (s == "telegram" && ot.Token != nt.Token) || (s == "discord" && od.Token != nd.Token) {
			restart = append(restart, s+".token")
		}
	}
	return changed, attrs, restart
}

func trim(s string) string { return strings.TrimSpace(s) }

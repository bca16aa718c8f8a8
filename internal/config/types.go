package config

// Config is the on-disk configuration. Durations are strings ("30s", "720h")
// and are parsed by the app when mapping sections onto component configs.
type Config struct {
	Transport TransportConfig `json:"transport"`
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord"`

	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Cache     CacheConfig     `json:"cache"`
	Reminders RemindersConfig `json:"reminders"`
	Delivery  DeliveryConfig  `json:"delivery"`
}

type TransportConfig struct {
	// Driver selects the chat platform: "telegram" (default) or "discord".
	Driver string `json:"driver" validate:"omitempty,oneof=telegram discord"`
}

type TelegramConfig struct {
	Token        string   `json:"token"`
	OwnerUserIDs []string `json:"owner_user_ids" validate:"dive,required"`
	PollTimeout  string   `json:"poll_timeout"`
	// LogChatID receives forwarded log lines when logging.chat is enabled.
	LogChatID string `json:"log_chat_id" validate:"omitempty,numeric"`
}

type DiscordConfig struct {
	Token        string   `json:"token"`
	OwnerUserIDs []string `json:"owner_user_ids" validate:"dive,required"`
	LogChannelID string   `json:"log_channel_id" validate:"omitempty,numeric"`
}

type LoggingConfig struct {
	Level   string        `json:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	Chat    ChatLogConfig `json:"chat"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type ChatLogConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

type StorageConfig struct {
	// Driver: memory | file | sqlite | postgres. Empty means memory.
	Driver      string `json:"driver" validate:"omitempty,oneof=memory file sqlite sqlite3 postgres"`
	Path        string `json:"path" validate:"required_if=Driver sqlite,required_if=Driver sqlite3"`
	DSN         string `json:"dsn" validate:"required_if=Driver postgres"`
	BusyTimeout string `json:"busy_timeout"`
	MaxConns    int32  `json:"max_conns" validate:"gte=0"`
}

type CacheConfig struct {
	// Driver: memory | redis. Empty means memory.
	Driver   string `json:"driver" validate:"omitempty,oneof=memory redis"`
	RedisURL string `json:"redis_url" validate:"required_if=Driver redis"`
	Prefix   string `json:"prefix"`
	TTL      string `json:"ttl"`
}

type RemindersConfig struct {
	FailureThreshold int    `json:"failure_threshold" validate:"gte=0"`
	StaleAfter       string `json:"stale_after"`
	// CleanupSchedule is a cron spec; "off" disables the stale sweep.
	CleanupSchedule string `json:"cleanup_schedule"`
	// Timezone is the zone the cleanup schedule runs in.
	Timezone        string `json:"timezone"`
	MinDuration     string `json:"min_duration"`
	RecoveryWorkers int    `json:"recovery_workers" validate:"gte=0,lte=64"`
	FireTimeout     string `json:"fire_timeout"`
}

type DeliveryConfig struct {
	RatePerSec  float64 `json:"rate_per_sec" validate:"gte=0"`
	Burst       int     `json:"burst" validate:"gte=0"`
	RetryMax    int     `json:"retry_max" validate:"gte=0,lte=10"`
	RetryBase   string  `json:"retry_base"`
	SendTimeout string  `json:"send_timeout"`
}

// Owners returns the owner list of the active transport.
func (c *Config) Owners() []string {
	if c == nil {
		return nil
	}
	if c.TransportDriver() == "discord" {
		return c.Discord.OwnerUserIDs
	}
	return c.Telegram.OwnerUserIDs
}

// TransportDriver returns the normalized transport driver name.
func (c *Config) TransportDriver() string {
	if c == nil || c.Transport.Driver == "" {
		return "telegram"
	}
	return c.Transport.Driver
}

// internal/common/config/config.go
package config

import "time"

// Config is the main application configuration struct.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MessageAPI MessageAPIConfig `mapstructure:"message_api"`
	Push       PushConfig       `mapstructure:"push"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MessageAPIConfig holds settings for the external message-list service.
type MessageAPIConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AuthToken string `mapstructure:"auth_token"`
	Timeout   int    `mapstructure:"timeout"`    // milliseconds
	PageLimit int    `mapstructure:"page_limit"` // messages per poll request
}

// PushConfig holds settings for the real-time push channel.
type PushConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	URL              string `mapstructure:"url"` // ws:// or wss:// endpoint
	Origin           string `mapstructure:"origin"`
	HandshakeTimeout int    `mapstructure:"handshake_timeout"` // milliseconds
	ReconnectMin     int    `mapstructure:"reconnect_min"`     // milliseconds
	ReconnectMax     int    `mapstructure:"reconnect_max"`     // milliseconds
}

// SyncConfig holds the tunables of the reconciliation engine. All of these
// are explicit settings rather than hidden globals.
type SyncConfig struct {
	PollInterval    int `mapstructure:"poll_interval"`    // milliseconds between full syncs
	Debounce        int `mapstructure:"debounce"`         // milliseconds; min gap between forced syncs
	DedupWindow     int `mapstructure:"dedup_window"`     // milliseconds; composite-identity tolerance
	BackfillWindow  int `mapstructure:"backfill_window"`  // milliseconds; push history cutoff
	NotificationCap int `mapstructure:"notification_cap"` // max entries in the recent-notifications view
	RetentionDays   int `mapstructure:"retention_days"`   // prune messages older than this
	PruneInterval   int `mapstructure:"prune_interval"`   // milliseconds between retention sweeps
	ReadSetCap      int `mapstructure:"read_set_cap"`     // max persisted read ids
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// Retention returns the retention window as a duration.
func (s SyncConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

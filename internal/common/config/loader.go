// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	// .env is a development convenience; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like MESSAGE_API_BASE_URL
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	viper.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = viper.MergeInConfig() // ignore error if not found

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	_ = godotenv.Load()

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "crm-message-sync"
	}

	// Message API defaults
	if cfg.MessageAPI.Timeout == 0 {
		cfg.MessageAPI.Timeout = 10000
	}
	if cfg.MessageAPI.PageLimit == 0 {
		cfg.MessageAPI.PageLimit = 100
	}

	// Push channel defaults
	if cfg.Push.HandshakeTimeout == 0 {
		cfg.Push.HandshakeTimeout = 10000
	}
	if cfg.Push.ReconnectMin == 0 {
		cfg.Push.ReconnectMin = 1000
	}
	if cfg.Push.ReconnectMax == 0 {
		cfg.Push.ReconnectMax = 30000
	}

	// Sync engine defaults
	if cfg.Sync.PollInterval == 0 {
		cfg.Sync.PollInterval = 60000
	}
	if cfg.Sync.Debounce == 0 {
		cfg.Sync.Debounce = 10000
	}
	if cfg.Sync.DedupWindow == 0 {
		cfg.Sync.DedupWindow = 120000
	}
	if cfg.Sync.BackfillWindow == 0 {
		cfg.Sync.BackfillWindow = 30000
	}
	if cfg.Sync.NotificationCap == 0 {
		cfg.Sync.NotificationCap = 10
	}
	if cfg.Sync.RetentionDays == 0 {
		cfg.Sync.RetentionDays = 7
	}
	if cfg.Sync.PruneInterval == 0 {
		cfg.Sync.PruneInterval = 3600000
	}
	if cfg.Sync.ReadSetCap == 0 {
		cfg.Sync.ReadSetCap = 500
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9100"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.MessageAPI.BaseURL == "" {
		return fmt.Errorf("message_api.base_url is required")
	}
	if cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if cfg.Push.Enabled && cfg.Push.URL == "" {
		return fmt.Errorf("push.url is required when push is enabled")
	}
	if cfg.Sync.Debounce > cfg.Sync.PollInterval {
		return fmt.Errorf("sync.debounce must not exceed sync.poll_interval")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DownloadsConfig holds download engine configuration.
type DownloadsConfig struct {
	Path          string `mapstructure:"path"`
	MaxConcurrent int    `mapstructure:"max_concurrent"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	RetryDelay    int    `mapstructure:"retry_delay"` // seconds
}

// TelegramConfig holds remote service configuration for the file fetcher.
type TelegramConfig struct {
	APIURL   string `mapstructure:"api_url"`
	BotToken string `mapstructure:"bot_token"`
}

// RetryDelayDuration returns the retry delay as a time.Duration.
func (c *DownloadsConfig) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.teledm")
	}

	v.SetEnvPrefix("TELEDM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration values the download engine depends on.
func (c *Config) Validate() error {
	if c.Downloads.MaxConcurrent < 1 {
		return fmt.Errorf("downloads.max_concurrent must be positive, got %d", c.Downloads.MaxConcurrent)
	}
	if c.Downloads.RetryAttempts < 0 {
		return fmt.Errorf("downloads.retry_attempts must not be negative, got %d", c.Downloads.RetryAttempts)
	}
	if c.Downloads.RetryDelay < 0 {
		return fmt.Errorf("downloads.retry_delay must not be negative, got %d", c.Downloads.RetryDelay)
	}
	if c.Downloads.Path == "" {
		return fmt.Errorf("downloads.path must not be empty")
	}
	return nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)

	v.SetDefault("database.path", "./data/teledm.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("downloads.path", filepath.Join(home, "downloads"))
	v.SetDefault("downloads.max_concurrent", 3)
	v.SetDefault("downloads.retry_attempts", 5)
	v.SetDefault("downloads.retry_delay", 5)

	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.bot_token", "")
}

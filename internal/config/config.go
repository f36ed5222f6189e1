package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DBPath    string `envconfig:"DB_PATH" default:"downloads.db"`
	TargetDir string `envconfig:"TARGET_DIR" required:"true"`

	Segments         int           `envconfig:"SEGMENTS" default:"3"`
	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"5"`
	ProgressInterval int64         `envconfig:"PROGRESS_INTERVAL" default:"262144"`
	RetryMaxTries    uint          `envconfig:"RETRY_MAX_TRIES" default:"5"`
	RetryInterval    time.Duration `envconfig:"RETRY_INTERVAL" default:"200ms"`
	RestoreOnStart   bool          `envconfig:"RESTORE_ON_START" default:"true"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepOrphansFor  time.Duration `envconfig:"KEEP_ORPHANS_FOR" default:"24h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"segment_downloader"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.TargetDir == "" {
		return nil, fmt.Errorf("TARGET_DIR must not be empty")
	}

	if cfg.Segments <= 0 {
		return nil, fmt.Errorf("SEGMENTS must be positive, got %d", cfg.Segments)
	}

	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("MAX_PARALLEL must not be negative, got %d", cfg.MaxParallel)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

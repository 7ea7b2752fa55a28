package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultSeedingMultiplier is used when SEEDING_MULTIPLIER is missing or invalid.
const DefaultSeedingMultiplier = 10

// Config struct for environment variables.
type Config struct {
	// Credentials are optional at startup; calls fail with a configuration error when they are missing.
	QBittorrent struct {
		URL      string
		Username string
		Password string
	}

	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	AddLookupAttempts int           `envconfig:"ADD_LOOKUP_ATTEMPTS" default:"5"`
	AddLookupDelay    time.Duration `envconfig:"ADD_LOOKUP_DELAY" default:"1s"`

	// Read as a string so a bad value degrades to the default instead of failing startup.
	SeedingMultiplierRaw string        `envconfig:"SEEDING_MULTIPLIER" default:"10"`
	PollInterval         time.Duration `envconfig:"POLL_INTERVAL" default:"10s"`
	SweepInterval        time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	TrackingRetention    time.Duration `envconfig:"TRACKING_RETENTION" default:"168h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		OTLPEndpoint string `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

// SeedingMultiplier parses SEEDING_MULTIPLIER. Non-integer or non-positive
// values are rejected with a warning and the default is returned.
func (c *Config) SeedingMultiplier(logger *slog.Logger) int {
	m, err := strconv.Atoi(strings.TrimSpace(c.SeedingMultiplierRaw))
	if err != nil || m <= 0 {
		logger.Warn("invalid seeding multiplier, using default",
			"value", c.SeedingMultiplierRaw,
			"default", DefaultSeedingMultiplier,
		)

		return DefaultSeedingMultiplier
	}

	return m
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

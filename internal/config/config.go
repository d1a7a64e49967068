package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Resume record backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config struct for environment variables.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	ResumeBackend string        `envconfig:"RESUME_BACKEND" default:"sqlite"`
	DBPath        string        `envconfig:"DB_PATH" default:"resume.db"`
	BadgerDir     string        `envconfig:"BADGER_DIR" default:"resume.badger"`
	ResumeHorizon time.Duration `envconfig:"RESUME_HORIZON" default:"168h"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`

	// SpoolDir buffers downloaded chunks on disk. Empty keeps them in memory.
	SpoolDir string `envconfig:"SPOOL_DIR" default:"spool"`

	ChunkSize   int64         `envconfig:"CHUNK_SIZE" default:"2097152"`
	HashWindow  int           `envconfig:"HASH_WINDOW" default:"2097152"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"5m"`

	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	AutoSave    bool   `envconfig:"AUTO_SAVE" default:"true"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DiscordUsername   string `envconfig:"DISCORD_USERNAME"`

	Control struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		// BindAddress enables the control API when set.
		BindAddress     string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"false"`
		ServiceName    string `split_words:"true" default:"resumable-transfer"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool   `envconfig:"OTLP_INSECURE" default:"true"`
	}
}

// LoadConfig reads an optional .env file, then environment variables, and populates the Config
// struct. Variables already set in the environment win over the .env file.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.ResumeBackend {
	case BackendSQLite, BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("invalid resume backend: %s", c.ResumeBackend)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}

	if c.HashWindow <= 0 {
		return fmt.Errorf("hash window must be positive, got %d", c.HashWindow)
	}

	if c.ResumeHorizon <= 0 {
		return fmt.Errorf("resume horizon must be positive, got %s", c.ResumeHorizon)
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}

	return nil
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

// Package settings loads the server settings from the environment.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/wesleyorama2/smtpload/internal/loadtest/engine"
)

// Prefix is the environment variable prefix, e.g. SMTPLOAD_PORT.
const Prefix = "SMTPLOAD"

// Settings configures the API server.
type Settings struct {
	Port int `envconfig:"PORT" default:"8080"`

	// DatabaseURL selects the PostgreSQL store; BoltPath is used otherwise
	DatabaseURL string `envconfig:"DATABASE_URL"`
	BoltPath    string `envconfig:"BOLT_PATH" default:"data/smtpload.db"`

	// RedisURL enables event publishing on RedisChannel
	RedisURL     string `envconfig:"REDIS_URL"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"smtpload:events"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
	UploadDir   string   `envconfig:"UPLOAD_DIR" default:"uploads"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	AbortThreshold int           `envconfig:"ABORT_THRESHOLD" default:"100"`
	LogCapacity    int           `envconfig:"LOG_CAPACITY" default:"50"`
	GracefulStop   time.Duration `envconfig:"GRACEFUL_STOP" default:"2s"`
	RetainRuns     int           `envconfig:"RETAIN_RUNS" default:"256"`

	// SMTPTimeout is the default server timeout for runs that set none
	SMTPTimeout time.Duration `envconfig:"SMTP_TIMEOUT" default:"30s"`
}

// Load reads the optional .env files, then the environment.
//
// Variables already set in the environment take precedence over .env
// values. A missing .env file is not an error.
func Load(envFiles ...string) (*Settings, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks value ranges.
func (s *Settings) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("%s_PORT must be between 1 and 65535, got %d", Prefix, s.Port)
	}
	if s.AbortThreshold < 1 {
		return fmt.Errorf("%s_ABORT_THRESHOLD must be at least 1", Prefix)
	}
	if s.LogCapacity < 1 {
		return fmt.Errorf("%s_LOG_CAPACITY must be at least 1", Prefix)
	}
	if s.GracefulStop < 0 || s.SMTPTimeout < 0 {
		return fmt.Errorf("%s durations cannot be negative", Prefix)
	}
	return nil
}

// Addr returns the listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// EngineOptions maps the settings onto controller options.
func (s *Settings) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.AbortThreshold = s.AbortThreshold
	opts.LogCapacity = s.LogCapacity
	opts.GracefulStop = s.GracefulStop
	opts.RetainRuns = s.RetainRuns
	return opts
}

// Package config provides run configuration parsing and validation for SMTP load tests.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Mode selects how a run decides when to stop enqueuing sends.
type Mode string

const (
	// ModeCount sends a fixed number of emails.
	ModeCount Mode = "count"

	// ModeDuration sends for a fixed wall-clock duration.
	ModeDuration Mode = "duration"

	// ModeContinuous sends until the run is stopped.
	ModeContinuous Mode = "continuous"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeCount, ModeDuration, ModeContinuous:
		return true
	}
	return false
}

const (
	// MinWorkers is the smallest allowed worker count.
	MinWorkers = 1

	// MaxWorkers is the largest allowed worker count.
	MaxWorkers = 100

	// DefaultTimeout is the SMTP dial and command timeout when none is given.
	DefaultTimeout = 30 * time.Second

	// DefaultFrom is used when neither a from-address nor an address-shaped username is set.
	DefaultFrom = "loadtest@localhost"
)

// RunConfig is the root configuration for a load test run.
//
// Example YAML:
//
//	name: "relay smoke"
//	server:
//	  host: smtp.example.com
//	  port: 587
//	auth:
//	  username: loadtest@example.com
//	  password: secret
//	message:
//	  from: loadtest@example.com
//	  subject: "Load test"
//	  body: "Hello"
//	recipients:
//	  - a@example.com
//	  - b@example.com
//	workers: 4
//	delay: 100ms
//	mode: count
//	totalEmails: 500
type RunConfig struct {
	// Name labels the run in reports (optional)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// ConfigID references a saved configuration owned by a caller (optional)
	ConfigID string `json:"configId,omitempty" yaml:"configId,omitempty"`

	// Server is the SMTP endpoint under test
	Server ServerConfig `json:"server" yaml:"server"`

	// Auth holds optional SMTP AUTH credentials
	Auth *AuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`

	// Message is the email sent to every recipient
	Message MessageConfig `json:"message" yaml:"message"`

	// Recipients are cycled in order across sends
	Recipients []string `json:"recipients" yaml:"recipients"`

	// Workers is the number of concurrent lanes (1-100)
	Workers int `json:"workers" yaml:"workers"`

	// Delay is applied by each lane after every send
	Delay Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Mode is one of count, duration, continuous
	Mode Mode `json:"mode" yaml:"mode"`

	// TotalEmails is the number of sends for count mode
	TotalEmails int `json:"totalEmails,omitempty" yaml:"totalEmails,omitempty"`

	// DurationSeconds is the run length for duration mode
	DurationSeconds int `json:"durationSeconds,omitempty" yaml:"durationSeconds,omitempty"`

	// MaxRate caps sends per second across all lanes (0 = unlimited)
	MaxRate float64 `json:"maxRate,omitempty" yaml:"maxRate,omitempty"`
}

// ServerConfig describes how to reach the SMTP server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// TLS dials with implicit TLS (SMTPS, usually port 465)
	TLS bool `json:"tls,omitempty" yaml:"tls,omitempty"`

	// DisableStartTLS skips the opportunistic STARTTLS upgrade on plain connections
	DisableStartTLS bool `json:"disableStartTls,omitempty" yaml:"disableStartTls,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// Timeout bounds dialing and each SMTP exchange
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// AuthConfig holds SMTP AUTH credentials.
type AuthConfig struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// MessageConfig describes the email content.
type MessageConfig struct {
	From    string            `json:"from,omitempty" yaml:"from,omitempty"`
	Subject string            `json:"subject" yaml:"subject"`
	Body    string            `json:"body" yaml:"body"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Attachment is a file path attached to every message
	Attachment string `json:"attachment,omitempty" yaml:"attachment,omitempty"`
}

// Clone returns a deep copy of the configuration.
func (c *RunConfig) Clone() *RunConfig {
	out := *c
	if c.Auth != nil {
		auth := *c.Auth
		out.Auth = &auth
	}
	if c.Message.Headers != nil {
		out.Message.Headers = make(map[string]string, len(c.Message.Headers))
		for k, v := range c.Message.Headers {
			out.Message.Headers[k] = v
		}
	}
	out.Recipients = append([]string(nil), c.Recipients...)
	return &out
}

// RunDuration returns the configured duration for duration mode, zero otherwise.
func (c *RunConfig) RunDuration() time.Duration {
	if c.Mode != ModeDuration {
		return 0
	}
	return time.Duration(c.DurationSeconds) * time.Second
}

// Duration is a time.Duration that unmarshals from "250ms"-style strings or
// from a bare number of milliseconds.
type Duration time.Duration

// GetDuration returns the duration or a default if zero.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*d = 0
		return nil
	}

	// Bare numbers are milliseconds
	if len(s) > 0 && s[0] != '"' {
		var ms float64
		if err := json.Unmarshal(b, &ms); err != nil {
			return fmt.Errorf("invalid duration %s: %w", s, err)
		}
		*d = Duration(time.Duration(ms * float64(time.Millisecond)))
		return nil
	}

	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	dur, err := ParseDurationString(str)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

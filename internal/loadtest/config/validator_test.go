package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *RunConfig {
	return &RunConfig{
		Server:      ServerConfig{Host: "smtp.example.com", Port: 25},
		Message:     MessageConfig{From: "from@example.com", Subject: "s", Body: "b"},
		Recipients:  []string{"a@x.com", "b@x.com"},
		Workers:     2,
		Mode:        ModeCount,
		TotalEmails: 10,
	}
}

func TestValidate_MinimalValid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() returned error for valid config: %v", err)
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *RunConfig)
		field  string
	}{
		{"missing host", func(c *RunConfig) { c.Server.Host = " " }, "server.host"},
		{"port zero", func(c *RunConfig) { c.Server.Port = 0 }, "server.port"},
		{"port too large", func(c *RunConfig) { c.Server.Port = 65536 }, "server.port"},
		{"no recipients", func(c *RunConfig) { c.Recipients = nil }, "recipients"},
		{"bad recipient", func(c *RunConfig) { c.Recipients = []string{"a@x.com", "nope"} }, "recipients[1]"},
		{"zero workers", func(c *RunConfig) { c.Workers = 0 }, "workers"},
		{"too many workers", func(c *RunConfig) { c.Workers = 101 }, "workers"},
		{"negative delay", func(c *RunConfig) { c.Delay = -1 }, "delay"},
		{"negative rate", func(c *RunConfig) { c.MaxRate = -1 }, "maxRate"},
		{"missing mode", func(c *RunConfig) { c.Mode = "" }, "mode"},
		{"unknown mode", func(c *RunConfig) { c.Mode = "burst" }, "mode"},
		{"count without total", func(c *RunConfig) { c.TotalEmails = 0 }, "totalEmails"},
		{"duration without seconds", func(c *RunConfig) { c.Mode = ModeDuration }, "durationSeconds"},
		{"auth without password", func(c *RunConfig) { c.Auth = &AuthConfig{Username: "u"} }, "auth.password"},
		{"bad from", func(c *RunConfig) { c.Message.From = "not an address" }, "message.from"},
		{"missing subject", func(c *RunConfig) { c.Message.Subject = "" }, "message.subject"},
		{"header injection", func(c *RunConfig) {
			c.Message.Headers = map[string]string{"X-Test": "a\r\nBcc: victim@x.com"}
		}, "message.headers.X-Test"},
		{"bad header name", func(c *RunConfig) {
			c.Message.Headers = map[string]string{"X Test": "a"}
		}, "message.headers.X Test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			verrs, ok := err.(*ValidationErrors)
			require.True(t, ok, "expected *ValidationErrors, got %T", err)
			assert.True(t, verrs.Has(tt.field), "expected error on %s, got: %v", tt.field, err)
		})
	}
}

func TestValidate_ContinuousNeedsNoParameter(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = ModeContinuous
	cfg.TotalEmails = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidate_WorkersMayExceedRecipients(t *testing.T) {
	cfg := validConfig()
	cfg.Workers = 50
	cfg.TotalEmails = 3
	assert.NoError(t, cfg.Validate())
}

func TestValidationErrors_Message(t *testing.T) {
	errs := &ValidationErrors{}
	assert.Equal(t, "no validation errors", errs.Error())

	errs.Add("workers", "too many")
	assert.Equal(t, "validation error on field 'workers': too many", errs.Error())

	errs.Add("", "broken")
	msg := errs.Error()
	assert.True(t, strings.HasPrefix(msg, "2 validation errors:"))
	assert.Contains(t, msg, "2. validation error: broken")
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Message.From = ""
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultFrom, cfg.Message.From)
	assert.Equal(t, DefaultTimeout, cfg.Server.Timeout.GetDuration(0))

	cfg = validConfig()
	cfg.Message.From = ""
	cfg.Auth = &AuthConfig{Username: "user@example.com", Password: "p"}
	cfg.ApplyDefaults()
	assert.Equal(t, "user@example.com", cfg.Message.From)
}

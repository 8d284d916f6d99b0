package config

import (
	"fmt"
	"net/mail"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Has reports whether any error was recorded for field.
func (e *ValidationErrors) Has(field string) bool {
	for _, err := range e.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ApplyDefaults fills optional fields that have implicit values.
func (c *RunConfig) ApplyDefaults() {
	if c.Server.Timeout == 0 {
		c.Server.Timeout = Duration(DefaultTimeout)
	}
	if c.Message.From == "" {
		c.Message.From = DefaultFrom
		if c.Auth != nil && strings.Contains(c.Auth.Username, "@") {
			c.Message.From = c.Auth.Username
		}
	}
}

// Validate validates the run configuration.
//
// Returns nil if valid, or a *ValidationErrors containing all validation errors.
func (c *RunConfig) Validate() error {
	errs := &ValidationErrors{}

	validateServer(&c.Server, errs)

	if c.Auth != nil {
		if c.Auth.Username == "" {
			errs.Add("auth.username", "username is required when auth is set")
		}
		if c.Auth.Password == "" {
			errs.Add("auth.password", "password is required when auth is set")
		}
	}

	validateMessage(&c.Message, errs)

	if len(c.Recipients) == 0 {
		errs.Add("recipients", "at least one recipient is required")
	}
	for i, rcpt := range c.Recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			errs.Add(fmt.Sprintf("recipients[%d]", i), fmt.Sprintf("invalid address %q", rcpt))
		}
	}

	if c.Workers < MinWorkers || c.Workers > MaxWorkers {
		errs.Add("workers", fmt.Sprintf("workers must be between %d and %d", MinWorkers, MaxWorkers))
	}

	if c.Delay < 0 {
		errs.Add("delay", "delay cannot be negative")
	}

	if c.MaxRate < 0 {
		errs.Add("maxRate", "maxRate cannot be negative")
	}

	switch c.Mode {
	case "":
		errs.Add("mode", "mode is required")
	case ModeCount:
		if c.TotalEmails < 1 {
			errs.Add("totalEmails", "totalEmails must be at least 1 for count mode")
		}
	case ModeDuration:
		if c.DurationSeconds < 1 {
			errs.Add("durationSeconds", "durationSeconds must be at least 1 for duration mode")
		}
	case ModeContinuous:
	default:
		errs.Add("mode", fmt.Sprintf("unknown mode: %s", c.Mode))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig, errs *ValidationErrors) {
	if strings.TrimSpace(s.Host) == "" {
		errs.Add("server.host", "host is required")
	}
	if s.Port < 1 || s.Port > 65535 {
		errs.Add("server.port", "port must be between 1 and 65535")
	}
	if s.Timeout < 0 {
		errs.Add("server.timeout", "timeout cannot be negative")
	}
}

func validateMessage(m *MessageConfig, errs *ValidationErrors) {
	if m.From != "" {
		if _, err := mail.ParseAddress(m.From); err != nil {
			errs.Add("message.from", fmt.Sprintf("invalid address %q", m.From))
		}
	}
	if m.Subject == "" {
		errs.Add("message.subject", "subject is required")
	}
	if m.Body == "" {
		errs.Add("message.body", "body is required")
	}

	for name, value := range m.Headers {
		field := "message.headers." + name
		if !validHeaderName(name) {
			errs.Add(field, "invalid header name")
			continue
		}
		if strings.ContainsAny(value, "\r\n") {
			errs.Add(field, "header value cannot contain line breaks")
		}
	}
}

// validHeaderName checks the RFC 5322 field-name grammar: printable ASCII except colon.
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 33 || c > 126 || c == ':' {
			return false
		}
	}
	return true
}

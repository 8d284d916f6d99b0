package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig matches configuration errors returned by Start. The
	// wrapped *config.ValidationErrors lists the offending fields.
	ErrInvalidConfig = errors.New("invalid run configuration")

	// ErrConnection matches *ConnectionError.
	ErrConnection = errors.New("SMTP connection failed")

	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
)

// ConnectionError is returned by Start when the SMTP server cannot be
// reached or rejects the credentials. No run is created.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("SMTP connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConnection) match.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

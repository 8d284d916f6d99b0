package executor

import (
	"fmt"

	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
)

// New creates the executor for a run configuration.
//
// Supported modes:
//   - "count" - send totalEmails emails
//   - "duration" - send for durationSeconds seconds
//   - "continuous" - send until stopped
func New(cfg *config.RunConfig) (Executor, error) {
	switch cfg.Mode {
	case config.ModeCount:
		if cfg.TotalEmails < 1 {
			return nil, fmt.Errorf("count mode requires totalEmails >= 1, got %d", cfg.TotalEmails)
		}
		return NewCount(int64(cfg.TotalEmails)), nil
	case config.ModeDuration:
		if cfg.DurationSeconds < 1 {
			return nil, fmt.Errorf("duration mode requires durationSeconds >= 1, got %d", cfg.DurationSeconds)
		}
		return NewDuration(cfg.RunDuration()), nil
	case config.ModeContinuous:
		return NewContinuous(), nil
	default:
		return nil, fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

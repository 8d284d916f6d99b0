package executor

import (
	"context"
	"time"

	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
)

// Duration sends until a fixed wall-clock end time.
//
// The end time is StartedAt plus Length; time spent paused counts towards
// it. At the end, queued tasks are dropped and in-flight sends are awaited.
type Duration struct {
	Length time.Duration
}

// NewDuration creates a duration executor.
func NewDuration(length time.Duration) *Duration {
	return &Duration{Length: length}
}

// Mode implements Executor.
func (d *Duration) Mode() config.Mode {
	return config.ModeDuration
}

// Run implements Executor.
func (d *Duration) Run(ctx context.Context, t *Target) (StopReason, error) {
	if err := t.validate(); err != nil {
		return ReasonStopped, err
	}

	start := t.StartedAt
	if start.IsZero() {
		start = time.Now()
	}

	window, cancel := context.WithDeadline(ctx, start.Add(d.Length))
	defer cancel()

	for seq := int64(0); ; seq++ {
		reason, err := feed(ctx, window, t, seq)
		if reason == "" && err == nil {
			continue
		}
		if reason == ReasonDurationElapsed {
			t.Pool.KillAll()
		}
		return finish(ctx, t, reason, err)
	}
}

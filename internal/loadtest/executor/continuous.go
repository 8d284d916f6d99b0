package executor

import (
	"context"

	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
)

// Continuous cycles the recipient list until the run is stopped or aborted.
type Continuous struct{}

// NewContinuous creates a continuous executor.
func NewContinuous() *Continuous {
	return &Continuous{}
}

// Mode implements Executor.
func (c *Continuous) Mode() config.Mode {
	return config.ModeContinuous
}

// Run implements Executor.
func (c *Continuous) Run(ctx context.Context, t *Target) (StopReason, error) {
	if err := t.validate(); err != nil {
		return ReasonStopped, err
	}

	for seq := int64(0); ; seq++ {
		reason, err := feed(ctx, ctx, t, seq)
		if reason != "" || err != nil {
			return finish(ctx, t, reason, err)
		}
	}
}

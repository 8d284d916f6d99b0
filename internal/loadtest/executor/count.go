package executor

import (
	"context"

	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
)

// Count sends a fixed number of emails.
//
// Task i goes to recipient i mod len(recipients) on lane i mod workers, so
// the recipient list is cycled when it is shorter than the total. Lanes may
// stay idle when Total is smaller than the worker count.
type Count struct {
	Total int64
}

// NewCount creates a count executor.
func NewCount(total int64) *Count {
	return &Count{Total: total}
}

// Mode implements Executor.
func (c *Count) Mode() config.Mode {
	return config.ModeCount
}

// Run implements Executor.
func (c *Count) Run(ctx context.Context, t *Target) (StopReason, error) {
	if err := t.validate(); err != nil {
		return ReasonStopped, err
	}

	for seq := int64(0); seq < c.Total; seq++ {
		reason, err := feed(ctx, ctx, t, seq)
		if reason != "" || err != nil {
			return finish(ctx, t, reason, err)
		}
	}

	return finish(ctx, t, ReasonTargetReached, nil)
}

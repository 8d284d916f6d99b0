// Package executor provides the run-mode schedulers that feed the worker pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
)

// StopReason explains why an executor stopped feeding the pool.
type StopReason string

const (
	// ReasonTargetReached means every configured email was sent.
	ReasonTargetReached StopReason = "target-reached"

	// ReasonDurationElapsed means the configured duration passed.
	ReasonDurationElapsed StopReason = "duration-elapsed"

	// ReasonStopped means the run was stopped explicitly.
	ReasonStopped StopReason = "stopped"

	// ReasonAbortThreshold means too many consecutive sends failed.
	ReasonAbortThreshold StopReason = "abort-threshold"
)

const (
	// DefaultPollInterval is how often a blocked scheduler re-checks the queue bound.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultQueueDepth is the number of tasks queued per lane before the scheduler waits.
	DefaultQueueDepth = 2
)

// Executor decides which recipient goes to which lane and when feeding stops.
//
// Run blocks until feeding has ended and, unless the run was stopped, the
// pool has drained. Cancelling ctx stops the run.
type Executor interface {
	// Mode returns the run mode this executor implements.
	Mode() config.Mode

	// Run feeds the target's pool until the mode's end condition.
	Run(ctx context.Context, t *Target) (StopReason, error)
}

// Pool is the part of loadtest.Pool an executor drives.
type Pool interface {
	Submit(lane int, recipient string) error
	Outstanding() int64
	Drain(ctx context.Context) error
	KillAll() int
}

// Tracker reports run conditions owned by the controller.
type Tracker interface {
	// Aborted reports whether the consecutive failure threshold was hit.
	Aborted() bool
}

// Target bundles everything an executor needs to feed one run.
type Target struct {
	Pool       Pool
	Gate       *loadtest.Gate
	Tracker    Tracker
	Recipients []string
	Workers    int

	// StartedAt anchors duration mode
	StartedAt time.Time

	// PollInterval paces the scheduler while the queue bound is reached
	PollInterval time.Duration

	// QueueDepth bounds outstanding tasks to Workers*QueueDepth
	QueueDepth int

	// Limiter caps the submit rate (optional)
	Limiter *rate.Limiter
}

// NewLimiter returns a limiter for maxRate emails per second, or nil when
// maxRate is zero.
func NewLimiter(maxRate float64) *rate.Limiter {
	if maxRate <= 0 {
		return nil
	}
	burst := int(math.Ceil(maxRate))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(maxRate), burst)
}

func (t *Target) validate() error {
	if t.Pool == nil {
		return errors.New("target has no pool")
	}
	if len(t.Recipients) == 0 {
		return errors.New("target has no recipients")
	}
	if t.Workers < 1 {
		return fmt.Errorf("invalid worker count %d", t.Workers)
	}
	if t.Gate == nil {
		t.Gate = loadtest.NewGate()
	}
	if t.PollInterval <= 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.QueueDepth <= 0 {
		t.QueueDepth = DefaultQueueDepth
	}
	return nil
}

func (t *Target) aborted() bool {
	return t.Tracker != nil && t.Tracker.Aborted()
}

func (t *Target) maxOutstanding() int64 {
	return int64(t.Workers * t.QueueDepth)
}

// feed submits task number seq once the gate is open, the queue bound allows
// it and the limiter grants a token. Recipient and lane are both chosen round
// robin from seq.
//
// ctx ending means the run was stopped. window ending (duration mode) means
// the duration elapsed. A non-empty reason ends feeding.
func feed(ctx, window context.Context, t *Target, seq int64) (StopReason, error) {
	for {
		switch {
		case ctx.Err() != nil:
			return ReasonStopped, nil
		case window.Err() != nil:
			return ReasonDurationElapsed, nil
		case t.aborted():
			return ReasonAbortThreshold, nil
		}

		if !t.Gate.Wait(window, nil) {
			continue
		}

		if t.Pool.Outstanding() >= t.maxOutstanding() {
			sleep(window, t.PollInterval)
			continue
		}

		if t.Limiter != nil {
			if err := t.Limiter.Wait(window); err != nil {
				// The next token falls past the window's deadline
				if _, ok := window.Deadline(); ok && window.Err() == nil {
					<-window.Done()
				}
				continue
			}
		}

		recipient := t.Recipients[seq%int64(len(t.Recipients))]
		lane := int(seq % int64(t.Workers))

		if err := t.Pool.Submit(lane, recipient); err != nil {
			if errors.Is(err, loadtest.ErrPoolStopped) {
				if t.aborted() {
					return ReasonAbortThreshold, nil
				}
				return ReasonStopped, nil
			}
			return ReasonStopped, fmt.Errorf("failed to submit task %d: %w", seq, err)
		}
		return "", nil
	}
}

// finish waits for queued and in-flight work unless the run was stopped, in
// which case the controller owns the grace period.
func finish(ctx context.Context, t *Target, reason StopReason, err error) (StopReason, error) {
	if err != nil || reason == ReasonStopped {
		return reason, err
	}

	if derr := t.Pool.Drain(ctx); derr != nil {
		return ReasonStopped, nil
	}

	if reason != ReasonAbortThreshold && t.aborted() {
		return ReasonAbortThreshold, nil
	}
	return reason, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

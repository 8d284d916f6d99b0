package engine

import (
	"time"

	"github.com/wesleyorama2/smtpload/internal/loadtest/executor"
	"github.com/wesleyorama2/smtpload/internal/loadtest/metrics"
)

// Default option values.
const (
	DefaultAbortThreshold = 100
	DefaultGracefulStop   = 2 * time.Second
	DefaultRetainRuns     = 256
)

// Options tunes the controller.
type Options struct {
	// AbortThreshold is the number of consecutive failures that ends a run
	AbortThreshold int

	// LogCapacity bounds the error and response logs of each run
	LogCapacity int

	// PollInterval paces the scheduler while the queue is full
	PollInterval time.Duration

	// GracefulStop is how long Stop waits for in-flight sends
	GracefulStop time.Duration

	// QueueDepth is the number of queued tasks allowed per worker
	QueueDepth int

	// RetainRuns is the number of completed runs kept for Snapshot
	RetainRuns int
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		AbortThreshold: DefaultAbortThreshold,
		LogCapacity:    metrics.DefaultLogCapacity,
		PollInterval:   executor.DefaultPollInterval,
		GracefulStop:   DefaultGracefulStop,
		QueueDepth:     executor.DefaultQueueDepth,
		RetainRuns:     DefaultRetainRuns,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AbortThreshold <= 0 {
		o.AbortThreshold = d.AbortThreshold
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = d.LogCapacity
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.GracefulStop <= 0 {
		o.GracefulStop = d.GracefulStop
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = d.QueueDepth
	}
	if o.RetainRuns <= 0 {
		o.RetainRuns = d.RetainRuns
	}
	return o
}

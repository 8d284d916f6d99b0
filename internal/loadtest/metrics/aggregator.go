// Package metrics aggregates send outcomes for a load test run.
package metrics

import (
	"math"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Response statuses recorded in the response log.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// DefaultLogCapacity is the default size of the error and response logs.
const DefaultLogCapacity = 50

const (
	histogramMin     = 1          // 1 microsecond
	histogramMax     = 3600000000 // 1 hour in microseconds
	histogramSigFigs = 3

	// minElapsed guards the rate against division by a near-zero elapsed time.
	minElapsed = time.Millisecond
)

// ErrorRecord is one entry of the bounded error log.
type ErrorRecord struct {
	Recipient string    `json:"recipient"`
	Worker    int       `json:"worker"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ResponseRecord is one entry of the bounded response log.
type ResponseRecord struct {
	Recipient    string    `json:"recipient"`
	Status       string    `json:"status"`
	Response     string    `json:"response"`
	ResponseTime float64   `json:"responseTime"` // milliseconds
	Timestamp    time.Time `json:"timestamp"`
}

// Stats is a point-in-time copy of the aggregated figures.
// Response times are in milliseconds.
type Stats struct {
	TotalAttempted int64
	Succeeded      int64
	Failed         int64

	// Measured is the number of attempts that carried a response time.
	Measured int64

	MinResponseTime float64
	MaxResponseTime float64
	AvgResponseTime float64
	P50ResponseTime float64
	P95ResponseTime float64
	P99ResponseTime float64

	Errors    []ErrorRecord
	Responses []ResponseRecord
}

// Goal describes what a run is working towards, for progress.
// A zero Goal means the run has no defined end.
type Goal struct {
	TotalEmails int64
	Duration    time.Duration
}

// Derived holds figures recomputed from Stats on every read.
type Derived struct {
	EmailsPerSecond float64
	Progress        float64 // 0-100
}

// Aggregator owns the mutable statistics of one run.
//
// It is invoked synchronously from the run's single mutation entrypoint and
// is not safe for concurrent use: callers serialize access.
type Aggregator struct {
	attempted int64
	succeeded int64
	failed    int64

	measured int64
	min      float64
	max      float64
	avg      float64

	consecutiveFailures int

	// Range: 1 microsecond to 1 hour, 3 significant figures
	hist *hdrhistogram.Histogram

	errors    *Ring[ErrorRecord]
	responses *Ring[ResponseRecord]
}

// NewAggregator creates an aggregator whose logs hold logCapacity entries each.
func NewAggregator(logCapacity int) *Aggregator {
	if logCapacity <= 0 {
		logCapacity = DefaultLogCapacity
	}
	return &Aggregator{
		hist:      hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
		errors:    NewRing[ErrorRecord](logCapacity),
		responses: NewRing[ResponseRecord](logCapacity),
	}
}

// RecordSuccess records a delivered message.
func (a *Aggregator) RecordSuccess(recipient string, rt time.Duration, serverText string, at time.Time) {
	a.attempted++
	a.succeeded++
	a.consecutiveFailures = 0

	ms := a.observe(rt)
	a.responses.Push(ResponseRecord{
		Recipient:    recipient,
		Status:       StatusSuccess,
		Response:     serverText,
		ResponseTime: ms,
		Timestamp:    at,
	})
}

// RecordFailure records a failed send.
//
// The error log always receives an entry. When measured is true the failure
// happened on an established connection, so rt also feeds the timing figures
// and the response log.
// Unmeasured failures do not count toward the mean response time.
func (a *Aggregator) RecordFailure(recipient string, worker int, errText string, rt time.Duration, measured bool, at time.Time) {
	a.attempted++
	a.failed++
	a.consecutiveFailures++

	a.errors.Push(ErrorRecord{
		Recipient: recipient,
		Worker:    worker,
		Message:   errText,
		Timestamp: at,
	})

	if !measured {
		return
	}

	ms := a.observe(rt)
	a.responses.Push(ResponseRecord{
		Recipient:    recipient,
		Status:       StatusError,
		Response:     errText,
		ResponseTime: ms,
		Timestamp:    at,
	})
}

// observe folds one response time into min, max, mean and the histogram.
func (a *Aggregator) observe(rt time.Duration) float64 {
	if rt < 0 {
		rt = 0
	}
	ms := float64(rt) / float64(time.Millisecond)

	a.measured++
	if a.measured == 1 {
		a.min, a.max = ms, ms
	} else {
		a.min = math.Min(a.min, ms)
		a.max = math.Max(a.max, ms)
	}
	a.avg += (ms - a.avg) / float64(a.measured)

	micros := rt.Microseconds()
	if micros < histogramMin {
		micros = histogramMin
	}
	if micros > histogramMax {
		micros = histogramMax
	}
	_ = a.hist.RecordValue(micros)

	return ms
}

// ConsecutiveFailures returns the failures recorded since the last success.
func (a *Aggregator) ConsecutiveFailures() int {
	return a.consecutiveFailures
}

// TotalAttempted returns the number of recorded attempts.
func (a *Aggregator) TotalAttempted() int64 {
	return a.attempted
}

// Stats returns a deep copy of the current figures.
func (a *Aggregator) Stats() Stats {
	s := Stats{
		TotalAttempted:  a.attempted,
		Succeeded:       a.succeeded,
		Failed:          a.failed,
		Measured:        a.measured,
		MinResponseTime: a.min,
		MaxResponseTime: a.max,
		AvgResponseTime: a.avg,
		Errors:          a.errors.Items(),
		Responses:       a.responses.Items(),
	}
	if a.measured > 0 {
		s.P50ResponseTime = quantileMillis(a.hist, 50)
		s.P95ResponseTime = quantileMillis(a.hist, 95)
		s.P99ResponseTime = quantileMillis(a.hist, 99)
	}
	return s
}

func quantileMillis(h *hdrhistogram.Histogram, q float64) float64 {
	return float64(h.ValueAtQuantile(q)) / 1000
}

// Derive computes rate and progress for a run started at startedAt.
func Derive(s Stats, startedAt, now time.Time, goal Goal) Derived {
	elapsed := now.Sub(startedAt)
	if elapsed < minElapsed {
		elapsed = minElapsed
	}

	d := Derived{
		EmailsPerSecond: float64(s.TotalAttempted) / elapsed.Seconds(),
	}

	switch {
	case goal.TotalEmails > 0:
		d.Progress = percent(float64(s.TotalAttempted) / float64(goal.TotalEmails))
	case goal.Duration > 0:
		d.Progress = percent(float64(now.Sub(startedAt)) / float64(goal.Duration))
	}
	return d
}

func percent(ratio float64) float64 {
	return math.Max(0, math.Min(ratio*100, 100))
}

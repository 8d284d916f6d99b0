// Package loadtest holds the run state, events and worker pool shared by the
// SMTP load test engine and its collaborators.
package loadtest

import (
	"time"

	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
	"github.com/wesleyorama2/smtpload/internal/loadtest/metrics"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// RunState is a read-only copy of a run's state.
//
// Response times are in milliseconds. EndedAt is set only once the run is
// completed.
type RunState struct {
	ID       string      `json:"id"`
	ConfigID string      `json:"configId,omitempty"`
	Name     string      `json:"name,omitempty"`
	Mode     config.Mode `json:"mode"`
	Status   Status      `json:"status"`
	Workers  int         `json:"workers"`

	TotalAttempted int64 `json:"totalAttempted"`
	Succeeded      int64 `json:"succeeded"`
	Failed         int64 `json:"failed"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	MinResponseTime float64 `json:"minResponseTime"`
	MaxResponseTime float64 `json:"maxResponseTime"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	P50ResponseTime float64 `json:"p50ResponseTime"`
	P95ResponseTime float64 `json:"p95ResponseTime"`
	P99ResponseTime float64 `json:"p99ResponseTime"`

	Errors    []metrics.ErrorRecord    `json:"errors"`
	Responses []metrics.ResponseRecord `json:"responses"`

	EmailsPerSecond float64 `json:"emailsPerSecond"`
	Progress        float64 `json:"progress"`
}

// Completed reports whether the run has finished.
func (s *RunState) Completed() bool {
	return s.Status == StatusCompleted
}

// Elapsed returns the run time so far, or the total run time once completed.
func (s *RunState) Elapsed(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Clone returns a deep copy.
func (s *RunState) Clone() *RunState {
	out := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		out.EndedAt = &ended
	}
	out.Errors = append([]metrics.ErrorRecord(nil), s.Errors...)
	out.Responses = append([]metrics.ResponseRecord(nil), s.Responses...)
	return &out
}

// EventType names a run lifecycle notification.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
	EventError     EventType = "error"
	EventCompleted EventType = "completed"
)

// Event is one notification emitted by the engine.
//
// Data is a *RunState, or a metrics.ErrorRecord for EventError.
type Event struct {
	RunID     string      `json:"runId"`
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// State returns the event's run state, if it carries one.
func (e Event) State() (*RunState, bool) {
	s, ok := e.Data.(*RunState)
	return s, ok
}

// Outcome is the result of one send task, reported by a lane.
type Outcome struct {
	Lane      int
	Recipient string

	Success      bool
	ResponseText string
	Err          string

	// Elapsed is the measured send time. Measured is false when the send
	// failed before a connection was established.
	Elapsed  time.Duration
	Measured bool

	At time.Time
}

package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestAggregator_Counters(t *testing.T) {
	a := NewAggregator(10)

	a.RecordSuccess("a@x.com", 10*time.Millisecond, "250 OK", t0)
	a.RecordFailure("b@x.com", 1, "550 rejected", 20*time.Millisecond, true, t0)
	a.RecordFailure("c@x.com", 0, "dial tcp: refused", 0, false, t0)

	s := a.Stats()
	assert.Equal(t, int64(3), s.TotalAttempted)
	assert.Equal(t, int64(1), s.Succeeded)
	assert.Equal(t, int64(2), s.Failed)
	assert.Equal(t, s.TotalAttempted, s.Succeeded+s.Failed)
	assert.Equal(t, int64(2), s.Measured)
	assert.Equal(t, 2, a.ConsecutiveFailures())
}

func TestAggregator_MinMaxAnyOrder(t *testing.T) {
	orders := [][]int{
		{120, 850, 245},
		{850, 245, 120},
		{245, 120, 850},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			a := NewAggregator(10)
			for _, ms := range order {
				a.RecordSuccess("a@x.com", time.Duration(ms)*time.Millisecond, "250 OK", t0)
			}

			s := a.Stats()
			assert.Equal(t, 120.0, s.MinResponseTime)
			assert.Equal(t, 850.0, s.MaxResponseTime)
			assert.InDelta(t, (120.0+850.0+245.0)/3, s.AvgResponseTime, 1e-9)
		})
	}
}

func TestAggregator_UnmeasuredFailureLeavesTiming(t *testing.T) {
	a := NewAggregator(10)
	a.RecordSuccess("a@x.com", 100*time.Millisecond, "250 OK", t0)
	a.RecordFailure("a@x.com", 0, "connection refused", 5*time.Second, false, t0)

	s := a.Stats()
	assert.Equal(t, 100.0, s.MinResponseTime)
	assert.Equal(t, 100.0, s.MaxResponseTime)
	assert.Equal(t, 100.0, s.AvgResponseTime)
	assert.Len(t, s.Errors, 1)
	assert.Len(t, s.Responses, 1)
}

func TestAggregator_MeasuredFailureFeedsResponses(t *testing.T) {
	a := NewAggregator(10)
	a.RecordFailure("a@x.com", 3, "452 mailbox full", 40*time.Millisecond, true, t0)

	s := a.Stats()
	require.Len(t, s.Responses, 1)
	assert.Equal(t, StatusError, s.Responses[0].Status)
	assert.Equal(t, 40.0, s.Responses[0].ResponseTime)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, 3, s.Errors[0].Worker)
	assert.Equal(t, 40.0, s.MinResponseTime)
}

func TestAggregator_SuccessResetsConsecutiveFailures(t *testing.T) {
	a := NewAggregator(10)
	for i := 0; i < 5; i++ {
		a.RecordFailure("a@x.com", 0, "boom", 0, false, t0)
	}
	assert.Equal(t, 5, a.ConsecutiveFailures())

	a.RecordSuccess("a@x.com", time.Millisecond, "250 OK", t0)
	assert.Equal(t, 0, a.ConsecutiveFailures())
}

func TestAggregator_LogsBounded(t *testing.T) {
	const capacity = 5
	a := NewAggregator(capacity)

	for i := 0; i <= capacity; i++ {
		rcpt := fmt.Sprintf("r%d@x.com", i)
		a.RecordFailure(rcpt, 0, "boom", time.Millisecond, true, t0)
	}

	s := a.Stats()
	require.Len(t, s.Errors, capacity)
	require.Len(t, s.Responses, capacity)

	// The first entry was evicted, the rest are in insertion order.
	for i, rec := range s.Errors {
		assert.Equal(t, fmt.Sprintf("r%d@x.com", i+1), rec.Recipient)
	}
	assert.Equal(t, "r1@x.com", s.Responses[0].Recipient)
}

func TestAggregator_StatsIsCopy(t *testing.T) {
	a := NewAggregator(5)
	a.RecordFailure("a@x.com", 0, "boom", 0, false, t0)

	s := a.Stats()
	s.Errors[0].Recipient = "changed"

	assert.Equal(t, "a@x.com", a.Stats().Errors[0].Recipient)
}

func TestAggregator_Percentiles(t *testing.T) {
	a := NewAggregator(10)
	for i := 1; i <= 100; i++ {
		a.RecordSuccess("a@x.com", time.Duration(i)*time.Millisecond, "250 OK", t0)
	}

	s := a.Stats()
	assert.InDelta(t, 50, s.P50ResponseTime, 1)
	assert.InDelta(t, 95, s.P95ResponseTime, 1)
	assert.InDelta(t, 99, s.P99ResponseTime, 1)
}

func TestAggregator_EmptyStats(t *testing.T) {
	s := NewAggregator(0).Stats()
	assert.Zero(t, s.TotalAttempted)
	assert.Zero(t, s.MinResponseTime)
	assert.Zero(t, s.P99ResponseTime)
	assert.Empty(t, s.Errors)
}

func TestDerive(t *testing.T) {
	s := Stats{TotalAttempted: 50}

	tests := []struct {
		name     string
		now      time.Time
		goal     Goal
		rate     float64
		progress float64
	}{
		{"count half way", t0.Add(10 * time.Second), Goal{TotalEmails: 100}, 5, 50},
		{"count overshoot clamps", t0.Add(10 * time.Second), Goal{TotalEmails: 10}, 5, 100},
		{"duration", t0.Add(15 * time.Second), Goal{Duration: time.Minute}, 50.0 / 15, 25},
		{"duration past end clamps", t0.Add(2 * time.Minute), Goal{Duration: time.Minute}, 50.0 / 120, 100},
		{"continuous has no progress", t0.Add(25 * time.Second), Goal{}, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Derive(s, t0, tt.now, tt.goal)
			assert.InDelta(t, tt.rate, d.EmailsPerSecond, 1e-9)
			assert.InDelta(t, tt.progress, d.Progress, 1e-9)
		})
	}
}

func TestDerive_ZeroElapsed(t *testing.T) {
	d := Derive(Stats{TotalAttempted: 1}, t0, t0, Goal{})
	assert.InDelta(t, 1000, d.EmailsPerSecond, 1e-9)
}

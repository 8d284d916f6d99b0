package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
	"github.com/wesleyorama2/smtpload/internal/loadtest/engine"
	"github.com/wesleyorama2/smtpload/internal/mail"
)

// fakeSender succeeds after latency, unless fail is set.
type fakeSender struct {
	latency   time.Duration
	fail      bool
	connected bool
	verifyErr error

	verifies atomic.Int64
	sends    atomic.Int64

	mu         sync.Mutex
	recipients map[string]int
}

func (f *fakeSender) Verify(context.Context, mail.Server) error {
	f.verifies.Add(1)
	return f.verifyErr
}

func (f *fakeSender) Send(ctx context.Context, _ mail.Server, msg *mail.Message) (*mail.Receipt, error) {
	f.sends.Add(1)
	f.mu.Lock()
	if f.recipients == nil {
		f.recipients = make(map[string]int)
	}
	f.recipients[msg.To]++
	f.mu.Unlock()

	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, &mail.SendError{Message: "cancelled", Elapsed: f.latency, Connected: true, Err: ctx.Err()}
		}
	}

	if f.fail {
		return nil, &mail.SendError{Message: "550 5.1.1 rejected", Elapsed: f.latency, Connected: f.connected}
	}
	return &mail.Receipt{Response: "250 2.0.0 Ok: queued", Elapsed: f.latency}, nil
}

func (f *fakeSender) sentTo() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.recipients))
	for k, v := range f.recipients {
		out[k] = v
	}
	return out
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []loadtest.Event
}

func (r *recorder) Emit(ev loadtest.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ loadtest.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) all() []loadtest.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]loadtest.Event(nil), r.events...)
}

func newController(t *testing.T, sender mail.Sender, sink *recorder) *engine.Controller {
	t.Helper()

	seq := 0
	ctrl, err := engine.New(engine.Config{
		Sender: sender,
		Sink:   sink,
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("run-%d", seq)
		},
		Options: engine.Options{GracefulStop: time.Second},
	})
	require.NoError(t, err)
	return ctrl
}

func runConfig(mode config.Mode, workers int) *config.RunConfig {
	return &config.RunConfig{
		Server:     config.ServerConfig{Host: "smtp.test", Port: 25},
		Message:    config.MessageConfig{From: "load@x.com", Subject: "load", Body: "hello"},
		Recipients: []string{"a@x.com", "b@x.com"},
		Workers:    workers,
		Mode:       mode,
	}
}

func wait(t *testing.T, ctrl *engine.Controller, id string, timeout time.Duration) *loadtest.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	state, err := ctrl.Wait(ctx, id)
	require.NoError(t, err)
	return state
}

func TestController_CountScenario(t *testing.T) {
	sender := &fakeSender{latency: 100 * time.Millisecond}
	sink := &recorder{}
	ctrl := newController(t, sender, sink)

	cfg := runConfig(config.ModeCount, 2)
	cfg.TotalEmails = 10

	handle, err := ctrl.Start(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "run-1", handle.ID)

	state := wait(t, ctrl, handle.ID, 5*time.Second)

	assert.Equal(t, loadtest.StatusCompleted, state.Status)
	assert.Equal(t, int64(10), state.Succeeded)
	assert.Equal(t, int64(0), state.Failed)
	assert.Equal(t, int64(10), state.TotalAttempted)
	assert.InDelta(t, 100, state.AvgResponseTime, 0.001)
	assert.InDelta(t, 100, state.MinResponseTime, 0.001)
	assert.InDelta(t, 100, state.Progress, 0.001)
	require.NotNil(t, state.EndedAt)
	assert.Positive(t, state.EmailsPerSecond)

	assert.Equal(t, map[string]int{"a@x.com": 5, "b@x.com": 5}, sender.sentTo())
	assert.Equal(t, int64(10), sender.sends.Load())

	select {
	case <-handle.Done():
	default:
		t.Error("handle not done after Wait returned")
	}
}

func TestController_CountMoreWorkersThanEmails(t *testing.T) {
	sender := &fakeSender{}
	ctrl := newController(t, sender, &recorder{})

	cfg := runConfig(config.ModeCount, 8)
	cfg.TotalEmails = 3

	handle, err := ctrl.Start(context.Background(), cfg)
	require.NoError(t, err)

	state := wait(t, ctrl, handle.ID, 5*time.Second)
	assert.Equal(t, int64(3), state.Succeeded)
}

func TestController_DurationScenario(t *testing.T) {
	sender := &fakeSender{latency: time.Millisecond}
	ctrl := newController(t, sender, &recorder{})

	cfg := runConfig(config.ModeDuration, 1)
	cfg.DurationSeconds = 1

	handle, err := ctrl.Start(context.Background(), cfg)
	require.NoError(t, err)

	state := wait(t, ctrl, handle.ID, 5*time.Second)

	assert.Equal(t, loadtest.StatusCompleted, state.Status)
	require.NotNil(t, state.EndedAt)
	elapsed := state.EndedAt.Sub(state.StartedAt)
	assert.InDelta(t, float64(time.Second), float64(elapsed), float64(300*time.Millisecond))
	assert.Positive(t, state.Succeeded)
	assert.Equal(t, state.TotalAttempted, state.Succeeded+state.Failed)
}

func TestController_ContinuousStop(t *testing.T) {
	sender := &fakeSender{latency: 5 * time.Millisecond}
	sink := &recorder{}
	ctrl := newController(t, sender, sink)

	handle, err := ctrl.Start(context.Background(), runConfig(config.ModeContinuous, 3))
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, ctrl.Stop(handle.ID))

	final, ok := ctrl.Snapshot(handle.ID)
	require.True(t, ok)
	assert.Equal(t, loadtest.StatusCompleted, final.Status)
	assert.Positive(t, final.TotalAttempted)

	time.Sleep(100 * time.Millisecond)
	later, ok := ctrl.Snapshot(handle.ID)
	require.True(t, ok)
	assert.Equal(t, final.TotalAttempted, later.TotalAttempted)
	assert.Equal(t, final.Succeeded, later.Succeeded)

	assert.Equal(t, 1, sink.count(loadtest.EventCompleted))
	events := sink.all()
	assert.Equal(t, loadtest.EventCompleted, events[len(events)-1].Type)
	assert.Empty(t, ctrl.Active())
}

func TestController_StopIsIdempotent(t *testing.T) {
	sender := &fakeSender{latency: 5 * time.Millisecond}
	sink := &recorder{}
	ctrl := newController(t, sender, sink)

	handle, err := ctrl.Start(context.Background(), runConfig(config.ModeContinuous, 2))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ctrl.Stop(handle.ID))
		}()
	}
	wg.Wait()

	first, _ := ctrl.Snapshot(handle.ID)
	eventsBefore := len(sink.all())

	require.NoError(t, ctrl.Stop(handle.ID))

	second, _ := ctrl.Snapshot(handle.ID)
	assert.Equal(t, first.TotalAttempted, second.TotalAttempted)
	assert.Equal(t, first.EndedAt, second.EndedAt)
	assert.Len(t, sink.all(), eventsBefore)
	assert.Equal(t, 1, sink.count(loadtest.EventCompleted))
}

func TestController_AbortThreshold(t *testing.T) {
	sender := &fakeSender{fail: true, connected: true, latency: time.Millisecond}
	sink := &recorder{}
	ctrl := newController(t, sender, sink)

	handle, err := ctrl.Start(context.Background(), runConfig(config.ModeContinuous, 1))
	require.NoError(t, err)

	state := wait(t, ctrl, handle.ID, 5*time.Second)

	assert.Equal(t, loadtest.StatusCompleted, state.Status)
	assert.Equal(t, int64(100), state.Failed)
	assert.Equal(t, int64(0), state.Succeeded)
	assert.Equal(t, int64(100), sender.sends.Load())
	assert.Len(t, state.Errors, 50)
	assert.Equal(t, 100, sink.count(loadtest.EventError))
}

func TestController_UnmeasuredFailuresKeepTimingEmpty(t *testing.T) {
	sender := &fakeSender{fail: true, connected: false}
	ctrl := newController(t, sender, &recorder{})

	cfg := runConfig(config.ModeCount, 1)
	cfg.TotalEmails = 5

	handle, err := ctrl.Start(context.Background(), cfg)
	require.NoError(t, err)

	state := wait(t, ctrl, handle.ID, 5*time.Second)
	assert.Equal(t, int64(5), state.Failed)
	assert.Zero(t, state.MinResponseTime)
	assert.Zero(t, state.MaxResponseTime)
	assert.Empty(t, state.Responses)
	assert.Len(t, state.Errors, 5)
}

func TestController_PauseResume(t *testing.T) {
	sender := &fakeSender{latency: 20 * time.Millisecond}
	sink := &recorder{}
	ctrl := newController(t, sender, sink)

	cfg := runConfig(config.ModeCount, 2)
	cfg.TotalEmails = 20

	handle, err := ctrl.Start(context.Background(), cfg)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ctrl.Pause(handle.ID))

	// Let in-flight sends land
	time.Sleep(60 * time.Millisecond)
	paused, _ := ctrl.Snapshot(handle.ID)
	assert.Equal(t, loadtest.StatusPaused, paused.Status)

	time.Sleep(150 * time.Millisecond)
	stillPaused, _ := ctrl.Snapshot(handle.ID)
	assert.Equal(t, paused.TotalAttempted, stillPaused.TotalAttempted)
	assert.Less(t, stillPaused.TotalAttempted, int64(20))

	// Pausing twice is a no-op
	require.NoError(t, ctrl.Pause(handle.ID))
	assert.Equal(t, 1, sink.count(loadtest.EventPaused))

	require.NoError(t, ctrl.Resume(handle.ID))
	require.NoError(t, ctrl.Resume(handle.ID))
	assert.Equal(t, 1, sink.count(loadtest.EventResumed))

	state := wait(t, ctrl, handle.ID, 5*time.Second)
	assert.Equal(t, int64(20), state.Succeeded)
	assert.Equal(t, int64(20), sender.sends.Load())
	assert.Equal(t, map[string]int{"a@x.com": 10, "b@x.com": 10}, sender.sentTo())
}

func TestController_StopWhilePaused(t *testing.T) {
	sender := &fakeSender{latency: 5 * time.Millisecond}
	ctrl := newController(t, sender, &recorder{})

	handle, err := ctrl.Start(context.Background(), runConfig(config.ModeContinuous, 2))
	require.NoError(t, err)
	require.NoError(t, ctrl.Pause(handle.ID))

	done := make(chan struct{})
	go func() {
		assert.NoError(t, ctrl.Stop(handle.ID))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return for a paused run")
	}

	state, _ := ctrl.Snapshot(handle.ID)
	assert.Equal(t, loadtest.StatusCompleted, state.Status)
}

func TestController_CountersStayConsistent(t *testing.T) {
	sender := &fakeSender{latency: time.Millisecond}
	ctrl := newController(t, sender, &recorder{})

	handle, err := ctrl.Start(context.Background(), runConfig(config.ModeContinuous, 4))
	require.NoError(t, err)

	var last int64
	for i := 0; i < 50; i++ {
		s, ok := ctrl.Snapshot(handle.ID)
		require.True(t, ok)
		assert.Equal(t, s.TotalAttempted, s.Succeeded+s.Failed)
		assert.GreaterOrEqual(t, s.TotalAttempted, last)
		assert.LessOrEqual(t, len(s.Responses), 50)
		last = s.TotalAttempted
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, ctrl.Stop(handle.ID))
}

func TestController_EventsCarryState(t *testing.T) {
	sender := &fakeSender{}
	sink := &recorder{}
	ctrl := newController(t, sender, sink)

	cfg := runConfig(config.ModeCount, 1)
	cfg.TotalEmails = 3

	handle, err := ctrl.Start(context.Background(), cfg)
	require.NoError(t, err)
	wait(t, ctrl, handle.ID, 5*time.Second)

	events := sink.all()
	require.Len(t, events, 5)
	assert.Equal(t, loadtest.EventStarted, events[0].Type)
	assert.Equal(t, loadtest.EventCompleted, events[4].Type)

	for i, ev := range events {
		assert.Equal(t, handle.ID, ev.RunID)
		state, ok := ev.State()
		require.True(t, ok)
		if i > 0 && i < 4 {
			assert.Equal(t, loadtest.EventProgress, ev.Type)
			assert.Equal(t, int64(i), state.TotalAttempted)
		}
	}
}

func TestController_InvalidConfig(t *testing.T) {
	sender := &fakeSender{}
	sink := &recorder{}
	ctrl := newController(t, sender, sink)

	cfg := runConfig(config.ModeCount, 0)
	cfg.Recipients = nil

	_, err := ctrl.Start(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrInvalidConfig))

	var verrs *config.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.True(t, verrs.Has("recipients"))
	assert.True(t, verrs.Has("workers"))
	assert.True(t, verrs.Has("totalEmails"))

	assert.Zero(t, sender.verifies.Load())
	assert.Empty(t, sink.all())
	assert.Empty(t, ctrl.Active())
}

func TestController_MissingAttachment(t *testing.T) {
	ctrl := newController(t, &fakeSender{}, &recorder{})

	cfg := runConfig(config.ModeCount, 1)
	cfg.TotalEmails = 1
	cfg.Message.Attachment = "/nonexistent/report.pdf"

	_, err := ctrl.Start(context.Background(), cfg)
	assert.True(t, errors.Is(err, engine.ErrInvalidConfig))
}

func TestController_ConnectionError(t *testing.T) {
	sender := &fakeSender{verifyErr: errors.New("dial tcp: connection refused")}
	sink := &recorder{}
	ctrl := newController(t, sender, sink)

	cfg := runConfig(config.ModeCount, 1)
	cfg.TotalEmails = 1

	_, err := ctrl.Start(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrConnection))

	var connErr *engine.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "smtp.test:25", connErr.Host)
	assert.Contains(t, err.Error(), "connection refused")

	assert.Zero(t, sender.sends.Load())
	assert.Empty(t, sink.all())
}

func TestController_UnknownRun(t *testing.T) {
	ctrl := newController(t, &fakeSender{}, &recorder{})

	assert.True(t, errors.Is(ctrl.Pause("nope"), engine.ErrRunNotFound))
	assert.True(t, errors.Is(ctrl.Resume("nope"), engine.ErrRunNotFound))
	assert.True(t, errors.Is(ctrl.Stop("nope"), engine.ErrRunNotFound))

	_, ok := ctrl.Snapshot("nope")
	assert.False(t, ok)

	_, err := ctrl.Wait(context.Background(), "nope")
	assert.True(t, errors.Is(err, engine.ErrRunNotFound))
}

func TestController_CompletedRunIgnoresControls(t *testing.T) {
	sink := &recorder{}
	ctrl := newController(t, &fakeSender{}, sink)

	cfg := runConfig(config.ModeCount, 1)
	cfg.TotalEmails = 2
	handle, err := ctrl.Start(context.Background(), cfg)
	require.NoError(t, err)
	wait(t, ctrl, handle.ID, 5*time.Second)

	n := len(sink.all())
	assert.NoError(t, ctrl.Pause(handle.ID))
	assert.NoError(t, ctrl.Resume(handle.ID))
	assert.NoError(t, ctrl.Stop(handle.ID))
	assert.Len(t, sink.all(), n)
}

func TestController_Shutdown(t *testing.T) {
	sender := &fakeSender{latency: 5 * time.Millisecond}
	ctrl := newController(t, sender, &recorder{})

	a, err := ctrl.Start(context.Background(), runConfig(config.ModeContinuous, 2))
	require.NoError(t, err)
	b, err := ctrl.Start(context.Background(), runConfig(config.ModeContinuous, 2))
	require.NoError(t, err)
	assert.Len(t, ctrl.Active(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ctrl.Shutdown(ctx))

	for _, id := range []string{a.ID, b.ID} {
		s, ok := ctrl.Snapshot(id)
		require.True(t, ok)
		assert.Equal(t, loadtest.StatusCompleted, s.Status)
	}
	assert.Empty(t, ctrl.Active())
}

func TestController_RateLimit(t *testing.T) {
	sender := &fakeSender{}
	ctrl := newController(t, sender, &recorder{})

	cfg := runConfig(config.ModeCount, 4)
	cfg.TotalEmails = 60
	cfg.MaxRate = 50

	start := time.Now()
	handle, err := ctrl.Start(context.Background(), cfg)
	require.NoError(t, err)
	state := wait(t, ctrl, handle.ID, 5*time.Second)

	assert.Equal(t, int64(60), state.Succeeded)
	// A burst of 50, then 10 more at 50/s
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestNew_RequiresSender(t *testing.T) {
	_, err := engine.New(engine.Config{})
	assert.Error(t, err)
}

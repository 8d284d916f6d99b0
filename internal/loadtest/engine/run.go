package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
	"github.com/wesleyorama2/smtpload/internal/loadtest/executor"
	"github.com/wesleyorama2/smtpload/internal/loadtest/metrics"
	"github.com/wesleyorama2/smtpload/internal/logging"
	"github.com/wesleyorama2/smtpload/internal/mail"
)

// run is one load test.
//
// State is mutated only by report, setStatus and finish, all under mu.
// Events are emitted under emitMu, taken before mu is released, so they reach
// the sink in the order the state changed.
type run struct {
	id       string
	cfg      *config.RunConfig
	ctrl     *Controller
	exec     executor.Executor
	template *mail.Template
	server   mail.Server
	logger   *zap.Logger

	mu        sync.Mutex
	status    loadtest.Status
	agg       *metrics.Aggregator
	goal      metrics.Goal
	startedAt time.Time
	endedAt   time.Time

	emitMu sync.Mutex

	gate *loadtest.Gate
	pool *loadtest.Pool

	// ctx is handed to sends; feedCtx only to the executor
	ctx        context.Context
	cancel     context.CancelFunc
	feedCtx    context.Context
	feedCancel context.CancelFunc

	aborted    atomic.Bool
	finishing  atomic.Bool
	finishOnce sync.Once
	done       chan struct{}
}

func newRun(c *Controller, id string, cfg *config.RunConfig, exec executor.Executor, tmpl *mail.Template, server mail.Server) *run {
	r := &run{
		id:       id,
		cfg:      cfg,
		ctrl:     c,
		exec:     exec,
		template: tmpl,
		server:   server,
		logger:   c.logger.With(zap.String("runId", id)),
		status:   loadtest.StatusRunning,
		agg:      metrics.NewAggregator(c.opts.LogCapacity),
		goal: metrics.Goal{
			TotalEmails: int64(cfg.TotalEmails),
			Duration:    cfg.RunDuration(),
		},
		gate: loadtest.NewGate(),
		done: make(chan struct{}),
	}
	if cfg.Mode != config.ModeCount {
		r.goal.TotalEmails = 0
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.feedCtx, r.feedCancel = context.WithCancel(r.ctx)

	r.pool = loadtest.NewPool(r.ctx, loadtest.PoolConfig{
		Workers:  cfg.Workers,
		Delay:    cfg.Delay.GetDuration(0),
		Gate:     r.gate,
		Task:     r.send,
		Reporter: r.report,
	})
	return r
}

// start emits started and launches the executor.
func (r *run) start() {
	r.mu.Lock()
	r.startedAt = time.Now()
	state := r.stateLocked(r.startedAt)
	r.emitMu.Lock()
	r.mu.Unlock()

	r.ctrl.emit(loadtest.Event{RunID: r.id, Type: loadtest.EventStarted, Data: state, Timestamp: r.startedAt})
	r.emitMu.Unlock()

	r.logger.Info("run started",
		zap.String("mode", string(r.cfg.Mode)),
		zap.Int("workers", r.cfg.Workers),
		zap.Int("recipients", len(r.cfg.Recipients)),
		zap.String("server", r.server.Address()))

	go r.execute(state.StartedAt)
}

func (r *run) execute(startedAt time.Time) {
	target := &executor.Target{
		Pool:         r.pool,
		Gate:         r.gate,
		Tracker:      r,
		Recipients:   r.cfg.Recipients,
		Workers:      r.cfg.Workers,
		StartedAt:    startedAt,
		PollInterval: r.ctrl.opts.PollInterval,
		QueueDepth:   r.ctrl.opts.QueueDepth,
		Limiter:      executor.NewLimiter(r.cfg.MaxRate),
	}

	reason, err := r.exec.Run(r.feedCtx, target)
	if err != nil {
		r.logger.Error("executor failed", zap.Error(err))
	}

	// Stop owns the finish once it has begun
	if !r.finishing.CompareAndSwap(false, true) {
		return
	}

	r.pool.Stop()
	if !r.pool.Wait(r.ctrl.opts.GracefulStop) {
		r.logger.Warn("workers still busy after grace period")
	}
	r.finish(reason)
}

// send is the pool task: one message to one recipient.
func (r *run) send(ctx context.Context, _ int, recipient string) loadtest.Outcome {
	receipt, err := r.ctrl.sender.Send(ctx, r.server, r.template.For(recipient))
	if err != nil {
		out := loadtest.Outcome{Err: err.Error()}
		var sendErr *mail.SendError
		if errors.As(err, &sendErr) {
			out.Elapsed = sendErr.Elapsed
			out.Measured = sendErr.Connected
		}
		return out
	}

	return loadtest.Outcome{
		Success:      true,
		ResponseText: receipt.Response,
		Elapsed:      receipt.Elapsed,
		Measured:     true,
		At:           time.Now(),
	}
}

// report is the single mutation entrypoint for send outcomes.
func (r *run) report(out loadtest.Outcome) {
	r.mu.Lock()
	if r.status == loadtest.StatusCompleted {
		r.mu.Unlock()
		r.logger.Debug("dropping outcome reported after completion", logging.Recipient(out.Recipient))
		return
	}

	if out.Success {
		r.agg.RecordSuccess(out.Recipient, out.Elapsed, out.ResponseText, out.At)
	} else {
		r.agg.RecordFailure(out.Recipient, out.Lane, out.Err, out.Elapsed, out.Measured, out.At)
	}

	abort := !out.Success &&
		r.agg.ConsecutiveFailures() >= r.ctrl.opts.AbortThreshold &&
		r.aborted.CompareAndSwap(false, true)
	if abort {
		// No send may start once the threshold is reached
		r.pool.Stop()
	}

	now := time.Now()
	state := r.stateLocked(now)
	r.emitMu.Lock()
	r.mu.Unlock()

	if !out.Success {
		r.ctrl.emit(loadtest.Event{
			RunID: r.id,
			Type:  loadtest.EventError,
			Data: metrics.ErrorRecord{
				Recipient: out.Recipient,
				Worker:    out.Lane,
				Message:   out.Err,
				Timestamp: out.At,
			},
			Timestamp: now,
		})
	}
	r.ctrl.emit(loadtest.Event{RunID: r.id, Type: loadtest.EventProgress, Data: state, Timestamp: now})
	r.emitMu.Unlock()

	if abort {
		r.logger.Warn("aborting run after consecutive failures",
			zap.String("reason", string(executor.ReasonAbortThreshold)),
			zap.Int("consecutiveFailures", r.ctrl.opts.AbortThreshold),
			zap.String("lastError", out.Err))
	}
}

// Aborted implements executor.Tracker.
func (r *run) Aborted() bool {
	return r.aborted.Load()
}

func (r *run) pause() {
	if r.setStatus(loadtest.StatusRunning, loadtest.StatusPaused, loadtest.EventPaused) {
		r.logger.Info("run paused")
	}
}

func (r *run) resume() {
	if r.setStatus(loadtest.StatusPaused, loadtest.StatusRunning, loadtest.EventResumed) {
		r.logger.Info("run resumed")
	}
}

// setStatus moves the run from one status to another and emits typ. It
// does nothing unless the run is in status from.
func (r *run) setStatus(from, to loadtest.Status, typ loadtest.EventType) bool {
	r.mu.Lock()
	if r.status != from {
		r.mu.Unlock()
		return false
	}

	r.status = to
	if to == loadtest.StatusPaused {
		r.gate.Pause()
	} else {
		r.gate.Resume()
	}

	now := time.Now()
	state := r.stateLocked(now)
	r.emitMu.Lock()
	r.mu.Unlock()

	r.ctrl.emit(loadtest.Event{RunID: r.id, Type: typ, Data: state, Timestamp: now})
	r.emitMu.Unlock()
	return true
}

// stop cancels feeding, drops queued sends, gives in-flight sends the grace
// period and completes the run. Concurrent and repeated calls wait for the
// same completion.
func (r *run) stop() {
	if !r.finishing.CompareAndSwap(false, true) {
		<-r.done
		return
	}

	r.feedCancel()
	r.pool.Stop()
	if !r.pool.Wait(r.ctrl.opts.GracefulStop) {
		r.logger.Warn("in-flight sends did not finish within the grace period",
			zap.Duration("gracefulStop", r.ctrl.opts.GracefulStop))
	}
	r.finish(executor.ReasonStopped)
}

// finish marks the run completed and emits completed, exactly once.
func (r *run) finish(reason executor.StopReason) {
	r.finishOnce.Do(func() {
		now := time.Now()

		r.mu.Lock()
		r.status = loadtest.StatusCompleted
		r.endedAt = now
		state := r.stateLocked(now)
		r.emitMu.Lock()
		r.mu.Unlock()

		r.ctrl.emit(loadtest.Event{RunID: r.id, Type: loadtest.EventCompleted, Data: state.Clone(), Timestamp: now})
		r.emitMu.Unlock()

		// Abandon sends that outlived the grace period
		r.cancel()
		r.ctrl.retire(r, state)

		r.logger.Info("run completed",
			zap.String("reason", string(reason)),
			zap.Int64("attempted", state.TotalAttempted),
			zap.Int64("succeeded", state.Succeeded),
			zap.Int64("failed", state.Failed),
			zap.Duration("elapsed", now.Sub(state.StartedAt)),
			zap.Float64("emailsPerSecond", state.EmailsPerSecond))

		close(r.done)
	})
}

func (r *run) snapshot() *loadtest.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.status == loadtest.StatusCompleted {
		now = r.endedAt
	}
	return r.stateLocked(now)
}

// stateLocked builds a fresh RunState. Callers hold mu.
func (r *run) stateLocked(now time.Time) *loadtest.RunState {
	stats := r.agg.Stats()
	derived := metrics.Derive(stats, r.startedAt, now, r.goal)

	s := &loadtest.RunState{
		ID:              r.id,
		ConfigID:        r.cfg.ConfigID,
		Name:            r.cfg.Name,
		Mode:            r.cfg.Mode,
		Status:          r.status,
		Workers:         r.cfg.Workers,
		TotalAttempted:  stats.TotalAttempted,
		Succeeded:       stats.Succeeded,
		Failed:          stats.Failed,
		StartedAt:       r.startedAt,
		MinResponseTime: stats.MinResponseTime,
		MaxResponseTime: stats.MaxResponseTime,
		AvgResponseTime: stats.AvgResponseTime,
		P50ResponseTime: stats.P50ResponseTime,
		P95ResponseTime: stats.P95ResponseTime,
		P99ResponseTime: stats.P99ResponseTime,
		Errors:          stats.Errors,
		Responses:       stats.Responses,
		EmailsPerSecond: derived.EmailsPerSecond,
		Progress:        derived.Progress,
	}
	if !r.endedAt.IsZero() {
		ended := r.endedAt
		s.EndedAt = &ended
	}
	return s
}

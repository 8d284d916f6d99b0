// Package engine runs SMTP load tests and owns their state.
//
// The Controller is the only API for starting and steering runs. Each run
// has one executor goroutine feeding a worker pool; every send outcome comes
// back through the run's single mutation entrypoint, which updates the
// metrics and emits events.
//
// Example usage:
//
//	ctrl, _ := engine.New(engine.Config{Sender: mail.NewSMTPSender(logger)})
//	handle, err := ctrl.Start(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	state, _ := ctrl.Wait(ctx, handle.ID)
//	fmt.Printf("%d sent, %d failed\n", state.Succeeded, state.Failed)
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/smtpload/internal/events"
	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
	"github.com/wesleyorama2/smtpload/internal/loadtest/executor"
	"github.com/wesleyorama2/smtpload/internal/mail"
)

// IDGenerator returns a new unique run id.
type IDGenerator func() string

// Config holds the controller's collaborators.
type Config struct {
	// Sender delivers messages (required)
	Sender mail.Sender

	// Sink receives every run event. Emit must not block.
	Sink events.Sink

	IDGenerator IDGenerator
	Logger      *zap.Logger
	Options     Options
}

// RunHandle identifies a started run.
type RunHandle struct {
	ID   string
	done <-chan struct{}
}

// Done is closed once the run has completed.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Controller starts runs and routes pause, resume and stop to them.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Controller struct {
	sender mail.Sender
	sink   events.Sink
	newID  IDGenerator
	logger *zap.Logger
	opts   Options

	mu       sync.RWMutex
	active   map[string]*run
	finished *lru.Cache
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Sender == nil {
		return nil, errors.New("engine: a mail sender is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	opts := cfg.Options.withDefaults()

	finished, err := lru.New(opts.RetainRuns)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Controller{
		sender:   cfg.Sender,
		sink:     cfg.Sink,
		newID:    cfg.IDGenerator,
		logger:   cfg.Logger,
		opts:     opts,
		active:   make(map[string]*run),
		finished: finished,
	}, nil
}

// Start validates cfg, checks the SMTP server is reachable and starts a run.
//
// Errors match ErrInvalidConfig or ErrConnection; in both cases no run is
// created and no event is emitted. The run is independent of ctx, which
// only bounds the connection check.
func (c *Controller) Start(ctx context.Context, cfg *config.RunConfig) (*RunHandle, error) {
	cfg = cfg.Clone()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	exec, err := executor.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	tmpl, err := mail.NewTemplate(cfg.Message)
	if err != nil {
		verrs := &config.ValidationErrors{}
		verrs.Add("message.attachment", err.Error())
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, verrs)
	}

	server := mail.ServerFromConfig(cfg)
	if err := c.sender.Verify(ctx, server); err != nil {
		c.logger.Warn("SMTP verification failed",
			zap.String("server", server.Address()),
			zap.Error(err))
		return nil, &ConnectionError{Host: server.Address(), Err: err}
	}

	r := newRun(c, c.newID(), cfg, exec, tmpl, server)

	c.mu.Lock()
	c.active[r.id] = r
	c.mu.Unlock()

	r.start()

	return &RunHandle{ID: r.id, done: r.done}, nil
}

// Pause holds the run's workers after their current send. Pausing a run
// that is not running does nothing.
func (c *Controller) Pause(id string) error {
	r, err := c.lookup(id)
	if err != nil || r == nil {
		return err
	}
	r.pause()
	return nil
}

// Resume continues a paused run. Resuming a run that is not paused does
// nothing.
func (c *Controller) Resume(id string) error {
	r, err := c.lookup(id)
	if err != nil || r == nil {
		return err
	}
	r.resume()
	return nil
}

// Stop ends a run: queued sends are dropped, in-flight sends get up to
// Options.GracefulStop to finish, then the run completes. Stop returns once
// the run is completed. Stopping a completed run does nothing.
func (c *Controller) Stop(id string) error {
	r, err := c.lookup(id)
	if err != nil || r == nil {
		return err
	}
	r.stop()
	return nil
}

// Snapshot returns a copy of the run's current state. It never waits for
// in-flight sends.
func (c *Controller) Snapshot(id string) (*loadtest.RunState, bool) {
	c.mu.RLock()
	r, ok := c.active[id]
	c.mu.RUnlock()
	if ok {
		return r.snapshot(), true
	}

	if v, ok := c.finished.Get(id); ok {
		return v.(*loadtest.RunState).Clone(), true
	}
	return nil, false
}

// Active returns snapshots of every run that has not completed, oldest first.
func (c *Controller) Active() []*loadtest.RunState {
	c.mu.RLock()
	runs := make([]*run, 0, len(c.active))
	for _, r := range c.active {
		runs = append(runs, r)
	}
	c.mu.RUnlock()

	states := make([]*loadtest.RunState, 0, len(runs))
	for _, r := range runs {
		if s := r.snapshot(); !s.Completed() {
			states = append(states, s)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.Before(states[j].StartedAt)
	})
	return states
}

// Wait blocks until the run completes and returns its final state.
func (c *Controller) Wait(ctx context.Context, id string) (*loadtest.RunState, error) {
	c.mu.RLock()
	r, ok := c.active[id]
	c.mu.RUnlock()

	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	state, ok := c.Snapshot(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return state, nil
}

// Shutdown stops every active run and waits for them to complete, or for
// ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.RLock()
	runs := make([]*run, 0, len(c.active))
	for _, r := range c.active {
		runs = append(runs, r)
	}
	c.mu.RUnlock()

	if len(runs) > 0 {
		c.logger.Info("stopping active runs", zap.Int("count", len(runs)))
	}

	var g errgroup.Group
	for _, r := range runs {
		g.Go(func() error {
			r.stop()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// lookup finds a run. It returns (nil, nil) for recently completed runs and
// ErrRunNotFound for unknown ids.
func (c *Controller) lookup(id string) (*run, error) {
	c.mu.RLock()
	r, ok := c.active[id]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}
	if c.finished.Contains(id) {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

// retire moves a completed run from the active map to the LRU.
func (c *Controller) retire(r *run, final *loadtest.RunState) {
	c.mu.Lock()
	delete(c.active, r.id)
	c.finished.Add(r.id, final)
	c.mu.Unlock()
}

func (c *Controller) emit(ev loadtest.Event) {
	c.sink.Emit(ev)
}

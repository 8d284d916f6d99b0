// Package events fans run lifecycle events out to observers: SSE clients,
// Redis subscribers, Prometheus, the run history store and the log.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
)

// Sink receives engine events. Emit must not block for long; slow sinks
// belong behind an Async.
type Sink interface {
	Emit(ev loadtest.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev loadtest.Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ev loadtest.Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(loadtest.Event) {})

// Multi forwards each event to every sink in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ev loadtest.Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Selector is implemented by sinks that act on only some events. Async asks
// Select before queueing an event and hands the selected ones to Handle.
type Selector interface {
	Select(ev loadtest.Event) bool
	Handle(ev loadtest.Event)
}

const (
	// DefaultAsyncBuffer is the queue size used when NewAsync gets size <= 0.
	DefaultAsyncBuffer = 256

	// DefaultLifecycleWait bounds how long Emit waits for buffer space for
	// a started, paused, resumed or completed event.
	DefaultLifecycleWait = 5 * time.Second
)

// Async delivers events to an inner sink on its own goroutine.
//
// Progress and error events never block Emit: when the buffer is full they
// are dropped and counted. Lifecycle events wait up to LifecycleWait for
// space before they are dropped.
type Async struct {
	// LifecycleWait is set to DefaultLifecycleWait by NewAsync.
	LifecycleWait time.Duration

	name   string
	inner  Sink
	sel    Selector
	ch     chan loadtest.Event
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewAsync starts the delivery goroutine for inner.
func NewAsync(name string, inner Sink, size int, logger *zap.Logger) *Async {
	if size <= 0 {
		size = DefaultAsyncBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		LifecycleWait: DefaultLifecycleWait,
		name:          name,
		inner:         inner,
		ch:            make(chan loadtest.Event, size),
		logger:        logger,
		done:          make(chan struct{}),
	}
	a.sel, _ = inner.(Selector)
	go a.loop()
	return a
}

// Emit implements Sink.
func (a *Async) Emit(ev loadtest.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	if a.sel != nil && !a.sel.Select(ev) {
		return
	}

	select {
	case a.ch <- ev:
		return
	default:
	}

	if isLifecycle(ev.Type) && a.LifecycleWait > 0 {
		timer := time.NewTimer(a.LifecycleWait)
		defer timer.Stop()
		select {
		case a.ch <- ev:
			return
		case <-timer.C:
		}
	}

	if a.dropped.Add(1) == 1 {
		a.logger.Warn("event sink is falling behind, dropping events",
			zap.String("sink", a.name))
	}
}

func isLifecycle(t loadtest.EventType) bool {
	return t != loadtest.EventProgress && t != loadtest.EventError
}

// Dropped returns the number of events lost to a full buffer.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.deliver(ev)
	}
}

func (a *Async) deliver(ev loadtest.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("event sink panicked",
				zap.String("sink", a.name),
				zap.Any("panic", r))
		}
	}()
	if a.sel != nil {
		a.sel.Handle(ev)
		return
	}
	a.inner.Emit(ev)
}

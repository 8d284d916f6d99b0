package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
)

// DefaultPersistEvery is how many progress events pass between saves.
const DefaultPersistEvery = 10

// RunSaver stores run snapshots.
type RunSaver interface {
	SaveRun(ctx context.Context, state *loadtest.RunState) error
}

// Persister saves run state on lifecycle events and on every Nth progress
// event. Failures are logged and otherwise ignored.
type Persister struct {
	saver   RunSaver
	every   int
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	progress map[string]int
}

// NewPersister creates a persister. every <= 0 uses DefaultPersistEvery.
func NewPersister(saver RunSaver, every int, logger *zap.Logger) *Persister {
	if every <= 0 {
		every = DefaultPersistEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		saver:    saver,
		every:    every,
		timeout:  5 * time.Second,
		logger:   logger,
		progress: make(map[string]int),
	}
}

// Emit implements Sink.
func (p *Persister) Emit(ev loadtest.Event) {
	if p.Select(ev) {
		p.Handle(ev)
	}
}

// Select reports whether ev should be saved, counting progress events as it
// goes. Each event must be selected once.
func (p *Persister) Select(ev loadtest.Event) bool {
	if _, ok := ev.State(); !ok {
		return false
	}
	return p.shouldSave(ev)
}

// Handle saves the run state carried by ev.
func (p *Persister) Handle(ev loadtest.Event) {
	state, ok := ev.State()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.saver.SaveRun(ctx, state); err != nil {
		p.logger.Warn("failed to persist run",
			zap.String("runId", ev.RunID),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	}
}

func (p *Persister) shouldSave(ev loadtest.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case loadtest.EventStarted, loadtest.EventPaused, loadtest.EventResumed:
		return true
	case loadtest.EventCompleted:
		delete(p.progress, ev.RunID)
		return true
	case loadtest.EventProgress:
		p.progress[ev.RunID]++
		return p.progress[ev.RunID]%p.every == 0
	}
	return false
}

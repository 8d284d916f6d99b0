package loadtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolStopped is returned by Submit once the pool has been stopped.
var ErrPoolStopped = errors.New("pool stopped")

// Task performs one send for recipient on the given lane.
//
// The pool fills Lane, Recipient and At on the returned outcome.
type Task func(ctx context.Context, lane int, recipient string) Outcome

// Reporter receives every task outcome. It is the only path from lane code
// into run state.
type Reporter func(Outcome)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Workers is the number of lanes
	Workers int

	// Delay is applied by a lane after each completed task
	Delay time.Duration

	// Gate holds lanes while the run is paused (optional)
	Gate *Gate

	Task     Task
	Reporter Reporter
}

// Pool runs send tasks on N independent serial lanes.
//
// Each lane is one goroutine with its own FIFO. A lane fully completes a
// task, reports it and applies the delay before it takes the next one, so
// every lane has at most one send in flight. Lanes never steal work from each
// other.
//
// # Thread Safety
//
// Submit, KillAll, Stop, Drain and Outstanding are safe for concurrent use.
type Pool struct {
	ctx   context.Context
	cfg   PoolConfig
	gate  *Gate
	lanes []*lane

	// outstanding counts queued plus in-flight tasks
	outstanding atomic.Int64
	idleMu      sync.Mutex
	idleCh      chan struct{}

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type lane struct {
	index  int
	mu     sync.Mutex
	queue  []string
	notify chan struct{}
}

// NewPool creates the pool and starts its lanes.
//
// ctx is handed to every task; cancelling it aborts in-flight sends. Stop
// only prevents new tasks from starting.
func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	gate := cfg.Gate
	if gate == nil {
		gate = NewGate()
	}

	p := &Pool{
		ctx:    ctx,
		cfg:    cfg,
		gate:   gate,
		lanes:  make([]*lane, cfg.Workers),
		idleCh: make(chan struct{}),
		stopCh: make(chan struct{}),
	}

	for i := range p.lanes {
		l := &lane{index: i, notify: make(chan struct{}, 1)}
		p.lanes[i] = l
		p.wg.Add(1)
		go p.runLane(l)
	}

	return p
}

// Workers returns the number of lanes.
func (p *Pool) Workers() int {
	return len(p.lanes)
}

// Submit appends recipient to the given lane's queue. It never blocks on
// running tasks.
func (p *Pool) Submit(laneIndex int, recipient string) error {
	if laneIndex < 0 || laneIndex >= len(p.lanes) {
		return fmt.Errorf("lane %d out of range [0, %d)", laneIndex, len(p.lanes))
	}
	if p.stopped.Load() {
		return ErrPoolStopped
	}

	l := p.lanes[laneIndex]
	p.outstanding.Add(1)

	l.mu.Lock()
	// Checked under the lane lock so KillAll cannot miss this task
	if p.stopped.Load() {
		l.mu.Unlock()
		p.settle(1)
		return ErrPoolStopped
	}
	l.queue = append(l.queue, recipient)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Outstanding returns the number of queued plus in-flight tasks.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Drain blocks until every lane is idle and empty, or ctx is done.
func (p *Pool) Drain(ctx context.Context) error {
	for {
		p.idleMu.Lock()
		idle := p.idleCh
		p.idleMu.Unlock()

		if p.outstanding.Load() == 0 {
			return nil
		}

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// KillAll drops every queued task. In-flight tasks finish normally.
func (p *Pool) KillAll() int {
	dropped := 0
	for _, l := range p.lanes {
		l.mu.Lock()
		dropped += len(l.queue)
		l.queue = nil
		l.mu.Unlock()
	}
	if dropped > 0 {
		p.settle(int64(dropped))
	}
	return dropped
}

// Stop signals every lane to exit after its current task and drops queued
// tasks. It is safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
	p.KillAll()
}

// Stopped returns a channel that is closed once Stop is called.
func (p *Pool) Stopped() <-chan struct{} {
	return p.stopCh
}

// Wait waits for every lane goroutine to exit.
//
// Returns true if they exited within the timeout, false otherwise.
func (p *Pool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// settle marks n tasks as finished and wakes Drain when none remain.
func (p *Pool) settle(n int64) {
	if p.outstanding.Add(-n) != 0 {
		return
	}
	p.idleMu.Lock()
	close(p.idleCh)
	p.idleCh = make(chan struct{})
	p.idleMu.Unlock()
}

// runLane is the lane goroutine.
func (p *Pool) runLane(l *lane) {
	defer p.wg.Done()

	for {
		if !l.hasWork() {
			select {
			case <-l.notify:
				continue
			case <-p.stopCh:
				return
			case <-p.ctx.Done():
				return
			}
		}

		if !p.gate.Wait(p.ctx, p.stopCh) {
			return
		}

		recipient, ok := l.pop()
		if !ok {
			// Killed while we waited on the gate
			continue
		}

		select {
		case <-p.stopCh:
			// Lost the race with Stop, the task never started
			p.settle(1)
			return
		default:
		}

		out := p.runTask(l.index, recipient)
		if p.cfg.Reporter != nil {
			p.cfg.Reporter(out)
		}

		stopped := !p.applyDelay()
		p.settle(1)
		if stopped {
			return
		}
	}
}

// runTask executes one task, turning a panic into a failed outcome.
func (p *Pool) runTask(laneIndex int, recipient string) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Err:     fmt.Sprintf("panic: %v", r),
				Elapsed: time.Since(start),
			}
		}
		out.Lane = laneIndex
		out.Recipient = recipient
		if out.At.IsZero() {
			out.At = time.Now()
		}
	}()

	return p.cfg.Task(p.ctx, laneIndex, recipient)
}

// applyDelay waits for the inter-send delay. It returns false if the pool
// was stopped or the context ended meanwhile.
func (p *Pool) applyDelay() bool {
	if p.cfg.Delay <= 0 {
		return true
	}

	timer := time.NewTimer(p.cfg.Delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-p.stopCh:
		return false
	case <-p.ctx.Done():
		return false
	}
}

func (l *lane) hasWork() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) > 0
}

func (l *lane) pop() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return "", false
	}
	recipient := l.queue[0]
	l.queue[0] = ""
	l.queue = l.queue[1:]
	return recipient, true
}

// Package workerpool provides the bounded worker pool that CPU-bound work is
// submitted to. Task failures and panics are reported on the task's Handle
// and on the pool's fault channel; they are never swallowed.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Submit after Shutdown, and by tasks that were
// still queued when the pool shut down.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Task is a unit of work. ctx is cancelled when the pool shuts down.
type Task func(ctx context.Context) error

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Fault describes a task that failed or panicked.
type Fault struct {
	TaskID uint64
	Err    error
}

// Handle tracks one submitted task.
type Handle struct {
	id   uint64
	done chan struct{}
	err  error
}

// ID returns the pool-assigned task number
func (h *Handle) ID() uint64 {
	return h.id
}

// Done is closed once the task has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task result. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task returns and yields its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Config holds pool configuration
type Config struct {
	Size        int // Maximum concurrently running tasks (default: GOMAXPROCS)
	FaultBuffer int // Fault channel capacity (default: 64)
	Logger      *logrus.Entry
}

// Pool runs at most Size tasks at once.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	faults chan Fault
	logger *logrus.Entry

	nextID  atomic.Uint64
	running atomic.Int64
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pool. Its lifetime ends with Shutdown.
func New(config *Config) *Pool {
	if config == nil {
		config = &Config{}
	}

	size := config.Size
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}

	buffer := config.FaultBuffer
	if buffer <= 0 {
		buffer = 64
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		faults: make(chan Fault, buffer),
		logger: logger.WithField("component", "workerpool"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Size returns the number of tasks that may run in parallel.
func (p *Pool) Size() int {
	return p.size
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Faults delivers every task failure. Faults that do not fit in the buffer
// are logged and counted (see Dropped) but still reach the task's Handle.
func (p *Pool) Faults() <-chan Fault {
	return p.faults
}

// Dropped returns how many faults did not fit in the fault channel.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

// Submit schedules task. It fails only when the pool is shut down.
func (p *Pool) Submit(task Task) (*Handle, error) {
	if task == nil {
		return nil, errors.New("nil task")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	h := &Handle{
		id:   p.nextID.Add(1),
		done: make(chan struct{}),
	}

	go p.run(h, task)
	return h, nil
}

func (p *Pool) run(h *Handle, task Task) {
	defer p.wg.Done()
	defer close(h.done)

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		h.err = ErrPoolClosed
		return
	}
	defer p.sem.Release(1)

	p.running.Add(1)
	defer p.running.Add(-1)

	h.err = p.execute(task)
	if h.err != nil && !errors.Is(h.err, context.Canceled) {
		p.report(Fault{TaskID: h.id, Err: h.err})
	}
}

func (p *Pool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task(p.ctx)
}

func (p *Pool) report(f Fault) {
	p.logger.WithFields(logrus.Fields{
		"task":  f.TaskID,
		"error": f.Err,
	}).Error("Worker task failed")

	select {
	case p.faults <- f:
	default:
		p.dropped.Add(1)
		p.logger.WithField("task", f.TaskID).Warn("Fault channel full, fault only visible on task handle")
	}
}

// Shutdown stops accepting work, cancels running tasks and waits for them
// to return or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for workers to stop: %w", ctx.Err())
	}
}

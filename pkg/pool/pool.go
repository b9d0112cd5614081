// Package pool runs independent units of work with a bounded number of
// concurrently executing workers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxWorkers caps the pool when no explicit cap is configured.
	DefaultMaxWorkers = 50

	// MinWorkers is the smallest usable cap: the long-lived scheduler loop,
	// one dispatch step and one handler.
	MinWorkers = 3

	// reservedSlots keeps headroom for the dispatch step and the scheduler loop.
	reservedSlots = 3
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("worker pool is shut down")

// Size returns min(maxWorkers, 2*(handlers+3)). Caps below MinWorkers are raised to it.
func Size(handlers int, maxWorkers int) int {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	maxWorkers = max(maxWorkers, MinWorkers)
	if handlers < 0 {
		handlers = 0
	}

	return min(maxWorkers, 2*(handlers+reservedSlots))
}

// Func is one unit of work.
type Func func(ctx context.Context) error

// FailureHandler observes every unit that returned an error or panicked.
type FailureHandler func(task *Task, err error)

// PanicError wraps a recovered panic with the goroutine stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Task is the handle returned by Submit.
type Task struct {
	ID   string
	Name string

	done chan struct{}
	err  error
}

// Done is closed once the unit has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the unit's failure. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Pool executes submitted units on their own goroutines, at most Size() at a time.
type Pool struct {
	size      int
	sem       *semaphore.Weighted
	ctx       context.Context
	onFailure FailureHandler

	closed   atomic.Bool
	inflight sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithFailureHandler installs the completion callback for failed units.
func WithFailureHandler(h FailureHandler) Option {
	return func(p *Pool) {
		p.onFailure = h
	}
}

// New creates a pool allowing size concurrent units. Sizes below one are raised to one.
func New(size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}

	p := &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
		ctx:  context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return p.size
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	return p.closed.Load()
}

// Submit schedules fn and returns immediately. Units wait for a free slot on
// their own goroutine, so the caller never blocks.
func (p *Pool) Submit(name string, fn Func) (*Task, error) {
	if fn == nil {
		return nil, errors.New("task function is required")
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}

	task := &Task{
		ID:   uuid.NewString(),
		Name: name,
		done: make(chan struct{}),
	}

	p.inflight.Add(1)
	go p.run(task, fn)

	return task, nil
}

func (p *Pool) run(task *Task, fn Func) {
	defer p.inflight.Done()
	defer close(task.done)

	// Acquire with a background context: submitted work always runs, even after Shutdown.
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		task.err = err
		p.report(task)
		return
	}
	defer p.sem.Release(1)

	task.err = execute(p.ctx, fn)
	if task.err != nil {
		p.report(task)
	}
}

func (p *Pool) report(task *Task) {
	if p.onFailure == nil {
		return
	}

	defer func() {
		// A failing failure handler must not take the worker down with it.
		_ = recover()
	}()
	p.onFailure(task, task.err)
}

func execute(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	return fn(ctx)
}

// Shutdown stops accepting new units. In-flight and already queued units keep running.
func (p *Pool) Shutdown() {
	p.closed.Store(true)
}

// Wait blocks until every submitted unit has finished.
func (p *Pool) Wait() {
	p.inflight.Wait()
}

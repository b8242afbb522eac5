// Package worker runs best-effort background tasks on a bounded pool.
package worker

import (
	"errors"
	"sync"
)

const defaultQueueSize = 1024

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// ErrQueueFull is returned when the queue has no spare capacity.
var ErrQueueFull = errors.New("worker queue full")

type task func()

// DepthGauge receives the queue depth after every change.
type DepthGauge interface {
	Set(float64)
}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

// Option configures a Pool.
type Option func(*Pool)

// WithQueueSize overrides the queue capacity.
func WithQueueSize(size int) Option {
	return func(pool *Pool) {
		if size > 0 {
			pool.queueSize = size
		}
	}
}

// WithDepthGauge reports queue depth to gauge.
func WithDepthGauge(gauge DepthGauge) Option {
	return func(pool *Pool) {
		if gauge != nil {
			pool.gauge = gauge
		}
	}
}

// WithPanicHandler receives values recovered from panicking tasks.
func WithPanicHandler(handler func(recovered any)) Option {
	return func(pool *Pool) {
		pool.onPanic = handler
	}
}

// Pool runs submitted jobs on a fixed set of workers fed by a bounded queue.
type Pool struct {
	waitGroup sync.WaitGroup
	mutex     sync.RWMutex
	jobs      chan task
	stopped   bool
	queueSize int
	gauge     DepthGauge
	onPanic   func(recovered any)
}

// NewPool starts workers goroutines. A non-positive count starts one.
func NewPool(workers int, options ...Option) *Pool {
	pool := &Pool{queueSize: defaultQueueSize, gauge: noopGauge{}}
	for _, option := range options {
		option(pool)
	}
	if workers <= 0 {
		workers = 1
	}
	pool.jobs = make(chan task, pool.queueSize)
	for index := 0; index < workers; index++ {
		pool.waitGroup.Add(1)
		go func() {
			defer pool.waitGroup.Done()
			for job := range pool.jobs {
				pool.gauge.Set(float64(len(pool.jobs)))
				pool.run(job)
			}
		}()
	}
	return pool
}

// Submit enqueues job without blocking.
func (pool *Pool) Submit(job func()) error {
	pool.mutex.RLock()
	defer pool.mutex.RUnlock()
	if pool.stopped {
		return ErrPoolStopped
	}
	select {
	case pool.jobs <- job:
		pool.gauge.Set(float64(len(pool.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new work, drains the queue and waits for running tasks.
func (pool *Pool) Stop() {
	pool.mutex.Lock()
	if pool.stopped {
		pool.mutex.Unlock()
		return
	}
	pool.stopped = true
	close(pool.jobs)
	pool.mutex.Unlock()
	pool.waitGroup.Wait()
	pool.gauge.Set(0)
}

func (pool *Pool) run(job task) {
	defer func() {
		if recovered := recover(); recovered != nil && pool.onPanic != nil {
			pool.onPanic(recovered)
		}
	}()
	job()
}

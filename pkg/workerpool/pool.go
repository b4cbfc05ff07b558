// Package workerpool runs hashing, baseline and backup work on a bounded set
// of goroutines so the filesystem notification path never blocks on I/O.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/sirupsen/logrus"
)

const (
	// MaxDefaultWorkers caps DefaultSize.
	MaxDefaultWorkers = 4

	defaultQueueSize = 256
)

// ErrPoolClosed is returned for tasks submitted after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Task is a unit of work run by the pool.
type Task func() (any, error)

// Handle tracks a submitted task.
type Handle struct {
	done   chan struct{}
	result any
	err    error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(result any, err error) {
	h.result = result
	h.err = err
	close(h.done)
}

// Done is closed once the task has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Await waits up to timeout for the task result. On expiry it returns an
// error wrapping model.ErrTimeout; the task keeps running.
func (h *Handle) Await(timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.result, h.err
	case <-timer.C:
		return nil, fmt.Errorf("awaiting task after %s: %w", timeout, model.ErrTimeout)
	}
}

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type job struct {
	task   Task
	handle *Handle
}

// Pool is a fixed-size goroutine pool.
type Pool struct {
	size     int
	tasks    chan job
	quit     chan struct{}
	quitOnce sync.Once
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	logger   *logrus.Logger
}

// DefaultSize returns max(2, NumCPU-1) capped at MaxDefaultWorkers.
func DefaultSize() int {
	n := runtime.NumCPU() - 1
	if n < 2 {
		n = 2
	}
	if n > MaxDefaultWorkers {
		n = MaxDefaultWorkers
	}
	return n
}

// New starts a pool with size workers. size <= 0 selects DefaultSize.
func New(size int, logger *logrus.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	if logger == nil {
		logger = logrus.New()
	}

	p := &Pool{
		size:   size,
		tasks:  make(chan job, defaultQueueSize),
		quit:   make(chan struct{}),
		logger: logger,
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}

	logger.WithField("workers", size).Debug("Worker pool started")
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Submit queues task and returns its handle. If the queue is full Submit
// waits for room; after Shutdown the handle fails with ErrPoolClosed.
func (p *Pool) Submit(task Task) *Handle {
	h := newHandle()

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		h.finish(nil, ErrPoolClosed)
		return h
	}

	select {
	case p.tasks <- job{task: task, handle: h}:
	case <-p.quit:
		h.finish(nil, ErrPoolClosed)
	}
	return h
}

// Go submits a task whose result nobody awaits.
func (p *Pool) Go(fn func()) *Handle {
	return p.Submit(func() (any, error) {
		fn()
		return nil, nil
	})
}

// Shutdown stops accepting tasks and waits up to grace for queued and
// in-flight tasks to finish. It reports whether the pool drained in time.
func (p *Pool) Shutdown(grace time.Duration) bool {
	// Release submitters blocked on a full queue before taking the write lock.
	p.quitOnce.Do(func() { close(p.quit) })

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-drained:
		p.logger.Debug("Worker pool drained")
		return true
	case <-timer.C:
		p.logger.WithField("grace", grace).Warn("Worker pool shutdown grace period elapsed with tasks still running")
		return false
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.tasks {
		p.run(id, j)
	}
}

func (p *Pool) run(id int, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("worker", id).Errorf("Recovered panic in worker task: %v", r)
			j.handle.finish(nil, fmt.Errorf("task panicked: %v", r))
		}
	}()

	result, err := j.task()
	j.handle.finish(result, err)
}

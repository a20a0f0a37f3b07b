// Package tasks runs memory maintenance off the request path on a bounded
// worker pool.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/npcbrain/internal/config"
	"github.com/stellarlinkco/npcbrain/internal/keylock"
	"github.com/stellarlinkco/npcbrain/internal/logging"
)

// DefaultTaskTimeout bounds a single task run.
const DefaultTaskTimeout = 60 * time.Second

// Func is one unit of background work.
type Func func(ctx context.Context) error

type task struct {
	key  string
	name string
	fn   Func
}

// Executor is a fixed pool of workers fed by a bounded queue. Tasks sharing a
// key never run concurrently.
type Executor struct {
	workers int
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	queue  chan task
	closed bool

	locks   keylock.Map
	running atomic.Bool
	done    chan struct{}

	completed atomic.Int64
	failed    atomic.Int64
}

func New(cfg config.WorkerConfig, logger *zap.Logger) *Executor {
	workers := cfg.Count
	if workers <= 0 {
		workers = config.DefaultWorkerCount
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = config.DefaultQueueSize
	}
	return &Executor{
		workers: workers,
		timeout: DefaultTaskTimeout,
		logger:  logging.OrNop(logger).Named("tasks"),
		queue:   make(chan task, size),
		done:    make(chan struct{}),
	}
}

// SetTimeout overrides the per-task deadline. Call before Run.
func (e *Executor) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// Submit enqueues fn without blocking. It returns false when the queue is
// full or the executor has stopped.
func (e *Executor) Submit(key, name string, fn func(context.Context) error) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Debug("task rejected, executor stopped", zap.String("task", name), zap.String("key", key))
		return false
	}
	select {
	case e.queue <- task{key: key, name: name, fn: fn}:
		return true
	default:
		e.logger.Warn("task dropped, queue full", zap.String("task", name), zap.String("key", key))
		return false
	}
}

// Run starts the workers and blocks until the queue is closed and drained,
// or ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("executor already running")
	}
	defer close(e.done)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case t, ok := <-e.queue:
					if !ok {
						return nil
					}
					e.exec(gctx, t)
				}
			}
		})
	}
	return g.Wait()
}

// Stop rejects new tasks, lets the workers drain what is queued and waits
// for them. It is safe to call more than once.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	if e.running.Load() {
		<-e.done
	}
}

// Pending is the number of queued tasks not yet picked up.
func (e *Executor) Pending() int { return len(e.queue) }

// Completed and Failed count finished task runs.
func (e *Executor) Completed() int64 { return e.completed.Load() }
func (e *Executor) Failed() int64    { return e.failed.Load() }

func (e *Executor) exec(ctx context.Context, t task) {
	unlock := e.locks.Lock(t.key)
	defer unlock()

	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err := safeCall(tctx, t.fn)
	fields := []zap.Field{
		zap.String("task", t.name),
		zap.String("key", t.key),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		e.failed.Add(1)
		e.logger.Warn("task failed", append(fields, zap.Error(err))...)
		return
	}
	e.completed.Add(1)
	e.logger.Debug("task done", fields...)
}

func safeCall(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Package tasks runs fire-and-forget background work with a uniform
// log-and-drop error boundary.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Func is a unit of background work.
type Func func(ctx context.Context) error

type task struct {
	name  string
	attrs []any
	fn    Func
}

// Config sizes a Runner.
type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	// CloseTimeout bounds how long Close waits for queued work.
	CloseTimeout time.Duration
}

// Runner executes submitted tasks on a fixed pool of workers. Failures and
// panics are logged and never reach the submitter.
type Runner struct {
	cfg    Config
	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewRunner starts a Runner.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:    cfg,
		queue:  make(chan task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	logger.Info("Background runner started", "workers", cfg.Workers, "queue_size", cfg.QueueSize)
	return r
}

// Submit queues fn. attrs are key/value pairs added to any failure log. When
// the queue is full the oldest queued task is dropped. It reports false if the
// task could not be queued.
func (r *Runner) Submit(name string, fn Func, attrs ...any) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("Background runner closed, dropping task", append([]any{"task", name}, attrs...)...)
		r.dropped.Add(1)
		return false
	}

	t := task{name: name, attrs: attrs, fn: fn}
	select {
	case r.queue <- t:
		r.submitted.Add(1)
		return true
	default:
	}

	select {
	case old := <-r.queue:
		r.dropped.Add(1)
		r.logger.Warn("Background queue full, dropped oldest task",
			"dropped_task", old.name,
			"queue_len", len(r.queue),
		)
	default:
	}

	select {
	case r.queue <- t:
		r.submitted.Add(1)
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn("Failed to queue background task", append([]any{"task", name}, attrs...)...)
		return false
	}
}

func (r *Runner) work() {
	defer r.wg.Done()
	for t := range r.queue {
		r.run(t)
	}
}

func (r *Runner) run(t task) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return t.fn(ctx)
	}()
	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("Background task failed",
			append([]any{"task", t.name, "error", err, "duration_ms", time.Since(start).Milliseconds()}, t.attrs...)...)
		return
	}
	if d := time.Since(start); d > 5*time.Second {
		r.logger.Warn("Slow background task", append([]any{"task", t.name, "duration_ms", d.Milliseconds()}, t.attrs...)...)
	}
}

// Close stops accepting work and waits up to CloseTimeout for queued tasks.
// Tasks still running after that see their context cancelled.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	remaining := len(r.queue)
	close(r.queue)
	r.mu.Unlock()

	r.logger.Info("Background runner closing", "queue_remaining", remaining)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Background runner stopped gracefully")
	case <-time.After(r.cfg.CloseTimeout):
		r.logger.Warn("Background runner shutdown timeout, cancelling tasks")
		r.cancel()
		<-done
	}
	r.cancel()
	return nil
}

// Stats returns runner counters.
func (r *Runner) Stats() map[string]any {
	return map[string]any{
		"submitted":      r.submitted.Load(),
		"dropped":        r.dropped.Load(),
		"failed":         r.failed.Load(),
		"queue_len":      len(r.queue),
		"queue_capacity": cap(r.queue),
	}
}

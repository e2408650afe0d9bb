package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

// Config sizes the worker pool.
type Config struct {
	Size  int `mapstructure:"size"`
	Queue int `mapstructure:"queue"`
}

// Stats reports pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
}

// Workers runs CPU-bound jobs (token counting over large inputs) off the
// request goroutines. Submit blocks while the queue is full, which applies
// backpressure instead of unbounded goroutine growth.
type Workers struct {
	tasks chan func()
	wg    sync.WaitGroup

	size      int
	submitted int64
	completed int64

	mu     sync.Mutex
	closed bool
}

// New starts size workers with the given queue depth.
func New(cfg Config) *Workers {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.Queue < 1 {
		cfg.Queue = 1
	}

	w := &Workers{
		tasks: make(chan func(), cfg.Queue),
		size:  cfg.Size,
	}

	w.wg.Add(cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		go w.run()
	}

	log.Info().Int("workers", cfg.Size).Int("queue", cfg.Queue).Msg("worker pool started")
	return w
}

func (w *Workers) run() {
	defer w.wg.Done()
	for task := range w.tasks {
		task()
		atomic.AddInt64(&w.completed, 1)
	}
}

// Submit enqueues fn and returns once it is accepted. The context bounds
// the wait for a queue slot, not the task itself.
func (w *Workers) Submit(ctx context.Context, fn func()) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.mu.Unlock()

	select {
	case w.tasks <- fn:
		atomic.AddInt64(&w.submitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on a worker and waits for it to finish, returning fn's result.
// Falls back to inline execution if the pool wait is cancelled first.
func (w *Workers) Do(ctx context.Context, fn func() int) int {
	done := make(chan int, 1)
	if err := w.Submit(ctx, func() { done <- fn() }); err != nil {
		return fn()
	}
	select {
	case v := <-done:
		return v
	case <-ctx.Done():
		// Task still runs; result discarded.
		return 0
	}
}

// Stats returns current counters.
func (w *Workers) Stats() Stats {
	return Stats{
		Workers:   w.size,
		Queued:    len(w.tasks),
		Submitted: atomic.LoadInt64(&w.submitted),
		Completed: atomic.LoadInt64(&w.completed),
	}
}

// Close drains the queue and stops the workers.
func (w *Workers) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.tasks)
	w.wg.Wait()
	log.Info().Msg("worker pool closed")
}

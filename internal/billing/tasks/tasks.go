// Package tasks provides a bounded background task runner. Work submitted
// here continues after the HTTP response is written and is drained before
// process exit.
package tasks

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("task runner is shutting down")

type task struct {
	name string
	fn   func(context.Context) error
}

// Runner executes submitted tasks on a fixed pool of workers.
type Runner struct {
	jobs chan task
	g    *errgroup.Group

	mu     sync.Mutex
	closed bool
}

// NewRunner creates a runner with the given worker count and queue depth and
// starts its workers. Tasks run with ctx; cancelling ctx aborts in-flight
// work, while Shutdown drains the queue first.
func NewRunner(ctx context.Context, workers, queueDepth int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}

	r := &Runner{
		jobs: make(chan task, queueDepth),
		g:    &errgroup.Group{},
	}
	for i := 0; i < workers; i++ {
		r.g.Go(func() error {
			for t := range r.jobs {
				if err := t.fn(ctx); err != nil {
					log.Error().Err(err).Str("task", t.name).Msg("Background task failed")
				}
			}
			return nil
		})
	}
	return r
}

// Submit enqueues a task for background execution. It blocks only while the
// queue is full.
func (r *Runner) Submit(name string, fn func(context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShuttingDown
	}

	// The lock is held across the send so Shutdown cannot close the channel
	// between the closed check and the enqueue.
	r.jobs <- task{name: name, fn: fn}
	return nil
}

// Shutdown stops accepting tasks and waits for queued and in-flight work to
// finish, up to ctx's deadline.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

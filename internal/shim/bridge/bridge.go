// Package bridge moves blocking OS work (isolation setup, cgroup writes,
// child reaping) off the RPC-serving path onto dedicated workers, delivering
// results back through completion channels.
package bridge

import (
	"context"
	"fmt"
	"sync"
)

// Bridge is a fixed-size worker pool. RPC handlers submit blocking functions
// and suspend on the completion channel instead of the syscall itself.
type Bridge struct {
	jobs chan job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool

	reapers sync.WaitGroup
}

type job struct {
	fn   func() error
	done chan error
}

// New creates a bridge with the given number of workers.
func New(workers int) *Bridge {
	if workers <= 0 {
		workers = 4
	}
	b := &Bridge{jobs: make(chan job)}
	b.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go b.worker()
	}
	return b
}

func (b *Bridge) worker() {
	defer b.wg.Done()
	for j := range b.jobs {
		j.done <- j.fn()
	}
}

// Submit schedules fn on a worker and returns its completion channel.
func (b *Bridge) Submit(fn func() error) (<-chan error, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge is closed")
	}
	b.mu.Unlock()
	done := make(chan error, 1)
	b.jobs <- job{fn: fn, done: done}
	return done, nil
}

// Do runs fn on a worker and waits for completion or context cancellation.
// The function keeps running to completion even if the caller gives up; only
// the wait is cancelled.
func (b *Bridge) Do(ctx context.Context, fn func() error) error {
	done, err := b.Submit(fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reap starts a dedicated goroutine running wait (a blocking child wait) and
// hands its result to onExit. One reaper per sandbox process linearizes that
// process's terminal transition.
func (b *Bridge) Reap(wait func() ExitStatus, onExit func(ExitStatus)) {
	b.reapers.Add(1)
	go func() {
		defer b.reapers.Done()
		onExit(wait())
	}()
}

// Close stops accepting work and waits for in-flight jobs and reapers.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.jobs)
	b.wg.Wait()
	b.reapers.Wait()
}

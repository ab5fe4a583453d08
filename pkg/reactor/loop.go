// Package reactor provides the single-goroutine event loop that owns all
// mutable state of a Burrow process.
//
// I/O happens on helper goroutines (blocking reads and writes through the
// Go netpoller). Their results are posted to the Loop, which runs every
// posted callback to completion, in posting order, on one goroutine.
// Components such as the worker pool, the correlation table and the
// bridge set are only touched from Loop callbacks and need no locks.
package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/clock"
)

// Loop is a cooperative, single-goroutine callback executor.
type Loop struct {
	clock clock.Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

// New creates a loop that schedules its timers on clk.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.Real()
	}
	return &Loop{
		clock: clk,
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the loop's time source.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post queues fn to run on the loop goroutine. It never blocks and is safe
// to call from any goroutine, including from a loop callback. It returns
// false if the loop has been stopped; fn is then dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// AfterFunc runs fn on the loop once d has elapsed on the loop's clock.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *clock.Timer {
	return l.clock.AfterFunc(d, func() { l.Post(fn) })
}

// Run executes posted callbacks until ctx is cancelled or Stop is called.
// Callbacks still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.wake:
			if l.isStopped() {
				return nil
			}
		}
	}
}

// RunPending runs every callback queued so far, including callbacks those
// callbacks post, and returns how many ran. Run calls it once per wakeup;
// tests call it directly to drive a loop without a goroutine.
func (l *Loop) RunPending() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 || l.stopped {
			l.mu.Unlock()
			return ran
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
			ran++
		}
	}
}

// Stop ends Run and makes later Posts fail.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine. Returns false if the loop stopped first.
func (l *Loop) Do(ctx context.Context, fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

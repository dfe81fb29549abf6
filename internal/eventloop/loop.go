// Package eventloop is the single-goroutine actor every state-machine
// transition in internal/device runs on, the Go stand-in for the
// GLib main loop the original C implementation drove HTTP
// completions, timers, and cross-thread events through.
package eventloop

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Loop serializes work from any number of goroutines onto a single
// worker goroutine. Nothing queued on a Loop ever runs concurrently
// with anything else queued on the same Loop.
type Loop struct {
	work chan func()
	log  *slog.Logger
}

// New creates a Loop with the given queue depth. A depth of 0 makes
// Call synchronous with the queue (senders block until the worker is
// free to accept); a small positive depth smooths out bursts of
// completions without decoupling ordering guarantees.
func New(queueDepth int, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{work: make(chan func(), queueDepth), log: log}
}

// Run drains the work queue until ctx is cancelled. Call it from a
// dedicated goroutine at process/device startup.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.work:
			l.runOne(fn)
		}
	}
}

func (l *Loop) runOne(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("eventloop: panic recovered", "panic", r)
		}
	}()
	fn()
}

// Call marshals fn onto the event loop goroutine and returns once fn
// is queued (blocking while the queue is full), the equivalent of the
// C source's eloop_call.
func (l *Loop) Call(fn func()) {
	l.work <- fn
}

// AfterFunc schedules fn to run on the event loop goroutine after d
// elapses, returning a Timer that can cancel it before it fires. This
// is the Go stand-in for eloop_timer_new.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}
	t.timer = time.AfterFunc(d, func() {
		l.Call(func() {
			if !t.cancelled.Load() {
				fn()
			}
		})
	})
	return t
}

// Timer is a cancellable one-shot timer scheduled through a Loop.
type Timer struct {
	loop      *Loop
	timer     *time.Timer
	cancelled atomic.Bool
}

// Cancel stops the timer. If it already fired, the scheduled function
// is suppressed instead (it may already be queued on the loop).
func (t *Timer) Cancel() {
	t.cancelled.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}

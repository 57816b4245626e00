// Package mainloop runs closures one at a time on a single goroutine, the
// process's equivalent of a UI thread.
package mainloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Do once the loop has stopped.
var ErrStopped = errors.New("mainloop: stopped")

// Dispatcher schedules work onto the main loop.
type Dispatcher interface {
	Dispatch(fn func())
}

// Loop serializes dispatched closures.
type Loop struct {
	queue   chan func()
	done    chan struct{}
	log     *slog.Logger
	stopped sync.Once
}

func New(size int, log *slog.Logger) *Loop {
	if size <= 0 {
		size = 64
	}
	return &Loop{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
		log:   log.With(slog.String("component", "mainloop")),
	}
}

// Dispatch enqueues fn. It blocks only while the queue is full and drops fn
// once the loop has stopped.
func (l *Loop) Dispatch(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.queue <- wrapped:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued closures until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer l.stopped.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("main loop task panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// Package loop is the guard's single thread of execution. One goroutine runs
// posted tasks in order; timers fire by posting their callback back onto the
// loop, so every callback observes a consistent document.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when posting to a loop that has stopped.
var ErrClosed = errors.New("loop: closed")

// Loop runs tasks serially on one goroutine.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	once   sync.Once
}

// New creates a loop with a task buffer of size buf (default 1024).
func New(logger *slog.Logger, buf int) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if buf <= 0 {
		buf = 1024
	}
	return &Loop{
		tasks:  make(chan func(), buf),
		done:   make(chan struct{}),
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Run executes tasks until ctx is cancelled or Close is called. A panicking
// task is logged and does not stop the loop.
func (l *Loop) Run(ctx context.Context) {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop: task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Post queues fn. It reports false when the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc posts fn onto the loop after d. The returned cancel reports
// whether it stopped the timer before it fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (cancel func() bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return func() bool { return false }
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		// t is assigned under l.mu before this lock can be taken.
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.Post(fn)
	})
	l.timers[t] = struct{}{}
	return func() bool {
		l.forget(t)
		return t.Stop()
	}
}

func (l *Loop) forget(t *time.Timer) {
	l.mu.Lock()
	delete(l.timers, t)
	l.mu.Unlock()
}

// Pending returns the number of armed timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// CancelTimers stops every armed timer.
func (l *Loop) CancelTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for t := range l.timers {
		t.Stop()
	}
	clear(l.timers)
}

// Close stops the loop and every armed timer. Queued tasks are dropped.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		for t := range l.timers {
			t.Stop()
		}
		clear(l.timers)
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed when the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.done }

package batch

import "time"

// Scheduler arms a one-shot callback. The callback must run on the guard
// loop. The returned cancel reports whether the callback was prevented.
type Scheduler interface {
	Schedule(fn func()) (cancel func() bool)
}

// Timers is the part of the guard loop a FrameScheduler needs.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
}

const (
	// DefaultFrameInterval approximates one display refresh at 60Hz.
	DefaultFrameInterval = 16 * time.Millisecond
	// DefaultFallbackDelay is used when frame scheduling is disabled.
	DefaultFallbackDelay = 30 * time.Millisecond
)

// FrameScheduler fires once per frame interval. With a non-positive frame
// interval it falls back to a fixed delay.
type FrameScheduler struct {
	timers   Timers
	interval time.Duration
}

// NewFrameScheduler builds a scheduler on the loop's timers.
func NewFrameScheduler(timers Timers, frame, fallback time.Duration) *FrameScheduler {
	interval := frame
	if interval <= 0 {
		interval = fallback
	}
	if interval <= 0 {
		interval = DefaultFallbackDelay
	}
	return &FrameScheduler{timers: timers, interval: interval}
}

// Interval returns the effective tick delay.
func (f *FrameScheduler) Interval() time.Duration { return f.interval }

func (f *FrameScheduler) Schedule(fn func()) func() bool {
	return f.timers.AfterFunc(f.interval, fn)
}

// Manual is a Scheduler driven by hand. Embedders that own their own frame
// source (and tests) call Fire.
type Manual struct {
	pending []*armed
}

type armed struct{ fn func() }

func (m *Manual) Schedule(fn func()) func() bool {
	a := &armed{fn: fn}
	m.pending = append(m.pending, a)
	return func() bool {
		if a.fn == nil {
			return false
		}
		a.fn = nil
		return true
	}
}

// Fire runs the callbacks armed so far and reports how many ran.
// Callbacks armed while firing wait for the next call.
func (m *Manual) Fire() int {
	batch := m.pending
	m.pending = nil
	n := 0
	for _, a := range batch {
		if fn := a.fn; fn != nil {
			a.fn = nil
			fn()
			n++
		}
	}
	return n
}

// Armed returns the number of callbacks waiting to fire.
func (m *Manual) Armed() int {
	n := 0
	for _, a := range m.pending {
		if a.fn != nil {
			n++
		}
	}
	return n
}

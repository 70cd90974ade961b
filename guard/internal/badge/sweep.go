package badge

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/domguard/dom"
)

// Runtime is the part of the guard loop the sweeper schedules on.
type Runtime interface {
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
	Post(fn func()) bool
}

// Schedule is the retry plan used while the host runtime hydrates.
type Schedule struct {
	Delays      []time.Duration `yaml:"delays"`
	Window      time.Duration   `yaml:"window"`
	LoadWindow  time.Duration   `yaml:"load_window"`
	Interval    time.Duration   `yaml:"interval"`
	MaxAttempts int             `yaml:"max_attempts"`
}

// DefaultSchedule sweeps at 500ms, 1s and 2s, and watches for 10s after
// start (5s after load) with a 150ms interval capped at 40 attempts.
func DefaultSchedule() Schedule {
	return Schedule{
		Delays:      []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
		Window:      10 * time.Second,
		LoadWindow:  5 * time.Second,
		Interval:    150 * time.Millisecond,
		MaxAttempts: 40,
	}
}

// WithDefaults fills zero fields from DefaultSchedule.
func (s Schedule) WithDefaults() Schedule {
	d := DefaultSchedule()
	if s.Delays == nil {
		s.Delays = d.Delays
	}
	if s.Window <= 0 {
		s.Window = d.Window
	}
	if s.LoadWindow <= 0 {
		s.LoadWindow = d.LoadWindow
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = d.MaxAttempts
	}
	return s
}

// Sweeper runs the remover on a time-bounded retry plan, independently of
// the reconciler. All methods run on the guard loop.
type Sweeper struct {
	doc     *dom.Document
	remover *Remover
	rt      Runtime
	sched   Schedule
	logger  *slog.Logger
	now     func() time.Time

	// OnRemove, when set, receives the count of every productive sweep.
	OnRemove func(n int)

	cancels []func() bool
	windows map[*window]struct{}
	stopped bool
	removed int
}

type window struct {
	end      time.Time
	attempts int
	obs      *dom.Observer
	pending  bool
	closed   bool
}

// NewSweeper creates an idle sweeper.
func NewSweeper(doc *dom.Document, remover *Remover, rt Runtime, sched Schedule, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		doc:     doc,
		remover: remover,
		rt:      rt,
		sched:   sched.WithDefaults(),
		logger:  logger,
		now:     time.Now,
		windows: make(map[*window]struct{}),
	}
}

// Start sweeps now, at each fixed delay, and throughout the start window.
func (s *Sweeper) Start() {
	s.Sweep()
	s.open(s.sched.Window)
	for _, d := range s.sched.Delays {
		s.arm(d, func() { s.Sweep() })
	}
}

// Loaded sweeps now and opens the shorter load window.
func (s *Sweeper) Loaded() {
	s.Sweep()
	s.open(s.sched.LoadWindow)
}

// Sweep runs the remover once.
func (s *Sweeper) Sweep() int {
	if s.stopped {
		return 0
	}
	n := s.remover.Remove(s.doc)
	if n > 0 {
		s.removed += n
		s.logger.Debug("badge: sweep removed", "count", n)
		if s.OnRemove != nil {
			s.OnRemove(n)
		}
	}
	return n
}

// Removed returns the total removed by this sweeper.
func (s *Sweeper) Removed() int { return s.removed }

// Windows returns the number of open observation windows.
func (s *Sweeper) Windows() int { return len(s.windows) }

// Stop cancels every pending retry and closes every window.
func (s *Sweeper) Stop() {
	s.stopped = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	for w := range s.windows {
		s.close(w)
	}
}

func (s *Sweeper) arm(d time.Duration, fn func()) {
	if s.stopped {
		return
	}
	s.cancels = append(s.cancels, s.rt.AfterFunc(d, func() {
		if !s.stopped {
			fn()
		}
	}))
}

// open starts an observation window: child-list changes trigger a sweep
// (one per loop turn), and an interval retries until the attempt cap or the
// window end.
func (s *Sweeper) open(d time.Duration) {
	if s.stopped {
		return
	}
	w := &window{end: s.now().Add(d)}
	s.windows[w] = struct{}{}

	w.obs = s.doc.Observe(func(rec dom.Record) {
		if rec.Kind != dom.ChildListChanged || w.pending || w.closed {
			return
		}
		w.pending = true
		s.rt.Post(func() {
			if w.closed {
				return
			}
			s.Sweep()
			w.pending = false
			if s.now().After(w.end) {
				s.close(w)
			}
		})
	})

	var tick func()
	tick = func() {
		if w.closed {
			return
		}
		w.attempts++
		s.Sweep()
		if w.attempts < s.sched.MaxAttempts && !s.now().After(w.end) {
			s.arm(s.sched.Interval, tick)
		}
	}
	s.arm(s.sched.Interval, tick)
	s.arm(d, func() { s.close(w) })
}

func (s *Sweeper) close(w *window) {
	if w.closed {
		return
	}
	w.closed = true
	w.obs.Disconnect()
	delete(s.windows, w)
}

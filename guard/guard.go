// Package guard keeps a live document in the state the site author shipped
// while a host runtime keeps re-rendering it.
//
// A Guard owns one document and one event loop. It snapshots the protected
// attributes, custom classes and text of every element, observes the
// document, and after each batch of host mutations writes back whatever
// drifted. Vendor badges are removed on every pass and on a retry plan of
// their own; an optional localizer rewrites visible text and the guard
// re-baselines whatever it rewrote.
//
// Host code mutates a guarded document only through Do. The browser path
// (see Service) feeds CDP events through the same loop.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/domguard/dom"
	"github.com/hazyhaar/domguard/guard/internal/badge"
	"github.com/hazyhaar/domguard/guard/internal/batch"
	"github.com/hazyhaar/domguard/guard/internal/config"
	"github.com/hazyhaar/domguard/guard/internal/inspect"
	"github.com/hazyhaar/domguard/guard/internal/localize"
	"github.com/hazyhaar/domguard/guard/internal/loop"
	"github.com/hazyhaar/domguard/guard/internal/metrics"
	"github.com/hazyhaar/domguard/guard/internal/reconcile"
	"github.com/hazyhaar/domguard/guard/internal/state"
)

// Stats is a point-in-time view of a guard. Re-exported from internal.
type Stats = inspect.Stats

// ErrStarted is returned by Start on a guard that already ran.
var ErrStarted = errors.New("guard: already started")

// Option configures a Guard.
type Option func(*Guard)

// WithScheduler replaces the frame scheduler that paces reconciliation
// passes. Embedders with their own frame source pass a *batch.Manual-like
// scheduler and fire it from the loop.
func WithScheduler(s batch.Scheduler) Option {
	return func(g *Guard) { g.sched = s }
}

// WithPage labels the guard's logs, stats and metrics.
func WithPage(id, url string) Option {
	return func(g *Guard) { g.id, g.url = id, url }
}

func withMetrics(p *metrics.Page) Option {
	return func(g *Guard) { g.metrics = p }
}

// Guard protects one document.
type Guard struct {
	doc         *dom.Document
	cfg         *config.Config
	id, url     string
	level       *slog.LevelVar
	logger      *slog.Logger
	metrics     *metrics.Page
	metricsOnce sync.Once

	loop      *loop.Loop
	sched     batch.Scheduler
	store     *state.Store
	rec       *reconcile.Reconciler
	batcher   *batch.Batcher
	sweeper   *badge.Sweeper
	localizer *localize.Localizer

	started atomic.Bool
	cancel  context.CancelFunc

	// Loop-owned.
	obs       *dom.Observer
	totals    reconcile.Result
	startedAt time.Time
	stopped   bool
}

// New builds a guard for doc. A nil cfg uses DefaultConfig. Nothing runs
// until Start.
func New(doc *dom.Document, cfg *Config, logger *slog.Logger, opts ...Option) (*Guard, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Guard{doc: doc, cfg: cfg, level: new(slog.LevelVar)}
	for _, o := range opts {
		o(g)
	}
	g.level.Set(slog.LevelInfo)
	if cfg.Guard.Verbose {
		g.level.Set(slog.LevelDebug)
	}
	g.logger = slog.New(&levelHandler{level: g.level, inner: logger.Handler()})
	if g.id != "" {
		g.logger = g.logger.With("page", g.id)
	}

	g.loop = loop.New(g.logger, 0)
	if g.sched == nil {
		g.sched = batch.NewFrameScheduler(g.loop, cfg.Guard.FrameInterval, cfg.Guard.FallbackDelay)
	}

	p := cfg.Guard.Policy()
	g.store = state.New(p)

	var remover reconcile.BadgeRemover
	if !cfg.Badges.Disabled {
		r, err := badge.NewRemover(cfg.Badges.Rules, g.logger)
		if err != nil {
			return nil, fmt.Errorf("guard: badges: %w", err)
		}
		remover = r
		g.sweeper = badge.NewSweeper(doc, r, g.loop, cfg.Badges.Schedule, g.logger)
		g.sweeper.OnRemove = g.metrics.BadgesRemoved
	}

	g.rec = reconcile.New(doc, g.store, p, remover, g.logger)
	g.batcher = batch.New(g.sched, g.pass, g.logger)

	if cfg.Localize.Enabled {
		tr, err := loadTranslator(cfg.Localize.Dictionary)
		if err != nil {
			return nil, err
		}
		g.localizer = localize.New(doc, tr, g.loop, localize.Options{
			Marker:   cfg.Localize.Marker,
			Retries:  cfg.Localize.Retries,
			Debounce: cfg.Localize.Debounce,
		}, g.logger)
	}
	return g, nil
}

func loadTranslator(path string) (*localize.Translator, error) {
	d := localize.DefaultDictionary()
	if path != "" {
		var err error
		if d, err = localize.LoadDictionary(path); err != nil {
			return nil, fmt.Errorf("guard: localize: %w", err)
		}
	}
	tr, err := localize.NewTranslator(d)
	if err != nil {
		return nil, fmt.Errorf("guard: localize: %w", err)
	}
	return tr, nil
}

// Start runs the loop, snapshots the document, applies the class overrides
// and starts observing. It returns once the initial snapshot is done; the
// guard then runs until ctx is done or Stop is called.
func (g *Guard) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	ctx, g.cancel = context.WithCancel(ctx)
	go g.loop.Run(ctx)

	if err := g.loop.Do(ctx, g.boot); err != nil {
		g.cancel()
		return fmt.Errorf("guard: start: %w", err)
	}

	if g.localizer != nil && g.cfg.Localize.Watch && g.cfg.Localize.Dictionary != "" {
		go func() {
			if err := g.localizer.Watch(ctx, g.cfg.Localize.Dictionary); err != nil {
				g.logger.Warn("guard: dictionary watch stopped", "error", err)
			}
		}()
	}
	return nil
}

func (g *Guard) boot() {
	g.startedAt = time.Now()
	root := g.doc.Root()

	res := g.rec.SnapshotTree(root)
	res.Add(g.rec.ApplyOverrides(root))
	g.totals.Add(res)
	if g.sweeper != nil {
		g.sweeper.Start()
	}

	g.obs = g.doc.Observe(g.batcher.Enqueue)

	for _, d := range g.cfg.Guard.TextRebaseline {
		g.loop.AfterFunc(d, g.rebaseline)
	}
	if g.localizer != nil {
		g.localizer.Subscribe(g.onLocalized)
		g.localizer.Start()
	}

	g.logger.Info("guard: started",
		"tracked", g.store.Len(),
		"classes", res.Classes,
		"badges", g.removed(),
	)
}

// pass is the batcher's consumer.
func (g *Guard) pass(records []dom.Record) {
	start := time.Now()
	res := g.rec.Pass(records)
	g.totals.Add(res)
	g.metrics.ObservePass(res, time.Since(start))
}

func (g *Guard) rebaseline() {
	if g.stopped {
		return
	}
	if n := g.rec.RebaselineText(g.doc.Root()); n > 0 {
		g.logger.Debug("guard: text re-baselined", "elements", n)
	}
}

// onLocalized re-baselines whatever the localizer rewrote so its output is
// not reverted as drift.
func (g *Guard) onLocalized(a localize.Announcement) {
	g.metrics.Translated(len(a.Elements))
	if a.First {
		g.rebaseline()
		return
	}
	n := 0
	for _, el := range a.Elements {
		n += g.rec.RebaselineElement(el)
	}
	if n > 0 {
		g.logger.Debug("guard: text re-baselined after localization", "elements", n)
	}
}

// Stop disconnects every observer, cancels pending timers and stops the
// loop. It is safe to call more than once.
func (g *Guard) Stop() {
	if !g.started.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.loop.Do(ctx, func() {
		if g.stopped {
			return
		}
		g.stopped = true
		g.obs.Disconnect()
		g.batcher.Stop()
		if g.sweeper != nil {
			g.sweeper.Stop()
		}
		if g.localizer != nil {
			g.localizer.Stop()
		}
		g.closeMetrics()
	})
	if err != nil && !errors.Is(err, loop.ErrClosed) {
		g.logger.Warn("guard: stop", "error", err)
	}
	g.cancel()
	g.loop.Close()
	if err != nil {
		// The loop was already gone and takes no more tasks.
		g.closeMetrics()
	}
}

func (g *Guard) closeMetrics() { g.metricsOnce.Do(g.metrics.Close) }

// Done is closed once the guard's loop has stopped.
func (g *Guard) Done() <-chan struct{} { return g.loop.Done() }

// Do runs fn on the guard loop with the document and waits for it. Host
// mutations made inside fn are observed like any other.
func (g *Guard) Do(ctx context.Context, fn func(doc *dom.Document)) error {
	return g.loop.Do(ctx, func() { fn(g.doc) })
}

// Post queues fn on the guard loop without waiting.
func (g *Guard) Post(fn func(doc *dom.Document)) bool {
	return g.loop.Post(func() { fn(g.doc) })
}

// Document returns the guarded document. Touch it only from the loop.
func (g *Guard) Document() *dom.Document { return g.doc }

// ID returns the page id given with WithPage.
func (g *Guard) ID() string { return g.id }

// Rescan snapshots the whole document again, re-applies the class overrides
// and removes badges.
func (g *Guard) Rescan(ctx context.Context) (Stats, error) {
	var st Stats
	err := g.loop.Do(ctx, func() {
		root := g.doc.Root()
		res := g.rec.SnapshotTree(root)
		res.Add(g.rec.ApplyOverrides(root))
		g.totals.Add(res)
		g.sweep()
		g.logger.Debug("guard: rescan", "baselines", res.Baselines, "classes", res.Classes)
		st = g.stats()
	})
	return st, err
}

// RemoveBadges removes vendor badges now and reports how many went.
func (g *Guard) RemoveBadges(ctx context.Context) (int, error) {
	var n int
	err := g.loop.Do(ctx, func() { n = g.sweep() })
	return n, err
}

func (g *Guard) sweep() int {
	if g.sweeper == nil {
		return 0
	}
	return g.sweeper.Sweep()
}

// RestoreAll writes every stored class, attribute and text baseline back
// and reports the number of corrections.
func (g *Guard) RestoreAll(ctx context.Context) (int, error) {
	var n int
	err := g.loop.Do(ctx, func() {
		res := g.rec.RestoreAll(g.doc.Root())
		g.totals.Add(res)
		n = res.Corrections()
		g.logger.Debug("guard: restore all", "corrections", n)
	})
	return n, err
}

// PageLoaded tells the guard the page finished loading: badges are swept
// again for a shorter window.
func (g *Guard) PageLoaded() {
	g.loop.Post(func() {
		if g.sweeper != nil && !g.stopped {
			g.sweeper.Loaded()
		}
	})
}

// SetVerbose switches debug logging for this guard.
func (g *Guard) SetVerbose(on bool) {
	if on {
		g.level.Set(slog.LevelDebug)
	} else {
		g.level.Set(slog.LevelInfo)
	}
	g.logger.Info("guard: verbose", "on", on)
}

// Verbose reports whether debug logging is on.
func (g *Guard) Verbose() bool { return g.level.Level() <= slog.LevelDebug }

// Stats returns the guard's counters.
func (g *Guard) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := g.loop.Do(ctx, func() { st = g.stats() })
	return st, err
}

func (g *Guard) stats() Stats {
	st := Stats{
		Page:       g.id,
		URL:        g.url,
		State:      g.batcher.State().String(),
		Verbose:    g.Verbose(),
		Started:    g.startedAt,
		Passes:     g.batcher.Passes(),
		Records:    g.totals.Records,
		Classes:    g.totals.Classes,
		Attributes: g.totals.Attributes,
		Text:       g.totals.Text,
		Baselines:  g.totals.Baselines,
		Failures:   g.totals.Failures,
		Badges:     g.totals.Badges + g.removed(),
		Tracked:    g.store.Len(),
	}
	if g.localizer != nil {
		st.Translated = g.localizer.Translated()
	}
	return st
}

func (g *Guard) removed() int {
	if g.sweeper == nil {
		return 0
	}
	return g.sweeper.Removed()
}

// Render serializes the guarded document.
func (g *Guard) Render(ctx context.Context) (string, error) {
	var s string
	err := g.loop.Do(ctx, func() { s = g.doc.String() })
	return s, err
}

// Flush runs a pending reconciliation pass now. Embedders driving their own
// scheduler use it to settle the document before reading it.
func (g *Guard) Flush(ctx context.Context) error {
	return g.loop.Do(ctx, g.batcher.Flush)
}

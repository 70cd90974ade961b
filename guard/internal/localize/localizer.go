// Package localize rewrites page text through a dictionary and keeps doing
// so while the host runtime re-renders.
//
// Processed elements carry a marker attribute and are skipped by later
// passes. A node the host replaces arrives without the marker and is
// translated again.
package localize

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
)

// DefaultMarker flags an element whose text has been translated.
const DefaultMarker = "data-translated"

// Attributes translated alongside direct text children.
var translatedAttrs = []string{"alt", "title", "aria-label"}

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"textarea": true, "input": true, "svg": true,
}

// Runtime is the part of the guard loop the localizer schedules on.
type Runtime interface {
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
	Post(fn func()) bool
}

// Announcement is published after every pass that rewrote something, and
// once after the first full pass even if it rewrote nothing.
type Announcement struct {
	First    bool
	Elements []*html.Node
}

// Options tune the localizer lifecycle.
type Options struct {
	Marker   string
	Retries  []time.Duration // extra passes after Start
	Debounce time.Duration   // delay between a relevant mutation and its pass
}

// DefaultOptions retries at 500ms, 1.5s and 3s with a 50ms debounce.
func DefaultOptions() Options {
	return Options{
		Marker:   DefaultMarker,
		Retries:  []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second},
		Debounce: 50 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Marker == "" {
		o.Marker = d.Marker
	}
	if o.Retries == nil {
		o.Retries = d.Retries
	}
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	return o
}

// Localizer translates one document. Everything except SetTranslator and
// Watch runs on the guard loop.
type Localizer struct {
	doc    *dom.Document
	tr     atomic.Pointer[Translator]
	rt     Runtime
	opts   Options
	logger *slog.Logger

	subs      []func(Announcement)
	announced bool
	applying  bool
	pending   bool
	stopped   bool
	obs       *dom.Observer
	cancels   []func() bool
	debounce  func() bool

	passes     int
	translated int
}

// New creates a localizer. rt may be nil for one-shot use through Pass.
func New(doc *dom.Document, tr *Translator, rt Runtime, opts Options, logger *slog.Logger) *Localizer {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Localizer{doc: doc, rt: rt, opts: opts.withDefaults(), logger: logger}
	l.tr.Store(tr)
	return l
}

// SetTranslator swaps the dictionary. Safe from any goroutine; the next pass
// uses it.
func (l *Localizer) SetTranslator(tr *Translator) { l.tr.Store(tr) }

// Subscribe registers fn for announcements. fn runs on the guard loop,
// synchronously at the end of the pass.
func (l *Localizer) Subscribe(fn func(Announcement)) {
	l.subs = append(l.subs, fn)
}

// Start runs the initial pass, connects the mutation watcher and arms the
// retry passes.
func (l *Localizer) Start() {
	l.Pass()
	l.obs = l.doc.Observe(l.onRecord)
	for _, d := range l.opts.Retries {
		l.arm(d)
	}
}

// Stop disconnects the watcher and cancels pending passes.
func (l *Localizer) Stop() {
	l.stopped = true
	l.obs.Disconnect()
	for _, cancel := range l.cancels {
		cancel()
	}
	l.cancels = nil
	if l.debounce != nil {
		l.debounce()
		l.debounce = nil
	}
}

// Passes returns the number of completed passes.
func (l *Localizer) Passes() int { return l.passes }

// Translated returns the number of element rewrites so far.
func (l *Localizer) Translated() int { return l.translated }

func (l *Localizer) arm(d time.Duration) {
	if l.rt == nil || l.stopped {
		return
	}
	l.cancels = append(l.cancels, l.rt.AfterFunc(d, func() {
		if !l.stopped {
			l.Pass()
		}
	}))
}

func (l *Localizer) onRecord(rec dom.Record) {
	if l.rt == nil || l.applying || l.pending || l.stopped {
		return
	}
	switch rec.Kind {
	case dom.ChildListChanged:
	case dom.AttributeChanged:
		switch rec.Name {
		case "class", "alt", "title", "aria-label":
		default:
			return
		}
	default:
		return
	}
	l.pending = true
	l.debounce = l.rt.AfterFunc(l.opts.Debounce, func() {
		l.pending = false
		l.debounce = nil
		if !l.stopped {
			l.Pass()
		}
	})
}

// Pass translates every unmarked element under the body and returns the
// elements it rewrote.
func (l *Localizer) Pass() []*html.Node {
	tr := l.tr.Load()
	if tr == nil {
		return nil
	}
	root := l.doc.Body()
	if root == nil {
		root = l.doc.Root()
	}

	l.applying = true
	var changed []*html.Node
	l.walk(tr, root, &changed)
	l.applying = false

	l.passes++
	l.translated += len(changed)
	if len(changed) > 0 {
		l.logger.Debug("localize: pass", "elements", len(changed))
	}

	first := !l.announced
	l.announced = true
	if first || len(changed) > 0 {
		a := Announcement{First: first, Elements: changed}
		for _, fn := range l.subs {
			fn(a)
		}
	}
	return changed
}

func (l *Localizer) walk(tr *Translator, n *html.Node, changed *[]*html.Node) {
	if n.Type == html.ElementNode {
		if skipTags[dom.Tag(n)] {
			return
		}
		if l.process(tr, n) {
			*changed = append(*changed, n)
		}
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			l.walk(tr, c, changed)
		}
		c = next
	}
}

// process translates the direct text children and the translatable
// attributes of el, marking it when anything changed.
func (l *Localizer) process(tr *Translator, el *html.Node) bool {
	if dom.HasAttr(el, l.opts.Marker) {
		return false
	}
	changed := false
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			continue
		}
		if out := tr.Translate(c.Data); out != c.Data {
			if err := l.doc.SetData(c, out); err == nil {
				changed = true
			}
		}
	}
	for _, name := range translatedAttrs {
		v, ok := dom.Attr(el, name)
		if !ok {
			continue
		}
		if out := tr.Translate(v); out != v {
			if err := l.doc.SetAttr(el, name, out); err == nil {
				changed = true
			}
		}
	}
	if changed {
		l.doc.SetAttr(el, l.opts.Marker, "true")
	}
	return changed
}

// Package reconcile detects drift between the live document and the
// desired-state store and applies the corrective writes.
//
// Corrections are additive: missing custom classes are added back, protected
// attributes are written back to their stored value and text-tracked
// elements get their baseline text. Classes and attributes outside the
// protected set are never removed.
package reconcile

import (
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
	"github.com/hazyhaar/domguard/guard/internal/policy"
	"github.com/hazyhaar/domguard/guard/internal/state"
)

// BadgeRemover removes vendor badges and reports how many it removed.
type BadgeRemover interface {
	Remove(doc *dom.Document) int
}

// Result summarises one pass.
type Result struct {
	Records    int
	Classes    int // classes added back
	Attributes int // attributes written back
	Text       int // text baselines written back
	Baselines  int // elements whose record changed from a fresh snapshot
	Badges     int
	Failures   int // records whose correction failed and was skipped
}

// Corrections returns the number of corrective writes.
func (r Result) Corrections() int { return r.Classes + r.Attributes + r.Text }

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.Records += o.Records
	r.Classes += o.Classes
	r.Attributes += o.Attributes
	r.Text += o.Text
	r.Baselines += o.Baselines
	r.Badges += o.Badges
	r.Failures += o.Failures
}

// Reconciler applies the correction rules. All methods run on the guard loop.
type Reconciler struct {
	doc    *dom.Document
	store  *state.Store
	policy policy.Policy
	badges BadgeRemover
	logger *slog.Logger
}

// New creates a reconciler. badges may be nil.
func New(doc *dom.Document, store *state.Store, p policy.Policy, badges BadgeRemover, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{doc: doc, store: store, policy: p, badges: badges, logger: logger}
}

// Pass handles one drained batch in arrival order, then removes badges.
// A record whose correction fails is logged and skipped.
func (r *Reconciler) Pass(records []dom.Record) Result {
	var res Result
	res.Records = len(records)
	for i := range records {
		r.isolate(&res, records[i].Kind.String(), func() error {
			return r.apply(&records[i], &res)
		})
	}
	r.removeBadges(&res)
	if res.Corrections() > 0 {
		r.logger.Debug("reconcile: corrections applied",
			"records", res.Records,
			"classes", res.Classes,
			"attributes", res.Attributes,
			"text", res.Text,
		)
	}
	return res
}

// isolate runs fn, converting both errors and panics into a counted failure.
func (r *Reconciler) isolate(res *Result, what string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			res.Failures++
			r.logger.Debug("reconcile: correction panicked", "record", what, "panic", fmt.Sprint(p))
		}
	}()
	if err := fn(); err != nil {
		res.Failures++
		r.logger.Debug("reconcile: correction failed", "record", what, "error", err)
	}
}

func (r *Reconciler) removeBadges(res *Result) {
	if r.badges == nil {
		return
	}
	r.isolate(res, "badges", func() error {
		res.Badges += r.badges.Remove(r.doc)
		return nil
	})
}

func (r *Reconciler) apply(rec *dom.Record, res *Result) error {
	switch rec.Kind {
	case dom.AttributeChanged:
		el := rec.Target
		if !dom.IsElement(el) || !r.doc.IsConnected(el) {
			return nil
		}
		switch {
		case rec.Name == "class":
			r.store.RecordClasses(el)
			return r.ensureClasses(el, res)
		case r.policy.IsProtectedAttr(rec.Name):
			if err := r.restoreAttribute(el, rec.Name, res); err != nil {
				return err
			}
			if rec.Name == r.policy.DirectiveAttr {
				r.store.RecordClasses(el)
				return r.ensureClasses(el, res)
			}
		}
	case dom.CharacterDataChanged:
		return r.restoreText(dom.ParentElement(rec.Target), res)
	case dom.ChildListChanged:
		for _, n := range rec.Added {
			if n.Type != html.ElementNode || !r.doc.IsConnected(n) {
				continue
			}
			if err := r.snapshotFresh(n, res); err != nil {
				return err
			}
		}
		// Clearing, replacing or dropping text nodes is text drift.
		if onlyText(rec.Added) && onlyText(rec.Removed) {
			return r.restoreText(rec.Target, res)
		}
	}
	return nil
}

// snapshotFresh records a new subtree as its own baseline and adds back any
// directive classes it arrived without.
func (r *Reconciler) snapshotFresh(root *html.Node, res *Result) error {
	var firstErr error
	for _, el := range dom.Elements(root) {
		changed := r.store.RecordAttributes(el)
		changed = r.store.RecordClasses(el) || changed
		changed = r.store.RecordText(el) || changed
		if changed {
			res.Baselines++
		}
		if err := r.ensureClasses(el, res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ensureClasses adds every stored class the element lacks.
func (r *Reconciler) ensureClasses(el *html.Node, res *Result) error {
	rec, ok := r.store.Get(el)
	if !ok {
		return nil
	}
	for _, c := range rec.Classes {
		if dom.HasClass(el, c) {
			continue
		}
		if err := r.doc.AddClass(el, c); err != nil {
			return fmt.Errorf("reconcile: add class %q: %w", c, err)
		}
		res.Classes++
	}
	return nil
}

// restoreAttribute writes back every stored protected attribute of el. A
// protected attribute seen for the first time becomes its own baseline.
func (r *Reconciler) restoreAttribute(el *html.Node, name string, res *Result) error {
	rec, _ := r.store.Get(el)
	if _, known := rec.Attributes[name]; !known {
		if v, ok := dom.Attr(el, name); ok {
			r.store.RecordAttribute(el, name, v)
		}
	}
	return r.restoreAttributes(el, rec, res)
}

func (r *Reconciler) restoreAttributes(el *html.Node, rec state.Record, res *Result) error {
	names := make([]string, 0, len(rec.Attributes))
	for k := range rec.Attributes {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		want := rec.Attributes[k]
		if cur, ok := dom.Attr(el, k); ok && cur == want {
			continue
		}
		if err := r.doc.SetAttr(el, k, want); err != nil {
			return fmt.Errorf("reconcile: restore %s: %w", k, err)
		}
		res.Attributes++
	}
	return nil
}

func onlyText(nodes []*html.Node) bool {
	for _, n := range nodes {
		if n.Type != html.TextNode {
			return false
		}
	}
	return true
}

// restoreText writes the baseline back when the element's text drifted.
// Eligibility comes from the stored baseline, so a div blanked by the host
// is still restored. Elements with element children are left alone:
// textContent assignment would flatten the host's markup.
func (r *Reconciler) restoreText(el *html.Node, res *Result) error {
	if !dom.IsElement(el) || !r.doc.IsConnected(el) || dom.HasAttr(el, r.policy.OptOutAttr) {
		return nil
	}
	if dom.HasElementChild(el) {
		return nil
	}
	rec, ok := r.store.Get(el)
	if !ok || !rec.HasText {
		return nil
	}
	if dom.TextContent(el) == rec.Text {
		return nil
	}
	if err := r.doc.SetText(el, rec.Text); err != nil {
		return fmt.Errorf("reconcile: restore text: %w", err)
	}
	res.Text++
	return nil
}

// SnapshotTree records protected attributes, classes and text baselines for
// every element under root.
func (r *Reconciler) SnapshotTree(root *html.Node) Result {
	var res Result
	for _, el := range dom.Elements(root) {
		changed := r.store.RecordAttributes(el)
		changed = r.store.RecordClasses(el) || changed
		changed = r.store.RecordText(el) || changed
		if changed {
			res.Baselines++
		}
	}
	return res
}

// ApplyOverrides adds back missing custom classes on every class-tracked
// element under root.
func (r *Reconciler) ApplyOverrides(root *html.Node) Result {
	var res Result
	for _, el := range dom.Elements(root) {
		if _, ok := r.store.Get(el); !ok && !r.policy.ClassTracked(el) {
			continue
		}
		r.isolate(&res, "overrides", func() error {
			r.store.RecordClasses(el)
			return r.ensureClasses(el, &res)
		})
	}
	return res
}

// RestoreAll writes back every stored attribute, class and text baseline
// under root.
func (r *Reconciler) RestoreAll(root *html.Node) Result {
	var res Result
	for _, el := range dom.Elements(root) {
		rec, ok := r.store.Get(el)
		if !ok {
			continue
		}
		r.isolate(&res, "restore", func() error {
			return r.restoreAttributes(el, rec, &res)
		})
		r.isolate(&res, "restore", func() error {
			return r.restoreText(el, &res)
		})
	}
	res.Add(r.ApplyOverrides(root))
	return res
}

// RebaselineText overwrites the text baseline of every text-tracked element
// under root with its current text.
func (r *Reconciler) RebaselineText(root *html.Node) int {
	n := 0
	for _, el := range dom.Elements(root) {
		if r.store.RecordText(el) {
			n++
		}
	}
	return n
}

// RebaselineElement overwrites the text baseline of el and of its ancestors,
// whose text content includes el's.
func (r *Reconciler) RebaselineElement(el *html.Node) int {
	n := 0
	for p := el; p != nil; p = dom.ParentElement(p) {
		if r.store.RecordText(p) {
			n++
		}
	}
	return n
}

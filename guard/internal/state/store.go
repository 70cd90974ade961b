// Package state holds the desired state of protected elements: the custom
// classes, protected attribute values and text each element should carry.
//
// Entries are keyed by weak pointers. The store never keeps an element alive;
// when a detached element is collected its entry is evicted by a runtime
// cleanup. Records are best-effort caches and reseed from the live page.
package state

import (
	"maps"
	"runtime"
	"slices"
	"sync"
	"weak"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
	"github.com/hazyhaar/domguard/guard/internal/policy"
)

// Record is a copy of the desired state of one element.
type Record struct {
	Classes    []string
	Attributes map[string]string
	Text       string
	HasText    bool
}

type entry struct {
	classes []string
	attrs   map[string]string
	text    string
	hasText bool
}

// Store maps elements to their desired state.
//
// Every method except the eviction path is called from the guard loop; the
// mutex exists because runtime cleanups run on their own goroutine.
type Store struct {
	policy policy.Policy

	mu      sync.Mutex
	entries map[weak.Pointer[html.Node]]*entry
}

// New creates an empty store.
func New(p policy.Policy) *Store {
	return &Store{
		policy:  p,
		entries: make(map[weak.Pointer[html.Node]]*entry),
	}
}

// lookup returns the entry for el, creating it when create is set.
// Caller holds s.mu.
func (s *Store) lookup(el *html.Node, create bool) *entry {
	key := weak.Make(el)
	if e, ok := s.entries[key]; ok {
		return e
	}
	if !create {
		return nil
	}
	e := &entry{}
	s.entries[key] = e
	runtime.AddCleanup(el, s.evict, key)
	return e
}

func (s *Store) evict(key weak.Pointer[html.Node]) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// RecordClasses stores the desired class set of el. A directive replaces the
// stored set; without one, the custom classes el carries are merged into it.
// It reports whether the stored set changed.
func (s *Store) RecordClasses(el *html.Node) bool {
	if !dom.IsElement(el) {
		return false
	}
	directive := s.policy.DirectiveClasses(el)
	current := s.policy.CurrentCustomClasses(el)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(el, len(directive) > 0 || len(current) > 0)
	if e == nil {
		return false
	}

	var next []string
	if len(directive) > 0 {
		next = dedupe(directive)
	} else {
		next = slices.Clone(e.classes)
		for _, c := range current {
			if !slices.Contains(next, c) {
				next = append(next, c)
			}
		}
	}
	if slices.Equal(next, e.classes) {
		return false
	}
	e.classes = next
	return true
}

// RecordAttributes merges the protected attributes el carries into its
// record. Attributes absent from el keep their stored value.
func (s *Store) RecordAttributes(el *html.Node) bool {
	if !dom.IsElement(el) {
		return false
	}
	var found []html.Attribute
	for _, a := range el.Attr {
		if a.Namespace == "" && s.policy.IsProtectedAttr(a.Key) {
			found = append(found, a)
		}
	}
	if len(found) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(el, true)
	if e.attrs == nil {
		e.attrs = make(map[string]string, len(found))
	}
	changed := false
	for _, a := range found {
		if old, ok := e.attrs[a.Key]; !ok || old != a.Val {
			e.attrs[a.Key] = a.Val
			changed = true
		}
	}
	return changed
}

// RecordAttribute stores one protected attribute value.
func (s *Store) RecordAttribute(el *html.Node, name, value string) {
	if !dom.IsElement(el) || !s.policy.IsProtectedAttr(name) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(el, true)
	if e.attrs == nil {
		e.attrs = make(map[string]string)
	}
	e.attrs[name] = value
}

// RecordText overwrites the text baseline of a text-tracked element.
func (s *Store) RecordText(el *html.Node) bool {
	if !s.policy.TextTracked(el) {
		return false
	}
	text := dom.TextContent(el)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(el, true)
	if e.hasText && e.text == text {
		return false
	}
	e.text, e.hasText = text, true
	return true
}

// Get returns a copy of the record for el.
func (s *Store) Get(el *html.Node) (Record, bool) {
	if el == nil {
		return Record{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(el, false)
	if e == nil {
		return Record{}, false
	}
	return Record{
		Classes:    slices.Clone(e.classes),
		Attributes: maps.Clone(e.attrs),
		Text:       e.text,
		HasText:    e.hasText,
	}, true
}

// Len returns the number of elements with a record.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

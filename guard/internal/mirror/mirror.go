package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
)

// Runtime runs functions on the loop that owns the document.
type Runtime interface {
	Post(fn func()) bool
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(fn func()) bool

func (f RuntimeFunc) Post(fn func()) bool { return f(fn) }

// Options tune a mirror.
type Options struct {
	WriteTimeout time.Duration // per remote write; default 5s
}

// Stats counts mirror traffic.
type Stats struct {
	Applied int64 `json:"applied"` // remote events applied locally
	Skipped int64 `json:"skipped"` // remote events already reflected locally
	Missed  int64 `json:"missed"`  // remote events for unknown nodes
	Written int64 `json:"written"` // local writes sent to the tab
	Failed  int64 `json:"failed"`  // local writes the tab rejected
}

type opKind int

const (
	opSetAttr opKind = iota
	opRemoveAttr
	opSetValue
	opSetText
	opRemove
)

func (k opKind) String() string {
	switch k {
	case opSetAttr:
		return "set_attribute"
	case opRemoveAttr:
		return "remove_attribute"
	case opSetValue:
		return "set_node_value"
	case opSetText:
		return "set_text"
	case opRemove:
		return "remove_node"
	}
	return "unknown"
}

type write struct {
	op    opKind
	id    int
	name  string
	value string
}

// Mirror binds a local document to a Remote.
type Mirror struct {
	doc    *dom.Document
	remote Remote
	opts   Options
	logger *slog.Logger

	// OnLoaded is called from the listener goroutine when the page fires
	// its load event.
	OnLoaded func()

	rt  Runtime
	obs *dom.Observer

	// Loop-owned.
	ids      *nodeMap
	applying bool

	mu    sync.Mutex
	queue []write
	wake  chan struct{}

	reset atomic.Bool
	stats struct {
		applied, skipped, missed, written, failed atomic.Int64
	}
}

// New fetches the remote document and builds the local copy.
func New(ctx context.Context, remote Remote, opts Options, logger *slog.Logger) (*Mirror, error) {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	root, err := remote.Document(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	if root == nil || root.Type != DocumentNode {
		return nil, errors.New("mirror: remote root is not a document")
	}
	m := &Mirror{
		remote: remote,
		opts:   opts,
		logger: logger,
		ids:    newNodeMap(),
		wake:   make(chan struct{}, 1),
	}
	m.doc = dom.New(m.ids.build(root))
	m.logger.Debug("mirror: document built", "nodes", m.ids.len())
	return m, nil
}

// Document returns the local copy.
func (m *Mirror) Document() *dom.Document { return m.doc }

// Attach starts forwarding local writes. Call it on rt's loop, or before
// that loop runs.
func (m *Mirror) Attach(rt Runtime) {
	m.rt = rt
	m.obs = m.doc.Observe(m.onRecord)
}

// Run applies remote events and sends local writes until ctx is done. It
// returns ErrDocumentReset when the tab replaced its document.
func (m *Mirror) Run(ctx context.Context) error {
	if m.rt == nil {
		return errors.New("mirror: not attached")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.writeLoop(ctx)
	}()

	err := m.remote.Listen(ctx, func(ev Event) { m.dispatch(ev, cancel) })
	cancel()
	wg.Wait()

	if m.reset.Load() {
		return ErrDocumentReset
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mirror: listen: %w", err)
	}
	return nil
}

// Detach stops forwarding local writes. Call it on the loop.
func (m *Mirror) Detach() {
	m.obs.Disconnect()
	m.obs = nil
}

// Stats returns the traffic counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		Applied: m.stats.applied.Load(),
		Skipped: m.stats.skipped.Load(),
		Missed:  m.stats.missed.Load(),
		Written: m.stats.written.Load(),
		Failed:  m.stats.failed.Load(),
	}
}

// dispatch runs on the listener goroutine.
func (m *Mirror) dispatch(ev Event, cancel context.CancelFunc) {
	switch ev.Kind {
	case DocumentUpdated:
		m.reset.Store(true)
		cancel()
		return
	case Loaded:
		if m.OnLoaded != nil {
			m.OnLoaded()
		}
		return
	}
	if !m.rt.Post(func() { m.apply(ev) }) {
		cancel()
	}
}

// apply mirrors one remote event into the local document. Records it
// produces are host mutations and are not written back.
func (m *Mirror) apply(ev Event) {
	m.applying = true
	defer func() { m.applying = false }()

	var err error
	switch ev.Kind {
	case AttrModified:
		n := m.lookup(ev.NodeID)
		if n == nil {
			return
		}
		if cur, ok := dom.Attr(n, ev.Name); ok && cur == ev.Value {
			m.stats.skipped.Add(1)
			return
		}
		err = m.doc.SetAttr(n, ev.Name, ev.Value)

	case AttrRemoved:
		n := m.lookup(ev.NodeID)
		if n == nil {
			return
		}
		if _, ok := dom.Attr(n, ev.Name); !ok {
			m.stats.skipped.Add(1)
			return
		}
		err = m.doc.RemoveAttr(n, ev.Name)

	case CharacterData:
		n := m.lookup(ev.NodeID)
		if n == nil {
			return
		}
		if n.Data == ev.Value {
			m.stats.skipped.Add(1)
			return
		}
		err = m.doc.SetData(n, ev.Value)

	case ChildRemoved:
		n := m.lookup(ev.NodeID)
		if n == nil {
			return
		}
		m.ids.forget(n)
		m.doc.Remove(n)

	case ChildInserted:
		err = m.insert(ev)

	case SetChildren:
		parent := m.lookup(ev.Parent)
		if parent == nil {
			return
		}
		for c := parent.FirstChild; c != nil; c = c.NextSibling {
			m.ids.forget(c)
		}
		var nodes []*html.Node
		for _, rn := range ev.Nodes {
			if c := m.ids.build(rn); c != nil {
				nodes = append(nodes, c)
			}
		}
		err = m.doc.ReplaceChildren(parent, nodes...)

	default:
		return
	}
	if err != nil {
		m.logger.Debug("mirror: apply", "kind", ev.Kind, "node", ev.NodeID, "error", err)
		return
	}
	m.stats.applied.Add(1)
}

func (m *Mirror) insert(ev Event) error {
	if ev.Node == nil {
		return nil
	}
	parent := m.lookup(ev.Parent)
	if parent == nil {
		return nil
	}
	if m.adopt(parent, ev.Node) {
		m.stats.skipped.Add(1)
		return nil
	}
	if old := m.ids.node(ev.Node.ID); old != nil {
		m.ids.forget(old)
		m.doc.Remove(old)
	}
	child := m.ids.build(ev.Node)
	if child == nil {
		return nil
	}
	var ref *html.Node
	if ev.Prev == 0 {
		ref = parent.FirstChild
	} else if prev := m.ids.node(ev.Prev); prev != nil && prev.Parent == parent {
		ref = prev.NextSibling
	}
	return m.doc.InsertBefore(parent, child, ref)
}

// adopt binds a remote text node to the unmapped local text node a local
// SetText created, instead of inserting a copy.
func (m *Mirror) adopt(parent *html.Node, rn *Node) bool {
	if rn.Type != TextNode {
		return false
	}
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode && c.Data == rn.Value && m.ids.id(c) == 0 {
			m.ids.bind(rn.ID, c)
			return true
		}
	}
	return false
}

func (m *Mirror) lookup(id int) *html.Node {
	n := m.ids.node(id)
	if n == nil {
		m.stats.missed.Add(1)
	}
	return n
}

// onRecord turns a local write into a remote one. It runs on the loop.
func (m *Mirror) onRecord(rec dom.Record) {
	if m.applying {
		return
	}
	switch rec.Kind {
	case dom.AttributeChanged:
		id := m.ids.id(rec.Target)
		if id == 0 {
			return
		}
		if v, ok := dom.Attr(rec.Target, rec.Name); ok {
			m.send(write{op: opSetAttr, id: id, name: rec.Name, value: v})
		} else {
			m.send(write{op: opRemoveAttr, id: id, name: rec.Name})
		}

	case dom.CharacterDataChanged:
		if id := m.ids.id(rec.Target); id != 0 {
			m.send(write{op: opSetValue, id: id, value: rec.Target.Data})
		}

	case dom.ChildListChanged:
		id := m.ids.id(rec.Target)
		if id != 0 && isTextReplace(rec) {
			for _, r := range rec.Removed {
				m.ids.forget(r)
			}
			m.send(write{op: opSetText, id: id, value: rec.Added[0].Data})
			return
		}
		for _, r := range rec.Removed {
			rid := m.ids.id(r)
			m.ids.forget(r)
			if rid != 0 {
				m.send(write{op: opRemove, id: rid})
			}
		}
		if len(rec.Added) > 0 {
			m.logger.Debug("mirror: local insertion not mirrored", "parent", dom.Tag(rec.Target), "nodes", len(rec.Added))
		}
	}
}

// isTextReplace reports whether rec is a textContent assignment: the
// target's children were replaced by one text node.
func isTextReplace(rec dom.Record) bool {
	if len(rec.Added) != 1 {
		return false
	}
	t := rec.Added[0]
	return t.Type == html.TextNode && t.Parent == rec.Target &&
		rec.Target.FirstChild == t && rec.Target.LastChild == t
}

func (m *Mirror) send(w write) {
	m.mu.Lock()
	m.queue = append(m.queue, w)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, w := range batch {
			if ctx.Err() != nil {
				return
			}
			m.do(ctx, w)
		}
	}
}

func (m *Mirror) do(ctx context.Context, w write) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()

	var err error
	switch w.op {
	case opSetAttr:
		err = m.remote.SetAttribute(ctx, w.id, w.name, w.value)
	case opRemoveAttr:
		err = m.remote.RemoveAttribute(ctx, w.id, w.name)
	case opSetValue:
		err = m.remote.SetNodeValue(ctx, w.id, w.value)
	case opSetText:
		err = m.remote.SetText(ctx, w.id, w.value)
	case opRemove:
		err = m.remote.RemoveNode(ctx, w.id)
	}
	if err != nil {
		m.stats.failed.Add(1)
		m.logger.Debug("mirror: write failed", "op", w.op, "node", w.id, "error", err)
		return
	}
	m.stats.written.Add(1)
}

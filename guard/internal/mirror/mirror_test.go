package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
)

type fakeRemote struct {
	root   *Node
	events chan Event
	acks   chan struct{}
	writes chan string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		root: &Node{ID: 1, Type: DocumentNode, Name: "#document", Children: []*Node{
			{ID: 2, Type: ElementNode, Name: "HTML", Children: []*Node{
				{ID: 3, Type: ElementNode, Name: "HEAD"},
				{ID: 4, Type: ElementNode, Name: "BODY", Children: []*Node{
					{ID: 5, Type: ElementNode, Name: "P", Attrs: []string{"class", "a"}, Children: []*Node{
						{ID: 6, Type: TextNode, Name: "#text", Value: "hello"},
					}},
					{ID: 7, Type: ElementNode, Name: "DIV", Attrs: []string{"id", "badge"}},
				}},
			}},
		}},
		events: make(chan Event),
		acks:   make(chan struct{}),
		writes: make(chan string, 64),
	}
}

func (f *fakeRemote) Document(context.Context) (*Node, error) { return f.root, nil }

func (f *fakeRemote) Listen(ctx context.Context, fn func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.events:
			fn(ev)
			f.acks <- struct{}{}
		}
	}
}

func (f *fakeRemote) SetAttribute(_ context.Context, id int, name, value string) error {
	f.writes <- fmt.Sprintf("attr %d %s=%s", id, name, value)
	return nil
}

func (f *fakeRemote) RemoveAttribute(_ context.Context, id int, name string) error {
	f.writes <- fmt.Sprintf("rmattr %d %s", id, name)
	return nil
}

func (f *fakeRemote) SetNodeValue(_ context.Context, id int, value string) error {
	f.writes <- fmt.Sprintf("value %d %s", id, value)
	return nil
}

func (f *fakeRemote) SetText(_ context.Context, id int, text string) error {
	f.writes <- fmt.Sprintf("text %d %s", id, text)
	return nil
}

func (f *fakeRemote) RemoveNode(_ context.Context, id int) error {
	f.writes <- fmt.Sprintf("remove %d", id)
	return nil
}

// syncRuntime runs posted functions inline under a lock the test shares.
type syncRuntime struct{ mu sync.Mutex }

func (r *syncRuntime) Post(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	return true
}

type harness struct {
	t      *testing.T
	remote *fakeRemote
	rt     *syncRuntime
	m      *Mirror
	errc   chan error
	cancel context.CancelFunc
}

func start(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, remote: newFakeRemote(), rt: &syncRuntime{}, errc: make(chan error, 1)}
	m, err := New(context.Background(), h.remote, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.m = m
	m.Attach(h.rt)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errc:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return")
		}
	})
	return h
}

func (h *harness) emit(ev Event) {
	h.t.Helper()
	select {
	case h.remote.events <- ev:
	case <-time.After(2 * time.Second):
		h.t.Fatal("event not consumed")
	}
	<-h.remote.acks
}

func (h *harness) do(fn func(doc *dom.Document)) {
	h.rt.Post(func() { fn(h.m.Document()) })
}

func (h *harness) expectWrite(want string) {
	h.t.Helper()
	select {
	case got := <-h.remote.writes:
		if got != want {
			h.t.Errorf("write: got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		h.t.Fatalf("write %q not sent", want)
	}
}

func (h *harness) expectNoWrite() {
	h.t.Helper()
	select {
	case got := <-h.remote.writes:
		h.t.Errorf("unexpected write %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) render() string {
	var s string
	h.do(func(doc *dom.Document) { s = doc.String() })
	return s
}

func TestNew_BuildsDocument(t *testing.T) {
	m, err := New(context.Background(), newFakeRemote(), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := m.Document().String()
	want := `<html><head></head><body><p class="a">hello</p><div id="badge"></div></body></html>`
	if got != want {
		t.Errorf("got %s\nwant %s", got, want)
	}
	if p := dom.ElementByID(m.Document().Root(), "badge"); p == nil || p.DataAtom == 0 {
		t.Error("element atoms not set")
	}
}

func TestNew_RejectsNonDocument(t *testing.T) {
	r := newFakeRemote()
	r.root = r.root.Children[0]
	if _, err := New(context.Background(), r, Options{}, nil); err == nil {
		t.Fatal("want error")
	}
}

func TestApply_RemoteEventsAreNotEchoed(t *testing.T) {
	h := start(t)

	h.emit(Event{Kind: AttrModified, NodeID: 5, Name: "class", Value: "a host"})
	h.emit(Event{Kind: CharacterData, NodeID: 6, Value: "hi"})
	h.emit(Event{Kind: AttrRemoved, NodeID: 7, Name: "id"})
	h.emit(Event{Kind: ChildInserted, Parent: 4, Prev: 5, Node: &Node{
		ID: 8, Type: ElementNode, Name: "SPAN", Children: []*Node{{ID: 9, Type: TextNode, Value: "new"}},
	}})

	want := `<html><head></head><body><p class="a host">hi</p><span>new</span><div></div></body></html>`
	if got := h.render(); got != want {
		t.Errorf("got %s\nwant %s", got, want)
	}

	h.emit(Event{Kind: ChildRemoved, Parent: 4, NodeID: 8})
	if got := h.render(); strings.Contains(got, "span") {
		t.Errorf("span not removed: %s", got)
	}
	h.expectNoWrite()

	st := h.m.Stats()
	if st.Applied != 5 || st.Written != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestApply_SkipsReflectedAndUnknown(t *testing.T) {
	h := start(t)
	h.emit(Event{Kind: AttrModified, NodeID: 5, Name: "class", Value: "a"})
	h.emit(Event{Kind: CharacterData, NodeID: 6, Value: "hello"})
	h.emit(Event{Kind: AttrModified, NodeID: 99, Name: "class", Value: "x"})

	st := h.m.Stats()
	if st.Skipped != 2 || st.Missed != 1 || st.Applied != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestLocalWritesAreForwarded(t *testing.T) {
	h := start(t)

	h.do(func(doc *dom.Document) {
		p := doc.Body().FirstChild
		if err := doc.SetAttr(p, "class", "b"); err != nil {
			t.Error(err)
		}
	})
	h.expectWrite("attr 5 class=b")

	h.do(func(doc *dom.Document) {
		p := doc.Body().FirstChild
		if err := doc.RemoveAttr(p, "class"); err != nil {
			t.Error(err)
		}
	})
	h.expectWrite("rmattr 5 class")

	h.do(func(doc *dom.Document) {
		if err := doc.SetData(doc.Body().FirstChild.FirstChild, "bye"); err != nil {
			t.Error(err)
		}
	})
	h.expectWrite("value 6 bye")

	h.do(func(doc *dom.Document) {
		doc.Remove(dom.ElementByID(doc.Root(), "badge"))
	})
	h.expectWrite("remove 7")

	// Host-created nodes have no remote id.
	h.do(func(doc *dom.Document) {
		el := dom.CreateElement("em")
		if err := doc.AppendChild(doc.Body(), el); err != nil {
			t.Error(err)
		}
		if err := doc.SetAttr(el, "class", "x"); err != nil {
			t.Error(err)
		}
	})
	h.expectNoWrite()
}

func TestSetText_AdoptsRemoteTextNode(t *testing.T) {
	h := start(t)

	h.do(func(doc *dom.Document) {
		if err := doc.SetText(doc.Body().FirstChild, "hola"); err != nil {
			t.Error(err)
		}
	})
	h.expectWrite("text 5 hola")

	// The tab replays the assignment as remove + insert.
	h.emit(Event{Kind: ChildRemoved, Parent: 5, NodeID: 6})
	h.emit(Event{Kind: ChildInserted, Parent: 5, Node: &Node{ID: 20, Type: TextNode, Value: "hola"}})

	var texts int
	h.do(func(doc *dom.Document) {
		for c := doc.Body().FirstChild.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				texts++
			}
		}
	})
	if texts != 1 {
		t.Fatalf("p has %d text nodes, want 1", texts)
	}

	// The adopted node is addressable.
	h.emit(Event{Kind: CharacterData, NodeID: 20, Value: "hello again"})
	if got := h.render(); !strings.Contains(got, "<p class=\"a\">hello again</p>") {
		t.Errorf("got %s", got)
	}
	h.expectNoWrite()
}

func TestSetChildren(t *testing.T) {
	h := start(t)
	h.emit(Event{Kind: SetChildren, Parent: 7, Nodes: []*Node{
		{ID: 30, Type: ElementNode, Name: "A", Attrs: []string{"href", "https://framer.com"}},
	}})
	if got := h.render(); !strings.Contains(got, `<div id="badge"><a href="https://framer.com"></a></div>`) {
		t.Errorf("got %s", got)
	}
	h.do(func(doc *dom.Document) {
		doc.Remove(dom.ElementByID(doc.Root(), "badge").FirstChild)
	})
	h.expectWrite("remove 30")
}

func TestRun_DocumentReset(t *testing.T) {
	r := newFakeRemote()
	m, err := New(context.Background(), r, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.Attach(&syncRuntime{})

	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()
	r.events <- Event{Kind: DocumentUpdated}
	<-r.acks

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDocumentReset) {
			t.Errorf("got %v, want ErrDocumentReset", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_Loaded(t *testing.T) {
	h := start(t)
	loaded := make(chan struct{}, 1)
	h.m.OnLoaded = func() { loaded <- struct{}{} }
	h.emit(Event{Kind: Loaded})
	select {
	case <-loaded:
	default:
		t.Error("OnLoaded not called")
	}
}

func TestRun_NotAttached(t *testing.T) {
	m, err := New(context.Background(), newFakeRemote(), Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("want error")
	}
}

package localize

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
)

const page = `<html><body>` +
	`<nav><a id="h" title="Home">Home</a></nav>` +
	`<p id="p">Read more</p>` +
	`<script>var Home = 1;</script>` +
	`<svg><text id="svgtext">Home</text></svg>` +
	`<img id="i" alt="Our team">` +
	`</body></html>`

type fakeRuntime struct {
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	at   time.Duration
	fn   func()
	dead bool
}

func (f *fakeRuntime) AfterFunc(d time.Duration, fn func()) func() bool {
	t := &fakeTimer{at: f.now + d, fn: fn}
	f.timers = append(f.timers, t)
	return func() bool {
		if t.dead {
			return false
		}
		t.dead = true
		return true
	}
}

func (f *fakeRuntime) Post(fn func()) bool { fn(); return true }

func (f *fakeRuntime) advance(d time.Duration) {
	end := f.now + d
	for {
		var next *fakeTimer
		for _, t := range f.timers {
			if !t.dead && t.at <= end && (next == nil || t.at < next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		f.now = next.at
		next.dead = true
		next.fn()
	}
	f.now = end
}

func setup(t *testing.T, rt Runtime) (*dom.Document, *Localizer) {
	t.Helper()
	doc, err := dom.ParseString(page)
	if err != nil {
		t.Fatal(err)
	}
	return doc, New(doc, defaultTranslator(t), rt, Options{}, nil)
}

func byID(doc *dom.Document, id string) *html.Node { return dom.ElementByID(doc.Root(), id) }

func TestPass_TranslatesAndMarks(t *testing.T) {
	doc, l := setup(t, nil)

	changed := l.Pass()
	if len(changed) != 3 {
		t.Fatalf("changed: got %d elements, want 3", len(changed))
	}
	a, p, img := byID(doc, "h"), byID(doc, "p"), byID(doc, "i")
	if dom.TextContent(a) != "Inicio" || dom.TextContent(p) != "Leer más" {
		t.Errorf("text: %q %q", dom.TextContent(a), dom.TextContent(p))
	}
	if v, _ := dom.Attr(a, "title"); v != "Inicio" {
		t.Errorf("title: %q", v)
	}
	if v, _ := dom.Attr(img, "alt"); v != "Nuestro equipo" {
		t.Errorf("alt: %q", v)
	}
	for _, n := range []*html.Node{a, p, img} {
		if v, _ := dom.Attr(n, DefaultMarker); v != "true" {
			t.Errorf("%s not marked", dom.Tag(n))
		}
	}
	if got := dom.TextContent(byID(doc, "svgtext")); got != "Home" {
		t.Errorf("svg subtree translated: %q", got)
	}
}

func TestPass_IdempotentUntilNodeReplaced(t *testing.T) {
	doc, l := setup(t, nil)
	l.Pass()

	var records int
	doc.Observe(func(dom.Record) { records++ })
	if changed := l.Pass(); len(changed) != 0 || records != 0 {
		t.Fatalf("second pass: changed=%d records=%d", len(changed), records)
	}

	// Host re-renders the paragraph with a fresh, unmarked node.
	old := byID(doc, "p")
	fresh := dom.CreateElement("p", html.Attribute{Key: "id", Val: "p2"})
	fresh.AppendChild(dom.CreateText("Read more"))
	doc.InsertBefore(old.Parent, fresh, old)
	doc.Remove(old)

	changed := l.Pass()
	if len(changed) != 1 || changed[0] != fresh || dom.TextContent(fresh) != "Leer más" {
		t.Errorf("fresh node: changed=%v text=%q", changed, dom.TextContent(fresh))
	}
}

func TestAnnouncements(t *testing.T) {
	rt := &fakeRuntime{}
	doc, l := setup(t, rt)
	var got []Announcement
	l.Subscribe(func(a Announcement) { got = append(got, a) })

	l.Start()
	if len(got) != 1 || !got[0].First || len(got[0].Elements) != 3 {
		t.Fatalf("first announcement: %+v", got)
	}

	// Retry passes find nothing new and stay silent.
	rt.advance(4 * time.Second)
	if len(got) != 1 {
		t.Fatalf("retries announced: %+v", got)
	}

	span := dom.CreateElement("span")
	span.AppendChild(dom.CreateText("Contact"))
	doc.AppendChild(doc.Body(), span)
	if !l.pending {
		t.Fatal("child-list change should schedule a pass")
	}
	rt.advance(50 * time.Millisecond)

	if len(got) != 2 || got[1].First || len(got[1].Elements) != 1 || got[1].Elements[0] != span {
		t.Fatalf("second announcement: %+v", got)
	}
	if l.pending || l.debounce != nil {
		t.Error("the pass's own writes scheduled another pass")
	}

	l.Stop()
	doc.AppendChild(doc.Body(), dom.CreateElement("div"))
	if l.pending {
		t.Error("stopped localizer still watching")
	}
}

func TestWatch_ReloadsDictionary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dict.yaml")
	if err := os.WriteFile(path, []byte("words:\n  - {from: hello, to: hola}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := LoadDictionary(path)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := NewTranslator(d)
	if err != nil {
		t.Fatal(err)
	}
	l := New(dom.New(nil), tr, nil, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx, path) }()

	deadline := time.Now().Add(5 * time.Second)
	for l.tr.Load().Translate("hello") != "saludos" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("dictionary was not reloaded")
		}
		// Longer than the settle delay so each write gets a chance to land.
		if err := os.WriteFile(path, []byte("words:\n  - {from: hello, to: saludos}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

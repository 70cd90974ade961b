package state

import (
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
	"github.com/hazyhaar/domguard/guard/internal/policy"
)

func node(tag string, attrs ...string) *html.Node {
	var as []html.Attribute
	for i := 0; i+1 < len(attrs); i += 2 {
		as = append(as, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return dom.CreateElement(tag, as...)
}

func TestRecordClasses_IdempotentAndMerging(t *testing.T) {
	s := New(policy.Default())
	n := node("div", "class", "framer-x custom-a custom-b")

	if !s.RecordClasses(n) {
		t.Fatal("first record should change the store")
	}
	if s.RecordClasses(n) {
		t.Error("second record with unchanged DOM should be a no-op")
	}

	// Host strips the custom classes: the stored set survives.
	d := dom.New(nil)
	d.SetAttr(n, "class", "framer-x")
	s.RecordClasses(n)
	rec, _ := s.Get(n)
	if diff := cmp.Diff([]string{"custom-a", "custom-b"}, rec.Classes); diff != "" {
		t.Errorf("classes after strip (-want +got):\n%s", diff)
	}
}

func TestRecordClasses_DirectiveReplaces(t *testing.T) {
	s := New(policy.Default())
	n := node("div", "class", "custom-a")
	s.RecordClasses(n)

	d := dom.New(nil)
	d.SetAttr(n, "data-custom-classes", "custom-x custom-x custom-y")
	s.RecordClasses(n)
	rec, _ := s.Get(n)
	if diff := cmp.Diff([]string{"custom-x", "custom-y"}, rec.Classes); diff != "" {
		t.Errorf("classes (-want +got):\n%s", diff)
	}
}

func TestRecordClasses_UntrackedCreatesNothing(t *testing.T) {
	s := New(policy.Default())
	s.RecordClasses(node("div", "class", "framer-x"))
	s.RecordAttributes(node("div", "data-framer-name", "x"))
	s.RecordText(node("section"))
	if s.Len() != 0 {
		t.Errorf("Len: got %d, want 0", s.Len())
	}
}

func TestRecordAttributes_Merges(t *testing.T) {
	s := New(policy.Default())
	n := node("div", "data-locked", "1", "data-custom-tone", "dark", "title", "x")
	s.RecordAttributes(n)

	d := dom.New(nil)
	d.RemoveAttr(n, "data-locked")
	d.SetAttr(n, "data-protect-size", "xl")
	s.RecordAttributes(n)

	rec, ok := s.Get(n)
	if !ok {
		t.Fatal("record missing")
	}
	want := map[string]string{"data-locked": "1", "data-custom-tone": "dark", "data-protect-size": "xl"}
	if diff := cmp.Diff(want, rec.Attributes); diff != "" {
		t.Errorf("attributes (-want +got):\n%s", diff)
	}
}

func TestRecordText_Overwrites(t *testing.T) {
	s := New(policy.Default())
	p := node("p")
	p.AppendChild(dom.CreateText("Hello"))
	s.RecordText(p)

	p.FirstChild.Data = "Hola"
	if !s.RecordText(p) {
		t.Error("changed text should overwrite the baseline")
	}
	rec, _ := s.Get(p)
	if !rec.HasText || rec.Text != "Hola" {
		t.Errorf("text: got %q (has=%v)", rec.Text, rec.HasText)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New(policy.Default())
	n := node("div", "class", "custom-a", "data-locked", "1")
	s.RecordClasses(n)
	s.RecordAttributes(n)

	rec, _ := s.Get(n)
	rec.Classes[0] = "mutated"
	rec.Attributes["data-locked"] = "mutated"

	again, _ := s.Get(n)
	if again.Classes[0] != "custom-a" || again.Attributes["data-locked"] != "1" {
		t.Errorf("store leaked internal state: %+v", again)
	}
}

func TestStore_DoesNotRetainDetachedElements(t *testing.T) {
	s := New(policy.Default())
	func() {
		for range 32 {
			s.RecordAttributes(node("div", "data-locked", "1"))
		}
	}()
	if s.Len() != 32 {
		t.Fatalf("Len: got %d, want 32", s.Len())
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Len() > 0 && time.Now().Before(deadline) {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	if s.Len() != 0 {
		t.Errorf("entries should be evicted after collection, %d left", s.Len())
	}
}

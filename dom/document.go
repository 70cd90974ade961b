package dom

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

var (
	ErrNotElement   = errors.New("dom: not an element")
	ErrNotText      = errors.New("dom: not a character data node")
	ErrInvalidName  = errors.New("dom: invalid attribute name")
	ErrInvalidToken = errors.New("dom: invalid class token")
	ErrHierarchy    = errors.New("dom: hierarchy request")
)

// Document is an observable tree rooted at an html.DocumentNode.
type Document struct {
	root      *html.Node
	observers []*Observer
}

// New wraps an existing tree. A nil root yields an empty document.
func New(root *html.Node) *Document {
	if root == nil {
		root = &html.Node{Type: html.DocumentNode}
	}
	return &Document{root: root}
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// Body returns the body element, or the document element when the tree has
// no body, or nil for an empty document.
func (d *Document) Body() *html.Node {
	var docEl *html.Node
	for n := range d.root.Descendants() {
		if n.Type != html.ElementNode {
			continue
		}
		if docEl == nil {
			docEl = n
		}
		if n.Data == "body" {
			return n
		}
	}
	return docEl
}

// Observe connects fn to every subsequent change of the document.
func (d *Document) Observe(fn func(Record)) *Observer {
	o := &Observer{doc: d, fn: fn, connected: true}
	d.observers = append(d.observers, o)
	return o
}

func (d *Document) dropObserver(o *Observer) {
	d.observers = slices.DeleteFunc(d.observers, func(x *Observer) bool { return x == o })
}

func (d *Document) notify(rec Record) {
	// Observers may disconnect from inside a callback.
	for _, o := range slices.Clone(d.observers) {
		if o.connected {
			o.fn(rec)
		}
	}
}

// IsConnected reports whether n is attached to this document.
func (d *Document) IsConnected(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// SetAttr sets an attribute on an element. A record is emitted even when the
// value does not change, matching browser semantics.
func (d *Document) SetAttr(n *html.Node, name, value string) error {
	if !IsElement(n) {
		return ErrNotElement
	}
	name = strings.ToLower(name)
	if !validAttrName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	rec := Record{Kind: AttributeChanged, Target: n, Name: name}
	idx := attrIndex(n, name)
	if idx >= 0 {
		rec.OldValue = n.Attr[idx].Val
		n.Attr[idx].Val = value
	} else {
		n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
	}
	d.notify(rec)
	return nil
}

// RemoveAttr removes an attribute. Removing an absent attribute is a no-op.
func (d *Document) RemoveAttr(n *html.Node, name string) error {
	if !IsElement(n) {
		return ErrNotElement
	}
	name = strings.ToLower(name)
	idx := attrIndex(n, name)
	if idx < 0 {
		return nil
	}
	old := n.Attr[idx].Val
	n.Attr = slices.Delete(n.Attr, idx, idx+1)
	d.notify(Record{Kind: AttributeChanged, Target: n, Name: name, OldValue: old})
	return nil
}

// AddClass appends token to the class list unless already present.
func (d *Document) AddClass(n *html.Node, token string) error {
	if !IsElement(n) {
		return ErrNotElement
	}
	if token == "" || strings.ContainsFunc(token, unicode.IsSpace) {
		return fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	if HasClass(n, token) {
		return nil
	}
	classes := append(Classes(n), token)
	return d.SetAttr(n, "class", strings.Join(classes, " "))
}

// SetText replaces all children of n with a single text node holding text
// (textContent assignment). An empty text leaves n without children.
func (d *Document) SetText(n *html.Node, text string) error {
	if !IsElement(n) {
		return ErrNotElement
	}
	var added []*html.Node
	if text != "" {
		added = []*html.Node{{Type: html.TextNode, Data: text}}
	}
	d.replaceChildren(n, added)
	return nil
}

// SetData replaces the data of a text or comment node.
func (d *Document) SetData(n *html.Node, data string) error {
	if n == nil || (n.Type != html.TextNode && n.Type != html.CommentNode) {
		return ErrNotText
	}
	old := n.Data
	n.Data = data
	d.notify(Record{Kind: CharacterDataChanged, Target: n, OldValue: old})
	return nil
}

// AppendChild inserts child as the last child of parent.
func (d *Document) AppendChild(parent, child *html.Node) error {
	return d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts child into parent before ref, or last when ref is
// nil. A child that already has a parent is moved.
func (d *Document) InsertBefore(parent, child, ref *html.Node) error {
	if parent == nil || child == nil {
		return ErrHierarchy
	}
	if parent.Type != html.ElementNode && parent.Type != html.DocumentNode {
		return fmt.Errorf("%w: parent cannot have children", ErrHierarchy)
	}
	for p := parent; p != nil; p = p.Parent {
		if p == child {
			return fmt.Errorf("%w: child is an ancestor of parent", ErrHierarchy)
		}
	}
	if ref != nil && ref.Parent != parent {
		return fmt.Errorf("%w: reference is not a child of parent", ErrHierarchy)
	}
	if ref == child {
		ref = child.NextSibling
	}
	if child.Parent != nil {
		d.Remove(child)
	}
	parent.InsertBefore(child, ref)
	d.notify(Record{Kind: ChildListChanged, Target: parent, Added: []*html.Node{child}})
	return nil
}

// ReplaceChildren removes every child of parent and appends nodes.
func (d *Document) ReplaceChildren(parent *html.Node, nodes ...*html.Node) error {
	if parent == nil || (parent.Type != html.ElementNode && parent.Type != html.DocumentNode) {
		return ErrHierarchy
	}
	for _, c := range nodes {
		if c.Parent != nil {
			d.Remove(c)
		}
	}
	d.replaceChildren(parent, nodes)
	return nil
}

func (d *Document) replaceChildren(parent *html.Node, added []*html.Node) {
	var removed []*html.Node
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		parent.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, c := range added {
		parent.AppendChild(c)
	}
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	d.notify(Record{Kind: ChildListChanged, Target: parent, Added: added, Removed: removed})
}

// Remove detaches n from its parent. It reports false when n was already
// detached, which is not an error.
func (d *Document) Remove(n *html.Node) bool {
	if n == nil || n.Parent == nil {
		return false
	}
	parent := n.Parent
	parent.RemoveChild(n)
	d.notify(Record{Kind: ChildListChanged, Target: parent, Removed: []*html.Node{n}})
	return true
}

func attrIndex(n *html.Node, name string) int {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return i
		}
	}
	return -1
}

func validAttrName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
		switch r {
		case '"', '\'', '<', '>', '/', '=':
			return false
		}
	}
	return true
}

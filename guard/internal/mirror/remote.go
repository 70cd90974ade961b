// Package mirror keeps a dom.Document in step with a live browser tab.
//
// DOM events from the tab are applied to the local document as host
// mutations, on the guard loop. Writes made locally by the guard are sent
// back to the tab by a single writer goroutine. Writes that came from the
// tab are never echoed back.
package mirror

import (
	"context"
	"errors"
)

// Node types as reported by CDP.
const (
	ElementNode  = 1
	TextNode     = 3
	CommentNode  = 8
	DocumentNode = 9
	DoctypeNode  = 10
)

// Node is one remote DOM node.
type Node struct {
	ID       int
	Type     int
	Name     string // node name; tag for elements
	Value    string // text and comment data
	Attrs    []string
	Children []*Node
}

// EventKind is the type of a remote DOM event.
type EventKind int

const (
	ChildInserted   EventKind = iota + 1 // Node inserted under Parent after Prev (0: first)
	ChildRemoved                         // NodeID removed from Parent
	AttrModified                         // Name set to Value on NodeID
	AttrRemoved                          // Name removed from NodeID
	CharacterData                        // NodeID data set to Value
	SetChildren                          // Parent's children are Nodes
	DocumentUpdated                      // every node id is void
	Loaded                               // the page fired its load event
)

// Event is one remote DOM event.
type Event struct {
	Kind   EventKind
	Parent int
	Prev   int
	NodeID int
	Name   string
	Value  string
	Node   *Node
	Nodes  []*Node
}

// ErrDocumentReset is returned by Run when the tab replaced its document.
// The mirror is unusable afterwards; build a new one.
var ErrDocumentReset = errors.New("mirror: document reset")

// Remote is the tab side of a mirror.
type Remote interface {
	// Document returns the whole tree, shadow roots and frames excluded.
	Document(ctx context.Context) (*Node, error)
	// Listen delivers events to fn until ctx is done.
	Listen(ctx context.Context, fn func(Event)) error

	SetAttribute(ctx context.Context, id int, name, value string) error
	RemoveAttribute(ctx context.Context, id int, name string) error
	SetNodeValue(ctx context.Context, id int, value string) error
	SetText(ctx context.Context, id int, text string) error
	RemoveNode(ctx context.Context, id int) error
}

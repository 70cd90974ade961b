// Package dom is a live, observable HTML document built on golang.org/x/net/html.
//
// It is the shared contract between the host side (whatever re-renders the
// page: a test, a CDP mirror of a real tab) and the guard. Every write goes
// through a Document method so connected observers see one Record per change,
// in call order.
//
// A Document is not safe for concurrent use. Like a browser DOM it belongs to
// a single thread of execution; callers serialise access (the guard does this
// with its event loop).
package dom

import "golang.org/x/net/html"

// Kind is the type of change a Record describes.
type Kind int

const (
	AttributeChanged     Kind = iota + 1 // attribute set or removed on Target
	ChildListChanged                     // children added to or removed from Target
	CharacterDataChanged                 // text node Target had its data replaced
)

func (k Kind) String() string {
	switch k {
	case AttributeChanged:
		return "attributes"
	case ChildListChanged:
		return "childList"
	case CharacterDataChanged:
		return "characterData"
	default:
		return "unknown"
	}
}

// Record is a single observed change. Records are delivered once to each
// connected observer and never replayed.
type Record struct {
	Kind   Kind
	Target *html.Node

	// Name is the attribute name for AttributeChanged.
	Name string
	// OldValue is the previous attribute value or text data, if any.
	OldValue string

	// Added and Removed are set for ChildListChanged.
	Added   []*html.Node
	Removed []*html.Node
}

// Observer receives records from a Document until disconnected.
type Observer struct {
	doc       *Document
	fn        func(Record)
	connected bool
}

// Disconnect stops delivery. Safe to call more than once.
func (o *Observer) Disconnect() {
	if o == nil || !o.connected {
		return
	}
	o.connected = false
	o.doc.dropObserver(o)
}

// Connected reports whether the observer still receives records.
func (o *Observer) Connected() bool {
	return o != nil && o.connected
}

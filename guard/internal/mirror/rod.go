package mirror

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Tab is a Remote backed by a rod page over CDP.
type Tab struct {
	page *rod.Page
}

// NewTab wraps page.
func NewTab(page *rod.Page) *Tab { return &Tab{page: page} }

// Document fetches the full tree. Depth -1 is required: CDP only reports
// mutations on nodes the client has been sent.
func (t *Tab) Document(ctx context.Context) (*Node, error) {
	depth := -1
	res, err := proto.DOMGetDocument{Depth: &depth}.Call(t.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("DOM.getDocument: %w", err)
	}
	return fromProto(res.Root), nil
}

func (t *Tab) Listen(ctx context.Context, fn func(Event)) error {
	p := t.page.Context(ctx)
	if err := (proto.DOMEnable{}).Call(p); err != nil {
		return fmt.Errorf("DOM.enable: %w", err)
	}
	if err := (proto.PageEnable{}).Call(p); err != nil {
		return fmt.Errorf("Page.enable: %w", err)
	}

	wait := p.EachEvent(
		func(e *proto.DOMChildNodeInserted) {
			fn(Event{Kind: ChildInserted, Parent: int(e.ParentNodeID), Prev: int(e.PreviousNodeID), Node: fromProto(e.Node)})
		},
		func(e *proto.DOMChildNodeRemoved) {
			fn(Event{Kind: ChildRemoved, Parent: int(e.ParentNodeID), NodeID: int(e.NodeID)})
		},
		func(e *proto.DOMAttributeModified) {
			fn(Event{Kind: AttrModified, NodeID: int(e.NodeID), Name: e.Name, Value: e.Value})
		},
		func(e *proto.DOMAttributeRemoved) {
			fn(Event{Kind: AttrRemoved, NodeID: int(e.NodeID), Name: e.Name})
		},
		func(e *proto.DOMCharacterDataModified) {
			fn(Event{Kind: CharacterData, NodeID: int(e.NodeID), Value: e.CharacterData})
		},
		func(e *proto.DOMSetChildNodes) {
			nodes := make([]*Node, 0, len(e.Nodes))
			for _, n := range e.Nodes {
				nodes = append(nodes, fromProto(n))
			}
			fn(Event{Kind: SetChildren, Parent: int(e.ParentID), Nodes: nodes})
		},
		func(e *proto.DOMDocumentUpdated) {
			fn(Event{Kind: DocumentUpdated})
		},
		func(e *proto.PageLoadEventFired) {
			fn(Event{Kind: Loaded})
		},
	)
	wait()
	return ctx.Err()
}

func (t *Tab) SetAttribute(ctx context.Context, id int, name, value string) error {
	return proto.DOMSetAttributeValue{NodeID: proto.DOMNodeID(id), Name: name, Value: value}.Call(t.page.Context(ctx))
}

func (t *Tab) RemoveAttribute(ctx context.Context, id int, name string) error {
	return proto.DOMRemoveAttribute{NodeID: proto.DOMNodeID(id), Name: name}.Call(t.page.Context(ctx))
}

func (t *Tab) SetNodeValue(ctx context.Context, id int, value string) error {
	return proto.DOMSetNodeValue{NodeID: proto.DOMNodeID(id), Value: value}.Call(t.page.Context(ctx))
}

func (t *Tab) RemoveNode(ctx context.Context, id int) error {
	return proto.DOMRemoveNode{NodeID: proto.DOMNodeID(id)}.Call(t.page.Context(ctx))
}

// SetText assigns textContent on the element, the same write the local
// document models.
func (t *Tab) SetText(ctx context.Context, id int, text string) error {
	p := t.page.Context(ctx)
	res, err := proto.DOMResolveNode{NodeID: proto.DOMNodeID(id)}.Call(p)
	if err != nil {
		return fmt.Errorf("DOM.resolveNode: %w", err)
	}
	el, err := p.ElementFromObject(res.Object)
	if err != nil {
		return err
	}
	defer el.Release()
	_, err = el.Evaluate(rod.Eval(`function (t) { this.textContent = t }`, text))
	return err
}

func fromProto(n *proto.DOMNode) *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		ID:    int(n.NodeID),
		Type:  n.NodeType,
		Name:  n.NodeName,
		Value: n.NodeValue,
		Attrs: n.Attributes,
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, fromProto(c))
	}
	return out
}

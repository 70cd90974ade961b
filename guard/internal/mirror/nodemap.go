package mirror

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// nodeMap is the bidirectional map between remote node ids and local
// nodes. It belongs to the guard loop.
type nodeMap struct {
	byID   map[int]*html.Node
	byNode map[*html.Node]int
}

func newNodeMap() *nodeMap {
	return &nodeMap{
		byID:   make(map[int]*html.Node),
		byNode: make(map[*html.Node]int),
	}
}

func (m *nodeMap) node(id int) *html.Node { return m.byID[id] }

func (m *nodeMap) id(n *html.Node) int { return m.byNode[n] }

func (m *nodeMap) bind(id int, n *html.Node) {
	m.byID[id] = n
	m.byNode[n] = id
}

// forget drops n and its whole subtree.
func (m *nodeMap) forget(n *html.Node) {
	if id, ok := m.byNode[n]; ok {
		delete(m.byID, id)
		delete(m.byNode, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		m.forget(c)
	}
}

func (m *nodeMap) len() int { return len(m.byID) }

// build converts a remote subtree into detached local nodes and binds their
// ids. Nodes the document model has no place for (shadow roots, frame
// documents, processing instructions) are skipped.
func (m *nodeMap) build(rn *Node) *html.Node {
	var n *html.Node
	switch rn.Type {
	case DocumentNode:
		n = &html.Node{Type: html.DocumentNode}
	case DoctypeNode:
		n = &html.Node{Type: html.DoctypeNode, Data: strings.ToLower(rn.Name)}
	case ElementNode:
		tag := strings.ToLower(rn.Name)
		n = &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
		for i := 0; i+1 < len(rn.Attrs); i += 2 {
			n.Attr = append(n.Attr, html.Attribute{Key: strings.ToLower(rn.Attrs[i]), Val: rn.Attrs[i+1]})
		}
	case TextNode:
		n = &html.Node{Type: html.TextNode, Data: rn.Value}
	case CommentNode:
		n = &html.Node{Type: html.CommentNode, Data: rn.Value}
	default:
		return nil
	}
	m.bind(rn.ID, n)
	for _, rc := range rn.Children {
		if c := m.build(rc); c != nil {
			n.AppendChild(c)
		}
	}
	return n
}

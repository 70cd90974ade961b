package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// IsElement reports whether n is a non-nil element node.
func IsElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

// Tag returns the lower-case tag name of an element, or "".
func Tag(n *html.Node) string {
	if !IsElement(n) {
		return ""
	}
	return strings.ToLower(n.Data)
}

// Attr returns the value of an attribute and whether it is present.
func Attr(n *html.Node, name string) (string, bool) {
	if !IsElement(n) {
		return "", false
	}
	if i := attrIndex(n, name); i >= 0 {
		return n.Attr[i].Val, true
	}
	return "", false
}

// HasAttr reports whether the attribute is present.
func HasAttr(n *html.Node, name string) bool {
	_, ok := Attr(n, name)
	return ok
}

// Classes returns the element's class tokens in order.
func Classes(n *html.Node) []string {
	v, _ := Attr(n, "class")
	return strings.Fields(v)
}

// HasClass reports whether token is in the class list.
func HasClass(n *html.Node, token string) bool {
	for _, c := range Classes(n) {
		if c == token {
			return true
		}
	}
	return false
}

// TextContent concatenates the data of every descendant text node.
func TextContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := range n.Descendants() {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// HasElementChild reports whether n has at least one element child.
func HasElementChild(n *html.Node) bool {
	if n == nil {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return true
		}
	}
	return false
}

// ParentElement returns the nearest element ancestor of n, excluding n.
func ParentElement(n *html.Node) *html.Node {
	if n == nil {
		return nil
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return p
		}
	}
	return nil
}

// Closest returns n or its nearest element ancestor satisfying match.
func Closest(n *html.Node, match func(*html.Node) bool) *html.Node {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && match(p) {
			return p
		}
	}
	return nil
}

// Elements returns root (when it is an element) followed by its element
// descendants in document order. The slice is a static snapshot: mutating
// the tree while ranging over it is safe.
func Elements(root *html.Node) []*html.Node {
	if root == nil {
		return nil
	}
	var out []*html.Node
	if root.Type == html.ElementNode {
		out = append(out, root)
	}
	for n := range root.Descendants() {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
	}
	return out
}

// CreateElement returns a detached element.
func CreateElement(tag string, attrs ...html.Attribute) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
		Attr:     attrs,
	}
}

// CreateText returns a detached text node.
func CreateText(data string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: data}
}

// ElementByID returns the first element under root whose id is id.
func ElementByID(root *html.Node, id string) *html.Node {
	if root == nil || id == "" {
		return nil
	}
	for n := range root.Descendants() {
		if v, ok := Attr(n, "id"); ok && v == id {
			return n
		}
	}
	return nil
}

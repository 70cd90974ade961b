package badge

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
)

// Selector is a compiled CSS selector subset:
//
//   - tag, *, #id, .class (repeatable)
//   - [attr], [attr=v], [attr*=v], [attr^=v], [attr$=v] (values may be quoted)
//   - descendant combinator (whitespace)
//   - selector lists separated by commas
type Selector struct {
	src    string
	groups [][]compound // each group is a descendant chain, outermost first
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrCond
}

type attrCond struct {
	key string
	op  string // "", "=", "*=", "^=", "$="
	val string
}

// Compile parses a selector.
func Compile(src string) (*Selector, error) {
	s := &Selector{src: src}
	for _, part := range splitTopLevel(src, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("badge: empty selector in %q", src)
		}
		var chain []compound
		for _, tok := range splitTopLevel(part, ' ') {
			if tok == "" {
				continue
			}
			c, err := parseCompound(tok)
			if err != nil {
				return nil, fmt.Errorf("badge: selector %q: %w", src, err)
			}
			chain = append(chain, c)
		}
		s.groups = append(s.groups, chain)
	}
	if len(s.groups) == 0 {
		return nil, fmt.Errorf("badge: empty selector")
	}
	return s, nil
}

// MustCompile is Compile that panics on error. For static rule tables.
func MustCompile(src string) *Selector {
	s, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string { return s.src }

// splitTopLevel splits on sep outside of [...] and quotes. For sep == ' '
// any whitespace separates.
func splitTopLevel(s string, sep rune) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '[':
			depth++
		case r == ']':
			depth--
		case depth == 0 && (r == sep || (sep == ' ' && (r == '\t' || r == '\n'))):
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	out = append(out, cur.String())
	return out
}

// parseCompound parses "tag#id.class[attr*=val]".
func parseCompound(tok string) (compound, error) {
	var c compound
	i := 0
	readIdent := func() string {
		start := i
		for i < len(tok) && !strings.ContainsRune("#.[", rune(tok[i])) {
			i++
		}
		return tok[start:i]
	}

	c.tag = strings.ToLower(readIdent())
	if c.tag == "*" {
		c.tag = ""
	}
	for i < len(tok) {
		switch tok[i] {
		case '#':
			i++
			c.id = readIdent()
		case '.':
			i++
			cls := readIdent()
			if cls == "" {
				return c, fmt.Errorf("empty class in %q", tok)
			}
			c.classes = append(c.classes, cls)
		case '[':
			end := strings.IndexByte(tok[i:], ']')
			if end < 0 {
				return c, fmt.Errorf("unterminated attribute in %q", tok)
			}
			cond, err := parseAttr(tok[i+1 : i+end])
			if err != nil {
				return c, err
			}
			c.attrs = append(c.attrs, cond)
			i += end + 1
		default:
			return c, fmt.Errorf("unexpected %q in %q", tok[i], tok)
		}
	}
	return c, nil
}

func parseAttr(body string) (attrCond, error) {
	for _, op := range []string{"*=", "^=", "$=", "="} {
		if idx := strings.Index(body, op); idx >= 0 {
			key := strings.TrimSpace(body[:idx])
			if key == "" {
				return attrCond{}, fmt.Errorf("empty attribute name in [%s]", body)
			}
			val := strings.Trim(strings.TrimSpace(body[idx+len(op):]), `"'`)
			return attrCond{key: strings.ToLower(key), op: op, val: val}, nil
		}
	}
	key := strings.TrimSpace(body)
	if key == "" {
		return attrCond{}, fmt.Errorf("empty attribute selector")
	}
	return attrCond{key: strings.ToLower(key)}, nil
}

func (c compound) matches(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && dom.Tag(n) != c.tag {
		return false
	}
	if c.id != "" {
		if v, _ := dom.Attr(n, "id"); v != c.id {
			return false
		}
	}
	for _, cls := range c.classes {
		if !dom.HasClass(n, cls) {
			return false
		}
	}
	for _, a := range c.attrs {
		v, ok := dom.Attr(n, a.key)
		if !ok {
			return false
		}
		switch a.op {
		case "=":
			ok = v == a.val
		case "*=":
			ok = a.val != "" && strings.Contains(v, a.val)
		case "^=":
			ok = a.val != "" && strings.HasPrefix(v, a.val)
		case "$=":
			ok = a.val != "" && strings.HasSuffix(v, a.val)
		}
		if !ok {
			return false
		}
	}
	return true
}

// Match reports whether n matches any group of the selector.
func (s *Selector) Match(n *html.Node) bool {
	for _, chain := range s.groups {
		if matchChain(n, chain) {
			return true
		}
	}
	return false
}

// matchChain matches right to left: n against the last compound, then the
// remaining compounds against successive ancestors.
func matchChain(n *html.Node, chain []compound) bool {
	last := len(chain) - 1
	if !chain[last].matches(n) {
		return false
	}
	i := last - 1
	for p := dom.ParentElement(n); p != nil && i >= 0; p = dom.ParentElement(p) {
		if chain[i].matches(p) {
			i--
		}
	}
	return i < 0
}

// QueryAll returns the descendants of root matching s, in document order.
func (s *Selector) QueryAll(root *html.Node) []*html.Node {
	var out []*html.Node
	for n := range root.Descendants() {
		if s.Match(n) {
			out = append(out, n)
		}
	}
	return out
}

// Closest returns n or its nearest ancestor matching s.
func (s *Selector) Closest(n *html.Node) *html.Node {
	return dom.Closest(n, s.Match)
}

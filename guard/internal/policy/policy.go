// Package policy decides which elements, classes and attributes the guard
// protects. Eligibility is always computed from the live element, never
// stored.
package policy

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
)

// Policy holds the reserved naming rules.
type Policy struct {
	// CustomPrefix marks user-owned classes. Default: "custom-".
	CustomPrefix string
	// DirectiveAttr lists classes an element must always carry.
	// Default: "data-custom-classes".
	DirectiveAttr string
	// OptOutAttr exempts an element from text protection.
	// Default: "data-allow-text-change".
	OptOutAttr string
	// ProtectedPrefixes and ProtectedExact select protected attributes.
	ProtectedPrefixes []string
	ProtectedExact    []string
}

// Default returns the stock naming rules.
func Default() Policy {
	p := Policy{}
	p.applyDefaults()
	return p
}

// WithDefaults fills empty fields with stock values.
func (p Policy) WithDefaults() Policy {
	p.applyDefaults()
	return p
}

func (p *Policy) applyDefaults() {
	if p.CustomPrefix == "" {
		p.CustomPrefix = "custom-"
	}
	if p.DirectiveAttr == "" {
		p.DirectiveAttr = "data-custom-classes"
	}
	if p.OptOutAttr == "" {
		p.OptOutAttr = "data-allow-text-change"
	}
	if len(p.ProtectedPrefixes) == 0 {
		p.ProtectedPrefixes = []string{"data-custom-", "data-protect-"}
	}
	if len(p.ProtectedExact) == 0 {
		p.ProtectedExact = []string{"data-locked"}
	}
}

// IsCustomClass reports whether a class token is user-owned.
func (p Policy) IsCustomClass(token string) bool {
	return token != "" && strings.HasPrefix(token, p.CustomPrefix)
}

// IsProtectedAttr reports whether an attribute name is protected.
func (p Policy) IsProtectedAttr(name string) bool {
	if name == "" {
		return false
	}
	for _, exact := range p.ProtectedExact {
		if name == exact {
			return true
		}
	}
	for _, prefix := range p.ProtectedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// DirectiveClasses returns the custom classes listed by the directive
// attribute. Tokens without the custom prefix are ignored.
func (p Policy) DirectiveClasses(el *html.Node) []string {
	v, ok := dom.Attr(el, p.DirectiveAttr)
	if !ok {
		return nil
	}
	return p.filterCustom(strings.Fields(v))
}

// CurrentCustomClasses returns the custom classes the element carries now.
func (p Policy) CurrentCustomClasses(el *html.Node) []string {
	return p.filterCustom(dom.Classes(el))
}

// DesiredClasses prefers the directive and falls back to the classes the
// element already carries.
func (p Policy) DesiredClasses(el *html.Node) []string {
	if d := p.DirectiveClasses(el); len(d) > 0 {
		return d
	}
	return p.CurrentCustomClasses(el)
}

// ClassTracked reports whether the element declares a directive or carries
// a custom class.
func (p Policy) ClassTracked(el *html.Node) bool {
	return len(p.DesiredClasses(el)) > 0
}

func (p Policy) filterCustom(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		if p.IsCustomClass(t) {
			out = append(out, t)
		}
	}
	return out
}

var textTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"p": true, "span": true, "li": true, "button": true, "label": true, "a": true,
}

// TextTracked reports whether the element's rendered text is protected:
// a text-bearing kind, or a div with a direct non-whitespace text child,
// and no opt-out attribute.
func (p Policy) TextTracked(el *html.Node) bool {
	if !dom.IsElement(el) || dom.HasAttr(el, p.OptOutAttr) {
		return false
	}
	tag := dom.Tag(el)
	if textTags[tag] {
		return true
	}
	if tag != "div" {
		return false
	}
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode && strings.TrimSpace(c.Data) != "" {
			return true
		}
	}
	return false
}

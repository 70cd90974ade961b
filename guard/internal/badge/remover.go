// Package badge removes vendor badges and promotional elements injected by
// the host runtime.
package badge

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
)

// Rule describes one family of unwanted elements.
type Rule struct {
	Name     string `yaml:"name"`
	Selector string `yaml:"selector"`
	// Closest lists container selectors tried in order from the match
	// upwards (the match itself included). When none matches, the match's
	// parent is removed.
	Closest []string `yaml:"closest"`
	// HrefContains restricts matches to elements whose href contains it.
	HrefContains string `yaml:"href_contains"`
	// TextContainsAny restricts matches to elements whose text contains one
	// of the needles, compared case-insensitively.
	TextContainsAny []string `yaml:"text_contains_any"`
	// Parent removes the parent of the matched Closest container instead
	// of the container itself.
	Parent bool `yaml:"parent"`
}

// DefaultRules covers the "Made in Framer" badge and the template purchase
// promos.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "badge-container",
			Selector: "#__framer-badge-container",
			Closest:  []string{"#__framer-badge-container"},
		},
		{
			Name:     "badge",
			Selector: ".__framer-badge, .framer-6jWyo, .framer-n0ccwk",
			Closest:  []string{"#__framer-badge-container"},
		},
		{
			Name:     "badge-backdrop",
			Selector: "a.__framer-badge .framer-13yxzio",
			Closest:  []string{"a.__framer-badge"},
			Parent:   true,
		},
		{
			Name:     "badge-link",
			Selector: `a[href*="framer.com"][data-nosnippet="true"]`,
			Closest:  []string{"div"},
		},
		{
			Name:     "promo-container",
			Selector: ".framer-60pafq-container",
			Closest:  []string{".framer-60pafq-container"},
		},
		{
			Name:            "promo-link",
			Selector:        `a[href*="lemonsqueezy"]`,
			Closest:         []string{".framer-60pafq-container", `div[class*="container"]`},
			TextContainsAny: []string{"buy", "template", "comprar", "plantilla"},
		},
		{
			Name:         "promo-button",
			Selector:     ".framer-Dqd5S, .framer-m90iev, .framer-g8apuh",
			Closest:      []string{`div[class*="container"]`},
			HrefContains: "lemonsqueezy",
		},
	}
}

type compiledRule struct {
	Rule
	sel     *Selector
	closest []*Selector
}

// Remover applies a rule set. It holds no state between calls.
type Remover struct {
	rules  []compiledRule
	logger *slog.Logger
}

// NewRemover compiles rules. An empty rule set means DefaultRules.
func NewRemover(rules []Rule, logger *slog.Logger) (*Remover, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	r := &Remover{logger: logger}
	for _, rule := range rules {
		sel, err := Compile(rule.Selector)
		if err != nil {
			return nil, fmt.Errorf("badge: rule %q: %w", rule.Name, err)
		}
		cr := compiledRule{Rule: rule, sel: sel}
		for _, c := range rule.Closest {
			cs, err := Compile(c)
			if err != nil {
				return nil, fmt.Errorf("badge: rule %q closest: %w", rule.Name, err)
			}
			cr.closest = append(cr.closest, cs)
		}
		r.rules = append(r.rules, cr)
	}
	return r, nil
}

// Rules returns the rule names in evaluation order.
func (r *Remover) Rules() []string {
	names := make([]string, len(r.rules))
	for i, cr := range r.rules {
		names[i] = cr.Name
	}
	return names
}

// Remove scans doc once and removes the container of every match. Targets
// already removed by an earlier match are skipped. It returns the number of
// containers removed.
func (r *Remover) Remove(doc *dom.Document) int {
	removed := 0
	for _, cr := range r.rules {
		for _, m := range cr.sel.QueryAll(doc.Root()) {
			if !doc.IsConnected(m) || !cr.accepts(m) {
				continue
			}
			target := cr.container(m)
			if !removable(target) {
				continue
			}
			if doc.Remove(target) {
				removed++
				r.logger.Debug("badge: removed", "rule", cr.Name, "tag", dom.Tag(target))
			}
		}
	}
	return removed
}

func (cr *compiledRule) accepts(n *html.Node) bool {
	if cr.HrefContains != "" {
		href, _ := dom.Attr(n, "href")
		if !strings.Contains(href, cr.HrefContains) {
			return false
		}
	}
	if len(cr.TextContainsAny) > 0 {
		text := strings.ToLower(dom.TextContent(n))
		for _, needle := range cr.TextContainsAny {
			if strings.Contains(text, strings.ToLower(needle)) {
				return true
			}
		}
		return false
	}
	return true
}

func (cr *compiledRule) container(n *html.Node) *html.Node {
	for _, cs := range cr.closest {
		if c := cs.Closest(n); c != nil {
			if cr.Parent {
				return dom.ParentElement(c)
			}
			return c
		}
	}
	return dom.ParentElement(n)
}

// removable refuses the document skeleton.
func removable(n *html.Node) bool {
	if !dom.IsElement(n) || n.Parent == nil {
		return false
	}
	switch dom.Tag(n) {
	case "html", "head", "body":
		return false
	}
	return true
}

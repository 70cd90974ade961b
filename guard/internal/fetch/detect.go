package fetch

import (
	"bytes"
	"strings"
)

// runtimeMarkers betray a client runtime that re-renders the page after
// load. Such pages need the guard running inside a browser.
var runtimeMarkers = []string{
	"data-framer-hydrate",
	"__framer__handoverdata",
	"framerusercontent.com/sites/",
	"id=\"__next\"",
	"__next_data__",
	"data-reactroot",
	"ng-version=",
	"data-v-app",
}

// spaShells are empty mount points of client-rendered apps.
var spaShells = []string{
	"<div id=\"root\"></div>",
	"<div id=\"app\"></div>",
	"<div id=\"__next\"></div>",
	"<noscript>you need to enable javascript",
	"<noscript>enable javascript",
}

// IsStatic reports whether html can be guarded as fetched: it carries
// enough visible text and no sign of a runtime that would re-render it.
func IsStatic(html []byte) bool {
	if !IsSufficient(html) {
		return false
	}
	lower := bytes.ToLower(html)
	for _, m := range runtimeMarkers {
		if bytes.Contains(lower, []byte(m)) {
			return false
		}
	}
	return true
}

// IsSufficient returns true if the body has enough text relative to markup
// to be meaningful without scripts.
func IsSufficient(html []byte) bool {
	if len(html) < 256 {
		return false
	}

	textLen, markupLen := textMarkupRatio(html)
	total := textLen + markupLen
	if total == 0 {
		return false
	}

	// Less than 10% text is likely an SPA shell.
	if float64(textLen)/float64(total) < 0.10 {
		return false
	}
	if textLen < 200 {
		return false
	}

	lower := bytes.ToLower(html)
	for _, ind := range spaShells {
		if bytes.Contains(lower, []byte(ind)) {
			return false
		}
	}
	return true
}

// textMarkupRatio counts visible non-space text bytes against markup bytes.
// Script and style bodies count as markup.
func textMarkupRatio(html []byte) (text, markup int) {
	s := string(html)
	inTag := false
	for i := 0; i < len(s); {
		ch := s[i]
		switch {
		case ch == '<':
			if n := rawElementLen(s[i:]); n > 0 {
				markup += n
				i += n
				continue
			}
			inTag = true
			markup++
		case ch == '>':
			inTag = false
			markup++
		case inTag:
			markup++
		case ch != ' ' && ch != '\t' && ch != '\n' && ch != '\r':
			text++
		}
		i++
	}
	return text, markup
}

// rawElementLen returns the length of a script or style element starting
// at s, through its closing tag (or the end of s when unclosed), and 0 when
// s does not start one.
func rawElementLen(s string) int {
	head := strings.ToLower(s[:min(len(s), len("<script"))])
	for _, tag := range []string{"script", "style"} {
		if !strings.HasPrefix(head, "<"+tag) {
			continue
		}
		end := strings.Index(strings.ToLower(s), "</"+tag)
		if end < 0 {
			return len(s)
		}
		gt := strings.IndexByte(s[end:], '>')
		if gt < 0 {
			return len(s)
		}
		return end + gt + 1
	}
	return 0
}

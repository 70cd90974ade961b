// Package inspect is the operator surface of a running guard: an HTTP
// router, MCP tools and an optional MCP-over-QUIC listener, all backed by
// the same registry of guarded pages.
package inspect

import (
	"context"
	"errors"
	"time"
)

// ErrNoPage is returned for an unknown page id.
var ErrNoPage = errors.New("inspect: no such page")

// Stats is a point-in-time view of one guarded page.
type Stats struct {
	Page       string    `json:"page"`
	URL        string    `json:"url,omitempty"`
	State      string    `json:"state"`
	Verbose    bool      `json:"verbose"`
	Started    time.Time `json:"started"`
	Passes     uint64    `json:"passes"`
	Records    int       `json:"records"`
	Classes    int       `json:"classes"`
	Attributes int       `json:"attributes"`
	Text       int       `json:"text"`
	Baselines  int       `json:"baselines"`
	Failures   int       `json:"failures"`
	Badges     int       `json:"badges_removed"`
	Translated int       `json:"translated"`
	Tracked    int       `json:"tracked"`
}

// Inspectable is one guarded page. Every method may block until the page's
// loop runs it.
type Inspectable interface {
	Rescan(ctx context.Context) (Stats, error)
	RemoveBadges(ctx context.Context) (int, error)
	RestoreAll(ctx context.Context) (int, error)
	SetVerbose(on bool)
	Verbose() bool
	Stats(ctx context.Context) (Stats, error)
	Render(ctx context.Context) (string, error)
}

// Registry resolves page ids.
type Registry interface {
	Page(id string) (Inspectable, bool)
	Pages() []string
}

// page looks id up, returning ErrNoPage when it is unknown.
func page(reg Registry, id string) (Inspectable, error) {
	p, ok := reg.Page(id)
	if !ok {
		return nil, ErrNoPage
	}
	return p, nil
}

package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// Tab is one guarded page open in the managed browser.
type Tab struct {
	Page *rod.Page
	URL  string

	router *rod.HijackRouter
}

// OpenTab opens url in a stealth page, with resource blocking applied, and
// waits for the load event within the navigate timeout. A load timeout is
// logged, not fatal: the guard can work on a partial document.
func (m *Manager) OpenTab(ctx context.Context, url string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, errors.New("browser: not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	t := &Tab{Page: page, URL: url}
	if len(m.opts.ResourceBlocking) > 0 {
		t.router = blockResources(page, m.opts.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, m.opts.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.opts.Logger.Warn("browser: wait load", "url", url, "error", err)
	}
	return t, nil
}

// Close stops request interception and closes the page.
func (t *Tab) Close() error {
	if t.router != nil {
		_ = t.router.Stop()
		t.router = nil
	}
	if t.Page == nil {
		return nil
	}
	return t.Page.Close()
}

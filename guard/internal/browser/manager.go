// Package browser runs the Chrome instance guarded pages live in: launch or
// connect via rod, watch JS heap use, recycle on a limit or an interval.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// ErrClosed is returned once the manager has been closed.
var ErrClosed = errors.New("browser: manager is closed")

// Options configure a Manager.
type Options struct {
	// Remote is the DevTools WebSocket URL of an external Chrome. Empty
	// launches a local one.
	Remote string

	MemoryLimit      int64         // JS heap bytes; default 1GB
	RecycleInterval  time.Duration // max Chrome lifetime; default 4h
	ResourceBlocking []string      // images, fonts, media, stylesheets
	Headful          bool          // run under Xvfb instead of headless
	XvfbDisplay      string        // default ":99"
	NavigateTimeout  time.Duration // default 30s
	CheckInterval    time.Duration // memory check period; default 30s

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MemoryLimit <= 0 {
		o.MemoryLimit = 1 << 30
	}
	if o.RecycleInterval <= 0 {
		o.RecycleInterval = 4 * time.Hour
	}
	if o.XvfbDisplay == "" {
		o.XvfbDisplay = ":99"
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 30 * time.Second
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hooks run around a recycle. Tabs die with the old Chrome: Before lets
// their owners detach, After lets them reopen on the new browser.
type Hooks struct {
	Before func()
	After  func(ctx context.Context, b *rod.Browser)
}

// Manager owns one Chrome.
type Manager struct {
	opts Options

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	startAt time.Time
	closed  bool
	hooks   Hooks
}

// NewManager returns a manager. Start launches Chrome.
func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{opts: opts}
}

// SetHooks installs the recycle hooks.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// Start launches or connects to Chrome and starts the monitor, which runs
// until ctx is done.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.browser != nil {
		return m.browser, nil
	}

	b, err := m.launch(ctx)
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()

	go m.monitor(ctx)
	return b, nil
}

// Browser returns the current browser, nil before Start.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle restarts Chrome. Hooks run with the manager unlocked.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.RLock()
	hooks, closed := m.hooks, m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if hooks.Before != nil {
		hooks.Before()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.opts.Logger.Info("browser: recycling", "uptime", time.Since(m.startAt).Round(time.Second))
	m.cleanup()
	b, err := m.launch(ctx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	m.mu.Unlock()

	if hooks.After != nil {
		hooks.After(ctx, b)
	}
	m.opts.Logger.Info("browser: recycled")
	return nil
}

// Close shuts Chrome and Xvfb down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	log := m.opts.Logger

	wsURL := m.opts.Remote
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx)
		if m.opts.Headful {
			if err := m.startXvfb(ctx); err != nil {
				return nil, fmt.Errorf("browser: xvfb: %w", err)
			}
			l = l.Headless(false).Env("DISPLAY=" + m.opts.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			m.stopXvfb()
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched", "url", wsURL, "headful", m.opts.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.opts.Logger.Debug("browser: close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

func (m *Manager) monitor(ctx context.Context) {
	log := m.opts.Logger
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		b, startAt, closed := m.browser, m.startAt, m.closed
		m.mu.RUnlock()
		if closed {
			return
		}
		if b == nil {
			continue
		}

		if time.Since(startAt) > m.opts.RecycleInterval {
			log.Info("browser: recycle interval reached")
			if err := m.Recycle(ctx); err != nil {
				log.Error("browser: recycle failed", "error", err)
			}
			continue
		}

		used, err := heapUsage(ctx, b)
		if err != nil {
			log.Debug("browser: heap check failed", "error", err)
			continue
		}
		if used > m.opts.MemoryLimit {
			log.Info("browser: memory limit exceeded", "used", used, "limit", m.opts.MemoryLimit)
			if err := m.Recycle(ctx); err != nil {
				log.Error("browser: recycle failed", "error", err)
			}
		}
	}
}

// heapUsage sums the used JS heap of every open page.
func heapUsage(ctx context.Context, b *rod.Browser) (int64, error) {
	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, errors.New("no pages")
	}
	var total int64
	for _, p := range pages {
		res, err := p.Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
		if err != nil {
			return 0, err
		}
		total += int64(res.Value.Int())
	}
	return total, nil
}

package guard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"

	"github.com/hazyhaar/domguard/dom"
	"github.com/hazyhaar/domguard/guard/internal/browser"
	"github.com/hazyhaar/domguard/guard/internal/config"
	"github.com/hazyhaar/domguard/guard/internal/fetch"
	"github.com/hazyhaar/domguard/guard/internal/inspect"
	"github.com/hazyhaar/domguard/guard/internal/metrics"
	"github.com/hazyhaar/domguard/guard/internal/mirror"
)

var (
	_ inspect.Registry    = (*Service)(nil)
	_ inspect.Inspectable = (*Guard)(nil)
)

// errNotStatic is returned by the HTTP path when the page needs a browser.
var errNotStatic = errors.New("guard: page needs a browser")

// Service guards every configured page and serves the inspect surface.
//
// Stealth level "0" fetches the page over HTTP and guards the static
// document in process. Levels "1" and "2" open the page in the managed
// Chrome and mirror its DOM into a guarded document. "auto" fetches first
// and escalates to the browser when the page is hydrated by a runtime.
type Service struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	fetcher *fetch.Fetcher
	mgr     *browser.Manager

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	pages       map[string]*page
	stopped     bool
	browserUp   bool
	httpSrv     *http.Server
	inspectAddr net.Addr
	quic        *inspect.QUICListener

	wg sync.WaitGroup
}

type page struct {
	cfg    PageConfig
	static bool

	// Guarded by Service.mu. guard is nil while the page is being opened
	// or rebuilt.
	guard      *Guard
	tab        *browser.Tab
	stopMirror context.CancelFunc
}

// NewService builds a service. A nil cfg uses DefaultConfig.
func NewService(cfg *Config, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		fetcher: fetch.New(fetch.WithLogger(logger)),
		pages:   make(map[string]*page),
	}
	s.mgr = browser.NewManager(browser.Options{
		Remote:           cfg.Browser.Remote,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Headful:          cfg.Browser.Stealth == "headful",
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		NavigateTimeout:  cfg.Browser.NavigateTimeout,
		Logger:           logger,
	})
	s.mgr.SetHooks(browser.Hooks{
		Before: s.detachLive,
		After:  func(ctx context.Context, _ *rod.Browser) { s.reattachLive(ctx) },
	})
	return s
}

// Start serves the inspect surface and protects every configured page. A
// page that fails to open is logged and skipped. The service runs until
// ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return ErrStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.serveInspect(); err != nil {
		s.Stop()
		return err
	}
	for _, pc := range s.cfg.Pages {
		if err := s.ProtectPage(s.ctx, pc); err != nil {
			s.logger.Error("guard: protect page failed", "page", pc.ID, "url", pc.URL, "error", err)
		}
	}
	return nil
}

// ProtectPage opens and guards one page. ctx bounds the opening only; the
// guard runs for the life of the service.
func (s *Service) ProtectPage(ctx context.Context, pc PageConfig) error {
	if pc.ID == "" {
		pc.ID = uuid.Must(uuid.NewV7()).String()
	}
	if pc.StealthLevel == "" {
		pc.StealthLevel = "auto"
	}
	if err := pc.Check(); err != nil {
		return fmt.Errorf("guard: %w", err)
	}

	p := &page{cfg: pc}
	s.mu.Lock()
	switch {
	case s.ctx == nil || s.stopped:
		s.mu.Unlock()
		return errors.New("guard: service not running")
	case s.pages[pc.ID] != nil:
		s.mu.Unlock()
		return fmt.Errorf("guard: page %q already protected", pc.ID)
	}
	s.pages[pc.ID] = p
	s.mu.Unlock()

	err := s.open(ctx, p)
	if err != nil {
		s.mu.Lock()
		delete(s.pages, pc.ID)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Service) open(ctx context.Context, p *page) error {
	switch p.cfg.StealthLevel {
	case "0":
		return s.openStatic(ctx, p, true)
	case "auto":
		err := s.openStatic(ctx, p, false)
		if err == nil {
			return nil
		}
		s.logger.Info("guard: escalating to browser", "page", p.cfg.ID, "url", p.cfg.URL, "reason", err)
		return s.openLive(ctx, p)
	default:
		return s.openLive(ctx, p)
	}
}

// openStatic fetches the page and guards the fetched document. Unless
// force is set, a page hydrated by a runtime is refused with errNotStatic.
func (s *Service) openStatic(ctx context.Context, p *page, force bool) error {
	res, err := s.fetcher.Fetch(ctx, p.cfg.URL)
	if err != nil {
		return err
	}
	if !force && !res.Static {
		return errNotStatic
	}
	doc, err := dom.Parse(bytes.NewReader(res.HTML))
	if err != nil {
		return fmt.Errorf("guard: parse %s: %w", p.cfg.URL, err)
	}
	g, err := s.newGuard(doc, p.cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	p.static = true
	p.guard = g
	s.mu.Unlock()
	s.logger.Info("guard: protecting static page", "page", p.cfg.ID, "url", p.cfg.URL, "bytes", len(res.HTML))
	return nil
}

func (s *Service) openLive(ctx context.Context, p *page) error {
	if err := s.startBrowser(); err != nil {
		return err
	}
	if p.cfg.StealthLevel == "2" && s.cfg.Browser.Stealth != "headful" {
		s.logger.Warn("guard: headful requested but browser runs headless", "page", p.cfg.ID)
	}
	tab, err := s.mgr.OpenTab(ctx, p.cfg.URL)
	if err != nil {
		return err
	}
	if err := s.attach(ctx, p, tab); err != nil {
		tab.Close()
		return err
	}
	s.logger.Info("guard: protecting live page", "page", p.cfg.ID, "url", p.cfg.URL)
	return nil
}

func (s *Service) startBrowser() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserUp {
		return nil
	}
	if _, err := s.mgr.Start(s.ctx); err != nil {
		return fmt.Errorf("guard: start browser: %w", err)
	}
	s.browserUp = true
	return nil
}

// attach mirrors tab into a new guard and keeps it in step until the tab
// replaces its document, which rebuilds both.
func (s *Service) attach(ctx context.Context, p *page, tab *browser.Tab) error {
	m, err := mirror.New(ctx, mirror.NewTab(tab.Page), mirror.Options{}, s.logger.With("page", p.cfg.ID))
	if err != nil {
		return err
	}
	g, err := s.build(m.Document(), p.cfg)
	if err != nil {
		return err
	}
	m.Attach(mirror.RuntimeFunc(g.loop.Post))
	m.OnLoaded = g.PageLoaded
	if err := g.Start(s.ctx); err != nil {
		g.Stop()
		return err
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	p.guard, p.tab, p.stopMirror = g, tab, cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMirror(runCtx, p, m, g)
	}()
	return nil
}

func (s *Service) runMirror(ctx context.Context, p *page, m *mirror.Mirror, g *Guard) {
	err := m.Run(ctx)
	switch {
	case errors.Is(err, mirror.ErrDocumentReset):
	case err != nil:
		s.logger.Warn("guard: mirror stopped", "page", p.cfg.ID, "error", err)
		return
	default:
		return
	}

	s.mu.Lock()
	current := p.guard == g
	tab := p.tab
	if current {
		p.guard = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	s.logger.Info("guard: document replaced, rebuilding", "page", p.cfg.ID, "stats", m.Stats())
	g.Stop()
	if err := s.attach(s.ctx, p, tab); err != nil {
		s.logger.Error("guard: rebuild failed", "page", p.cfg.ID, "error", err)
	}
}

func (s *Service) build(doc *dom.Document, pc PageConfig) (*Guard, error) {
	mp := s.metrics.Page(pc.ID)
	g, err := New(doc, s.cfg, s.logger, WithPage(pc.ID, pc.URL), withMetrics(mp))
	if err != nil {
		mp.Close()
		return nil, err
	}
	return g, nil
}

func (s *Service) newGuard(doc *dom.Document, pc PageConfig) (*Guard, error) {
	g, err := s.build(doc, pc)
	if err != nil {
		return nil, err
	}
	if err := g.Start(s.ctx); err != nil {
		g.Stop()
		return nil, err
	}
	return g, nil
}

// detachLive releases every browser-backed page before Chrome restarts.
func (s *Service) detachLive() {
	for _, p := range s.livePages() {
		s.release(p)
	}
}

// reattachLive reopens every browser-backed page on the new Chrome.
func (s *Service) reattachLive(ctx context.Context) {
	for _, p := range s.livePages() {
		if err := s.openLive(ctx, p); err != nil {
			s.logger.Error("guard: reopen after recycle failed", "page", p.cfg.ID, "error", err)
		}
	}
}

func (s *Service) livePages() []*page {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*page
	for _, p := range s.pages {
		if !p.static {
			out = append(out, p)
		}
	}
	return out
}

// release stops a page's mirror and guard and closes its tab.
func (s *Service) release(p *page) {
	s.mu.Lock()
	g, tab, stop := p.guard, p.tab, p.stopMirror
	p.guard, p.tab, p.stopMirror = nil, nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if g != nil {
		g.Stop()
	}
	if tab != nil {
		if err := tab.Close(); err != nil {
			s.logger.Debug("guard: close tab", "page", p.cfg.ID, "error", err)
		}
	}
}

func (s *Service) serveInspect() error {
	ic := s.cfg.Inspect
	if ic.Addr == "" && ic.MCPQuicAddr == "" {
		return nil
	}
	eps := inspect.NewEndpoints(s, s.logger)

	if ic.Addr != "" {
		opts := inspect.RouterOptions{Metrics: s.metrics.Handler()}
		if ic.MCP {
			opts.MCP = inspect.NewMCPServer(eps)
		}
		ln, err := net.Listen("tcp", ic.Addr)
		if err != nil {
			return fmt.Errorf("guard: inspect: %w", err)
		}
		srv := &http.Server{Handler: inspect.NewRouter(eps, opts), ReadHeaderTimeout: 10 * time.Second}
		s.mu.Lock()
		s.httpSrv, s.inspectAddr = srv, ln.Addr()
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("guard: inspect server", "error", err)
			}
		}()
		s.logger.Info("guard: inspect listening", "addr", ln.Addr().String(), "mcp", ic.MCP)
	}

	if ic.MCPQuicAddr != "" {
		tlsCfg, err := inspect.ServerTLSConfig(ic.TLSCert, ic.TLSKey)
		if err != nil {
			return fmt.Errorf("guard: inspect: %w", err)
		}
		l, err := inspect.ListenQUIC(ic.MCPQuicAddr, tlsCfg, inspect.NewMCPServer(eps), s.logger)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.quic = l
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := l.Serve(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("guard: inspect quic", "error", err)
			}
		}()
	}
	return nil
}

// InspectAddr returns the bound HTTP inspect address, nil when disabled.
func (s *Service) InspectAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inspectAddr
}

// Guard returns the running guard of page id.
func (s *Service) Guard(id string) (*Guard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok || p.guard == nil {
		return nil, false
	}
	return p.guard, true
}

// Page implements the inspect registry.
func (s *Service) Page(id string) (inspect.Inspectable, bool) {
	g, ok := s.Guard(id)
	if !ok {
		return nil, false
	}
	return g, true
}

// Pages lists the ids of the running guards, sorted.
func (s *Service) Pages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pages))
	for id, p := range s.pages {
		if p.guard != nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Stop stops every guard, the browser and the inspect servers. It is safe
// to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.ctx == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	pages := make([]*page, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	srv, ql := s.httpSrv, s.quic
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("guard: inspect shutdown", "error", err)
		}
		cancel()
	}
	if ql != nil {
		ql.Close()
	}
	for _, p := range pages {
		s.release(p)
	}
	s.cancel()
	if err := s.mgr.Close(); err != nil {
		s.logger.Warn("guard: close browser", "error", err)
	}
	s.wg.Wait()
	s.logger.Info("guard: service stopped", "pages", len(pages))
}

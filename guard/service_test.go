package guard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/domguard/dom"
)

const staticSite = `<!DOCTYPE html><html lang="en"><head><title>Studio</title></head><body>` +
	`<main><h1 class="custom-hero" data-locked="hero">A small studio for careful websites</h1>` +
	`<p>We design and build fast, accessible marketing sites for independent teams. ` +
	`Every page is written by hand, reviewed by a person and shipped with a performance budget. ` +
	`We keep our clients for years because we answer the phone and we fix what breaks.</p></main>` +
	badgeHTML +
	`</body></html>`

func siteServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, staticSite)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startService(t *testing.T, pages ...PageConfig) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Pages = pages
	cfg.Inspect.Addr = "127.0.0.1:0"
	cfg.Guard.TextRebaseline = []time.Duration{}
	s := NewService(cfg, quiet)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestService_StaticPage(t *testing.T) {
	site := siteServer(t)
	s := startService(t, PageConfig{ID: "home", URL: site.URL, StealthLevel: "0"})

	if got := s.Pages(); !slices.Equal(got, []string{"home"}) {
		t.Fatalf("pages: %v", got)
	}
	g, ok := s.Guard("home")
	if !ok {
		t.Fatal("no guard")
	}

	// Drift on the guarded copy is reverted.
	err := g.Do(context.Background(), func(doc *dom.Document) {
		for _, el := range dom.Elements(doc.Root()) {
			if dom.Tag(el) == "h1" {
				doc.SetAttr(el, "class", "framer-x")
				doc.SetAttr(el, "data-locked", "other")
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	base := "http://" + s.InspectAddr().String()
	code, body := get(t, base+"/pages/home/html")
	if code != http.StatusOK {
		t.Fatalf("html: %d %s", code, body)
	}
	if !strings.Contains(body, `data-locked="hero"`) || !strings.Contains(body, "custom-hero") {
		t.Errorf("drift not reverted:\n%s", body)
	}
	if strings.Contains(body, "__framer-badge") {
		t.Error("badge served")
	}

	code, body = get(t, base+"/pages/home/stats")
	var st Stats
	if err := json.Unmarshal([]byte(body), &st); err != nil || code != http.StatusOK {
		t.Fatalf("stats: %d %s %v", code, body, err)
	}
	if st.Page != "home" || st.URL != site.URL || st.Badges != 1 || st.Attributes != 1 || st.Classes != 1 {
		t.Errorf("stats: %+v", st)
	}

	if code, body = get(t, base+"/metrics"); code != http.StatusOK || !strings.Contains(body, `domguard_badges_removed_total{page="home"} 1`) {
		t.Errorf("metrics: %d\n%s", code, body)
	}
}

func TestService_AutoStaysStaticForStaticSites(t *testing.T) {
	site := siteServer(t)
	s := startService(t)

	if err := s.ProtectPage(context.Background(), PageConfig{URL: site.URL}); err != nil {
		t.Fatal(err)
	}
	ids := s.Pages()
	if len(ids) != 1 {
		t.Fatalf("pages: %v", ids)
	}
	if s.mgr.Browser() != nil {
		t.Error("browser started for a static page")
	}

	if err := s.ProtectPage(context.Background(), PageConfig{ID: ids[0], URL: site.URL}); err == nil {
		t.Error("duplicate id accepted")
	}
	if err := s.ProtectPage(context.Background(), PageConfig{URL: "file:///etc/hosts"}); err == nil {
		t.Error("file url accepted")
	}
	if len(s.Pages()) != 1 {
		t.Errorf("pages: %v", s.Pages())
	}
}

func TestService_FetchFailureIsNotProtected(t *testing.T) {
	broken := httptest.NewServer(http.NotFoundHandler())
	defer broken.Close()
	s := startService(t, PageConfig{ID: "gone", URL: broken.URL, StealthLevel: "0"})

	if len(s.Pages()) != 0 {
		t.Errorf("pages: %v", s.Pages())
	}
	if _, ok := s.Page("gone"); ok {
		t.Error("failed page registered")
	}
}

func TestService_StopIsIdempotent(t *testing.T) {
	site := siteServer(t)
	s := startService(t, PageConfig{ID: "home", URL: site.URL, StealthLevel: "0"})
	g, _ := s.Guard("home")

	s.Stop()
	s.Stop()
	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("guard still running after Stop")
	}
	if err := s.ProtectPage(context.Background(), PageConfig{URL: site.URL}); err == nil {
		t.Error("ProtectPage after Stop: want error")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start after Stop: want error")
	}
}

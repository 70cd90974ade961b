package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/domguard/guard/internal/reconcile"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestPage_ObservePass(t *testing.T) {
	m := New()
	p := m.Page("home")
	p.ObservePass(reconcile.Result{Classes: 2, Attributes: 1, Text: 1, Badges: 1}, time.Millisecond)
	p.BadgesRemoved(3)
	p.Translated(4)

	out := scrape(t, m)
	for _, want := range []string{
		`domguard_corrections_total{kind="class",page="home"} 2`,
		`domguard_corrections_total{kind="text",page="home"} 1`,
		`domguard_badges_removed_total{page="home"} 4`,
		`domguard_translated_elements_total{page="home"} 4`,
		`domguard_passes_total{page="home"} 1`,
		"domguard_pages 1",
		"domguard_pass_duration_seconds_count",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	p.Close()
	out = scrape(t, m)
	if !strings.Contains(out, "domguard_pages 0") {
		t.Error("page gauge not decremented")
	}
	if strings.Contains(out, `page="home"`) {
		t.Error("closed page still has series")
	}
}

func TestNilPageIsNoop(t *testing.T) {
	var p *Page
	p.ObservePass(reconcile.Result{Classes: 1}, time.Second)
	p.BadgesRemoved(1)
	p.Translated(1)
	p.Close()
}

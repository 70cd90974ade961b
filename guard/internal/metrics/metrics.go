// Package metrics exposes guard activity as Prometheus metrics on a
// service-owned registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/domguard/guard/internal/reconcile"
)

// Metrics holds every collector of one service.
type Metrics struct {
	Registry *prometheus.Registry

	passes       *prometheus.CounterVec
	corrections  *prometheus.CounterVec
	baselines    *prometheus.CounterVec
	failures     *prometheus.CounterVec
	badges       *prometheus.CounterVec
	translated   *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	pages        prometheus.Gauge
}

// New registers the collectors, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domguard_passes_total",
			Help: "Reconciliation passes run.",
		}, []string{"page"}),
		corrections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domguard_corrections_total",
			Help: "Corrective writes by kind (class, attribute, text).",
		}, []string{"page", "kind"}),
		baselines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domguard_baselines_total",
			Help: "Elements re-baselined from freshly inserted nodes.",
		}, []string{"page"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domguard_failures_total",
			Help: "Corrections that failed and were skipped.",
		}, []string{"page"}),
		badges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domguard_badges_removed_total",
			Help: "Vendor badge containers removed.",
		}, []string{"page"}),
		translated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domguard_translated_elements_total",
			Help: "Elements rewritten by the localizer.",
		}, []string{"page"}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "domguard_pass_duration_seconds",
			Help:    "Duration of reconciliation passes.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"page"}),
		pages: f.NewGauge(prometheus.GaugeOpts{
			Name: "domguard_pages",
			Help: "Pages currently protected.",
		}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Page returns the collectors curried for one page and counts it as active.
func (m *Metrics) Page(id string) *Page {
	m.pages.Inc()
	return &Page{m: m, id: id}
}

// Page records the activity of one guarded page. A nil *Page is a no-op.
type Page struct {
	m  *Metrics
	id string
}

// ObservePass records one reconciliation pass.
func (p *Page) ObservePass(res reconcile.Result, d time.Duration) {
	if p == nil {
		return
	}
	p.m.passes.WithLabelValues(p.id).Inc()
	p.m.passDuration.WithLabelValues(p.id).Observe(d.Seconds())
	p.m.corrections.WithLabelValues(p.id, "class").Add(float64(res.Classes))
	p.m.corrections.WithLabelValues(p.id, "attribute").Add(float64(res.Attributes))
	p.m.corrections.WithLabelValues(p.id, "text").Add(float64(res.Text))
	p.m.baselines.WithLabelValues(p.id).Add(float64(res.Baselines))
	p.m.failures.WithLabelValues(p.id).Add(float64(res.Failures))
	p.m.badges.WithLabelValues(p.id).Add(float64(res.Badges))
}

// BadgesRemoved records removals made outside a pass.
func (p *Page) BadgesRemoved(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.m.badges.WithLabelValues(p.id).Add(float64(n))
}

// Translated records localizer rewrites.
func (p *Page) Translated(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.m.translated.WithLabelValues(p.id).Add(float64(n))
}

// Close drops the page's series and its active count.
func (p *Page) Close() {
	if p == nil {
		return
	}
	p.m.pages.Dec()
	for _, vec := range []*prometheus.CounterVec{p.m.passes, p.m.baselines, p.m.failures, p.m.badges, p.m.translated} {
		vec.DeleteLabelValues(p.id)
	}
	for _, kind := range []string{"class", "attribute", "text"} {
		p.m.corrections.DeleteLabelValues(p.id, kind)
	}
	p.m.passDuration.DeleteLabelValues(p.id)
}

// Package observability provides Prometheus metrics for crawl runs.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/geupmae/internal/governor"
	"github.com/rewired-gh/geupmae/internal/models"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Upstream metrics
	Requests *prometheus.CounterVec

	// Governor metrics
	GovernorDelay  prometheus.Gauge
	GovernorFloor  prometheus.Gauge
	GovernorState  prometheus.Gauge
	GovernorBlocks prometheus.Gauge

	// Crawl metrics
	Tiles          *prometheus.CounterVec
	ListingChanges *prometheus.CounterVec

	// Scoring metrics
	Scored   prometheus.Counter
	Bargains prometheus.Gauge

	// Run metrics
	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	LastSuccess prometheus.Gauge
}

// NewMetrics creates a Metrics instance on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "geupmae"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of upstream listing requests by outcome",
		}, []string{"outcome"}),

		GovernorDelay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "delay_seconds",
			Help:      "Current base delay between upstream requests",
		}),
		GovernorFloor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "floor_seconds",
			Help:      "Lowest delay the governor will tune down to",
		}),
		GovernorState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "state",
			Help:      "Governor state (0 running, 1 probing, 2 backoff-wait, 3 tile-deferred)",
		}),
		GovernorBlocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "blocks",
			Help:      "Block signals received during the current run",
		}),

		Tiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawl",
			Name:      "units_total",
			Help:      "Total number of crawled tile units by result",
		}, []string{"result"}),
		ListingChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawl",
			Name:      "listing_changes_total",
			Help:      "Total number of listing changes applied by kind",
		}, []string{"kind"}),

		Scored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "scored_total",
			Help:      "Total number of listings scored",
		}),
		Bargains: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "bargains",
			Help:      "Bargains found by the last scoring pass",
		}),

		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "runs_total",
			Help:      "Total number of runs by mode and status",
		}, []string{"mode", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Run duration in seconds",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"mode"}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of the last run that finished without error",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Mux serves /metrics and /health.
func (m *Metrics) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// RecordRequest counts one upstream request.
func (m *Metrics) RecordRequest(o governor.Outcome) {
	m.Requests.WithLabelValues(o.String()).Inc()
}

// ObserveGovernor mirrors governor stats into gauges.
func (m *Metrics) ObserveGovernor(s governor.Stats) {
	m.GovernorDelay.Set(s.Delay.Seconds())
	m.GovernorFloor.Set(s.Floor.Seconds())
	m.GovernorState.Set(float64(s.State))
	m.GovernorBlocks.Set(float64(s.Blocks))
}

// RecordUnit counts a crawled unit: complete, incomplete, or failed.
func (m *Metrics) RecordUnit(result string) {
	m.Tiles.WithLabelValues(result).Inc()
}

// RecordChanges counts differ output for one scope.
func (m *Metrics) RecordChanges(c models.ChangeSummary) {
	m.ListingChanges.WithLabelValues("created").Add(float64(c.Created))
	m.ListingChanges.WithLabelValues("touched").Add(float64(c.Touched))
	m.ListingChanges.WithLabelValues("price_changed").Add(float64(c.PriceChanged))
	m.ListingChanges.WithLabelValues("removed").Add(float64(c.Removed))
	m.ListingChanges.WithLabelValues("skipped").Add(float64(c.Skipped))
}

// RecordScoring counts one scoring pass.
func (m *Metrics) RecordScoring(scored, bargains int) {
	m.Scored.Add(float64(scored))
	m.Bargains.Set(float64(bargains))
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(r models.Run) {
	m.Runs.WithLabelValues(string(r.Mode), string(r.Status)).Inc()
	m.RunDuration.WithLabelValues(string(r.Mode)).Observe(r.Duration().Seconds())
	if r.Status != models.RunFailed {
		m.LastSuccess.Set(float64(r.FinishedAt.Unix()))
	}
}

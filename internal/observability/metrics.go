// Package observability — metrics.go
//
// Prometheus metrics for appopsd.
//
// Endpoint: GET /metrics on 127.0.0.1:9097 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: appops_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - op is the catalog op name (fixed, small set).
//   - package name is NOT used as a label (unbounded cardinality).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for appopsd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Decision Engine ──────────────────────────────────────────────────────

	// DecisionsTotal counts mode changes made through setMode. Labels: op,
	// mode (the newly set mode). checkOperation/noteOperation/startOperation
	// outcomes are not counted.
	DecisionsTotal *prometheus.CounterVec

	// DecisionLatency is registered for checkOperation call latency; no
	// component observes it, so it stays empty.
	DecisionLatency prometheus.Histogram

	// OpsTracked is registered for the number of Op records in the state
	// store; no component sets it, so it reads 0.
	OpsTracked prometheus.Gauge

	// InProgressOps is registered for the number of Op records with
	// nesting > 0; no component sets it, so it reads 0.
	InProgressOps prometheus.Gauge

	// ─── Observer registry ───────────────────────────────────────────────────

	// ObserverNotificationsTotal counts dispatched observer callbacks.
	ObserverNotificationsTotal prometheus.Counter

	// ObserversRegistered is registered for the number of distinct observer
	// tokens; no component sets it, so it reads 0.
	ObserversRegistered prometheus.Gauge

	// ─── Persistence ──────────────────────────────────────────────────────────

	// SnapshotWritesTotal counts snapshot writes. Labels: trigger. Only
	// synchronous writes (write-settings, trigger "sync") are counted;
	// timer-driven delayed/fast writes are not.
	SnapshotWritesTotal *prometheus.CounterVec

	// SnapshotWriteLatency records the latency of synchronous snapshot
	// writes.
	SnapshotWriteLatency prometheus.Histogram

	// SnapshotWriteFailuresTotal counts failed synchronous snapshot writes.
	SnapshotWriteFailuresTotal prometheus.Counter

	// ─── Lifecycle ────────────────────────────────────────────────────────────

	// StartupSweepEvictedTotal counts (uid,pkg) pairs evicted by the
	// startup consistency sweep.
	StartupSweepEvictedTotal prometheus.Counter

	// TokenReclaimsTotal counts in-progress ops finished by token-death
	// reclamation.
	TokenReclaimsTotal prometheus.Counter

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// DaemonUptimeSeconds is the number of seconds since the daemon started.
	DaemonUptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all appopsd Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appops",
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Total mode changes made through setMode, by op and new mode.",
		}, []string{"op", "mode"}),

		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "appops",
			Subsystem: "engine",
			Name:      "decision_latency_seconds",
			Help:      "Latency of checkOperation calls.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),

		OpsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appops",
			Subsystem: "store",
			Name:      "ops_tracked",
			Help:      "Current number of Op records in the state store.",
		}),

		InProgressOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appops",
			Subsystem: "store",
			Name:      "ops_in_progress",
			Help:      "Current number of Op records with nesting greater than zero.",
		}),

		ObserverNotificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appops",
			Subsystem: "observer",
			Name:      "notifications_total",
			Help:      "Total observer callbacks dispatched.",
		}),

		ObserversRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appops",
			Subsystem: "observer",
			Name:      "registered",
			Help:      "Current number of distinct observer tokens.",
		}),

		SnapshotWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appops",
			Subsystem: "persistence",
			Name:      "writes_total",
			Help:      "Total snapshot writes, by trigger.",
		}, []string{"trigger"}),

		SnapshotWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "appops",
			Subsystem: "persistence",
			Name:      "write_latency_seconds",
			Help:      "Snapshot write latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		SnapshotWriteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appops",
			Subsystem: "persistence",
			Name:      "write_failures_total",
			Help:      "Total snapshot write failures.",
		}),

		StartupSweepEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appops",
			Subsystem: "lifecycle",
			Name:      "sweep_evicted_total",
			Help:      "Total (uid,pkg) pairs evicted by the startup consistency sweep.",
		}),

		TokenReclaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appops",
			Subsystem: "lifecycle",
			Name:      "token_reclaims_total",
			Help:      "Total in-progress ops finished by token-death reclamation.",
		}),

		DaemonUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appops",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.DecisionsTotal,
		m.DecisionLatency,
		m.OpsTracked,
		m.InProgressOps,
		m.ObserverNotificationsTotal,
		m.ObserversRegistered,
		m.SnapshotWritesTotal,
		m.SnapshotWriteLatency,
		m.SnapshotWriteFailuresTotal,
		m.StartupSweepEvictedTotal,
		m.TokenReclaimsTotal,
		m.DaemonUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9097") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the DaemonUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DaemonUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

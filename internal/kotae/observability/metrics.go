package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes recorded by EventsTotal.
const (
	OutcomeFiltered    = "filtered"
	OutcomeNotAdmitted = "not_admitted"
	OutcomeReplied     = "replied"
	OutcomeFallback    = "fallback"
	OutcomeFailed      = "failed"
)

// Metrics holds the Prometheus collectors Kotae updates. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	Registry *prometheus.Registry

	EventsTotal      *prometheus.CounterVec
	UpstreamAttempts *prometheus.CounterVec
	RepliesTotal     *prometheus.CounterVec
	UpstreamDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them, together with the
// Go runtime and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kotae_events_total",
				Help: "Inbound chat events by handling outcome",
			},
			[]string{"outcome"},
		),
		UpstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kotae_upstream_attempts_total",
				Help: "Model endpoint attempts by result",
			},
			[]string{"result"},
		),
		RepliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kotae_replies_total",
				Help: "Replies posted, split into generated and fallback",
			},
			[]string{"kind"},
		),
		UpstreamDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kotae_upstream_duration_seconds",
				Help:    "Duration of single model endpoint attempts",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
			},
		),
	}
	m.Registry.MustRegister(
		m.EventsTotal,
		m.UpstreamAttempts,
		m.RepliesTotal,
		m.UpstreamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Event increments EventsTotal for outcome.
func (m *Metrics) Event(outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(outcome).Inc()
}

// Attempt records one upstream attempt and its duration.
func (m *Metrics) Attempt(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(result).Inc()
	m.UpstreamDuration.Observe(d.Seconds())
}

// Reply increments RepliesTotal for kind ("generated" or "fallback").
func (m *Metrics) Reply(kind string) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(kind).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Package telemetry exposes the agent's Prometheus metrics and samples
// process-level resource usage for experiment metric snapshots.
package telemetry

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

// Metrics holds the agent's instrument set on a private registry.
type Metrics struct {
	SyncFailures      prometheus.Counter
	ActiveExperiments prometheus.Gauge
	TasksDispatched   prometheus.Counter
	ApprovalsPending  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers the agent's instruments.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		SyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_sync_failures_total",
			Help: "Sync bridge operations that failed or were dropped.",
		}),
		ActiveExperiments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_experiments",
			Help: "Experiments currently in the running state.",
		}),
		TasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_tasks_dispatched_total",
			Help: "Tasks submitted to the worker pool.",
		}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_approvals_pending",
			Help: "Approval requests awaiting a human decision.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.SyncFailures, m.ActiveExperiments, m.TasksDispatched, m.ApprovalsPending)
	return m
}

// Serve exposes /metrics on addr until ctx is cancelled. It blocks.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

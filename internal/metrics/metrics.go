// Package metrics exposes Prometheus metrics for reconciliation and settlement.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridge_trader"

var (
	DeltasApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "deltas_total",
			Help:      "Order book deltas received from the remote venue",
		},
		[]string{"side", "result"},
	)

	WatcherReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Depth watcher reconnect attempts",
		},
		[]string{"side"},
	)

	WindowLevels = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "window_levels",
			Help:      "Price levels currently held per window",
		},
		[]string{"side"},
	)

	Actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "actions_total",
			Help:      "Actions executed against the local venue by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one reconciliation pass over a side",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"side"},
	)

	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transitions_total",
			Help:      "Redirect status transitions",
		},
		[]string{"from", "to"},
	)

	Transfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transfers_total",
			Help:      "Transfer legs by venue and outcome",
		},
		[]string{"system", "outcome"},
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "retries_total",
			Help:      "Settlement task retries after transient failures",
		},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "in_flight",
			Help:      "Settlement tasks currently running",
		},
	)
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	utils.GetLogger().Infof("Metrics | Serving /metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

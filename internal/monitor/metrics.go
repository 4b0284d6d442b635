package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/proton/pkg/logger"
)

var (
	// WorkerRestarts counts respawned pool workers, partitioned by reason.
	WorkerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proton_worker_restarts_total",
		Help: "Total number of pool worker respawns",
	}, []string{"reason"})
	// WorkerReadyDuration tracks the time from spawn to the ready message.
	WorkerReadyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proton_worker_ready_duration_seconds",
		Help:    "Time from spawning a worker until it reported ready",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	WorkersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proton_workers_live",
		Help: "Worker processes currently alive",
	})
	// ConnectionHandoffs counts connections handed to reload children by outcome.
	ConnectionHandoffs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proton_connection_handoffs_total",
		Help: "Connections transferred to reload children",
	}, []string{"result"})
	HandoffDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "proton_handoff_duration_seconds",
		Help: "Time from accept until the child acknowledged the connection",
	})
	ReloadChildren = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proton_reload_children_spawned_total",
		Help: "Reload children spawned",
	})
)

var registerOnce sync.Once

// Register adds every proton collector to the default registry. It is safe
// to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			WorkerRestarts,
			WorkerReadyDuration,
			WorkersLive,
			ConnectionHandoffs,
			HandoffDuration,
			ReloadChildren,
		)
	})
}

// Serve exposes /metrics on addr until ctx is cancelled. It returns the
// bound address once listening.
func Serve(ctx context.Context, addr string) (string, error) {
	Register()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		logger.Log.Info("metrics server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server failed", "error", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Personal.AI order the ending

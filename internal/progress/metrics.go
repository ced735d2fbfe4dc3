package progress

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the prometheus instruments for a harvest run.
type Metrics struct {
	ItemsTotal   *prometheus.CounterVec
	FlushesTotal prometheus.Counter
	RetriesTotal prometheus.Counter
	Cooldowns    prometheus.Counter
	ETASeconds   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers the harvest metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "items_total",
			Help:      "Processed work items by outcome.",
		}, []string{"outcome"}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "flushes_total",
			Help:      "Batches merged into partition storage.",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "retries_total",
			Help:      "Local retry attempts after transient failures.",
		}),
		Cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "cooldowns_total",
			Help:      "Rate limiter cooldown escalations.",
		}),
		ETASeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harvest",
			Name:      "eta_seconds",
			Help:      "Projected seconds until run completion.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.ItemsTotal, m.FlushesTotal, m.RetriesTotal, m.Cooldowns, m.ETASeconds)
	return m
}

// Serve exposes /metrics and /healthz on the given port until ctx is
// cancelled. Intended to run in its own goroutine.
func (m *Metrics) Serve(ctx context.Context, port int) error {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("metrics listener started", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

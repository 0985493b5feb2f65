package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type QueueMetrics struct {
	EnqueueTotal   prometheus.Counter
	CompletedTotal prometheus.Counter
	FailedTotal    prometheus.Counter
	RetriesTotal   prometheus.Counter
	CanceledTotal  prometheus.Counter

	QueuePending    prometheus.Gauge
	QueueProcessing prometheus.Gauge

	ProviderDuration prometheus.Histogram

	store  store.Store
	addr   string
	logger *log.Logger
}

func NewQueueMetrics(s store.Store, addr string, logger *log.Logger) *QueueMetrics {
	m := &QueueMetrics{
		EnqueueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_enqueue_total",
			Help: "Total number of try-on jobs enqueued",
		}),
		CompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_completed_total",
			Help: "Total number of try-on jobs completed",
		}),
		FailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_failed_total",
			Help: "Total number of try-on jobs terminally failed",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_retries_total",
			Help: "Total number of rate-limit retries scheduled",
		}),
		CanceledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tryon_canceled_total",
			Help: "Total number of pending jobs canceled",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tryon_queue_pending",
			Help: "Number of jobs currently pending",
		}),
		QueueProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tryon_queue_processing",
			Help: "Number of jobs currently processing (at most 1)",
		}),
		ProviderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tryon_provider_call_seconds",
			Help:    "Duration of image provider calls",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		store:  s,
		addr:   addr,
		logger: logger,
	}

	prometheus.MustRegister(
		m.EnqueueTotal,
		m.CompletedTotal,
		m.FailedTotal,
		m.RetriesTotal,
		m.CanceledTotal,
		m.QueuePending,
		m.QueueProcessing,
		m.ProviderDuration,
	)
	return m
}

// Run serves /metrics and samples queue depth until ctx is canceled.
func (m *QueueMetrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: m.addr, Handler: mux}

	go m.collect(ctx)

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", m.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *QueueMetrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := m.store.Stats(ctx)
			if err != nil {
				m.logger.Error("Failed to sample queue stats", zap.Error(err))
				continue
			}
			m.QueuePending.Set(float64(st.Pending))
			m.QueueProcessing.Set(float64(st.Processing))
		}
	}
}

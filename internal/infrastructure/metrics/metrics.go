package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/semmidev/dbvault/internal/domain"
)

const namespace = "dbvault"

// Metrics holds the job collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	backupTotal    *prometheus.CounterVec
	backupDuration *prometheus.HistogramVec
	backupSize     *prometheus.GaugeVec
	lastSuccess    *prometheus.GaugeVec
	restoreTotal   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_total",
			Help:      "Backup jobs by database, target and result.",
		}, []string{"database", "target", "result"}),
		backupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Wall time of backup jobs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 15),
		}, []string{"database", "target"}),
		backupSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_size_bytes",
			Help:      "Compressed size of the latest successful backup.",
		}, []string{"database", "target"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_last_success_timestamp_seconds",
			Help:      "Unix time of the latest successful backup.",
		}, []string{"database", "target"}),
		restoreTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_total",
			Help:      "Restore jobs by database, target and result.",
		}, []string{"database", "target", "result"}),
	}

	m.registry.MustRegister(
		m.backupTotal,
		m.backupDuration,
		m.backupSize,
		m.lastSuccess,
		m.restoreTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records a finished job.
func (m *Metrics) Observe(e domain.Event) {
	result := resultLabel(e.Err)
	switch e.Kind {
	case domain.JobBackup:
		m.backupTotal.WithLabelValues(e.Database, e.Target, result).Inc()
		m.backupDuration.WithLabelValues(e.Database, e.Target).Observe(e.Duration.Seconds())
		if e.Err == nil {
			m.backupSize.WithLabelValues(e.Database, e.Target).Set(float64(e.Artifact.Size))
			m.lastSuccess.WithLabelValues(e.Database, e.Target).Set(float64(e.Artifact.CreatedAt.Add(e.Duration).Unix()))
		}
	case domain.JobRestore:
		m.restoreTotal.WithLabelValues(e.Database, e.Target, result).Inc()
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop metrics server: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}

// Push sends the job collectors to a Pushgateway, for one-shot CLI runs.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	err := push.New(url, job).
		Collector(m.backupTotal).
		Collector(m.backupDuration).
		Collector(m.backupSize).
		Collector(m.lastSuccess).
		Collector(m.restoreTotal).
		AddContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if t := domain.TypeOf(err); t != "" {
		return string(t)
	}
	return "error"
}

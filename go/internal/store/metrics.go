package store

import (
	"context"
	"time"

	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting store metrics
type MetricsCollector interface {
	RecordOperation(op string, success bool, duration time.Duration)
	RecordSnapshot(terminal bool)
	RecordSubscribers(delta int)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordOperation(op string, success bool, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordSnapshot(terminal bool)                                   {}
func (n *NoOpMetricsCollector) RecordSubscribers(delta int)                                    {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	snapshots   *prometheus.CounterVec
	subscribers prometheus.Gauge
}

// NewPrometheusMetrics creates the store collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meetingmeter",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by name and outcome.",
		}, []string{"op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meetingmeter",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meetingmeter",
			Subsystem: "store",
			Name:      "snapshots_total",
			Help:      "Snapshots delivered to subscribers.",
		}, []string{"kind"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meetingmeter",
			Subsystem: "store",
			Name:      "subscribers",
			Help:      "Open snapshot subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.snapshots, m.subscribers)
	}
	return m
}

func (m *PrometheusMetrics) RecordOperation(op string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordSnapshot(terminal bool) {
	kind := "record"
	if terminal {
		kind = "terminal"
	}
	m.snapshots.WithLabelValues(kind).Inc()
}

func (m *PrometheusMetrics) RecordSubscribers(delta int) {
	m.subscribers.Add(float64(delta))
}

// InstrumentedStore wraps a Store with metrics collection
type InstrumentedStore struct {
	Store
	metrics MetricsCollector
}

// NewInstrumentedStore wraps store. A nil collector records nothing.
func NewInstrumentedStore(store Store, metrics MetricsCollector) *InstrumentedStore {
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &InstrumentedStore{Store: store, metrics: metrics}
}

// Unwrap returns the decorated store.
func (s *InstrumentedStore) Unwrap() Store {
	return s.Store
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.metrics.RecordOperation(op, err == nil, time.Since(start))
}

func (s *InstrumentedStore) Subscribe(ctx context.Context, sessionID string) (<-chan Snapshot, error) {
	start := time.Now()
	in, err := s.Store.Subscribe(ctx, sessionID)
	s.observe("subscribe", start, err)
	if err != nil {
		return nil, err
	}

	out := make(chan Snapshot, snapshotBuffer)
	s.metrics.RecordSubscribers(1)
	go func() {
		defer close(out)
		defer s.metrics.RecordSubscribers(-1)
		for snap := range in {
			s.metrics.RecordSnapshot(snap.Err != nil)
			select {
			case out <- snap:
			case <-ctx.Done():
				// Drain so the inner forwarder can close.
				for range in {
				}
				return
			}
		}
	}()
	return out, nil
}

func (s *InstrumentedStore) WriteMerge(ctx context.Context, sessionID string, patch models.Patch) error {
	start := time.Now()
	err := s.Store.WriteMerge(ctx, sessionID, patch)
	s.observe("merge", start, err)
	return err
}

func (s *InstrumentedStore) WriteReplace(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	start := time.Now()
	err := s.Store.WriteReplace(ctx, sessionID, rec)
	s.observe("replace", start, err)
	return err
}

func (s *InstrumentedStore) Create(ctx context.Context, sessionID string, rec models.SessionRecord) error {
	start := time.Now()
	err := s.Store.Create(ctx, sessionID, rec)
	s.observe("create", start, err)
	return err
}

func (s *InstrumentedStore) Now(ctx context.Context) (time.Time, error) {
	start := time.Now()
	t, err := s.Store.Now(ctx)
	s.observe("now", start, err)
	return t, err
}

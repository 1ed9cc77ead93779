package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the platform bus.
type Metrics struct {
	config MetricsConfig

	// Device tree metrics
	devicesAdded       *prometheus.CounterVec
	nodesRealized      prometheus.Counter
	devicesEnabled     prometheus.Gauge
	deviceStateChanges *prometheus.CounterVec

	// Protocol metrics
	protocolsPublished *prometheus.CounterVec
	protocolWaiters    prometheus.Gauge

	// Operation metrics
	operationDuration *prometheus.HistogramVec
	errorsByKind      *prometheus.CounterVec

	// Transport metrics
	devhostConnections prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		devicesAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "devices_added_total",
				Help:      "Total number of device_add calls by result",
			},
			[]string{"result"},
		),
		nodesRealized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_realized_total",
				Help:      "Total number of device nodes realized, children included",
			},
		),
		devicesEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices_enabled",
				Help:      "Current number of enabled top-level devices",
			},
		),
		deviceStateChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_state_changes_total",
				Help:      "Total number of device enable/disable transitions",
			},
			[]string{"state"},
		),
		protocolsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocols_published_total",
				Help:      "Total number of set_protocol calls that stored a handle",
			},
			[]string{"protocol"},
		),
		protocolWaiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "protocol_waiters",
				Help:      "Current number of callers parked in wait_protocol",
			},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of bus operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of failed bus operations by error kind",
			},
			[]string{"operation", "kind"},
		),
		devhostConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devhost_connections",
				Help:      "Current number of connected devhost clients",
			},
		),
	}

	registry.MustRegister(
		m.devicesAdded,
		m.nodesRealized,
		m.devicesEnabled,
		m.deviceStateChanges,
		m.protocolsPublished,
		m.protocolWaiters,
		m.operationDuration,
		m.errorsByKind,
		m.devhostConnections,
	)

	return m, nil
}

// RecordDeviceAdd records the outcome of a device_add call.
func (m *Metrics) RecordDeviceAdd(result string, nodes int) {
	if m == nil || m.devicesAdded == nil {
		return
	}
	m.devicesAdded.WithLabelValues(result).Inc()
	if nodes > 0 {
		m.nodesRealized.Add(float64(nodes))
	}
}

// SetDevicesEnabled sets the number of enabled top-level devices.
func (m *Metrics) SetDevicesEnabled(count int) {
	if m == nil || m.devicesEnabled == nil {
		return
	}
	m.devicesEnabled.Set(float64(count))
}

// RecordStateChange records a device transition to state.
func (m *Metrics) RecordStateChange(state string) {
	if m == nil || m.deviceStateChanges == nil {
		return
	}
	m.deviceStateChanges.WithLabelValues(state).Inc()
}

// RecordProtocolPublished records a stored protocol handle.
func (m *Metrics) RecordProtocolPublished(protocol string) {
	if m == nil || m.protocolsPublished == nil {
		return
	}
	m.protocolsPublished.WithLabelValues(protocol).Inc()
}

// WaiterParked increments the waiter gauge.
func (m *Metrics) WaiterParked() {
	if m == nil || m.protocolWaiters == nil {
		return
	}
	m.protocolWaiters.Inc()
}

// WaiterReleased decrements the waiter gauge.
func (m *Metrics) WaiterReleased() {
	if m == nil || m.protocolWaiters == nil {
		return
	}
	m.protocolWaiters.Dec()
}

// RecordOperation records the duration of a bus operation and, on failure,
// its error kind.
func (m *Metrics) RecordOperation(operation string, duration time.Duration, errKind string) {
	if m == nil || m.operationDuration == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if errKind != "" {
		m.errorsByKind.WithLabelValues(operation, errKind).Inc()
	}
}

// ConnectionOpened increments the devhost connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil || m.devhostConnections == nil {
		return
	}
	m.devhostConnections.Inc()
}

// ConnectionClosed decrements the devhost connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil || m.devhostConnections == nil {
		return
	}
	m.devhostConnections.Dec()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. errFn, if not
// nil, receives a serve error other than a normal shutdown.
func (m *Metrics) StartMetricsServer(errFn func(error)) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errFn != nil {
			errFn(err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

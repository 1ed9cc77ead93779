package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "zero event buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("broker").WithDevice("aml-gpio", "0x5:0x1:0x1").Info("added")

	out := buf.String()
	for _, want := range []string{`"component":"broker"`, `"device":"aml-gpio"`, `"triple":"0x5:0x1:0x1"`, `"message":"added"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info", Format: "json"})

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("context logger did not write: %q", buf.String())
	}

	// Missing logger falls back to a no-op.
	FromContext(context.Background()).Info("dropped")
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "pbus"})
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}

	m.RecordDeviceAdd("ok", 3)
	m.RecordDeviceAdd("already_exists", 0)
	m.SetDevicesEnabled(2)
	m.RecordProtocolPublished("pGPO")
	m.WaiterParked()
	m.WaiterParked()
	m.WaiterReleased()
	m.RecordOperation("device_add", time.Millisecond, "already_exists")

	if got := testutil.ToFloat64(m.devicesAdded.WithLabelValues("ok")); got != 1 {
		t.Errorf("devices_added_total{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.nodesRealized); got != 3 {
		t.Errorf("nodes_realized_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.devicesEnabled); got != 2 {
		t.Errorf("devices_enabled = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.protocolWaiters); got != 1 {
		t.Errorf("protocol_waiters = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByKind.WithLabelValues("device_add", "already_exists")); got != 1 {
		t.Errorf("errors_by_kind_total = %v, want 1", got)
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	m.RecordDeviceAdd("ok", 1)
	m.WaiterParked()
	m.RecordOperation("x", time.Second, "internal")
	if m.Registry() != nil {
		t.Errorf("disabled metrics should have no registry")
	}
	if err := m.StartMetricsServer(nil); err != nil {
		t.Errorf("StartMetricsServer() error: %v", err)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordStateChange("enabled")
	if err := nilMetrics.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown() error: %v", err)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher() error: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByDevice("aml-gpio"))

	_ = ep.PublishDeviceAdded("aml-gpio", "0x5:0x1:0x1", "platform-bus", 1)
	_ = ep.PublishDeviceAdded("aml-i2c", "0x5:0x1:0x2", "platform-bus", 1)
	_ = ep.PublishDeviceStateChanged("aml-gpio", "0x5:0x1:0x1", false)

	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].Type != EventTypeDeviceAdded || got[1].Type != EventTypeDeviceDisabled {
		t.Errorf("unexpected event order: %s, %s", got[0].Type, got[1].Type)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("event ID and timestamp should be populated")
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		if err := ep.PublishProtocolPublished("pGPO", false, 0); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("delivered %d events, want 5", count)
	}
}

func TestGlobalFilter(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	ep.AddFilter(FilterByLevel(EventLevelWarning))

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	_ = ep.PublishDeviceAdded("a", "0x1:0x1:0x1", "platform-bus", 1)
	_ = ep.PublishDeviceRejected("b", "0x1:0x1:0x1", "already_exists", "duplicate")

	if len(got) != 1 || got[0] != EventTypeDeviceRejected {
		t.Fatalf("filtered events = %v", got)
	}
}

func TestInstrumentedOperation(t *testing.T) {
	cfg := TestConfig()
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatalf("telemetry not found in context")
	}

	op := StartOperation(ctx, "device_enable", AttrDeviceName.String("aml-gpio"))
	op.End(errors.New("boom"), "not_found")

	got := testutil.ToFloat64(tel.Metrics.errorsByKind.WithLabelValues("device_enable", "not_found"))
	if got != 1 {
		t.Errorf("errors_by_kind_total = %v, want 1", got)
	}

	// Without telemetry in the context StartOperation still works.
	op = StartOperation(context.Background(), "get_board_name")
	op.End(nil, "")
}

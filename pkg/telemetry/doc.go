// Package telemetry provides observability instrumentation for the platform
// bus daemon.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Every bus operation is wrapped in an InstrumentedContext:
//
//	op := tel.StartOperation(ctx, "device_add", telemetry.AttrDeviceName.String(name))
//	err := doAdd(op.Ctx)
//	op.End(err, string(platform.KindOf(err)))
//
// End records the span status, the operation_duration_seconds histogram, and
// on failure increments errors_by_kind_total.
//
// # Events
//
// The EventPublisher delivers device.added, device.enabled, device.disabled,
// protocol.published, and board.info_changed events to subscribers. With
// EnableAsync unset, delivery is synchronous, which tests rely on.
//
// # Metrics
//
// All collectors live on a private registry. A disabled Metrics value is a
// valid no-op and every recording method tolerates a nil receiver.
package telemetry

package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/pbus/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.ListenAddress = ""

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("platform bus started")
}

// Example_events demonstrates synchronous event delivery.
func Example_events() {
	tel := telemetry.NewNopTelemetry()
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Device)
	}, telemetry.FilterByType(telemetry.EventTypeDeviceAdded))

	_ = tel.Events.PublishDeviceAdded("aml-gpio", "0x5:0x1:0x1", "platform-bus", 1)
	_ = tel.Events.PublishDeviceStateChanged("aml-gpio", "0x5:0x1:0x1", false)

	// Output: device.added aml-gpio
}

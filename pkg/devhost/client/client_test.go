package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/openfroyo/pbus/pkg/broker"
	"github.com/openfroyo/pbus/pkg/devhost/server"
	"github.com/openfroyo/pbus/pkg/platform"
)

type harness struct {
	broker *broker.Broker
	server *server.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	items := broker.NewMapBootItems()
	items.Add(0x4d414331, 0, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})

	b, err := broker.New(context.Background(), broker.Options{
		Board:     platform.BoardRecord{Name: "vim2", VID: 5, PID: 3},
		BootItems: items,
	})
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}

	srv, err := server.New(b, nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &harness{broker: b, server: srv, ctx: ctx, cancel: cancel}
}

// connect serves one end of a pipe and returns a client on the other.
func (h *harness) connect(t *testing.T) *Client {
	t.Helper()

	srvConn, cliConn := net.Pipe()
	go func() {
		_ = h.server.ServeConn(h.ctx, srvConn)
	}()

	c := New(cliConn, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func emmc() *platform.DeviceDescriptor {
	return &platform.DeviceDescriptor{
		Name:  "aml-sd-emmc",
		VID:   5,
		PID:   2,
		DID:   11,
		MMIOs: []platform.MMIO{{Base: 0xd0074000, Length: 0x2000}},
		BTIs:  []platform.BTI{{IOMMUIndex: 0, BTIID: 7}},
		Metadata: []platform.Metadata{
			{Type: 0x41524150, Data: []byte{0xde, 0xad}},
			{Type: 0x4d414331},
		},
		Children: []platform.DeviceDescriptor{{Name: "sdio-wifi", VID: 5, PID: 2, DID: 12}},
	}
}

func TestClientRoundTrip(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	ctx := context.Background()

	if err := c.DeviceAdd(ctx, emmc(), 0); err != nil {
		t.Fatalf("DeviceAdd failed: %v", err)
	}
	node, err := h.broker.Device(5, 2, 11)
	if err != nil {
		t.Fatalf("device not realized: %v", err)
	}
	if !reflect.DeepEqual(node.Tree(), emmc()) {
		t.Errorf("realized tree = %+v", node.Tree())
	}

	if err := c.DeviceEnable(ctx, 5, 2, 11, false); err != nil {
		t.Fatalf("DeviceEnable failed: %v", err)
	}
	if node, _ := h.broker.Device(5, 2, 11); node.Enabled() {
		t.Error("device still enabled")
	}

	if name := c.GetBoardName(); name != "vim2" {
		t.Errorf("board name = %q", name)
	}
	if err := c.SetBoardInfo(ctx, &platform.BoardInfo{BoardRevision: 3}); err != nil {
		t.Fatalf("SetBoardInfo failed: %v", err)
	}
	if rev := h.broker.BoardInfo().Revision; rev != 3 {
		t.Errorf("revision = %d", rev)
	}

	triple := platform.Triple{VID: 5, PID: 2, DID: 11}
	data, err := c.Metadata(ctx, triple, 0x41524150, 0)
	if err != nil || !reflect.DeepEqual(data, []byte{0xde, 0xad}) {
		t.Errorf("Metadata = %x, %v", data, err)
	}
	data, err = c.Metadata(ctx, triple, 0x4d414331, 0)
	if err != nil || len(data) != 6 {
		t.Errorf("boot item metadata = %x, %v", data, err)
	}
}

func TestClientErrorKinds(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)
	ctx := context.Background()

	if err := c.DeviceAdd(ctx, emmc(), 0); err != nil {
		t.Fatalf("DeviceAdd failed: %v", err)
	}

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"duplicate device", func() error { return c.DeviceAdd(ctx, emmc(), 0) }, platform.ErrAlreadyExists},
		{"invalid descriptor", func() error {
			return c.DeviceAdd(ctx, &platform.DeviceDescriptor{Name: "", VID: 1, PID: 1, DID: 1}, 0)
		}, platform.ErrInvalidArgument},
		{"nil descriptor", func() error { return c.DeviceAdd(ctx, nil, 0) }, platform.ErrInvalidArgument},
		{"unknown device", func() error { return c.DeviceEnable(ctx, 9, 9, 9, true) }, platform.ErrNotFound},
		{"missing metadata", func() error {
			_, err := c.Metadata(ctx, platform.Triple{VID: 5, PID: 2, DID: 11}, 0x1234, 0)
			return err
		}, platform.ErrNotFound},
		{"nil board info", func() error { return c.SetBoardInfo(ctx, nil) }, platform.ErrInvalidArgument},
		{"nil handle", func() error { return c.SetProtocol(ctx, platform.ProtocolGPIO, nil) }, platform.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want kind %v", err, platform.KindOf(tt.want))
			}
		})
	}
}

func TestClientProtocolAcrossDevhosts(t *testing.T) {
	h := newHarness(t)
	waiter := h.connect(t)
	publisher := h.connect(t)

	type gpioHandle struct {
		Pins int `json:"pins"`
	}

	got := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		handle, err := waiter.WaitProtocol(context.Background(), platform.ProtocolGPIO)
		errCh <- err
		got <- handle
	}()

	waitFor(t, func() bool { return h.broker.Waiters(platform.ProtocolGPIO) == 1 })

	if err := publisher.SetProtocol(context.Background(), platform.ProtocolGPIO, gpioHandle{Pins: 32}); err != nil {
		t.Fatalf("SetProtocol failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WaitProtocol failed: %v", err)
	}

	raw, ok := (<-got).(json.RawMessage)
	if !ok {
		t.Fatalf("handle is not json.RawMessage")
	}
	var handle gpioHandle
	if err := json.Unmarshal(raw, &handle); err != nil || handle.Pins != 32 {
		t.Errorf("handle = %s, %v", raw, err)
	}

	// A handle published in process is encoded for remote waiters.
	if err := h.broker.SetProtocol(context.Background(), platform.ProtocolI2C, map[string]int{"buses": 2}); err != nil {
		t.Fatalf("SetProtocol failed: %v", err)
	}
	handleI2C, err := waiter.WaitProtocol(context.Background(), platform.ProtocolI2C)
	if err != nil {
		t.Fatalf("WaitProtocol failed: %v", err)
	}
	if string(handleI2C.(json.RawMessage)) != `{"buses":2}` {
		t.Errorf("i2c handle = %s", handleI2C)
	}

	// Handles that cannot be encoded stay in process.
	if err := h.broker.SetProtocol(context.Background(), platform.ProtocolClock, func() {}); err != nil {
		t.Fatalf("SetProtocol failed: %v", err)
	}
	if _, err := waiter.WaitProtocol(context.Background(), platform.ProtocolClock); platform.KindOf(err) != platform.KindInternal {
		t.Errorf("error = %v, want internal", err)
	}
}

func TestClientWaitProtocolCancel(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitProtocol(ctx, platform.ProtocolSCPI)
		errCh <- err
	}()

	waitFor(t, func() bool { return h.broker.Waiters(platform.ProtocolSCPI) == 1 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	// The broker drops the parked wait once the cancel arrives.
	waitFor(t, func() bool { return h.broker.Waiters(platform.ProtocolSCPI) == 0 })

	// The connection stays usable.
	if name := c.GetBoardName(); name != "vim2" {
		t.Errorf("board name = %q", name)
	}
}

func TestClientConnectionLost(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitProtocol(context.Background(), platform.ProtocolCanvas)
		errCh <- err
	}()
	waitFor(t, func() bool { return h.broker.Waiters(platform.ProtocolCanvas) == 1 })

	h.cancel()

	if err := <-errCh; !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("parked call error = %v, want unavailable", err)
	}
	<-c.Done()

	if err := c.DeviceEnable(context.Background(), 5, 2, 11, true); !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("call after loss = %v, want unavailable", err)
	}
	if name := c.GetBoardName(); name != platform.UnknownBoardName {
		t.Errorf("board name = %q, want %q", name, platform.UnknownBoardName)
	}
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), "unix", "/nonexistent/pbus.sock", nil)
	if !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("Dial error = %v, want unavailable", err)
	}
}

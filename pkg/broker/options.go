package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/policy"
	"github.com/openfroyo/pbus/pkg/stores"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

// ProtocolPolicy decides what happens when a protocol id is published twice.
type ProtocolPolicy string

const (
	// ProtocolPolicyReplace lets the last SetProtocol win.
	ProtocolPolicyReplace ProtocolPolicy = "replace"

	// ProtocolPolicyReject fails a second SetProtocol with AlreadyBound.
	ProtocolPolicyReject ProtocolPolicy = "reject"
)

// Valid reports whether p is a known policy. The empty policy is valid and
// means ProtocolPolicyReplace.
func (p ProtocolPolicy) Valid() bool {
	switch p {
	case "", ProtocolPolicyReplace, ProtocolPolicyReject:
		return true
	}
	return false
}

// Store is the subset of stores.Store the broker writes through.
type Store interface {
	BeginBoot(ctx context.Context, boot *stores.Boot) error
	SaveDeviceTree(ctx context.Context, devices []*stores.DeviceRecord) error
	UpdateDeviceState(ctx context.Context, id string, enabled bool) error
	SaveBoardInfo(ctx context.Context, bootID string, revision uint32) error
	AppendEvent(ctx context.Context, event *stores.EventRecord) error
}

// Admission decides whether a device tree may be added.
// *policy.Engine implements it.
type Admission interface {
	EvaluateDevice(ctx context.Context, input *policy.Input) (*policy.Result, error)
}

// BootItems resolves metadata deferred to the boot image.
type BootItems interface {
	Lookup(itemType, extra uint32) ([]byte, bool)
}

type bootItemKey struct {
	itemType uint32
	extra    uint32
}

// MapBootItems is an in-memory BootItems source. It is safe for concurrent use.
type MapBootItems struct {
	mu    sync.RWMutex
	items map[bootItemKey][]byte
}

// NewMapBootItems creates an empty boot item table.
func NewMapBootItems() *MapBootItems {
	return &MapBootItems{items: make(map[bootItemKey][]byte)}
}

// Add stores a copy of data under (itemType, extra), replacing any previous item.
func (m *MapBootItems) Add(itemType, extra uint32, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[bootItemKey{itemType, extra}] = append([]byte(nil), data...)
}

// Lookup returns a copy of the item stored under (itemType, extra).
func (m *MapBootItems) Lookup(itemType, extra uint32) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.items[bootItemKey{itemType, extra}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len returns the number of items.
func (m *MapBootItems) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Options configure a Broker. The zero value yields a working in-memory
// broker with an unknown board.
type Options struct {
	// Board is the initial board record.
	Board platform.BoardRecord

	// AllowSharedBTIs is passed to admission policies.
	AllowSharedBTIs bool

	// ProtocolPolicy defaults to ProtocolPolicyReplace.
	ProtocolPolicy ProtocolPolicy

	// MaxMetadataBytes bounds the metadata payload retained across all
	// devices. Zero means unlimited.
	MaxMetadataBytes int

	// MaxDevices bounds the number of realized nodes. Zero means unlimited.
	MaxDevices int

	// Store persists boots, devices, board info and events. Optional.
	Store Store

	// Policy vets every DeviceAdd. Optional.
	Policy Admission

	// BootItems resolves deferred metadata. Optional.
	BootItems BootItems

	// Telemetry defaults to a no-op instance.
	Telemetry *telemetry.Telemetry

	// BootID identifies this broker instance in the store. A random id is
	// used when empty.
	BootID string
}

func (o *Options) validate() error {
	if !o.ProtocolPolicy.Valid() {
		return fmt.Errorf("unknown protocol policy %q", o.ProtocolPolicy)
	}
	if o.MaxMetadataBytes < 0 {
		return fmt.Errorf("max metadata bytes must not be negative")
	}
	if o.MaxDevices < 0 {
		return fmt.Errorf("max devices must not be negative")
	}
	return nil
}

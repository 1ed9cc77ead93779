package platform

import (
	"fmt"
)

// MaxDeviceNameLen is the longest device name the bus accepts.
const MaxDeviceNameLen = 31

// MaxDeviceDepth bounds the nesting of child descriptors.
const MaxDeviceDepth = 8

// UnknownBoardName is returned by GetBoardName before a board is configured.
const UnknownBoardName = "unknown"

// MMIO describes a physical MMIO window.
// Neither Base nor Length need to be page aligned.
type MMIO struct {
	Base   uint64 `json:"base" yaml:"base"`
	Length uint64 `json:"length" yaml:"length" validate:"gt=0"`
}

// IRQMode holds the Zircon interrupt mode flags for an IRQ line.
type IRQMode uint32

// Interrupt trigger modes occupy bits 1-3 of IRQMode.
const (
	IRQModeDefault   IRQMode = 0 << 1
	IRQModeEdgeLow   IRQMode = 1 << 1
	IRQModeEdgeHigh  IRQMode = 2 << 1
	IRQModeLevelLow  IRQMode = 3 << 1
	IRQModeLevelHigh IRQMode = 4 << 1
	IRQModeEdgeBoth  IRQMode = 5 << 1
	IRQModeMask      IRQMode = 7 << 1

	IRQRemap   IRQMode = 1 << 0
	IRQVirtual IRQMode = 1 << 4
)

// Trigger returns the trigger portion of the mode.
func (m IRQMode) Trigger() IRQMode {
	return m & IRQModeMask
}

// Valid reports whether the mode uses a known trigger and no unknown bits.
func (m IRQMode) Valid() bool {
	if m&^(IRQModeMask|IRQRemap|IRQVirtual) != 0 {
		return false
	}
	return m.Trigger() <= IRQModeEdgeBoth
}

func (m IRQMode) String() string {
	var s string
	switch m.Trigger() {
	case IRQModeDefault:
		s = "default"
	case IRQModeEdgeLow:
		s = "edge-low"
	case IRQModeEdgeHigh:
		s = "edge-high"
	case IRQModeLevelLow:
		s = "level-low"
	case IRQModeLevelHigh:
		s = "level-high"
	case IRQModeEdgeBoth:
		s = "edge-both"
	default:
		s = fmt.Sprintf("invalid(%#x)", uint32(m.Trigger()))
	}
	if m&IRQRemap != 0 {
		s += "|remap"
	}
	if m&IRQVirtual != 0 {
		s += "|virtual"
	}
	return s
}

// IRQ describes an interrupt line and its trigger mode.
type IRQ struct {
	IRQ  uint32  `json:"irq" yaml:"irq"`
	Mode IRQMode `json:"mode" yaml:"mode"`
}

// GPIO identifies a GPIO pin.
type GPIO struct {
	GPIO uint32 `json:"gpio" yaml:"gpio"`
}

// I2CChannel addresses a device on an I2C bus.
type I2CChannel struct {
	BusID   uint32 `json:"bus_id" yaml:"bus_id"`
	Address uint16 `json:"address" yaml:"address" validate:"lte=1023"`
}

// Clock identifies a clock.
type Clock struct {
	Clock uint32 `json:"clk" yaml:"clk"`
}

// BTI identifies a bus transaction initiator behind an IOMMU.
type BTI struct {
	IOMMUIndex uint32 `json:"iommu_index" yaml:"iommu_index"`
	BTIID      uint32 `json:"bti_id" yaml:"bti_id"`
}

// Metadata is an opaque blob attached to a device.
// A record with no payload defers to the boot image item that has the
// same Type and Extra.
type Metadata struct {
	// Type matches the boot item type for bootloader metadata.
	Type uint32 `json:"type" yaml:"type"`

	// Extra matches the boot item extra field for bootloader metadata.
	Extra uint32 `json:"extra" yaml:"extra"`

	// Data is the payload. Leave empty for bootloader metadata.
	Data []byte `json:"data,omitempty" yaml:"data,omitempty"`
}

// FromBootImage reports whether the record defers to boot image metadata.
func (m Metadata) FromBootImage() bool {
	return len(m.Data) == 0
}

// Triple is the (vendor, product, device) identity of a platform device.
type Triple struct {
	VID uint32 `json:"vid"`
	PID uint32 `json:"pid"`
	DID uint32 `json:"did"`
}

func (t Triple) String() string {
	return fmt.Sprintf("%#x:%#x:%#x", t.VID, t.PID, t.DID)
}

// IsZero reports whether all three ids are zero.
func (t Triple) IsZero() bool {
	return t.VID == 0 && t.PID == 0 && t.DID == 0
}

// DeviceDescriptor describes a platform device and the resources it owns.
type DeviceDescriptor struct {
	Name string `json:"name" yaml:"name" validate:"required,max=31,excludes=/"`
	VID  uint32 `json:"vid" yaml:"vid"`
	PID  uint32 `json:"pid" yaml:"pid"`
	DID  uint32 `json:"did" yaml:"did"`

	MMIOs       []MMIO       `json:"mmios,omitempty" yaml:"mmios,omitempty" validate:"dive"`
	IRQs        []IRQ        `json:"irqs,omitempty" yaml:"irqs,omitempty"`
	GPIOs       []GPIO       `json:"gpios,omitempty" yaml:"gpios,omitempty"`
	I2CChannels []I2CChannel `json:"i2c_channels,omitempty" yaml:"i2c_channels,omitempty" validate:"dive"`
	Clocks      []Clock      `json:"clks,omitempty" yaml:"clks,omitempty"`
	BTIs        []BTI        `json:"btis,omitempty" yaml:"btis,omitempty"`
	Metadata    []Metadata   `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Children are realized under this device. They exist for drivers of
	// this device that must reach platform bus resources themselves.
	Children []DeviceDescriptor `json:"children,omitempty" yaml:"children,omitempty"`
}

// Triple returns the device's vendor/product/device identity.
func (d *DeviceDescriptor) Triple() Triple {
	return Triple{VID: d.VID, PID: d.PID, DID: d.DID}
}

// Walk visits d and its children depth-first. path holds the names from
// the root to the visited descriptor, inclusive.
func (d *DeviceDescriptor) Walk(fn func(path []string, dev *DeviceDescriptor) error) error {
	return d.walk(nil, fn)
}

func (d *DeviceDescriptor) walk(parent []string, fn func([]string, *DeviceDescriptor) error) error {
	path := make([]string, len(parent)+1)
	copy(path, parent)
	path[len(parent)] = d.Name

	if err := fn(path, d); err != nil {
		return err
	}
	for i := range d.Children {
		if err := d.Children[i].walk(path, fn); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of descriptors in the tree rooted at d.
func (d *DeviceDescriptor) Count() int {
	n := 1
	for i := range d.Children {
		n += d.Children[i].Count()
	}
	return n
}

// MetadataBytes returns the total payload size carried by the tree.
func (d *DeviceDescriptor) MetadataBytes() int {
	total := 0
	for _, m := range d.Metadata {
		total += len(m.Data)
	}
	for i := range d.Children {
		total += d.Children[i].MetadataBytes()
	}
	return total
}

// AddFlags modify DeviceAdd.
type AddFlags uint32

const (
	// AddPbusDevhost runs the device in the platform bus devhost instead of
	// a new isolated devhost.
	AddPbusDevhost AddFlags = 1 << 0
)

// Has reports whether all bits in f2 are set.
func (f AddFlags) Has(f2 AddFlags) bool {
	return f&f2 == f2
}

// BoardInfo is the subset of board information a board driver may set.
type BoardInfo struct {
	// BoardRevision is the board specific revision number.
	BoardRevision uint32 `json:"board_revision" yaml:"board_revision"`
}

// BoardRecord is the broker's full view of the board.
type BoardRecord struct {
	VID      uint32 `json:"vid"`
	PID      uint32 `json:"pid"`
	Name     string `json:"name"`
	Revision uint32 `json:"revision"`
}

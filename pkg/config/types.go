package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

// Config is a board file: the board identity, the devices the board driver
// adds at start, and the settings of the daemon that serves the bus.
type Config struct {
	// Board identifies the board.
	Board BoardConfig `yaml:"board" json:"board"`

	// Broker tunes the broker.
	Broker BrokerConfig `yaml:"broker" json:"broker"`

	// BootItems are the boot image items deferred metadata resolves to.
	BootItems []BootItem `yaml:"boot_items,omitempty" json:"boot_items,omitempty" validate:"dive"`

	// Devices are added in order when the daemon starts.
	Devices []DeviceConfig `yaml:"devices,omitempty" json:"devices,omitempty"`

	// Store configures durable records. An empty path disables the store.
	Store StoreConfig `yaml:"store" json:"store"`

	// Server configures the devhost listener.
	Server ServerConfig `yaml:"server" json:"server"`

	// Policy configures device admission policies.
	Policy PolicyConfig `yaml:"policy" json:"policy"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty" json:"telemetry,omitempty" validate:"-"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-" json:"-"`
}

// BoardConfig is the board identity.
type BoardConfig struct {
	Name     string `yaml:"name" json:"name" validate:"max=31"`
	VID      uint32 `yaml:"vid" json:"vid"`
	PID      uint32 `yaml:"pid" json:"pid"`
	Revision uint32 `yaml:"revision" json:"revision"`

	// AllowSharedBTIs lets devices in the platform-bus devhost carry BTIs.
	AllowSharedBTIs bool `yaml:"allow_shared_btis" json:"allow_shared_btis"`
}

// Record converts the board identity to the broker's board record.
func (b BoardConfig) Record() platform.BoardRecord {
	return platform.BoardRecord{
		VID:      b.VID,
		PID:      b.PID,
		Name:     b.Name,
		Revision: b.Revision,
	}
}

// BrokerConfig tunes the broker.
type BrokerConfig struct {
	// ProtocolPolicy is "replace" (default) or "reject".
	ProtocolPolicy string `yaml:"protocol_policy" json:"protocol_policy" validate:"omitempty,oneof=replace reject"`

	// MaxMetadataBytes bounds retained metadata. Zero means unlimited.
	MaxMetadataBytes int `yaml:"max_metadata_bytes" json:"max_metadata_bytes" validate:"gte=0"`

	// MaxDevices bounds realized nodes. Zero means unlimited.
	MaxDevices int `yaml:"max_devices" json:"max_devices" validate:"gte=0"`
}

// BootItem is one boot image item.
type BootItem struct {
	Type  uint32 `yaml:"type" json:"type"`
	Extra uint32 `yaml:"extra" json:"extra"`

	// Data is the base64 encoded payload.
	Data string `yaml:"data" json:"data" validate:"required,base64"`
}

// DeviceConfig is a device added by the board driver at start.
type DeviceConfig struct {
	platform.DeviceDescriptor `yaml:",inline"`

	// PbusDevhost places the device in the platform bus devhost.
	PbusDevhost bool `yaml:"pbus_devhost,omitempty" json:"pbus_devhost,omitempty"`

	// Disabled disables the device right after it is added.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Flags returns the DeviceAdd flags for the device.
func (d *DeviceConfig) Flags() platform.AddFlags {
	if d.PbusDevhost {
		return platform.AddPbusDevhost
	}
	return 0
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file, or ":memory:".
	Path string `yaml:"path" json:"path"`
}

// ServerConfig configures the devhost listener.
type ServerConfig struct {
	Network string `yaml:"network" json:"network" validate:"omitempty,oneof=unix tcp"`
	Address string `yaml:"address" json:"address"`
}

// PolicyConfig configures device admission policies.
type PolicyConfig struct {
	// Disabled turns admission checks off, built-in policies included.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// Paths lists .rego and .json policy files or directories.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`

	// Watch reloads policies when the files change.
	Watch bool `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value (e.g., "devices[0].name").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is returned when a board file is malformed.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.String()
	}
	return "invalid board file: " + strings.Join(msgs, "; ")
}

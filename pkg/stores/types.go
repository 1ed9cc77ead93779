package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Boot is one lifetime of the platform bus. Device rows are scoped to it.
type Boot struct {
	ID            string    `json:"id"`
	BoardName     string    `json:"board_name"`
	BoardVID      uint32    `json:"board_vid"`
	BoardPID      uint32    `json:"board_pid"`
	BoardRevision uint32    `json:"board_revision"`
	StartedAt     time.Time `json:"started_at"`
}

// DeviceRecord is a persisted device node.
type DeviceRecord struct {
	ID       string  `json:"id"`
	BootID   string  `json:"boot_id"`
	ParentID *string `json:"parent_id,omitempty"`
	Path     string  `json:"path"`
	Name     string  `json:"name"`
	VID      uint32  `json:"vid"`
	PID      uint32  `json:"pid"`
	DID      uint32  `json:"did"`
	Devhost  string  `json:"devhost"`
	Flags    uint32  `json:"flags"`
	Enabled  bool    `json:"enabled"`

	// Descriptor is the binary-encoded node, children excluded.
	Descriptor []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Metadata is written alongside the device row.
	Metadata []MetadataRecord `json:"metadata,omitempty"`
}

// MetadataRecord is one metadata blob of a device. An empty Data means the
// payload comes from the boot image.
type MetadataRecord struct {
	Seq   int    `json:"seq"`
	Type  uint32 `json:"type"`
	Extra uint32 `json:"extra"`
	Data  []byte `json:"data,omitempty"`
}

// EventRecord is a persisted bus event.
type EventRecord struct {
	ID        string    `json:"id"`
	BootID    *string   `json:"boot_id,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Device    *string   `json:"device,omitempty"`
	Triple    *string   `json:"triple,omitempty"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the persistence operations used by the broker and the CLI.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	BeginBoot(ctx context.Context, boot *Boot) error
	LatestBoot(ctx context.Context) (*Boot, error)

	SaveDeviceTree(ctx context.Context, devices []*DeviceRecord) error
	UpdateDeviceState(ctx context.Context, id string, enabled bool) error
	ListDevices(ctx context.Context, bootID string) ([]*DeviceRecord, error)
	GetMetadata(ctx context.Context, bootID string, vid, pid, did, metaType, extra uint32) ([]byte, error)

	SaveBoardInfo(ctx context.Context, bootID string, revision uint32) error
	GetBoardInfo(ctx context.Context, bootID string) (uint32, error)

	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, bootID string, limit, offset int) ([]*EventRecord, error)
}

package stores

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func createBoot(t *testing.T, store *SQLiteStore, id string) *Boot {
	t.Helper()

	boot := &Boot{
		ID:            id,
		BoardName:     "vim2",
		BoardVID:      0x05,
		BoardPID:      0x03,
		BoardRevision: 1,
		StartedAt:     time.Now().UTC(),
	}
	if err := store.BeginBoot(context.Background(), boot); err != nil {
		t.Fatalf("failed to begin boot: %v", err)
	}
	return boot
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"boots", "devices", "metadata", "board_info", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestLatestBoot(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if _, err := store.LatestBoot(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	createBoot(t, store, "boot-1")
	createBoot(t, store, "boot-2")

	latest, err := store.LatestBoot(ctx)
	if err != nil {
		t.Fatalf("failed to get latest boot: %v", err)
	}
	if latest.ID != "boot-2" {
		t.Errorf("expected boot-2, got %s", latest.ID)
	}
	if latest.BoardName != "vim2" {
		t.Errorf("expected board name vim2, got %s", latest.BoardName)
	}
}

func TestDeviceTree(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	boot := createBoot(t, store, "boot-1")
	now := time.Now().UTC()

	parentID := "dev-parent"
	devices := []*DeviceRecord{
		{
			ID:         parentID,
			BootID:     boot.ID,
			Path:       "aml-sd-emmc",
			Name:       "aml-sd-emmc",
			VID:        5,
			PID:        2,
			DID:        0xb,
			Devhost:    "platform-bus",
			Enabled:    true,
			Descriptor: []byte{1, 2, 3},
			CreatedAt:  now,
			UpdatedAt:  now,
			Metadata: []MetadataRecord{
				{Seq: 0, Type: 0x41524150, Extra: 0, Data: []byte{0xde, 0xad}},
				{Seq: 1, Type: 0x4d414331, Extra: 2},
			},
		},
		{
			ID:         "dev-child",
			BootID:     boot.ID,
			ParentID:   &parentID,
			Path:       "aml-sd-emmc/sdio-wifi",
			Name:       "sdio-wifi",
			VID:        5,
			PID:        2,
			DID:        0xc,
			Devhost:    "platform-bus",
			Enabled:    true,
			Descriptor: []byte{4},
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}

	if err := store.SaveDeviceTree(ctx, devices); err != nil {
		t.Fatalf("failed to save device tree: %v", err)
	}

	listed, err := store.ListDevices(ctx, boot.ID)
	if err != nil {
		t.Fatalf("failed to list devices: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(listed))
	}
	if listed[0].Path != "aml-sd-emmc" || listed[1].Path != "aml-sd-emmc/sdio-wifi" {
		t.Errorf("unexpected order: %s, %s", listed[0].Path, listed[1].Path)
	}
	if listed[1].ParentID == nil || *listed[1].ParentID != parentID {
		t.Errorf("child lost its parent id")
	}
	if len(listed[0].Metadata) != 2 {
		t.Fatalf("expected 2 metadata records, got %d", len(listed[0].Metadata))
	}
	if !bytes.Equal(listed[0].Descriptor, []byte{1, 2, 3}) {
		t.Errorf("descriptor blob changed: %v", listed[0].Descriptor)
	}

	data, err := store.GetMetadata(ctx, boot.ID, 5, 2, 0xb, 0x41524150, 0)
	if err != nil {
		t.Fatalf("failed to get metadata: %v", err)
	}
	if !bytes.Equal(data, []byte{0xde, 0xad}) {
		t.Errorf("metadata payload = %v", data)
	}

	data, err = store.GetMetadata(ctx, boot.ID, 5, 2, 0xb, 0x4d414331, 2)
	if err != nil || data != nil {
		t.Errorf("deferred metadata = %v, %v; want nil, nil", data, err)
	}

	if _, err := store.GetMetadata(ctx, boot.ID, 5, 2, 0xb, 0x41524150, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.UpdateDeviceState(ctx, parentID, false); err != nil {
		t.Fatalf("failed to update device state: %v", err)
	}
	listed, _ = store.ListDevices(ctx, boot.ID)
	if listed[0].Enabled || listed[1].Enabled {
		t.Error("expected device and its child to be disabled")
	}

	if err := store.UpdateDeviceState(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing device, got %v", err)
	}
}

func TestSaveDeviceTreeIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	boot := createBoot(t, store, "boot-1")
	now := time.Now().UTC()

	devices := []*DeviceRecord{
		{ID: "a", BootID: boot.ID, Path: "gpio", Name: "gpio", VID: 1, PID: 1, DID: 1, Devhost: "platform-bus", Descriptor: []byte{0}, CreatedAt: now, UpdatedAt: now},
		// Same path within the boot violates the unique constraint.
		{ID: "b", BootID: boot.ID, Path: "gpio", Name: "gpio", VID: 1, PID: 1, DID: 2, Devhost: "platform-bus", Descriptor: []byte{0}, CreatedAt: now, UpdatedAt: now},
	}

	if err := store.SaveDeviceTree(ctx, devices); err == nil {
		t.Fatal("expected constraint violation")
	}

	listed, err := store.ListDevices(ctx, boot.ID)
	if err != nil {
		t.Fatalf("failed to list devices: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected rollback, found %d devices", len(listed))
	}
}

func TestBoardInfo(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	boot := createBoot(t, store, "boot-1")

	if _, err := store.GetBoardInfo(ctx, boot.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for _, rev := range []uint32{3, 4} {
		if err := store.SaveBoardInfo(ctx, boot.ID, rev); err != nil {
			t.Fatalf("failed to save board info: %v", err)
		}
	}

	rev, err := store.GetBoardInfo(ctx, boot.ID)
	if err != nil {
		t.Fatalf("failed to get board info: %v", err)
	}
	if rev != 4 {
		t.Errorf("expected revision 4, got %d", rev)
	}

	latest, err := store.LatestBoot(ctx)
	if err != nil {
		t.Fatalf("failed to get latest boot: %v", err)
	}
	if latest.BoardRevision != 4 {
		t.Errorf("latest boot revision = %d, want 4", latest.BoardRevision)
	}
}

func TestEventLog(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	boot := createBoot(t, store, "boot-1")
	device := "aml-gpio"
	data := `{"devhost":"platform-bus"}`

	for i, typ := range []string{"device.added", "device.disabled"} {
		event := &EventRecord{
			ID:        typ,
			BootID:    &boot.ID,
			Type:      typ,
			Level:     "info",
			Device:    &device,
			Message:   typ,
			Data:      &data,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, boot.ID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "device.added" || events[1].Type != "device.disabled" {
		t.Errorf("unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].Device == nil || *events[0].Device != device {
		t.Errorf("event device not persisted")
	}
}

package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	path   string
	config Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a fresh database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path:   cfg.Path,
		config: cfg,
	}, nil
}

// Init opens the database connection and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", s.path)
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginBoot records the start of a boot.
func (s *SQLiteStore) BeginBoot(ctx context.Context, boot *Boot) error {
	query := `
		INSERT INTO boots (id, board_name, board_vid, board_pid, board_revision, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		boot.ID,
		boot.BoardName,
		boot.BoardVID,
		boot.BoardPID,
		boot.BoardRevision,
		boot.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create boot: %w", err)
	}

	return nil
}

// LatestBoot returns the most recently started boot.
func (s *SQLiteStore) LatestBoot(ctx context.Context) (*Boot, error) {
	query := `
		SELECT b.id, b.board_name, b.board_vid, b.board_pid,
		       COALESCE(bi.revision, b.board_revision), b.started_at
		FROM boots b
		LEFT JOIN board_info bi ON bi.boot_id = b.id
		ORDER BY b.started_at DESC, b.rowid DESC
		LIMIT 1
	`

	boot := &Boot{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&boot.ID,
		&boot.BoardName,
		&boot.BoardVID,
		&boot.BoardPID,
		&boot.BoardRevision,
		&boot.StartedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no boot recorded: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest boot: %w", err)
	}

	return boot, nil
}

// SaveDeviceTree writes the device rows and their metadata in a single
// transaction. Parents must precede their children in devices.
func (s *SQLiteStore) SaveDeviceTree(ctx context.Context, devices []*DeviceRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	deviceQuery := `
		INSERT INTO devices (
			id, boot_id, parent_id, path, name, vid, pid, did,
			devhost, flags, enabled, descriptor, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	metadataQuery := `
		INSERT INTO metadata (device_id, seq, type, extra, data)
		VALUES (?, ?, ?, ?, ?)
	`

	for _, dev := range devices {
		_, err = tx.ExecContext(ctx, deviceQuery,
			dev.ID,
			dev.BootID,
			dev.ParentID,
			dev.Path,
			dev.Name,
			dev.VID,
			dev.PID,
			dev.DID,
			dev.Devhost,
			dev.Flags,
			dev.Enabled,
			dev.Descriptor,
			dev.CreatedAt,
			dev.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert device %s: %w", dev.Path, err)
		}

		for _, md := range dev.Metadata {
			_, err = tx.ExecContext(ctx, metadataQuery, dev.ID, md.Seq, md.Type, md.Extra, md.Data)
			if err != nil {
				return fmt.Errorf("failed to insert metadata for %s: %w", dev.Path, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit device tree: %w", err)
	}

	return nil
}

// UpdateDeviceState sets the enabled flag of a device and all of its
// descendants.
func (s *SQLiteStore) UpdateDeviceState(ctx context.Context, id string, enabled bool) error {
	query := `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM devices WHERE id = ?
			UNION ALL
			SELECT d.id FROM devices d JOIN subtree s ON d.parent_id = s.id
		)
		UPDATE devices
		SET enabled = ?, updated_at = ?
		WHERE id IN (SELECT id FROM subtree)
	`

	result, err := s.db.ExecContext(ctx, query, id, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update device state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListDevices lists the devices of a boot, parents before children.
func (s *SQLiteStore) ListDevices(ctx context.Context, bootID string) ([]*DeviceRecord, error) {
	query := `
		SELECT id, boot_id, parent_id, path, name, vid, pid, did,
		       devhost, flags, enabled, descriptor, created_at, updated_at
		FROM devices
		WHERE boot_id = ?
		ORDER BY rowid
	`

	rows, err := s.db.QueryContext(ctx, query, bootID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []*DeviceRecord{}
	byID := map[string]*DeviceRecord{}
	for rows.Next() {
		dev := &DeviceRecord{}
		err := rows.Scan(
			&dev.ID,
			&dev.BootID,
			&dev.ParentID,
			&dev.Path,
			&dev.Name,
			&dev.VID,
			&dev.PID,
			&dev.DID,
			&dev.Devhost,
			&dev.Flags,
			&dev.Enabled,
			&dev.Descriptor,
			&dev.CreatedAt,
			&dev.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, dev)
		byID[dev.ID] = dev
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	if err := s.attachMetadata(ctx, bootID, byID); err != nil {
		return nil, err
	}

	return devices, nil
}

func (s *SQLiteStore) attachMetadata(ctx context.Context, bootID string, byID map[string]*DeviceRecord) error {
	query := `
		SELECT m.device_id, m.seq, m.type, m.extra, m.data
		FROM metadata m
		JOIN devices d ON d.id = m.device_id
		WHERE d.boot_id = ?
		ORDER BY m.device_id, m.seq
	`

	rows, err := s.db.QueryContext(ctx, query, bootID)
	if err != nil {
		return fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var deviceID string
		md := MetadataRecord{}
		if err := rows.Scan(&deviceID, &md.Seq, &md.Type, &md.Extra, &md.Data); err != nil {
			return fmt.Errorf("failed to scan metadata: %w", err)
		}
		if dev, ok := byID[deviceID]; ok {
			dev.Metadata = append(dev.Metadata, md)
		}
	}

	return rows.Err()
}

// GetMetadata returns the first metadata blob of type metaType and extra
// attached to the device with the given triple in a boot. A nil slice with
// no error means the blob was declared without a payload.
func (s *SQLiteStore) GetMetadata(ctx context.Context, bootID string, vid, pid, did, metaType, extra uint32) ([]byte, error) {
	query := `
		SELECT m.data
		FROM metadata m
		JOIN devices d ON d.id = m.device_id
		WHERE d.boot_id = ? AND d.vid = ? AND d.pid = ? AND d.did = ?
		  AND m.type = ? AND m.extra = ?
		ORDER BY d.rowid, m.seq
		LIMIT 1
	`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, bootID, vid, pid, did, metaType, extra).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metadata %#x/%d: %w", metaType, extra, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}

	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// SaveBoardInfo upserts the board revision of a boot.
func (s *SQLiteStore) SaveBoardInfo(ctx context.Context, bootID string, revision uint32) error {
	query := `
		INSERT INTO board_info (boot_id, revision, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(boot_id) DO UPDATE SET
			revision = excluded.revision,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, bootID, revision, time.Now()); err != nil {
		return fmt.Errorf("failed to save board info: %w", err)
	}

	return nil
}

// GetBoardInfo returns the last revision saved for a boot.
func (s *SQLiteStore) GetBoardInfo(ctx context.Context, bootID string) (uint32, error) {
	query := `SELECT revision FROM board_info WHERE boot_id = ?`

	var revision uint32
	err := s.db.QueryRowContext(ctx, query, bootID).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("board info for boot %s: %w", bootID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get board info: %w", err)
	}

	return revision, nil
}

// AppendEvent appends a bus event to the event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (id, boot_id, type, level, device, triple, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.BootID,
		event.Type,
		event.Level,
		event.Device,
		event.Triple,
		event.Message,
		event.Data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents lists the events of a boot in chronological order.
func (s *SQLiteStore) ListEvents(ctx context.Context, bootID string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, boot_id, type, level, device, triple, message, data, timestamp
		FROM events
		WHERE boot_id = ?
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, bootID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.BootID,
			&event.Type,
			&event.Level,
			&event.Device,
			&event.Triple,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

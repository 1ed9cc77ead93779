// Package stores provides the persistence layer for the platform bus.
// It records each boot, the device nodes realized during that boot with
// their metadata blobs, the board revision, and the bus event log, in a
// SQLite database managed by embedded migrations.
package stores

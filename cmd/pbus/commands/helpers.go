package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pbus/pkg/config"
	"github.com/openfroyo/pbus/pkg/devhost/client"
	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/stores"
)

// openStore opens and migrates the SQLite store at path.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// storePath returns the store path of the board file.
func storePath() (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Store.Path == "" {
		return "", fmt.Errorf("board file %s configures no store", configPath)
	}
	return cfg.Store.Path, nil
}

// daemonAddress resolves the daemon socket from --socket or the board file.
func daemonAddress() (network, address string) {
	if socketPath != "" {
		return "unix", socketPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Debug().Err(err).Msg("Using default daemon address")
		return config.DefaultNetwork, config.DefaultAddress
	}
	return cfg.Server.Network, cfg.Server.Address
}

// dialDaemon connects to a running daemon.
func dialDaemon(ctx context.Context) (*client.Client, error) {
	network, address := daemonAddress()
	return client.Dial(ctx, network, address, nil)
}

// parseTriple parses "vid:pid:did". Each part may be decimal or 0x-prefixed
// hex.
func parseTriple(s string) (platform.Triple, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return platform.Triple{}, fmt.Errorf("invalid device %q: want vid:pid:did", s)
	}

	var ids [3]uint32
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, 32)
		if err != nil {
			return platform.Triple{}, fmt.Errorf("invalid device %q: %w", s, err)
		}
		ids[i] = uint32(v)
	}
	return platform.Triple{VID: ids[0], PID: ids[1], DID: ids[2]}, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/pbus/pkg/broker"
	"github.com/openfroyo/pbus/pkg/config"
	"github.com/openfroyo/pbus/pkg/devhost/server"
	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/policy"
	"github.com/openfroyo/pbus/pkg/stores"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		listen    string
		storeFile string
		noPolicy  bool
		noWatch   bool
		dev       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the platform bus daemon",
		Long: `Run the platform bus daemon for the board described by the board file.

At start the daemon:
  - opens and migrates the store and records a new boot
  - loads the built-in and configured admission policies
  - adds every device listed in the board file, in order
  - listens for devhost connections

While running it re-applies the board revision when the board file changes
and reloads policies when policy files change.`,
		Example: `  # Serve the board described in /etc/pbus/board.yaml
  pbus serve

  # Serve a CUE board file on a custom socket
  pbus serve -c ./vim2.cue --listen /tmp/pbus.sock

  # Serve without admission policies or persistence
  pbus serve --no-policy --store ""`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load board file: %w", err)
			}
			if listen != "" {
				cfg.Server.Network, cfg.Server.Address = "unix", listen
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Path = storeFile
			}
			if noPolicy {
				cfg.Policy.Disabled = true
			}
			if dev {
				cfg.Telemetry = telemetry.DevelopmentConfig()
			}
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}
			return runServe(cmd.Context(), cfg, !noWatch)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "unix socket to listen on (overrides the board file)")
	cmd.Flags().StringVar(&storeFile, "store", "", "store path (overrides the board file; empty disables)")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "disable admission policies")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the board file for changes")
	cmd.Flags().BoolVar(&dev, "dev", false, "debug logging and stdout tracing instead of the board file's telemetry")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, watch bool) error {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger := tel.Logger.NewComponentLogger("serve")

	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	opts := broker.Options{
		Board:            cfg.Board.Record(),
		AllowSharedBTIs:  cfg.Board.AllowSharedBTIs,
		ProtocolPolicy:   broker.ProtocolPolicy(cfg.Broker.ProtocolPolicy),
		MaxMetadataBytes: cfg.Broker.MaxMetadataBytes,
		MaxDevices:       cfg.Broker.MaxDevices,
		Telemetry:        tel,
	}

	var store *stores.SQLiteStore
	if cfg.Store.Path != "" {
		store, err = openStore(ctx, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()
		opts.Store = store
	}

	if !cfg.Policy.Disabled {
		engine, err := startPolicies(ctx, cfg.Policy, tel)
		if err != nil {
			return err
		}
		opts.Policy = engine
	}

	items, err := cfg.BootItemTable()
	if err != nil {
		return err
	}
	opts.BootItems = items
	logger.WithField("boot_items", items.Len()).Debug("Boot items loaded")

	b, err := broker.New(ctx, opts)
	if err != nil {
		return err
	}

	if err := addDevices(ctx, b, cfg.Devices); err != nil {
		return err
	}

	if watch && cfg.Source != "" && !isDir(cfg.Source) {
		w := config.NewWatcher(cfg.Source, tel.Logger.Zerolog())
		err := w.Watch(ctx, func(next *config.Config) {
			info := &platform.BoardInfo{BoardRevision: next.Board.Revision}
			if err := b.SetBoardInfo(ctx, info); err != nil {
				logger.WithError(err).Error("Failed to apply board revision")
			}
		})
		if err != nil {
			logger.WithError(err).Warn("Board file will not be watched")
		}
	}

	srv, err := server.New(b, tel)
	if err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"board":   b.GetBoardName(),
		"devices": len(b.Devices()),
		"address": cfg.Server.Address,
	}).Info("Platform bus ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Network, cfg.Server.Address)
	})
	if store != nil {
		g.Go(func() error {
			monitorStore(gctx, store, logger)
			return nil
		})
	}
	return g.Wait()
}

// storeHealthInterval is how often the daemon pings its store.
const storeHealthInterval = 30 * time.Second

// monitorStore logs when the store stops answering.
func monitorStore(ctx context.Context, store *stores.SQLiteStore, logger *telemetry.Logger) {
	ticker := time.NewTicker(storeHealthInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := store.HealthCheck(ctx)
			switch {
			case err != nil && healthy:
				logger.WithError(err).Error("Store health check failed")
			case err == nil && !healthy:
				logger.Info("Store healthy again")
			}
			healthy = err == nil
		}
	}
}

// startPolicies builds the admission engine and, when configured, keeps it
// in sync with the policy files.
func startPolicies(ctx context.Context, cfg config.PolicyConfig, tel *telemetry.Telemetry) (*policy.Engine, error) {
	zl := tel.Logger.Zerolog()

	engine, err := policy.NewEngine(zl)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Paths) == 0 {
		return engine, nil
	}

	if err := engine.LoadPolicies(ctx, cfg.Paths); err != nil {
		return nil, err
	}

	if cfg.Watch {
		loader := policy.NewLoader(zl)
		err := loader.Watch(ctx, cfg.Paths, func(policies []policy.Policy) error {
			return engine.ReplacePolicies(ctx, policies)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	return engine, nil
}

// addDevices adds the board file's devices in order. A device marked
// disabled is disabled right after it is added.
func addDevices(ctx context.Context, bus platform.Bus, devices []config.DeviceConfig) error {
	for i := range devices {
		dev := &devices[i]
		if err := bus.DeviceAdd(ctx, &dev.DeviceDescriptor, dev.Flags()); err != nil {
			return fmt.Errorf("failed to add device %s: %w", dev.Name, err)
		}
		if dev.Disabled {
			if err := bus.DeviceEnable(ctx, dev.VID, dev.PID, dev.DID, false); err != nil {
				return fmt.Errorf("failed to disable device %s: %w", dev.Name, err)
			}
		}
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

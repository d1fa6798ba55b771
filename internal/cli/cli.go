// ============================================================================
// dashsync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that wire the client components together
//
// Command Structure:
//   dashsync                       # Root command
//   ├── run                        # Start the client
//   ├── status                     # Show configuration, persisted state and live connection
//   ├── resync                     # Redeliver dead-lettered log batches
//   ├── cache
//   │   ├── install                # Pre-populate the configured cache generation
//   │   └── activate               # Purge every other generation
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --log-level                # Overrides log.level
//   └── --version
//
// run Command:
//   1. Load and validate config
//   2. Build transport, log buffer, scheduler, cache bridge and orchestrator
//   3. Start local API and metrics server (if enabled)
//   4. Wait for SIGINT or SIGTERM
//   5. Shut down: final snapshot, log buffer drained or dead-lettered
//
// resync Command:
//   Replays the dead-letter log through the backend's log endpoint. The old
//   file is archived; batches that still fail are written back.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dashsync/internal/cachebridge"
	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/snapshot"
	"github.com/ChuLiYu/dashsync/internal/storage/wal"
	"github.com/ChuLiYu/dashsync/internal/transport"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

const shutdownTimeout = 15 * time.Second

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dashsync",
		Short: "dashsync: a resilient sync layer for the dashboard",
		Long: `dashsync keeps the dashboard usable through network loss:
- Reconnecting stream with an offline write queue
- Batched log delivery with a durable dead-letter log
- Exactly-once time-based alerts
- Offline asset cache
- One canonical snapshot with real/fallback provenance`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildResyncCommand())
	rootCmd.AddCommand(buildCacheCommand())

	return rootCmd
}

// load reads the config and builds the environment it describes.
func load() (*Config, env.Env, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, env.Env{}, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, env.New(cfg.envOptions()), nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dashsync client",
		Long:  "Connect to the backend, serve the local API and keep the snapshot in sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runClient(ctx)
		},
	}
}

func runClient(ctx context.Context) error {
	cfg, e, err := load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	log := e.Log

	app, err := NewApp(e, cfg)
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("backend", cfg.Backend.BaseURL).
		Bool("api", cfg.API.Enabled).
		Bool("cache", cfg.Cache.Enabled).
		Msg("Starting dashsync")

	if err := app.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal, stopping gracefully")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return err
	}
	log.Info().Msg("dashsync stopped")
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show client status",
		Long:  "Display configuration, persisted state, dead letters and the live connection if the client is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, e, err := load()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, e)
		},
	}
}

func showStatus(ctx context.Context, out io.Writer, cfg *Config, e env.Env) error {
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	fmt.Fprintln(out, "  dashsync status")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Backend:       %s\n", cfg.Backend.BaseURL)
	fmt.Fprintf(out, "  ├─ Stream:        %s\n", cfg.Backend.StreamURL)
	fmt.Fprintf(out, "  └─ Channels:      %s\n", joinDomains(cfg))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	dl, err := wal.Open(cfg.Logs.DeadLetter, wal.WithClock(e.Clock))
	if err != nil {
		fmt.Fprintf(out, "  ├─ Dead Letters:  unavailable (%v)\n", err)
	} else {
		n, err := dl.Count()
		dl.Close()
		if err != nil {
			fmt.Fprintf(out, "  ├─ Dead Letters:  unreadable (%v)\n", err)
		} else {
			fmt.Fprintf(out, "  ├─ Dead Letters:  %d batches in %s\n", n, cfg.Logs.DeadLetter)
		}
	}

	snaps := newSnapshotReader(cfg, e)
	if !snaps.Exists() {
		fmt.Fprintf(out, "  ├─ Snapshot:      none at %s\n", cfg.Orchestrator.SnapshotPath)
	} else if snap, err := snaps.Load(); err != nil {
		fmt.Fprintf(out, "  ├─ Snapshot:      unreadable (%v)\n", err)
	} else {
		fmt.Fprintf(out, "  ├─ Snapshot:      %d domains, taken %s\n", len(snap.Domains), snap.TakenAt.Format(time.RFC3339))
		if backups, err := snaps.Backups(); err == nil && len(backups) > 0 {
			fmt.Fprintf(out, "  │  ├─ Backups:   %d kept\n", len(backups))
		}
		for _, d := range sortedDomains(snap.Domains) {
			st := snap.Domains[d]
			fmt.Fprintf(out, "  │  └─ %-12s v%d %s/%s\n", d, st.Version, st.Provenance, st.Source)
		}
	}

	if cfg.Cache.Enabled {
		if store, err := cachebridge.OpenSQLite(cfg.Cache.DBPath); err != nil {
			fmt.Fprintf(out, "  └─ Asset Cache:   unavailable (%v)\n", err)
		} else {
			gens, err := store.Generations(ctx)
			store.Close()
			if err != nil {
				fmt.Fprintf(out, "  └─ Asset Cache:   unreadable (%v)\n", err)
			} else {
				fmt.Fprintf(out, "  └─ Asset Cache:   generation %s, stored [%s]\n", cfg.Cache.Generation, strings.Join(gens, ", "))
			}
		}
	} else {
		fmt.Fprintln(out, "  └─ Asset Cache:   disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Connection:")
	if !cfg.API.Enabled {
		fmt.Fprintln(out, "  └─ Local API disabled; live state unavailable")
	} else if conn, err := fetchConnection(ctx, cfg.API.ListenAddress); err != nil {
		fmt.Fprintln(out, "  └─ Client not running (run 'dashsync run' to start)")
	} else {
		fmt.Fprintf(out, "  ├─ State:         %s\n", conn.State)
		fmt.Fprintf(out, "  ├─ Queued Writes: %d\n", conn.Pending)
		fmt.Fprintf(out, "  └─ Updates:       %d accepted, %d rejected, %d refreshes\n",
			conn.Stats.Accepted, conn.Stats.Rejected, conn.Stats.Refreshes)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

type connectionStatus struct {
	State   string `json:"state"`
	Pending int    `json:"pending"`
	Stats   struct {
		Accepted  uint64 `json:"accepted"`
		Rejected  uint64 `json:"rejected"`
		Refreshes uint64 `json:"refreshes"`
	} `json:"stats"`
}

func fetchConnection(ctx context.Context, addr string) (*connectionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/connection", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("local api returned %d", resp.StatusCode)
	}

	var status connectionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, errors.Wrap(err, "decode connection status")
	}
	return &status, nil
}

// ============================================================================
// resync
// ============================================================================

func buildResyncCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Redeliver dead-lettered log batches",
		Long:  "Replay the dead-letter log through the backend. Delivered batches are archived; failures are kept for the next attempt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, e, err := load()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return resync(ctx, cmd.OutOrStdout(), cfg, e)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall redelivery deadline")
	return cmd
}

func resync(ctx context.Context, out io.Writer, cfg *Config, e env.Env) error {
	dl, err := wal.Open(cfg.Logs.DeadLetter, wal.WithClock(e.Clock))
	if err != nil {
		return errors.Wrap(err, "open dead-letter log")
	}
	defer dl.Close()

	client := transport.New(e, cfg.transportConfig())
	res, err := redeliver(ctx, e.Component("resync").Log, dl, client)
	if err != nil {
		return err
	}

	if res.Records == 0 {
		fmt.Fprintln(out, "No dead-lettered batches.")
		return nil
	}
	fmt.Fprintf(out, "Redelivered %d of %d batches (%d kept, %d corrupt)\n",
		res.Delivered, res.Records, res.Kept, res.Corrupt)
	fmt.Fprintf(out, "Archived previous log to %s\n", res.Archive)
	if res.Kept > 0 {
		return errors.Errorf("%d batches could not be delivered", res.Kept)
	}
	return nil
}

// ============================================================================
// cache
// ============================================================================

func buildCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the offline asset cache",
	}
	cmd.AddCommand(buildCacheInstallCommand())
	cmd.AddCommand(buildCacheActivateCommand())
	return cmd
}

func buildCacheInstallCommand() *cobra.Command {
	var manifestFile string
	var activate bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Pre-populate a cache generation from the manifest",
		Long:  "Fetch every manifest path into the generation. The generation is used only when every path was cached.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, e, err := load()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			manifest := cfg.manifest()
			if manifestFile != "" {
				if manifest, err = loadManifest(manifestFile); err != nil {
					return err
				}
			}
			return installCache(cmd.Context(), cmd.OutOrStdout(), cfg, e, manifest, activate)
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "manifest", "m", "", "YAML manifest file (default: cache.manifest from config)")
	cmd.Flags().BoolVar(&activate, "activate", false, "purge other generations after a successful install")
	return cmd
}

func buildCacheActivateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Purge every generation except the configured one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, e, err := load()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			return withBridge(cfg, e, func(b *cachebridge.Bridge) error {
				if err := b.Activate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Generation %s active\n", b.Generation())
				return nil
			})
		},
	}
}

func installCache(ctx context.Context, out io.Writer, cfg *Config, e env.Env, manifest cachebridge.Manifest, activate bool) error {
	if len(manifest.Paths) == 0 {
		return errors.New("manifest lists no paths")
	}
	return withBridge(cfg, e, func(b *cachebridge.Bridge) error {
		if err := b.Install(ctx, manifest); err != nil {
			return err
		}
		fmt.Fprintf(out, "Installed %d assets into generation %s\n", len(manifest.Paths), b.Generation())
		if !activate {
			return nil
		}
		if err := b.Activate(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "Generation %s active\n", b.Generation())
		return nil
	})
}

func withBridge(cfg *Config, e env.Env, fn func(b *cachebridge.Bridge) error) error {
	store, err := cachebridge.OpenSQLite(cfg.Cache.DBPath)
	if err != nil {
		return errors.Wrap(err, "open cache store")
	}
	defer store.Close()

	bridge, err := cachebridge.New(e, cfg.cacheConfig(), store, nil)
	if err != nil {
		return err
	}
	return fn(bridge)
}

func loadManifest(path string) (cachebridge.Manifest, error) {
	var m cachebridge.Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, errors.Wrap(err, "failed to read manifest")
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, errors.Wrap(err, "failed to parse manifest YAML")
	}
	return m, nil
}

// ============================================================================
// Helpers
// ============================================================================

func newSnapshotReader(cfg *Config, e env.Env) *snapshot.Manager {
	return cfg.snapshotManager(e.Clock)
}

func joinDomains(cfg *Config) string {
	names := make([]string, len(cfg.channels))
	for i, d := range cfg.channels {
		names[i] = string(d)
	}
	return strings.Join(names, ", ")
}

func sortedDomains(m map[types.Domain]types.DomainState) []types.Domain {
	out := make([]types.Domain, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

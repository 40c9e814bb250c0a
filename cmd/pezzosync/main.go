// Pezzosync is a Linux daemon that keeps a local copy of a Pezzottify
// music library in step with the catalog server. Likes, playlists, and
// listening history recorded while offline are queued in a local SQLite
// store and drained to the server when it is reachable; server-side
// changes flow back through a cursor-gated event feed and a WebSocket
// push channel.
//
// Usage:
//
//	pezzosync setup                     # interactive first-run wizard
//	pezzosync daemon [--config <path>]  # run engines + push listener
//	pezzosync once [--config <path>]    # one catch-up + one drain, then exit
//	pezzosync status                    # show daemon, config & queue state
//	pezzosync retry [--kind <k>]        # requeue items parked in sync_error
//	pezzosync uninstall [--purge]       # stop daemon and remove files
//	pezzosync version                   # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/pezzottify/pezzosync/internal/catalog"
	"github.com/pezzottify/pezzosync/internal/config"
	"github.com/pezzottify/pezzosync/internal/library"
	"github.com/pezzottify/pezzosync/internal/model"
	"github.com/pezzottify/pezzosync/internal/push"
	"github.com/pezzottify/pezzosync/internal/session"
	"github.com/pezzottify/pezzosync/internal/setup"
	"github.com/pezzottify/pezzosync/internal/store"
	syncp "github.com/pezzottify/pezzosync/internal/sync"
	"github.com/pezzottify/pezzosync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup()
	case "daemon":
		return runSync(os.Args[2:], true)
	case "once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus()
	case "retry":
		return runRetry(os.Args[2:])
	case "uninstall":
		return runUninstall(os.Args[2:])
	case "version":
		fmt.Println("pezzosync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'pezzosync' for usage", cmd)
	}
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "pezzosync — offline-first sync for your Pezzottify library")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  pezzosync setup                  Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  pezzosync daemon [--config ...]  Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  pezzosync once [--config ...]    One catch-up + drain pass, then exit")
	fmt.Fprintln(os.Stderr, "  pezzosync status                 Show daemon, config & queue state")
	fmt.Fprintln(os.Stderr, "  pezzosync retry [--kind <k>]     Requeue items parked after sync errors")
	fmt.Fprintln(os.Stderr, "  pezzosync uninstall [--purge]    Stop daemon and remove files")
	fmt.Fprintln(os.Stderr, "  pezzosync version                Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'pezzosync setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger)
	return wiz.Run(ctx)
}

// runSync handles both "daemon" and "once" subcommands.
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return startSync(*cfgPath, *verbose, daemon)
}

// runStatus prints the current daemon and configuration state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	homeDir, _ := os.UserHomeDir()

	fmt.Println("pezzosync Status")
	fmt.Println("────────────────")

	// Daemon state.
	if setup.IsDaemonActive() {
		fmt.Println("  Daemon:    running (systemd)")
	} else {
		fmt.Println("  Daemon:    not running")
	}

	// Config state.
	cfg, loadErr := config.Load(cfgPath)
	switch {
	case loadErr == nil:
		fmt.Printf("  Config:    %s ✓\n", cfgPath)
		fmt.Printf("  Server:    %s\n", cfg.ServerURL)
		if cfg.TokenFile != "" {
			fmt.Printf("  Token:     file %s\n", cfg.TokenFile)
		} else {
			fmt.Printf("  Token:     inline (config file)\n")
		}
	case errors.Is(loadErr, os.ErrNotExist):
		fmt.Printf("  Config:    not found (%s)\n", cfgPath)
	default:
		fmt.Printf("  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
	}

	// Unit file.
	if _, err := os.Stat(setup.UnitPath(homeDir)); err == nil {
		fmt.Printf("  Unit:      %s\n", setup.UnitPath(homeDir))
	} else {
		fmt.Printf("  Unit:      not installed\n")
	}

	// Database, cursor, and queue.
	if cfg == nil {
		return nil
	}
	info, err := os.Stat(cfg.DatabasePath)
	if err != nil {
		fmt.Printf("  Database:  not found (%s)\n", cfg.DatabasePath)
		return nil
	}
	fmt.Printf("  Database:  %s (%s)\n", cfg.DatabasePath, humanSize(info.Size()))

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Printf("  (cannot open database: %v)\n", err)
		return nil
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	if seq, ok, err := st.Cursor(ctx); err != nil {
		fmt.Printf("  Cursor:    unreadable (%v)\n", err)
	} else if ok {
		fmt.Printf("  Cursor:    seq %d\n", seq)
	} else {
		fmt.Printf("  Cursor:    none — next start runs a full sync\n")
	}

	counts, err := st.StatusCounts(ctx)
	if err != nil {
		fmt.Printf("  (cannot read queue counts: %v)\n", err)
		return nil
	}
	printQueue(counts)
	return nil
}

// printQueue renders per-kind status counts as an aligned table.
func printQueue(counts map[model.Kind]map[model.SyncStatus]int) {
	fmt.Println("")
	fmt.Println("  Queue:")
	fmt.Printf("    %-10s %8s %8s %8s %8s\n", "kind", "pending", "syncing", "errored", "synced")
	for _, kind := range model.Kinds() {
		byStatus := counts[kind]
		pending := byStatus[model.StatusPendingCreate] +
			byStatus[model.StatusPendingUpdate] +
			byStatus[model.StatusPendingDelete]
		fmt.Printf("    %-10s %8d %8d %8d %8d\n",
			kind,
			pending,
			byStatus[model.StatusSyncing],
			byStatus[model.StatusSyncError],
			byStatus[model.StatusSynced],
		)
	}
}

// runRetry requeues errored items so the next sweep picks them up again.
func runRetry(args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	kindFlag := fs.String("kind", "all", "item kind to retry: likes, playlists, listening, or all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var kinds []model.Kind
	if *kindFlag == "all" {
		kinds = model.Kinds()
	} else {
		kind := model.Kind(*kindFlag)
		found := false
		for _, k := range model.Kinds() {
			if k == kind {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown kind %q — expected likes, playlists, listening, or all", *kindFlag)
		}
		kinds = []model.Kind{kind}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfgPath, _ := config.DefaultPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening sync database at %q: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = st.Close() }()

	lib := library.New(st, logger)

	ctx := context.Background()
	var total int64
	for _, kind := range kinds {
		n, err := lib.RetryErrored(ctx, kind)
		if err != nil {
			return fmt.Errorf("retrying %s: %w", kind, err)
		}
		if n > 0 {
			fmt.Printf("  %s: %d item(s) requeued\n", kind, n)
		}
		total += n
	}

	if total == 0 {
		fmt.Println("  Nothing to retry.")
		return nil
	}
	fmt.Println("")
	fmt.Println("  A running daemon picks these up on its next wake. To sweep now:")
	fmt.Printf("    systemctl --user kill -s SIGUSR1 %s\n", setup.UnitName)
	return nil
}

// runUninstall stops the daemon and removes installed files.
func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	purge := fs.Bool("purge", false, "also remove config and sync database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Println("Uninstalling pezzosync...")

	// 1. Stop and disable daemon.
	if setup.IsDaemonActive() {
		fmt.Println("  Stopping daemon...")
	}
	if err := setup.DisableDaemon(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Daemon stopped and disabled")
	}

	// 2. Remove unit file.
	if err := setup.RemoveUnit(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Unit file removed")
	}

	// 3. Remove binary.
	fmt.Println("  Removing binary...")
	if err := setup.RemoveBinary(); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Binary removed")
	}

	// 4. Optional purge.
	if *purge {
		fmt.Println("  Purging config and sync database...")
		if err := setup.PurgeUserData(homeDir); err != nil {
			fmt.Printf("  ⚠ %v\n", err)
		} else {
			fmt.Println("  ✓ User data purged")
		}
	} else {
		fmt.Println("")
		fmt.Println("  Config and sync database preserved.")
		fmt.Println("  Run with --purge to also remove them:")
		fmt.Println("    pezzosync uninstall --purge")
	}

	fmt.Println("")
	fmt.Println("✓ pezzosync uninstalled.")
	return nil
}

// --- Sync core (shared by daemon and once) -----------------------------------

// startSync is the shared implementation for daemon and once modes.
func startSync(cfgPath string, verbose, daemon bool) error {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"server_url", cfg.ServerURL,
		"database", cfg.DatabasePath,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Single-instance lock (daemon only) ------------------------------------

	if daemon {
		lockPath := filepath.Join(filepath.Dir(cfg.DatabasePath), "pezzosync.lock")
		if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
			return fmt.Errorf("creating lock directory: %w", err)
		}
		lock := flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring daemon lock %q: %w", lockPath, err)
		}
		if !locked {
			return fmt.Errorf("another pezzosync instance is already running (lock %s)", lockPath)
		}
		defer func() { _ = lock.Unlock() }()
	}

	// --- Store -----------------------------------------------------------------

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening sync database at %q: %w", cfg.DatabasePath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing sync database", "error", closeErr)
		}
	}()
	logger.Info("sync database opened", "path", cfg.DatabasePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Rows left in syncing by a crash resume their pending status.
	reset, err := st.ResetInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("resetting interrupted items: %w", err)
	}
	if reset > 0 {
		logger.Info("interrupted items requeued", "count", reset)
	}

	// --- Session, catalog client, engines --------------------------------------

	sessions := session.NewManager(cfg.Token, cfg.TokenFile, logger)
	client := catalog.NewClient(cfg.ServerURL, sessions, logger)

	pacing := syncp.Pacing{
		MinSleep:       cfg.Sync.MinSleep,
		MaxSleep:       cfg.Sync.MaxSleep,
		GrowthFactor:   cfg.Sync.GrowthFactor,
		SessionRecheck: cfg.Sync.SessionRecheck,
	}

	engines := []*syncp.Engine{
		syncp.NewEngine(model.KindLikes, st, catalog.NewLikesRemote(client), sessions, pacing, logger),
		syncp.NewEngine(model.KindPlaylists, st, catalog.NewPlaylistsRemote(client), sessions, pacing, logger),
		syncp.NewEngine(model.KindListening, st, catalog.NewListeningRemote(client), sessions, pacing, logger),
	}

	catchUp := syncp.NewCatchUp(st, client, sessions, logger)

	// --- Dispatch mode ---------------------------------------------------------

	if !daemon {
		return runOncePass(ctx, catchUp, engines, logger)
	}
	return runDaemonLoop(ctx, cfg, sessions, catchUp, engines, logger)
}

// runOncePass reconciles inbound state once and drains every pending
// mutation once, then reports.
func runOncePass(ctx context.Context, catchUp *syncp.CatchUp, engines []*syncp.Engine, logger *slog.Logger) error {
	logger.Info("running single sync pass")

	reconcileErr := catchUp.Initialize(ctx)
	if reconcileErr != nil {
		// Still worth draining: outbound items queue independently of
		// the inbound baseline.
		logger.Error("reconcile failed, draining anyway", "error", reconcileErr)
	}

	var total syncp.Stats
	var drainErr error
	for _, e := range engines {
		stats, err := e.SweepOnce(ctx)
		if err != nil {
			logger.Error("drain failed", "kind", e.Kind(), "error", err)
			drainErr = errors.Join(drainErr, fmt.Errorf("draining %s: %w", e.Kind(), err))
		}
		total.Scanned += stats.Scanned
		total.Synced += stats.Synced
		total.Requeued += stats.Requeued
		total.Deleted += stats.Deleted
		total.Conflicts += stats.Conflicts
		total.Errors += stats.Errors
	}

	logger.Info("sync complete",
		"scanned", total.Scanned,
		"synced", total.Synced,
		"requeued", total.Requeued,
		"deleted", total.Deleted,
		"conflicts", total.Conflicts,
		"errors", total.Errors,
	)
	return errors.Join(reconcileErr, drainErr)
}

// runDaemonLoop starts the engines and the push listener and blocks
// until the context is cancelled by SIGTERM or SIGINT.
func runDaemonLoop(ctx context.Context, cfg *config.Config, sessions *session.Manager, catchUp *syncp.CatchUp, engines []*syncp.Engine, logger *slog.Logger) error {
	logger.Info("daemon starting", "server_url", cfg.ServerURL)

	// Offline start is normal for an offline-first daemon: the engines
	// and the push listener keep retrying, and the first successful
	// connect reconciles.
	if err := catchUp.Initialize(ctx); err != nil {
		logger.Error("initial reconcile failed, continuing offline", "error", err)
	}

	for _, e := range engines {
		e.Initialize(ctx)
	}

	listener, err := push.NewListener(cfg.ServerURL, sessions, sessions, catchUp, logger)
	if err != nil {
		return fmt.Errorf("building push listener: %w", err)
	}
	listener.OnConnect = func(ctx context.Context) {
		// Reconnecting means events may have been missed; replay the
		// feed, then nudge the engines past any pending backoff.
		if err := catchUp.CatchUp(ctx); err != nil {
			logger.Error("catch-up after connect failed", "error", err)
		}
		for _, e := range engines {
			e.WakeUp()
		}
	}
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("push listener stopped", "error", err)
		}
	}()

	// SIGUSR1 forces an immediate re-sync: replay the event feed and
	// wake every engine. 'pezzosync retry' points users here.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	go func() {
		for range usr1 {
			logger.Info("SIGUSR1 received, forcing re-sync")
			if sessions.Authenticated() {
				if err := catchUp.CatchUp(ctx); err != nil {
					logger.Error("forced catch-up failed", "error", err)
				}
			}
			for _, e := range engines {
				e.WakeUp()
			}
		}
	}()

	<-ctx.Done()
	for _, e := range engines {
		<-e.Done()
	}
	logger.Info("shutdown complete")
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

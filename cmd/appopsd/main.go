// Package main — cmd/appopsd/main.go
//
// appopsd entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/appopsd/config.yaml.
//  2. Initialise structured logger (zap, JSON or console format).
//  3. Load the package registry (packages.yaml) backing the Identity
//     Resolver.
//  4. Wire Store, Restriction Registry, Observer Registry, Persistence
//     Scheduler, and Decision Engine.
//  5. Boot the Lifecycle Manager: load the XML snapshot (missing file is
//     normal), run the startup consistency sweep.
//  6. Start the Prometheus metrics server (loopback only).
//  7. Start the operator Unix socket server.
//  8. Register SIGHUP handler for config + package-registry hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (stops metrics and operator servers).
//  2. Force a final synchronous snapshot write.
//  3. Flush logger.
//  4. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/appopsd/appopsd/internal/config"
	"github.com/appopsd/appopsd/internal/engine"
	"github.com/appopsd/appopsd/internal/identity"
	"github.com/appopsd/appopsd/internal/lifecycle"
	"github.com/appopsd/appopsd/internal/observability"
	"github.com/appopsd/appopsd/internal/observer"
	"github.com/appopsd/appopsd/internal/operator"
	"github.com/appopsd/appopsd/internal/persistence"
	"github.com/appopsd/appopsd/internal/platform"
	"github.com/appopsd/appopsd/internal/restriction"
	"github.com/appopsd/appopsd/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/appopsd/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("appopsd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, atomicLevel, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("appopsd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Package registry ──────────────────────────────────────────────────────
	registry, err := platform.NewRegistry(cfg.Store.PackagesPath)
	if err != nil {
		log.Fatal("package registry load failed", zap.Error(err), zap.String("path", cfg.Store.PackagesPath))
	}
	log.Info("package registry loaded", zap.String("path", cfg.Store.PackagesPath))

	// ── Wire the Decision Engine and its collaborators ────────────────────────
	writeDelay := cfg.Persistence.WriteDelay
	if cfg.Persistence.Debug {
		writeDelay = persistence.DebugWriteDelay
	}

	metrics := observability.NewMetrics()

	res := identity.New(registry)
	st := store.New()
	restrictions := restriction.New()
	audio := restriction.NewAudioTable()
	observers := observer.New()

	var eng *engine.Engine
	scheduler := persistence.NewScheduler(writeDelay, cfg.Persistence.FastWriteDelay,
		func() error { return eng.WriteSnapshotTo(cfg.Persistence.SnapshotPath) }, log)

	eng = engine.New(res, st, restrictions, audio, observers, scheduler, log, metrics)

	// ── Lifecycle: snapshot load + startup sweep ──────────────────────────────
	mgr := lifecycle.New(eng, st, scheduler, cfg.Persistence.SnapshotPath, log, metrics)
	if err := mgr.Boot(); err != nil {
		log.Fatal("lifecycle boot failed", zap.Error(err))
	}

	// ── Metrics server ────────────────────────────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Operator socket server ────────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, eng, mgr, mgr,
			cfg.Operator.MaxConnections, cfg.Operator.RequestTimeout, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── SIGHUP hot-reload ─────────────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config and package registry")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed, retaining old config", zap.Error(err))
			} else {
				if newCfg.Persistence.SnapshotPath != cfg.Persistence.SnapshotPath {
					log.Warn("persistence.snapshot_path changed on reload, ignoring (requires restart)",
						zap.String("old", cfg.Persistence.SnapshotPath), zap.String("new", newCfg.Persistence.SnapshotPath))
					newCfg.Persistence.SnapshotPath = cfg.Persistence.SnapshotPath
				}
				if newCfg.Operator.SocketPath != cfg.Operator.SocketPath {
					log.Warn("operator.socket_path changed on reload, ignoring (requires restart)",
						zap.String("old", cfg.Operator.SocketPath), zap.String("new", newCfg.Operator.SocketPath))
					newCfg.Operator.SocketPath = cfg.Operator.SocketPath
				}
				var newLevel zapcore.Level
				if err := newLevel.UnmarshalText([]byte(newCfg.Observability.LogLevel)); err == nil {
					atomicLevel.SetLevel(newLevel)
				}
				newWriteDelay := newCfg.Persistence.WriteDelay
				if newCfg.Persistence.Debug {
					newWriteDelay = persistence.DebugWriteDelay
				}
				scheduler.SetDelays(newWriteDelay, newCfg.Persistence.FastWriteDelay)
				cfg = newCfg
				log.Info("config hot-reload applied")
			}
			if err := registry.Reload(); err != nil {
				log.Error("package registry hot-reload failed, retaining old registry", zap.Error(err))
			}
		}
	}()

	// ── Wait for shutdown signal ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	if err := mgr.Sync(); err != nil {
		log.Error("final snapshot sync failed", zap.Error(err))
	} else {
		log.Info("final snapshot written")
	}

	log.Info("appopsd shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	atomicLevel := zap.NewAtomicLevelAt(zapLevel)
	zcfg.Level = atomicLevel

	logger, err := zcfg.Build()
	return logger, atomicLevel, err
}

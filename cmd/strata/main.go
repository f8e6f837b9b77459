// Command strata runs the chunk streaming engine against a world directory,
// moving a synthetic viewer so streaming, autosave and region maintenance all
// get exercised. It is the operational entry point for soak runs and for
// inspecting a world on disk.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"strata.dev/internal/config"
	"strata.dev/internal/indexdb"
	"strata.dev/internal/store"
	"strata.dev/internal/world"
)

func main() {
	var (
		dataDir    = flag.String("data", "./data", "runtime data directory")
		worldName  = flag.String("world", "world_1", "world name")
		seed       = flag.Int64("seed", 1337, "world seed (must match on reopen)")
		configPath = flag.String("config", "", "path to engine.yaml (default: built-in tuning)")
		ticks      = flag.Int("ticks", 0, "stop after this many ticks (0 = run until interrupted)")
		tickMs     = flag.Int("tick_ms", 50, "tick interval in milliseconds")
		forceNew   = flag.Bool("force_new", false, "refuse to reuse an existing world directory")
		debug      = flag.Bool("debug", false, "development logging")
	)
	flag.Parse()

	logger := newLogger(*debug)
	defer func() { _ = logger.Sync() }()

	cfg := config.Defaults()
	if strings.TrimSpace(*configPath) != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatal("load config", zap.Error(err))
		}
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldName)

	var idx *indexdb.Index
	if cfg.IndexEnabled {
		var err error
		idx, err = indexdb.Open(filepath.Join(worldDir, "index", "maintenance.db"))
		if err != nil {
			logger.Fatal("open maintenance index", zap.Error(err))
		}
		defer idx.Close()
	}

	st, err := store.Open(worldDir, store.Options{
		Name:                *worldName,
		Seed:                *seed,
		ForceNew:            *forceNew,
		AutosaveInterval:    time.Duration(cfg.AutosaveSeconds) * time.Second,
		BackupRetention:     cfg.BackupRetention,
		BackupQueueCooldown: time.Duration(cfg.BackupQueueCooldownSeconds) * time.Second,
		ZstdThreshold:       cfg.ZstdThresholdBytes,
		Index:               idx,
		EventLog:            cfg.EventLogEnabled,
	}, logger.Named("store"))
	if err != nil {
		logger.Fatal("open world", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close world", zap.Error(err))
		}
	}()

	eng := world.New(st, nil, cfg, logger.Named("engine"))
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("close engine", zap.Error(err))
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(*tickMs) * time.Millisecond)
	defer ticker.Stop()

	logger.Info("engine running",
		zap.String("world", *worldName),
		zap.Int("view_distance", cfg.ViewDistance),
		zap.Int("tick_ms", *tickMs),
	)

	// The viewer drifts along +X so the engine continuously streams new
	// terrain in front and unloads behind.
	var tick int
	var vx, vz int32
loop:
	for {
		select {
		case <-sigc:
			logger.Info("interrupted")
			break loop
		case <-ticker.C:
			eng.Update(vx, vz, 1, 0)
			tick++
			if tick%4 == 0 {
				vx++
			}
			if *ticks > 0 && tick >= *ticks {
				break loop
			}
		}
	}

	if saved, errs := eng.ForceAutosave(); errs > 0 {
		logger.Warn("final autosave incomplete", zap.Int("saved", saved), zap.Int("errors", errs))
	}

	es := eng.Stats()
	sm := st.Metrics()
	logger.Info("engine stopped",
		zap.Int("ticks", tick),
		zap.Int("resident", es.Resident),
		zap.Uint64("loaded_from_disk", es.LoadedFromDisk),
		zap.Uint64("generated", es.GeneratedSync+es.GeneratedAsync),
		zap.Uint64("unloaded", es.Unloaded),
		zap.Uint64("saved_chunks", sm.SavedChunks),
		zap.Uint64("compactions", sm.TotalCompactions),
		zap.Duration("maintenance_interval", sm.ScheduleInterval),
	)
	fmt.Printf("ticks=%d resident=%d saved=%d compactions=%d\n",
		tick, es.Resident, sm.SavedChunks, sm.TotalCompactions)
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

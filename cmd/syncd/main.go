// Package main provides the sync daemon entry point for chronicle: it
// watches the transcript tree and ingests changes into the store.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chronicle/internal/audit"
	"github.com/thebtf/chronicle/internal/config"
	"github.com/thebtf/chronicle/internal/db/sqlite"
	"github.com/thebtf/chronicle/internal/lock"
	"github.com/thebtf/chronicle/internal/pipeline"
	"github.com/thebtf/chronicle/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	transcriptDir := flag.String("transcripts", "", "Transcript directory (default: ~/.claude/projects)")
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.chronicle)")
	catchUp := flag.Bool("catch-up", true, "Process existing transcripts before watching")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *transcriptDir != "" {
		cfg.TranscriptDir = *transcriptDir
	}
	if *dataDir != "" {
		cfg.DBPath = filepath.Join(*dataDir, "chronicle.db")
		cfg.AuditLogPath = filepath.Join(*dataDir, "audit.jsonl")
		cfg.LockDir = filepath.Join(*dataDir, "locks")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down sync daemon")
		cancel()
	}()

	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     cfg.DBPath,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	pool := sqlite.NewPool(store.DB(), sqlite.PoolConfig{
		MaxSize:        cfg.MaxConns,
		MinIdle:        cfg.MinIdleConns,
		AcquireTimeout: time.Duration(cfg.AcquireTimeoutSecs) * time.Second,
		IdleMaxAge:     time.Duration(cfg.IdleMaxAgeSecs) * time.Second,
	})
	defer pool.Close()

	trail, err := audit.NewLogger(cfg.AuditLogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audit log")
	}
	defer trail.Close()

	locks, err := lock.NewManager(cfg.LockDir, lock.ManagerConfig{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create lock manager")
	}

	exec := sqlite.NewExecutor(pool, trail, sqlite.ExecutorConfig{
		FKRetryLimit:   cfg.FKRetryLimit,
		BusyRetryLimit: cfg.BusyRetryLimit,
	})

	pipe := pipeline.New(store, exec, locks, pipeline.Config{
		BatchSize:           cfg.BatchSize,
		MaxLineBytes:        cfg.MaxLineBytes,
		SmallFileBytes:      cfg.SmallFileBytes,
		MaxConcurrentPasses: int64(cfg.MaxConcurrentPasses),
		LockTimeout:         time.Duration(cfg.LockTimeoutSecs) * time.Second,
	})

	if *catchUp {
		log.Info().Str("dir", cfg.TranscriptDir).Msg("Catching up on existing transcripts")
		if err := pipe.SyncDir(ctx, cfg.TranscriptDir); err != nil {
			log.Error().Err(err).Msg("Catch-up scan failed")
		}
	}

	w, err := watcher.New(cfg.TranscriptDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create watcher")
	}
	if err := w.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start watcher")
	}
	defer func() {
		if err := w.Stop(); err != nil {
			log.Error().Err(err).Msg("Watcher stop failed")
		}
	}()

	log.Info().Str("dir", cfg.TranscriptDir).Str("db", cfg.DBPath).
		Str("version", Version).Msg("Sync daemon running")

	// Run returns once ctx is cancelled and all in-flight passes commit or
	// roll back.
	if err := pipe.Run(ctx, w.Events()); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Pipeline stopped with error")
	}
	log.Info().Msg("Sync daemon stopped")
}

// Package main provides the query server entry point for chronicle: a
// read-only HTTP surface over the synced store.
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

	"github.com/thebtf/chronicle/internal/config"
	"github.com/thebtf/chronicle/internal/db/sqlite"
	"github.com/thebtf/chronicle/internal/ratelimit"
	"github.com/thebtf/chronicle/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	addr := flag.String("addr", "", "Listen address (default from settings)")
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.chronicle)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *addr != "" {
		cfg.WorkerAddr = *addr
	}
	if *dataDir != "" {
		cfg.DBPath = filepath.Join(*dataDir, "chronicle.db")
		cfg.AuditLogPath = filepath.Join(*dataDir, "audit.jsonl")
	}

	// Read-only: the sync daemon owns the write path and the migrations.
	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     cfg.DBPath,
		MaxConns: cfg.MaxConns,
		ReadOnly: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store read-only")
	}
	defer store.Close()

	var limiter ratelimit.Limiter
	switch cfg.RateStrategy {
	case "sliding_window":
		limiter = ratelimit.NewSlidingWindow(cfg.RequestsPerMinute)
	default:
		limiter = ratelimit.NewTokenBucket(float64(cfg.RequestsPerMinute))
	}

	svc := worker.NewService(Version, cfg, store, limiter)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down query service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown did not drain cleanly")
		}
	}()

	if err := svc.Start(cfg.WorkerAddr); err != nil {
		log.Fatal().Err(err).Msg("Query service failed")
	}
	log.Info().Msg("Query service stopped")
}

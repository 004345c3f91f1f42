// Package worker provides the HTTP query service for chronicle.
package worker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chronicle/internal/config"
	"github.com/thebtf/chronicle/internal/db/sqlite"
	"github.com/thebtf/chronicle/internal/query"
	"github.com/thebtf/chronicle/internal/ratelimit"
	"github.com/thebtf/chronicle/internal/worker/sse"
)

// Service is the read-side HTTP server. It owns no write path: the store
// it queries is opened read-only so it never competes for the write lock.
type Service struct {
	version string
	config  *config.Config

	store   *sqlite.Store
	reads   *sqlite.ReadStore
	guard   *query.Guard
	limiter ratelimit.Limiter

	broadcaster *sse.Broadcaster
	tailer      *auditTailer

	router chi.Router
	server *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	ready     atomic.Bool
}

// NewService constructs the query service over an already-open store.
func NewService(version string, cfg *config.Config, store *sqlite.Store, limiter ratelimit.Limiter) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	broadcaster := sse.NewBroadcaster()
	svc := &Service{
		version: version,
		config:  cfg,
		store:   store,
		reads:   sqlite.NewReadStore(store),
		guard: query.NewGuard(query.GuardConfig{
			DefaultLimit: cfg.QueryDefaultLimit,
			MaxLimit:     config.MaxQueryLimit,
		}),
		limiter:     limiter,
		broadcaster: broadcaster,
		tailer:      newAuditTailer(cfg.AuditLogPath, broadcaster),
		router:      chi.NewRouter(),
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
	}
	svc.setupRoutes()
	return svc
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Post("/api/query", s.handleQuery)
	// Change notifications relayed from the tailed audit log.
	s.router.Get("/api/events", s.broadcaster.ServeHTTP)
}

// Start serves HTTP on addr until Shutdown is called.
func (s *Service) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)
	go s.tailer.run(s.ctx)

	log.Info().Str("addr", addr).Str("version", s.version).Msg("Query service listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.cancel()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// callerIdentity picks the rate-limiting key for a request. An explicit
// header wins; otherwise the remote host stands in.
func callerIdentity(r *http.Request) string {
	if caller := r.Header.Get("X-Caller-ID"); caller != "" {
		return caller
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

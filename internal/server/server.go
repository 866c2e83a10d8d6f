// Package server is the composition root: it builds every dependency,
// wires handlers to routes, and runs the HTTP server with graceful
// shutdown.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → sqlite.DB, ephemeral.Store, metrics, fanout.Hub
//	             → presence.Tracker, services → handlers → chi routes
//
// Every dependency is created here and nowhere else, so swapping an
// implementation (memory vs Redis store) is a one-line change.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/buddychat/internal/auth"
	"github.com/sakif/buddychat/internal/config"
	"github.com/sakif/buddychat/internal/ephemeral"
	"github.com/sakif/buddychat/internal/fanout"
	"github.com/sakif/buddychat/internal/handler"
	"github.com/sakif/buddychat/internal/metrics"
	"github.com/sakif/buddychat/internal/middleware"
	"github.com/sakif/buddychat/internal/presence"
	sqliteRepo "github.com/sakif/buddychat/internal/repository/sqlite"
	"github.com/sakif/buddychat/internal/service"
)

// Server owns the router and every long-lived resource behind it.
type Server struct {
	router  *chi.Mux
	config  config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	store   ephemeral.Store
	hub     *fanout.Hub
	tracker *presence.Tracker
	typing  *service.TypingService
	metrics *metrics.Metrics
}

// New opens the database and the ephemeral store and wires all routes.
// The caller must call Close (Start does it on exit).
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		db:      db,
		store:   store,
		metrics: metrics.New(),
	}

	if err := s.setupRoutes(); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// openStore picks Redis when REDIS_URL is set and in-process memory
// otherwise.
func openStore(cfg config.Config, logger *slog.Logger) (ephemeral.Store, error) {
	if cfg.RedisURL == "" {
		logger.Info("using in-memory ephemeral store")
		return ephemeral.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := ephemeral.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	logger.Info("using redis ephemeral store")
	return store, nil
}

// setupRoutes builds the services and handlers and mounts them.
//
// MIDDLEWARE ORDER:
//  1. RequestID: tags each request (the logger prints it)
//  2. RealIP: client IP from proxy headers, which the rate limiter keys on
//  3. Logger
//  4. Recoverer: turns a panic into a 500 instead of a crash
func (s *Server) setupRoutes() error {
	tokens, err := auth.NewTokenService(s.config.JWTSecret, s.config.SessionTTL)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}
	passwords := auth.NewPasswordService(s.config.BcryptCost)

	s.hub = fanout.NewHub(fanout.DefaultBufferSize, s.logger, s.metrics)
	s.tracker = presence.NewTracker(presence.Config{
		Timeout: s.config.PresenceTimeout,
		Sweep:   s.config.PresenceSweep,
	}, s.hub, s.store, s.logger, s.metrics)

	identitySvc := service.NewIdentityService(s.db, tokens, passwords, s.logger)
	relationshipSvc := service.NewRelationshipService(s.db, s.db, s.hub, s.metrics, s.logger)
	conversationSvc := service.NewConversationService(s.db, s.db, s.db, passwords, service.NewGate(), s.hub, s.metrics, s.logger)
	s.typing = service.NewTypingService(conversationSvc, s.hub, s.store, s.config.TypingQuietWindow, s.logger)

	identityHandler := handler.NewIdentityHandler(identitySvc, s.config.SecureCookie, s.logger)
	relationshipHandler := handler.NewRelationshipHandler(relationshipSvc, s.logger)
	conversationHandler := handler.NewConversationHandler(conversationSvc, s.typing, s.logger)
	presenceHandler := handler.NewPresenceHandler(s.tracker, s.logger)
	streamHandler := handler.NewStreamHandler(relationshipSvc, conversationSvc, s.typing, s.tracker, s.config.AllowedOrigins, s.logger)

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/auth", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.config.AuthRPS, s.config.AuthBurst))
		r.Post("/register", identityHandler.HandleRegister)
		r.Post("/login", identityHandler.HandleLogin)
		r.Post("/logout", identityHandler.HandleLogout)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))

		r.Get("/me", identityHandler.HandleMe)
		r.Patch("/me", identityHandler.HandleUpdateMe)
		r.With(middleware.RateLimit(s.config.AuthRPS, s.config.AuthBurst)).
			Post("/me/credential", identityHandler.HandleChangeCredential)
		r.Get("/users/code/{code}", identityHandler.HandleLookupCode)
		r.Get("/users/{handle}", identityHandler.HandleLookupHandle)

		r.Post("/requests", relationshipHandler.HandleSend)
		r.Get("/requests", relationshipHandler.HandleListPending)
		r.Post("/requests/{id}/accept", relationshipHandler.HandleAccept)
		r.Post("/requests/{id}/reject", relationshipHandler.HandleReject)
		r.Get("/friends", relationshipHandler.HandleListFriends)
		r.Get("/blocks", relationshipHandler.HandleListBlocked)
		r.Post("/blocks/{userID}", relationshipHandler.HandleBlock)
		r.Delete("/blocks/{userID}", relationshipHandler.HandleUnblock)

		r.Route("/conversations/{key}", func(r chi.Router) {
			r.Get("/", conversationHandler.HandleGet)
			r.Get("/messages", conversationHandler.HandleListMessages)
			r.Post("/messages", conversationHandler.HandleSend)
			r.Delete("/messages", conversationHandler.HandlePurge)
			r.Post("/read", conversationHandler.HandleMarkRead)
			r.Put("/lock", conversationHandler.HandleSetLock)
			r.With(middleware.RateLimit(s.config.AuthRPS, s.config.AuthBurst)).
				Post("/unlock", conversationHandler.HandleUnlock)
			r.Put("/appearance", conversationHandler.HandleSetAppearance)
			r.Get("/typing", conversationHandler.HandleTyping)
			r.Post("/typing", conversationHandler.HandleSetTyping)
		})
		r.Delete("/messages/{id}", conversationHandler.HandleDeleteMessage)

		r.Post("/presence/heartbeat", presenceHandler.HandleHeartbeat)
		r.Post("/presence/offline", presenceHandler.HandleOffline)
		r.Get("/presence", presenceHandler.HandleSnapshot)

		r.Get("/stream/relationships", streamHandler.HandleRelationships)
		r.Get("/stream/conversations/{key}", streamHandler.HandleConversation)
		r.Get("/stream/presence", streamHandler.HandlePresence)
		r.Get("/stream/typing/{key}", streamHandler.HandleTyping)
	})

	return nil
}

// handleHealth reports whether the database answers.
//
// HTTP: GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops background work and releases resources. Open streams get a
// stream.closed event with reason "shutdown".
func (s *Server) Close() error {
	if s.typing != nil {
		s.typing.Stop()
	}
	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	return errors.Join(s.store.Close(), s.db.Close())
}

// Start runs the server until SIGINT/SIGTERM, then shuts down gracefully:
// streams are told to close, in-flight requests get 30 seconds, and the
// database is closed last.
func (s *Server) Start() error {
	defer s.Close()

	// No Read/WriteTimeout: they would cut long-lived websocket streams.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.tracker.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		// Hijacked websocket connections are invisible to Shutdown, so
		// end the streams first.
		s.hub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}

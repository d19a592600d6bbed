// Package server assembles the HTTP surface: the A2A protocol endpoints,
// the discovery card, health, metrics, and the admin API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/HyphaGroup/portcullis/internal/a2a"
	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/maintenance"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/store"
)

// Deps carries everything the HTTP surface needs
type Deps struct {
	Config      *config.Config
	Version     string
	Service     a2a.Service
	Gate        *auth.Gate
	Limiter     *auth.RateLimiter
	Tokens      *auth.TokenService
	Revocations *store.RevocationStore
	Pool        *session.Pool
	Sessions    *store.SessionStore
	Tasks       *store.TaskStore
	Budget      *store.BudgetTracker
	Scheduler   *maintenance.Scheduler
}

// Server is the HTTP front end
type Server struct {
	deps    Deps
	http    *http.Server
	started time.Time
}

// New builds the server and its route table
func New(deps Deps) *Server {
	s := &Server{deps: deps, started: time.Now()}

	mux := http.NewServeMux()

	// Public surface
	mux.Handle("GET /.well-known/agent-card.json", a2a.CardHandler(a2a.BuildCard(deps.Config, deps.Version)))
	mux.Handle("GET /health", s.healthHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	// Protocol surface behind auth + rate limiting
	protected := auth.Middleware(deps.Gate, deps.Limiter)
	mux.Handle("POST /a2a/jsonrpc", protected(a2a.JSONRPCHandler(deps.Service)))

	restMux := http.NewServeMux()
	a2a.RegisterREST(restMux, deps.Service)
	mux.Handle("/a2a/rest/", protected(restMux))

	// Admin surface: authenticated and master-only
	admin := func(h http.Handler) http.Handler { return protected(auth.RequireMaster(h)) }
	mux.Handle("POST /admin/tokens", admin(s.issueTokenHandler()))
	mux.Handle("POST /admin/tokens/refresh", admin(s.refreshTokenHandler()))
	mux.Handle("DELETE /admin/tokens/{jti}", admin(s.revokeTokenHandler()))
	mux.Handle("GET /admin/tokens/revoked", admin(s.listRevokedHandler()))
	mux.Handle("GET /admin/sessions", admin(s.listSessionsHandler()))
	mux.Handle("DELETE /admin/sessions/{id}", admin(s.deleteSessionHandler()))
	mux.Handle("GET /admin/stats", admin(s.statsHandler()))

	s.http = &http.Server{
		Addr:              deps.Config.Server.Addr(),
		Handler:           metrics.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener closes
func (s *Server) ListenAndServe() error {
	logger.Info("Listening on http://%s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown runs the graceful handoff: stop accepting connections,
// release workers (stamping in-flight tasks), clear alive flags, stop
// the scheduler, then wait for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	httpDone := make(chan error, 1)
	go func() { httpDone <- s.http.Shutdown(ctx) }()

	s.deps.Pool.ReleaseAll(s.deps.Tasks)
	if _, err := s.deps.Sessions.MarkAllProcessesDead(); err != nil {
		logger.Error("Failed to clear alive flags: %v", err)
	}
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Stop()
	}

	select {
	case err := <-httpDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

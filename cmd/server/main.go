package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/maintenance"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/orchestrator"
	"github.com/HyphaGroup/portcullis/internal/server"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	configFlag := flag.String("config", "", "Path to config file (default: $PORTCULLIS_CONFIG, then <data_dir>/portcullis.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("portcullis %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := logger.Init(filepath.Join(cfg.DataDir, "logs")); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Println("🏰 Portcullis - A2A gateway for local worker agents")
	logger.Println("")

	// Fail fast when the worker CLI is not installed
	binary, err := exec.LookPath(cfg.Worker.Binary)
	if err != nil {
		logger.Fatalf("Worker binary %q not found in PATH: %v", cfg.Worker.Binary, err)
	}
	logger.Printf("🔧 Worker binary: %s", binary)

	if err := os.MkdirAll(cfg.WorkDir(), 0o755); err != nil {
		logger.Fatalf("Failed to create work directory: %v", err)
	}
	for _, agent := range cfg.EnabledAgents() {
		if agent.WorkDir == "" {
			continue
		}
		if info, err := os.Stat(agent.WorkDir); err != nil || !info.IsDir() {
			logger.Fatalf("Agent %q work_dir %s is not a directory", agent.Name, agent.WorkDir)
		}
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()
	logger.Printf("💾 Database: %s", cfg.DatabasePath())

	sessions := store.NewSessionStore(db)
	tasks := store.NewTaskStore(db)
	budget := store.NewBudgetTracker(db, cfg.Budget.GlobalDailyUSD, cfg.Budget.ClientDailyUSD)

	// Workers from a previous run did not survive the restart as far as
	// the pool is concerned. Clear the alive flags and report any pids
	// that may still be running so the orphan policy can kick in on the
	// next message for those conversations.
	orphans, err := sessions.MarkAllProcessesDead()
	if err != nil {
		logger.Fatalf("Failed to reset process state: %v", err)
	}
	for _, rec := range orphans {
		logger.Printf("⚠️  Session %s may have an orphaned worker (pid %d)", rec.ContextID, rec.LastPid)
	}

	revocations, err := store.NewRevocationStore(db)
	if err != nil {
		logger.Fatalf("Failed to load revocation list: %v", err)
	}

	var tokens *auth.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenService(
			cfg.Auth.JWTSecret,
			cfg.Auth.JWTAlgorithm,
			time.Duration(cfg.Auth.AccessTTLMin)*time.Minute,
			cfg.Auth.RefreshEnabled,
			time.Duration(cfg.Auth.RefreshTTLHours)*time.Hour,
			revocations,
		)
		if err != nil {
			logger.Fatalf("Failed to initialize token service: %v", err)
		}
	}
	gate := auth.NewGate(cfg.Auth.MasterKey, tokens)
	gate.TokenDebug = cfg.Auth.TokenDebug
	if !gate.Enabled() {
		logger.Println("⚠️  WARNING: No authentication configured, loopback clients have full access")
	}
	limiter := auth.NewRateLimiter(cfg.RateLimit.RPM, cfg.RateLimit.Burst)

	pool := session.NewPool(session.Config{
		Binary:           binary,
		WorkDir:          cfg.WorkDir(),
		MaxConcurrent:    cfg.Sessions.MaxConcurrent,
		RequestTimeout:   cfg.RequestTimeout(),
		BufferLimitBytes: cfg.Sessions.BufferLimitBytes,
		OnSpawn: func(contextID string, pid int) {
			if err := sessions.SavePid(contextID, pid); err != nil {
				logger.Error("Failed to record pid %d for %s: %v", pid, contextID, err)
			}
		},
	})
	sessions.SetEvictionPolicy(cfg.Sessions.MaxPerClient, func(contextID string) {
		pool.DestroySession(contextID)
		metrics.RecordEviction("per_client_cap")
	})

	orch := orchestrator.New(cfg, pool, sessions, tasks, budget)

	scheduler, err := maintenance.New(cfg, pool, sessions, budget, limiter)
	if err != nil {
		logger.Fatalf("Failed to initialize maintenance scheduler: %v", err)
	}
	scheduler.Start()

	srv := server.New(server.Deps{
		Config:      cfg,
		Version:     Version,
		Service:     orch,
		Gate:        gate,
		Limiter:     limiter,
		Tokens:      tokens,
		Revocations: revocations,
		Pool:        pool,
		Sessions:    sessions,
		Tasks:       tasks,
		Budget:      budget,
		Scheduler:   scheduler,
	})

	for _, agent := range cfg.EnabledAgents() {
		logger.Printf("🤖 Agent: %s", agent.Name)
	}
	logger.Printf("🚀 Starting server on http://%s", cfg.Server.Addr())
	logger.Println("")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		// Wait for a signal or a server failure, then run the graceful
		// handoff: released workers keep running so their results can be
		// retrieved after restart.
		<-gctx.Done()
		logger.Println("⚠️  Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Println("✅ Shutdown complete")
}

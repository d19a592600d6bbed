// Package maintenance runs the periodic housekeeping jobs: session
// expiry sweeps, rate-limiter bucket pruning, and the daily budget
// snapshot log line.
package maintenance

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/store"
)

// limiterIdleAge is how long a rate-limit bucket may sit unused
const limiterIdleAge = 5 * time.Minute

// Scheduler owns the cron runner and the job wiring
type Scheduler struct {
	cron     *cron.Cron
	cfg      *config.Config
	pool     *session.Pool
	sessions *store.SessionStore
	budget   *store.BudgetTracker
	limiter  *auth.RateLimiter
}

// New builds the scheduler with its three standing jobs registered
func New(cfg *config.Config, pool *session.Pool, sessions *store.SessionStore, budget *store.BudgetTracker, limiter *auth.RateLimiter) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		cfg:      cfg,
		pool:     pool,
		sessions: sessions,
		budget:   budget,
		limiter:  limiter,
	}

	if _, err := s.cron.AddFunc("@every 1m", s.sweepSessions); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc("@every 5m", s.pruneLimiters); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc("@daily", s.logBudgetSnapshot); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the jobs
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the runner and waits for in-flight jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweepSessions evicts sessions past their idle or lifetime limit
func (s *Scheduler) sweepSessions() {
	maxIdle := time.Duration(s.cfg.Sessions.MaxIdleMin) * time.Minute
	maxLifetime := time.Duration(s.cfg.Sessions.MaxLifetimeMin) * time.Minute

	expired, err := s.sessions.SweepExpired(maxIdle, maxLifetime, time.Now())
	if err != nil {
		logger.Error("Session sweep failed: %v", err)
		return
	}
	for _, contextID := range expired {
		s.pool.DestroySession(contextID)
		if err := s.sessions.Delete(contextID); err != nil {
			logger.Error("Failed to delete expired session %s: %v", contextID, err)
			continue
		}
		metrics.RecordEviction("expired")
	}
	if len(expired) > 0 {
		logger.Info("Swept %d expired session(s)", len(expired))
		metrics.SetWorkersRunning(float64(s.pool.Count()))
	}
}

// pruneLimiters drops stale rate-limit buckets
func (s *Scheduler) pruneLimiters() {
	if pruned := s.limiter.Prune(limiterIdleAge); pruned > 0 {
		logger.Info("Pruned %d stale rate-limit bucket(s)", pruned)
	}
}

// logBudgetSnapshot writes yesterday's closing spend to the log
func (s *Scheduler) logBudgetSnapshot() {
	yesterday := time.Now().Add(-time.Hour)
	spent, err := s.budget.GlobalSpentToday(yesterday)
	if err != nil {
		logger.Error("Budget snapshot failed: %v", err)
		return
	}
	logger.Info("Daily budget snapshot: $%.4f of $%.2f global cap", spent, s.cfg.Budget.GlobalDailyUSD)
}

package maintenance

import (
	"testing"
	"time"

	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.SessionStore) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		Sessions: config.SessionConfig{MaxIdleMin: 60, MaxLifetimeMin: 720},
		Budget:   config.BudgetConfig{GlobalDailyUSD: 100},
	}
	sessions := store.NewSessionStore(db)
	budget := store.NewBudgetTracker(db, 100, 10)
	pool := session.NewPool(session.Config{MaxConcurrent: 5})
	limiter := auth.NewRateLimiter(60, 10)

	s, err := New(cfg, pool, sessions, budget, limiter)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return s, sessions
}

func TestScheduler_SweepRemovesExpiredSessions(t *testing.T) {
	s, sessions := newTestScheduler(t)

	now := time.Now()
	stale := &store.SessionRecord{SessionID: "s1", AgentName: "a", ContextID: "stale",
		CreatedAt: now.Add(-2 * time.Hour), LastAccessedAt: now.Add(-2 * time.Hour)}
	fresh := &store.SessionRecord{SessionID: "s2", AgentName: "a", ContextID: "fresh",
		CreatedAt: now, LastAccessedAt: now}
	for _, rec := range []*store.SessionRecord{stale, fresh} {
		if err := sessions.Create(rec); err != nil {
			t.Fatalf("Create(%s) failed: %v", rec.ContextID, err)
		}
	}

	s.sweepSessions()

	if _, err := sessions.GetByContextID("stale"); err != store.ErrSessionNotFound {
		t.Errorf("stale session survived sweep: %v", err)
	}
	if _, err := sessions.GetByContextID("fresh"); err != nil {
		t.Errorf("fresh session swept: %v", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.Start()
	s.Stop()
}

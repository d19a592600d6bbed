package server

import (
	"net/http"
	"time"
)

// healthHandler serves GET /health. Unauthenticated by design so load
// balancers and monitors can probe without credentials.
func (s *Server) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		globalSpent, _ := s.deps.Budget.GlobalSpentToday(now)
		recs, _ := s.deps.Sessions.ListAll()

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":           "ok",
			"version":          s.deps.Version,
			"uptime_seconds":   int(now.Sub(s.started).Seconds()),
			"active_processes": s.deps.Pool.Count(),
			"active_sessions":  len(recs),
			"budget": map[string]interface{}{
				"global_spent_usd": globalSpent,
				"global_cap_usd":   s.deps.Config.Budget.GlobalDailyUSD,
			},
		})
	})
}

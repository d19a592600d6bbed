package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/store"
)

type issueTokenRequest struct {
	ClientName     string   `json:"client_name"`
	Scopes         []string `json:"scopes"`
	TTLMinutes     int      `json:"ttl_min,omitempty"`
	BudgetDailyUSD *float64 `json:"budget_daily_usd,omitempty"`
	RateLimitRPM   *int     `json:"rate_limit_rpm,omitempty"`
	AllowedModels  []string `json:"allowed_models,omitempty"`
	Ephemeral      bool     `json:"ephemeral,omitempty"`
}

type issueTokenResponse struct {
	auth.IssuedToken
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (s *Server) issueTokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Tokens == nil {
			writeError(w, http.StatusServiceUnavailable, "token signing is not configured")
			return
		}
		var req issueTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientName == "" {
			writeError(w, http.StatusBadRequest, "client_name required")
			return
		}

		opts := auth.IssueOptions{
			BudgetDailyUSD: req.BudgetDailyUSD,
			RateLimitRPM:   req.RateLimitRPM,
			AllowedModels:  req.AllowedModels,
			Ephemeral:      req.Ephemeral,
			TTL:            time.Duration(req.TTLMinutes) * time.Minute,
		}
		access, err := s.deps.Tokens.IssueAccess(req.ClientName, req.Scopes, opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to issue token")
			return
		}
		resp := issueTokenResponse{IssuedToken: *access}

		if refresh, err := s.deps.Tokens.IssueRefresh(req.ClientName, req.Scopes, opts); err == nil {
			resp.RefreshToken = refresh.Token
		}

		logger.Info("Issued token %s for client %s (scopes %v)", access.TokenID, req.ClientName, req.Scopes)
		writeJSON(w, http.StatusOK, resp)
	})
}

func (s *Server) refreshTokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Tokens == nil {
			writeError(w, http.StatusServiceUnavailable, "token signing is not configured")
			return
		}
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
			writeError(w, http.StatusBadRequest, "refresh_token required")
			return
		}
		access, err := s.deps.Tokens.Refresh(req.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "refresh failed")
			return
		}
		writeJSON(w, http.StatusOK, access)
	})
}

func (s *Server) revokeTokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jti := r.PathValue("jti")
		if jti == "" {
			writeError(w, http.StatusBadRequest, "token id required")
			return
		}
		if err := s.deps.Revocations.Revoke(jti); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to revoke token")
			return
		}
		logger.Info("Revoked token %s", jti)
		writeJSON(w, http.StatusOK, map[string]string{"revoked": jti})
	})
}

func (s *Server) listRevokedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		revoked, err := s.deps.Revocations.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list revoked tokens")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": revoked})
	})
}

type sessionView struct {
	SessionID      string    `json:"session_id"`
	AgentName      string    `json:"agent_name"`
	ClientName     string    `json:"client_name,omitempty"`
	ContextID      string    `json:"context_id"`
	TaskID         string    `json:"task_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	TotalCostUSD   float64   `json:"total_cost_usd"`
	MessageCount   int       `json:"message_count"`
	ProcessAlive   bool      `json:"process_alive"`
	LastPid        int       `json:"last_pid,omitempty"`
}

func (s *Server) listSessionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		var recs []*store.SessionRecord
		if client := r.URL.Query().Get("client"); client != "" {
			recs, err = s.deps.Sessions.ListForClient(client)
		} else {
			recs, err = s.deps.Sessions.ListAll()
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}

		views := make([]sessionView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, sessionView{
				SessionID:      rec.SessionID,
				AgentName:      rec.AgentName,
				ClientName:     rec.ClientName,
				ContextID:      rec.ContextID,
				TaskID:         rec.TaskID,
				CreatedAt:      rec.CreatedAt,
				LastAccessedAt: rec.LastAccessedAt,
				TotalCostUSD:   rec.TotalCostUSD,
				MessageCount:   rec.MessageCount,
				ProcessAlive:   s.deps.Pool.Get(rec.ContextID) != nil,
				LastPid:        rec.LastPid,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
	})
}

func (s *Server) deleteSessionHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contextID := r.PathValue("id")
		destroyed := s.deps.Pool.DestroySession(contextID)
		if err := s.deps.Sessions.Delete(contextID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete session")
			return
		}
		if destroyed {
			metrics.RecordEviction("admin")
			metrics.SetWorkersRunning(float64(s.deps.Pool.Count()))
		}
		logger.Info("Admin deleted session %s (worker destroyed: %v)", contextID, destroyed)
		writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": contextID, "worker_destroyed": destroyed})
	})
}

func (s *Server) statsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		globalSpent, _ := s.deps.Budget.GlobalSpentToday(now)
		recs, _ := s.deps.Sessions.ListAll()

		var agents []string
		for _, a := range s.deps.Config.EnabledAgents() {
			agents = append(agents, a.Name)
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"active_processes": s.deps.Pool.Count(),
			"stored_sessions":  len(recs),
			"enabled_agents":   agents,
			"budget": map[string]interface{}{
				"global_spent_usd": globalSpent,
				"global_cap_usd":   s.deps.Config.Budget.GlobalDailyUSD,
				"client_cap_usd":   s.deps.Config.Budget.ClientDailyUSD,
			},
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

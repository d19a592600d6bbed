package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// Middleware authenticates every request through the gate and applies the
// per-client rate limit, then attaches the auth context to the request.
func Middleware(gate *Gate, limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := gate.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				logger.Info("Authentication failed for %s %s: %v", r.Method, r.URL.Path, err)
				message := "Authentication required (Bearer token)"
				if gate.TokenDebug {
					message = fmt.Sprintf("%s: %v", message, err)
				}
				jsonError(w, message, http.StatusUnauthorized)
				return
			}

			if limiter != nil {
				allowed, retryAfter := limiter.Allow(rateLimitKey(ac), ac.RateLimitRPM)
				if !allowed {
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					jsonError(w, "Rate limit exceeded", http.StatusTooManyRequests)
					return
				}
			}

			ctx := WithContext(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireMaster wraps admin handlers: only the shared-secret tier passes
func RequireMaster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !FromContext(r.Context()).IsMaster() {
			jsonError(w, "Admin access requires the master key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(ac *Context) string {
	if ac.ClientName != "" {
		return ac.ClientName
	}
	return "anonymous"
}

// jsonError writes a JSON-RPC shaped error body so A2A clients can parse
// transport-level failures uniformly.
func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    -32001,
			"message": message,
		},
		"id": nil,
	})
}

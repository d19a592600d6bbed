package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/portcullis/internal/a2a"
	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/store"
)

const masterKey = "test-master-key"

type stubService struct{}

func (stubService) SendMessage(context.Context, *a2a.MessageSendParams) (*a2a.Task, error) {
	return &a2a.Task{ID: "task-1", Kind: "task", Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}}, nil
}
func (stubService) GetTask(_ context.Context, id string) (*a2a.Task, error) {
	return &a2a.Task{ID: id, Kind: "task"}, nil
}
func (stubService) CancelTask(_ context.Context, id string) (*a2a.Task, error) {
	return &a2a.Task{ID: id, Kind: "task", Status: a2a.TaskStatus{State: a2a.TaskStateCanceled}}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Auth:    config.AuthConfig{MasterKey: masterKey, JWTSecret: "signing-secret", JWTAlgorithm: "HS256", AccessTTLMin: 60, RefreshEnabled: true, RefreshTTLHours: 24},
		Budget:  config.BudgetConfig{GlobalDailyUSD: 100, ClientDailyUSD: 10},
		Agents:  []config.AgentDefinition{{Name: "helper", Enabled: true}},
	}

	revocations, err := store.NewRevocationStore(db)
	if err != nil {
		t.Fatalf("NewRevocationStore() failed: %v", err)
	}
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm,
		time.Duration(cfg.Auth.AccessTTLMin)*time.Minute, cfg.Auth.RefreshEnabled,
		time.Duration(cfg.Auth.RefreshTTLHours)*time.Hour, revocations)
	if err != nil {
		t.Fatalf("NewTokenService() failed: %v", err)
	}

	pool := session.NewPool(session.Config{MaxConcurrent: 5})
	t.Cleanup(pool.KillAll)

	srv := New(Deps{
		Config:      cfg,
		Version:     "test",
		Service:     stubService{},
		Gate:        auth.NewGate(masterKey, tokens),
		Limiter:     auth.NewRateLimiter(6000, 100),
		Tokens:      tokens,
		Revocations: revocations,
		Pool:        pool,
		Sessions:    store.NewSessionStore(db),
		Tasks:       store.NewTaskStore(db),
		Budget:      store.NewBudgetTracker(db, 100, 10),
	})
	return srv, db
}

func doRequest(t *testing.T, srv *Server, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body is not JSON: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health body = %v", body)
	}
}

func TestServer_AgentCardIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/.well-known/agent-card.json", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var card a2a.AgentCard
	if err := json.Unmarshal(rec.Body.Bytes(), &card); err != nil {
		t.Fatalf("card is not JSON: %v", err)
	}
	if len(card.Skills) != 1 || card.Skills[0].ID != "helper" {
		t.Errorf("skills = %+v", card.Skills)
	}
}

func TestServer_JSONRPCRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/a2a/jsonrpc", "",
		`{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"t"}}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/a2a/jsonrpc", masterKey,
		`{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"t"}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}
}

func TestServer_AdminRequiresMasterTier(t *testing.T) {
	srv, _ := newTestServer(t)

	// Issue a non-master token via the admin API
	rec := doRequest(t, srv, http.MethodPost, "/admin/tokens", masterKey,
		`{"client_name":"alice","scopes":["helper"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("issue status = %d: %s", rec.Code, rec.Body.String())
	}
	var issued issueTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("issue body: %v", err)
	}
	if issued.Token == "" || issued.TokenID == "" {
		t.Fatalf("issued = %+v", issued)
	}
	if issued.RefreshToken == "" {
		t.Error("refresh token missing with refresh enabled")
	}

	// The token works on the protocol surface
	rec = doRequest(t, srv, http.MethodPost, "/a2a/jsonrpc", issued.Token,
		`{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"t"}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("token on protocol surface = %d, want 200", rec.Code)
	}

	// But not on the admin surface
	rec = doRequest(t, srv, http.MethodGet, "/admin/stats", issued.Token, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("token on admin surface = %d, want 403", rec.Code)
	}
}

func TestServer_RevocationFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/admin/tokens", masterKey,
		`{"client_name":"alice","scopes":["helper"]}`)
	var issued issueTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("issue body: %v", err)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/admin/tokens/"+issued.TokenID, masterKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}

	// The revoked token no longer authenticates
	rec = doRequest(t, srv, http.MethodPost, "/a2a/jsonrpc", issued.Token,
		`{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"t"}}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked token status = %d, want 401", rec.Code)
	}

	// And shows up in the revoked list
	rec = doRequest(t, srv, http.MethodGet, "/admin/tokens/revoked", masterKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), issued.TokenID) {
		t.Errorf("revoked list missing %s: %s", issued.TokenID, rec.Body.String())
	}
}

func TestServer_RefreshExchange(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/admin/tokens", masterKey,
		`{"client_name":"alice","scopes":["helper"]}`)
	var issued issueTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("issue body: %v", err)
	}

	rec = doRequest(t, srv, http.MethodPost, "/admin/tokens/refresh", masterKey,
		`{"refresh_token":"`+issued.RefreshToken+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", rec.Code, rec.Body.String())
	}
	var refreshed auth.IssuedToken
	if err := json.Unmarshal(rec.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("refresh body: %v", err)
	}

	rec = doRequest(t, srv, http.MethodPost, "/a2a/jsonrpc", refreshed.Token,
		`{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"t"}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("refreshed token status = %d, want 200", rec.Code)
	}

	// An access token is not accepted for refresh
	rec = doRequest(t, srv, http.MethodPost, "/admin/tokens/refresh", masterKey,
		`{"refresh_token":"`+issued.Token+`"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("access-as-refresh status = %d, want 401", rec.Code)
	}
}

func TestServer_SessionAdmin(t *testing.T) {
	srv, db := newTestServer(t)

	now := time.Now()
	sessions := store.NewSessionStore(db)
	rec := &store.SessionRecord{SessionID: "s1", AgentName: "helper", ClientName: "alice",
		ContextID: "ctx-1", CreatedAt: now, LastAccessedAt: now}
	if err := sessions.Create(rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	resp := doRequest(t, srv, http.MethodGet, "/admin/sessions", masterKey, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("list status = %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "ctx-1") {
		t.Errorf("session list missing ctx-1: %s", resp.Body.String())
	}

	resp = doRequest(t, srv, http.MethodGet, "/admin/sessions?client=bob", masterKey, "")
	if strings.Contains(resp.Body.String(), "ctx-1") {
		t.Errorf("client filter leaked alice's session")
	}

	resp = doRequest(t, srv, http.MethodDelete, "/admin/sessions/ctx-1", masterKey, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("delete status = %d", resp.Code)
	}
	if _, err := sessions.GetByContextID("ctx-1"); err != store.ErrSessionNotFound {
		t.Errorf("session survived admin delete: %v", err)
	}
}

func TestServer_Stats(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/admin/stats", masterKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("stats body: %v", err)
	}
	agents, _ := body["enabled_agents"].([]interface{})
	if len(agents) != 1 || agents[0] != "helper" {
		t.Errorf("enabled_agents = %v", body["enabled_agents"])
	}
	if _, ok := body["budget"].(map[string]interface{}); !ok {
		t.Errorf("budget snapshot missing: %v", body)
	}
}

func TestServer_ShutdownReleasesAndMarksDead(t *testing.T) {
	srv, db := newTestServer(t)

	now := time.Now()
	sessions := store.NewSessionStore(db)
	rec := &store.SessionRecord{SessionID: "s1", AgentName: "helper", ContextID: "ctx-1",
		CreatedAt: now, LastAccessedAt: now, ProcessAlive: true, LastPid: 4242}
	if err := sessions.Create(rec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	got, err := sessions.GetByContextID("ctx-1")
	if err != nil {
		t.Fatalf("GetByContextID() failed: %v", err)
	}
	if got.ProcessAlive {
		t.Error("alive flag survived shutdown")
	}
	if got.LastPid != 4242 {
		t.Error("recorded pid lost on shutdown")
	}
}

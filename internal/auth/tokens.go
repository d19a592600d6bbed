package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token verification errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrRevokedToken   = errors.New("token revoked")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrRefreshOff     = errors.New("refresh tokens disabled")
)

// Token type claim values
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// RevocationChecker answers whether a token id is on the denylist. The
// store package implements it; the interface keeps this package free of a
// database dependency.
type RevocationChecker interface {
	IsRevoked(jti string) bool
}

// Claims is the portcullis JWT claim set
type Claims struct {
	jwt.RegisteredClaims
	Scopes         []string `json:"scopes,omitempty"`
	BudgetDailyUSD *float64 `json:"budget_daily_usd,omitempty"`
	RateLimitRPM   *int     `json:"rate_limit_rpm,omitempty"`
	AllowedModels  []string `json:"allowed_models,omitempty"`
	Ephemeral      bool     `json:"ephemeral,omitempty"`
	TokenType      string   `json:"token_type"`
}

// IssueOptions carries the optional per-client overrides baked into a token
type IssueOptions struct {
	BudgetDailyUSD *float64
	RateLimitRPM   *int
	AllowedModels  []string
	Ephemeral      bool
	// TTL overrides the configured access lifetime when positive
	TTL time.Duration
}

// IssuedToken is the result of minting a token
type IssuedToken struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenService mints and verifies HMAC-signed tokens. Only the configured
// algorithm is accepted on verify; everything else, including "none", is
// rejected before signature validation.
type TokenService struct {
	secret      []byte
	method      jwt.SigningMethod
	algorithm   string
	accessTTL   time.Duration
	refreshOn   bool
	refreshTTL  time.Duration
	revocations RevocationChecker
}

// NewTokenService creates a token service. algorithm must be one of
// HS256, HS384, HS512.
func NewTokenService(secret, algorithm string, accessTTL time.Duration, refreshOn bool, refreshTTL time.Duration, revocations RevocationChecker) (*TokenService, error) {
	var method jwt.SigningMethod
	switch algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	return &TokenService{
		secret:      []byte(secret),
		method:      method,
		algorithm:   algorithm,
		accessTTL:   accessTTL,
		refreshOn:   refreshOn,
		refreshTTL:  refreshTTL,
		revocations: revocations,
	}, nil
}

// IssueAccess mints an access token for a client
func (ts *TokenService) IssueAccess(clientName string, scopes []string, opts IssueOptions) (*IssuedToken, error) {
	ttl := ts.accessTTL
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	return ts.issue(clientName, scopes, TokenTypeAccess, ttl, opts)
}

// IssueRefresh mints a refresh token. Fails when refresh is disabled.
func (ts *TokenService) IssueRefresh(clientName string, scopes []string, opts IssueOptions) (*IssuedToken, error) {
	if !ts.refreshOn {
		return nil, ErrRefreshOff
	}
	return ts.issue(clientName, scopes, TokenTypeRefresh, ts.refreshTTL, opts)
}

func (ts *TokenService) issue(clientName string, scopes []string, tokenType string, ttl time.Duration, opts IssueOptions) (*IssuedToken, error) {
	now := time.Now()
	expiry := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientName,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		Scopes:         scopes,
		BudgetDailyUSD: opts.BudgetDailyUSD,
		RateLimitRPM:   opts.RateLimitRPM,
		AllowedModels:  opts.AllowedModels,
		Ephemeral:      opts.Ephemeral,
		TokenType:      tokenType,
	}

	signed, err := jwt.NewWithClaims(ts.method, claims).SignedString(ts.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &IssuedToken{Token: signed, TokenID: claims.ID, ExpiresAt: expiry}, nil
}

// Verify validates an access token and returns the caller's auth context.
// Refresh tokens are rejected here: they are only good for the refresh
// exchange, never for API calls.
func (ts *TokenService) Verify(tokenString string) (*Context, error) {
	claims, err := ts.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}

	kind := KindAccessToken
	if claims.Ephemeral {
		kind = KindEphemeralToken
	}
	return &Context{
		Kind:           kind,
		ClientName:     claims.Subject,
		Scopes:         claims.Scopes,
		BudgetDailyUSD: claims.BudgetDailyUSD,
		RateLimitRPM:   claims.RateLimitRPM,
		AllowedModels:  claims.AllowedModels,
		TokenID:        claims.ID,
	}, nil
}

// Refresh exchanges a valid refresh token for a fresh access token with
// the same subject, scopes, and overrides.
func (ts *TokenService) Refresh(refreshToken string) (*IssuedToken, error) {
	if !ts.refreshOn {
		return nil, ErrRefreshOff
	}
	claims, err := ts.parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrWrongTokenType
	}
	return ts.IssueAccess(claims.Subject, claims.Scopes, IssueOptions{
		BudgetDailyUSD: claims.BudgetDailyUSD,
		RateLimitRPM:   claims.RateLimitRPM,
		AllowedModels:  claims.AllowedModels,
		Ephemeral:      claims.Ephemeral,
	})
}

func (ts *TokenService) parse(tokenString string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return ts.secret, nil
	}, jwt.WithValidMethods([]string{ts.algorithm}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if ts.revocations != nil && ts.revocations.IsRevoked(claims.ID) {
		return nil, ErrRevokedToken
	}
	return &claims, nil
}

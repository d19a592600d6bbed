package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

// Authentication errors
var (
	ErrNoCredential  = errors.New("authentication required")
	ErrBadCredential = errors.New("invalid credential")
)

// Gate resolves a bearer credential to an auth context. The shared secret
// is tried first, then signed tokens.
type Gate struct {
	masterKeyHash [32]byte
	hasMasterKey  bool
	tokens        *TokenService

	// TokenDebug surfaces verification detail in 401 bodies. Off in
	// production; failure reasons leak information about valid tokens.
	TokenDebug bool
}

// NewGate creates a gate. Either credential mechanism may be absent; with
// both absent every request resolves to the anonymous context (config
// validation restricts that mode to loopback binds).
func NewGate(masterKey string, tokens *TokenService) *Gate {
	g := &Gate{tokens: tokens}
	if masterKey != "" {
		g.masterKeyHash = sha256.Sum256([]byte(masterKey))
		g.hasMasterKey = true
	}
	return g
}

// Enabled reports whether any credential mechanism is configured
func (g *Gate) Enabled() bool {
	return g.hasMasterKey || g.tokens != nil
}

// Authenticate resolves an Authorization header value to an auth context
func (g *Gate) Authenticate(authHeader string) (*Context, error) {
	if !g.Enabled() {
		return &Context{Kind: KindAnonymous, Scopes: []string{ScopeWildcard}}, nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, ErrNoCredential
	}
	credential := strings.TrimPrefix(authHeader, "Bearer ")

	if g.hasMasterKey {
		// Compare digests so the check is constant time regardless of
		// credential length
		sum := sha256.Sum256([]byte(credential))
		if subtle.ConstantTimeCompare(sum[:], g.masterKeyHash[:]) == 1 {
			return &Context{
				Kind:       KindSharedSecret,
				ClientName: MasterClientName,
				Scopes:     []string{ScopeWildcard},
			}, nil
		}
	}

	if g.tokens != nil {
		return g.tokens.Verify(credential)
	}
	return nil, ErrBadCredential
}

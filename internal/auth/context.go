package auth

import "context"

// Kind classifies the credential a request presented
type Kind int

const (
	KindAnonymous Kind = iota
	KindSharedSecret
	KindAccessToken
	KindEphemeralToken
)

// String returns the wire name of the credential kind
func (k Kind) String() string {
	switch k {
	case KindSharedSecret:
		return "shared-secret"
	case KindAccessToken:
		return "signed-access-token"
	case KindEphemeralToken:
		return "signed-ephemeral-token"
	default:
		return "anonymous"
	}
}

// ScopeWildcard grants access to every agent
const ScopeWildcard = "*"

// MasterClientName is the client identity of the shared-secret tier
const MasterClientName = "master"

// Context holds the authentication state derived from a request credential.
// It travels on the request context.
type Context struct {
	Kind       Kind
	ClientName string
	Scopes     []string
	// Per-client overrides carried in token claims, nil when absent
	BudgetDailyUSD *float64
	RateLimitRPM   *int
	AllowedModels  []string
	// TokenID is the jti for token credentials, empty otherwise
	TokenID string
}

// IsMaster reports whether the caller authenticated with the shared secret
func (c *Context) IsMaster() bool {
	return c != nil && c.Kind == KindSharedSecret
}

// AllowsAgent reports whether the caller's scopes cover the named agent.
// The shared-secret tier and the wildcard scope cover everything.
func (c *Context) AllowsAgent(name string) bool {
	if c == nil {
		return false
	}
	if c.Kind == KindSharedSecret {
		return true
	}
	for _, s := range c.Scopes {
		if s == ScopeWildcard || s == name {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithContext attaches the auth context to a request context
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext returns the auth context, or nil when unauthenticated
func FromContext(ctx context.Context) *Context {
	ac, _ := ctx.Value(contextKey{}).(*Context)
	return ac
}

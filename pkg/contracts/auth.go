// Package contracts — authentication interfaces for the ops API surface.
//
// The MCP transports carry their own credentials (platform tokens through the
// vault); these types guard only the /api/v1 operational endpoints.
package contracts

import (
	"context"
	"net/http"
	"time"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated operator or service.
// Produced by an AuthProvider, consumed by middleware and handlers.
type Identity struct {
	// Subject is the unique identifier (operator name, API key hash).
	Subject string `json:"subject"`

	// DisplayName is a human-readable name.
	DisplayName string `json:"display_name,omitempty"`

	// Provider identifies which auth provider authenticated this identity.
	Provider string `json:"provider"`

	// Role scopes what the identity may do.
	// Values: "admin", "operator", "viewer".
	Role string `json:"role"`

	// ExpiresAt is when this identity's session expires. Zero means the
	// credential does not expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. "apikey").
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// ── AuthProviderChain ───────────────────────────────────────

// AuthProviderChain tries providers in priority order until one returns an
// Identity. Used by the auth middleware so several credential styles can
// guard the same endpoints.
type AuthProviderChain interface {
	// Authenticate walks the chain of providers in order.
	// Returns the first successful Identity, or (nil, nil) if no provider matched.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// RegisterProvider adds a provider to the end of the chain.
	// Providers are tried in registration order.
	RegisterProvider(provider AuthProvider)
}

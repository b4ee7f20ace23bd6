package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/toolplane/toolplane/pkg/contracts"
)

// APIKeyProvider validates static API keys against the configured set
// (TOOLPLANE_API_KEYS, surfaced through config.APIConfig). Keys are held as
// SHA-256 digests and matched with a constant-time compare; the raw key is
// never stored or logged.
type APIKeyProvider struct {
	mu      sync.RWMutex
	digests map[string][32]byte // digest hex → digest, for runtime removal
	enabled bool
	role    string
}

// NewAPIKeyProvider creates an API key auth provider over the configured keys.
// An empty key list leaves the provider disabled.
func NewAPIKeyProvider(keys []string) *APIKeyProvider {
	p := &APIKeyProvider{
		digests: make(map[string][32]byte),
		role:    "operator",
	}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" {
			d := sha256.Sum256([]byte(key))
			p.digests[fmt.Sprintf("%x", d)] = d
			p.enabled = true
		}
	}
	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Authenticate validates the API key and returns an Identity.
// Returns (nil, nil) if no API key is present (let next provider try).
// Returns (nil, error) if an API key is present but invalid.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := extractAPIKey(r)
	if apiKey == "" {
		// No API key in request — not our concern, let next provider try.
		return nil, nil
	}

	digest := sha256.Sum256([]byte(apiKey))
	if !p.validate(digest) {
		return nil, fmt.Errorf("invalid API key")
	}

	// The identity subject is the digest prefix, so logs can correlate
	// requests to a key without revealing it.
	return &contracts.Identity{
		Subject:     "apikey:" + fmt.Sprintf("%x", digest)[:16],
		Provider:    "apikey",
		Role:        p.role,
		DisplayName: "API Key Operator",
	}, nil
}

func (p *APIKeyProvider) validate(candidate [32]byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ok := false
	for _, d := range p.digests {
		if subtle.ConstantTimeCompare(candidate[:], d[:]) == 1 {
			ok = true
		}
	}
	return ok
}

// AddKey adds a new API key at runtime.
func (p *APIKeyProvider) AddKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := sha256.Sum256([]byte(key))
	p.digests[fmt.Sprintf("%x", d)] = d
	p.enabled = true
}

// RemoveKey removes an API key at runtime.
func (p *APIKeyProvider) RemoveKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := sha256.Sum256([]byte(key))
	delete(p.digests, fmt.Sprintf("%x", d))
	if len(p.digests) == 0 {
		p.enabled = false
	}
}

func extractAPIKey(r *http.Request) string {
	// Authorization: Bearer <key>
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// X-API-Key header
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// api_key query parameter (for EventSource clients that cannot set headers)
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}

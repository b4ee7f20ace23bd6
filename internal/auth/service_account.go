package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/toolplane/toolplane/pkg/contracts"
)

// ServiceAccountProvider validates HMAC-signed service tokens. Meant for
// automation hitting the ops surface — CI jobs resetting limiters, cron jobs
// triggering conversation cleanup — where handing out a long-lived operator
// API key is too blunt.
//
// Token format: base64url(JSON payload) + "." + base64url(HMAC-SHA256 sig)
// Payload: {"sub": "ci-pipeline", "role": "operator", "exp": 1234567890}
//
// Config: TOOLPLANE_SA_SECRET (the HMAC key). Empty leaves the provider
// disabled.
type ServiceAccountProvider struct {
	secret  []byte
	enabled bool
}

// serviceTokenPayload is the JWT-like payload carried by a service token.
type serviceTokenPayload struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	Exp     int64  `json:"exp"` // Unix timestamp; 0 means no expiry
}

// NewServiceAccountProvider creates a provider over the shared HMAC secret.
func NewServiceAccountProvider(secret string) *ServiceAccountProvider {
	if secret == "" {
		return &ServiceAccountProvider{enabled: false}
	}
	return &ServiceAccountProvider{secret: []byte(secret), enabled: true}
}

func (p *ServiceAccountProvider) Name() string  { return "service_account" }
func (p *ServiceAccountProvider) Enabled() bool { return p.enabled }

// Authenticate validates the token in the X-Service-Token header.
// Returns (nil, nil) when the header is absent so the chain keeps walking.
func (p *ServiceAccountProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	token := r.Header.Get("X-Service-Token")
	if token == "" {
		return nil, nil
	}

	payload, err := p.validateToken(token)
	if err != nil {
		// The reason goes to the caller coarsely; logs never see the token.
		return nil, fmt.Errorf("invalid service token")
	}

	id := &contracts.Identity{
		Subject:     "svc:" + payload.Subject,
		Provider:    "service_account",
		Role:        payload.Role,
		DisplayName: payload.Subject,
	}
	if payload.Exp > 0 {
		id.ExpiresAt = time.Unix(payload.Exp, 0)
	}
	return id, nil
}

func (p *ServiceAccountProvider) validateToken(token string) (*serviceTokenPayload, error) {
	parts := splitToken(token)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed token: expected payload.signature")
	}
	payloadB64, sigB64 := parts[0], parts[1]

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payloadB64))
	expectedSig := mac.Sum(nil)

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(sig, expectedSig) {
		return nil, fmt.Errorf("signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	var payload serviceTokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}

	if payload.Exp > 0 && time.Now().Unix() > payload.Exp {
		return nil, fmt.Errorf("token expired")
	}
	if payload.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}
	if payload.Role == "" {
		payload.Role = "operator"
	}
	return &payload, nil
}

// splitToken splits on the last dot so base64 payloads with dots (there are
// none in RawURLEncoding, but be lenient) still parse.
func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}

// GenerateServiceToken creates a signed service token. Helper for CLI
// tooling and tests — the server only verifies.
func GenerateServiceToken(secret []byte, subject, role string, ttl time.Duration) (string, error) {
	payload := serviceTokenPayload{
		Subject: subject,
		Role:    role,
	}
	if ttl > 0 {
		payload.Exp = time.Now().Add(ttl).Unix()
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadBytes)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payloadB64 + "." + sigB64, nil
}

package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// expiryMargin is shaved off the advertised token lifetime so a token is
// rotated before the platform starts rejecting it.
const expiryMargin = 2 * time.Minute

// TenantRotator mints tenant access tokens from app credentials. It is the
// production contracts.TokenRotator implementation the vault delegates to;
// credentials are held here and never logged.
type TenantRotator struct {
	client    *Client
	appID     string
	appSecret string
	authPath  string
}

// NewTenantRotator wires the rotator. authPath is the tenant token endpoint
// relative to the client's base URL.
func NewTenantRotator(c *Client, appID, appSecret, authPath string) *TenantRotator {
	return &TenantRotator{client: c, appID: appID, appSecret: appSecret, authPath: authPath}
}

// Rotate mints a fresh tenant token. User tokens come from an interactive
// grant and cannot be minted here; asking for one is an error.
func (r *TenantRotator) Rotate(ctx context.Context, kind models.TokenKind, _ string) (string, time.Time, error) {
	switch kind {
	case models.TokenKindTenant, models.TokenKindApp:
	default:
		return "", time.Time{}, fmt.Errorf("platform: cannot mint %s tokens", kind)
	}

	body := map[string]string{"app_id": r.appID, "app_secret": r.appSecret}
	raw, err := r.client.request(ctx, http.MethodPost, r.authPath, nil, body, "")
	if err != nil {
		return "", time.Time{}, err
	}

	// The auth endpoint answers flat, not with a data envelope.
	var resp struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"` // seconds
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("platform: decoding token response: %w", err)
	}
	if resp.Code != 0 {
		return "", time.Time{}, &PlatformError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.TenantAccessToken == "" {
		return "", time.Time{}, fmt.Errorf("platform: token endpoint returned no token")
	}

	lifetime := time.Duration(resp.Expire) * time.Second
	if lifetime > 2*expiryMargin {
		lifetime -= expiryMargin
	}
	expiresAt := time.Now().Add(lifetime)
	log.Info().Str("kind", string(kind)).Int("expire_s", resp.Expire).Msg("Minted tenant access token")
	return resp.TenantAccessToken, expiresAt, nil
}

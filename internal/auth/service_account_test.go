package auth_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/toolplane/toolplane/internal/auth"
)

const saSecret = "sa-secret-for-tests"

func TestServiceAccountRoundtrip(t *testing.T) {
	p := auth.NewServiceAccountProvider(saSecret)
	if !p.Enabled() {
		t.Fatal("provider with a secret should be enabled")
	}

	token, err := auth.GenerateServiceToken([]byte(saSecret), "ci-pipeline", "operator", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/v1/queue/stats", nil)
	r.Header.Set("X-Service-Token", token)

	id, err := p.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id == nil {
		t.Fatal("expected an identity")
	}
	if id.Subject != "svc:ci-pipeline" {
		t.Errorf("subject = %q, want svc:ci-pipeline", id.Subject)
	}
	if id.Role != "operator" {
		t.Errorf("role = %q, want operator", id.Role)
	}
	if id.Provider != "service_account" {
		t.Errorf("provider = %q", id.Provider)
	}
	if id.ExpiresAt.IsZero() || time.Until(id.ExpiresAt) > time.Hour+time.Minute {
		t.Errorf("expiry not carried over: %v", id.ExpiresAt)
	}
}

func TestServiceAccountMissingHeaderFallsThrough(t *testing.T) {
	p := auth.NewServiceAccountProvider(saSecret)
	r := httptest.NewRequest("GET", "/", nil)

	id, err := p.Authenticate(context.Background(), r)
	if id != nil || err != nil {
		t.Fatalf("expected (nil, nil) without header, got (%v, %v)", id, err)
	}
}

func TestServiceAccountExpiredToken(t *testing.T) {
	p := auth.NewServiceAccountProvider(saSecret)

	token, err := auth.GenerateServiceToken([]byte(saSecret), "old-job", "operator", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Service-Token", token)

	if _, err := p.Authenticate(context.Background(), r); err == nil {
		t.Fatal("expired token should be rejected")
	}
}

func TestServiceAccountTamperedSignature(t *testing.T) {
	p := auth.NewServiceAccountProvider(saSecret)

	token, err := auth.GenerateServiceToken([]byte("some-other-secret"), "intruder", "operator", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Service-Token", token)

	id, err := p.Authenticate(context.Background(), r)
	if err == nil {
		t.Fatal("wrong-key signature should be rejected")
	}
	if id != nil {
		t.Fatal("no identity on rejection")
	}
	if strings.Contains(err.Error(), "intruder") {
		t.Errorf("error leaks payload content: %v", err)
	}
}

func TestServiceAccountTamperedPayload(t *testing.T) {
	p := auth.NewServiceAccountProvider(saSecret)

	token, err := auth.GenerateServiceToken([]byte(saSecret), "ci-pipeline", "viewer", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Flip a byte in the payload half; the signature no longer matches.
	dot := strings.LastIndex(token, ".")
	payload := []byte(token[:dot])
	payload[0] ^= 0x01
	forged := string(payload) + token[dot:]

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Service-Token", forged)

	if _, err := p.Authenticate(context.Background(), r); err == nil {
		t.Fatal("tampered payload should be rejected")
	}
}

func TestServiceAccountMalformedToken(t *testing.T) {
	p := auth.NewServiceAccountProvider(saSecret)

	for _, tok := range []string{"no-dot-here", "..", "a.b.c.d", "!!!.???"} {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Service-Token", tok)
		if _, err := p.Authenticate(context.Background(), r); err == nil {
			t.Errorf("token %q should be rejected", tok)
		}
	}
}

func TestServiceAccountRoleDefaultsToOperator(t *testing.T) {
	p := auth.NewServiceAccountProvider(saSecret)

	token, err := auth.GenerateServiceToken([]byte(saSecret), "cron", "", 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Service-Token", token)

	id, err := p.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.Role != "operator" {
		t.Errorf("role = %q, want operator default", id.Role)
	}
	if !id.ExpiresAt.IsZero() {
		t.Errorf("zero ttl should leave ExpiresAt unset, got %v", id.ExpiresAt)
	}
}

func TestServiceAccountDisabledWithoutSecret(t *testing.T) {
	p := auth.NewServiceAccountProvider("")
	if p.Enabled() {
		t.Fatal("empty secret should disable the provider")
	}
}

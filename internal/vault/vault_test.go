package vault_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolplane/toolplane/internal/cache"
	"github.com/toolplane/toolplane/internal/vault"
	"github.com/toolplane/toolplane/pkg/models"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// newTestVault builds a vault with its own cache manager so tests can
// inspect and corrupt the mirrored bundles.
func newTestVault(t *testing.T) (*vault.Vault, *cache.Manager) {
	t.Helper()
	mgr := cache.NewManager(cache.DefaultConfigs())
	v, err := vault.New(testKey, mgr)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return v, mgr
}

// ─── Construction ────────────────────────────────────────────

func TestNewRequiresKey(t *testing.T) {
	if _, err := vault.New("", nil); !errors.Is(err, vault.ErrKeyRequired) {
		t.Errorf("New(\"\") error = %v, want ErrKeyRequired", err)
	}
}

func TestNewAcceptsPassphrase(t *testing.T) {
	v, err := vault.New("correct horse battery staple", nil)
	if err != nil {
		t.Fatalf("New(passphrase) error = %v", err)
	}

	if err := v.Store(models.TokenKindApp, "cli_a1b2c3d4e5f6g7h8", time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, err := v.Retrieve(models.TokenKindApp)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if got != "cli_a1b2c3d4e5f6g7h8" {
		t.Errorf("Retrieve() = %q, want original token", got)
	}
}

// ─── Store / Retrieve ────────────────────────────────────────

func TestStoreRetrieveRoundtrip(t *testing.T) {
	v, _ := newTestVault(t)

	token := "t-g1044qeMJ4TQXVYJ0s1N2qfh1vlz…ümlaut"
	if err := v.Store(models.TokenKindUser, token, time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := v.Retrieve(models.TokenKindUser)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if got != token {
		t.Errorf("Retrieve() = %q, want %q", got, token)
	}
}

func TestStoreRejectsEmptyToken(t *testing.T) {
	v, _ := newTestVault(t)

	if err := v.Store(models.TokenKindApp, "", time.Time{}); err == nil {
		t.Error("Store(\"\") error = nil, want error")
	}
}

func TestRetrieveMissingKind(t *testing.T) {
	v, _ := newTestVault(t)

	if _, err := v.Retrieve(models.TokenKindTenant); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("Retrieve(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFreshNoncePerEncryption(t *testing.T) {
	v, mgr := newTestVault(t)

	if err := v.Store(models.TokenKindApp, "same-token-every-time", time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	first, ok := mgr.Get(cache.CategoryAppTokens, "vault:app")
	if !ok {
		t.Fatal("cache mirror missing after Store")
	}

	if err := v.Store(models.TokenKindApp, "same-token-every-time", time.Time{}); err != nil {
		t.Fatalf("Store() second error = %v", err)
	}
	second, _ := mgr.Get(cache.CategoryAppTokens, "vault:app")

	a, b := first.([]byte), second.([]byte)
	if string(a) == string(b) {
		t.Error("identical bundles for two encryptions of the same token, want fresh nonce")
	}
}

// ─── Expiry ──────────────────────────────────────────────────

func TestRetrieveExpiredTokenPurges(t *testing.T) {
	v, _ := newTestVault(t)

	if err := v.Store(models.TokenKindTenant, "t-tenant-12345678", time.Now().Add(15*time.Millisecond)); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := v.Retrieve(models.TokenKindTenant); !errors.Is(err, vault.ErrExpired) {
		t.Fatalf("Retrieve(expired) error = %v, want ErrExpired", err)
	}
	// The purge is permanent: a second read is a plain miss.
	if _, err := v.Retrieve(models.TokenKindTenant); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("Retrieve() after purge error = %v, want ErrNotFound", err)
	}
	if v.Has(models.TokenKindTenant) {
		t.Error("Has(expired) = true, want false")
	}

	tail := v.Status().AuditTail
	var sawExpired bool
	for _, evt := range tail {
		if evt.Kind == models.VaultEventExpired {
			sawExpired = true
		}
	}
	if !sawExpired {
		t.Error("audit tail missing expired event")
	}
}

// ─── Tamper detection ────────────────────────────────────────

func TestTamperedBundleDetected(t *testing.T) {
	v, mgr := newTestVault(t)

	if err := v.Store(models.TokenKindApp, "abcd-secret-ghij", time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// Flip a ciphertext byte in the cache mirror; Retrieve prefers it.
	raw, ok := mgr.Get(cache.CategoryAppTokens, "vault:app")
	if !ok {
		t.Fatal("cache mirror missing")
	}
	bundle := append([]byte(nil), raw.([]byte)...)
	bundle[len(bundle)-1] ^= 0xFF
	mgr.Set(cache.CategoryAppTokens, "vault:app", bundle)

	if _, err := v.Retrieve(models.TokenKindApp); !errors.Is(err, vault.ErrTampered) {
		t.Fatalf("Retrieve(tampered) error = %v, want ErrTampered", err)
	}

	// Tampering destroys the record.
	if _, err := v.Retrieve(models.TokenKindApp); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("Retrieve() after tamper purge error = %v, want ErrNotFound", err)
	}

	var invalid *models.VaultEvent
	for _, evt := range v.Status().AuditTail {
		if evt.Kind == models.VaultEventInvalid {
			e := evt
			invalid = &e
		}
	}
	if invalid == nil {
		t.Fatal("audit tail missing invalid event")
	}
	if invalid.MaskedToken != "abcd****ghij" {
		t.Errorf("audit MaskedToken = %q, want %q", invalid.MaskedToken, "abcd****ghij")
	}
}

func TestChecksumCatchesSwappedCiphertext(t *testing.T) {
	// Two vaults sharing key material: a bundle from one decrypts cleanly in
	// the other, so only the plaintext checksum can catch the swap.
	mgrA := cache.NewManager(cache.DefaultConfigs())
	vaultA, err := vault.New(testKey, mgrA)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	mgrB := cache.NewManager(cache.DefaultConfigs())
	vaultB, err := vault.New(testKey, mgrB)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := vaultA.Store(models.TokenKindApp, "token-aaaa-11111111", time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := vaultB.Store(models.TokenKindApp, "token-bbbb-22222222", time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	foreign, ok := mgrB.Get(cache.CategoryAppTokens, "vault:app")
	if !ok {
		t.Fatal("cache mirror missing")
	}
	mgrA.Set(cache.CategoryAppTokens, "vault:app", foreign)

	if _, err := vaultA.Retrieve(models.TokenKindApp); !errors.Is(err, vault.ErrTampered) {
		t.Errorf("Retrieve(swapped ciphertext) error = %v, want ErrTampered", err)
	}
}

// ─── Rotation ────────────────────────────────────────────────

type stubRotator struct {
	token string
	err   error
	calls int
}

func (s *stubRotator) Rotate(_ context.Context, _ models.TokenKind, _ string) (string, time.Time, error) {
	s.calls++
	if s.err != nil {
		return "", time.Time{}, s.err
	}
	return s.token, time.Now().Add(time.Hour), nil
}

func TestRotateStoresNewToken(t *testing.T) {
	v, _ := newTestVault(t)
	v.SetRotator(&stubRotator{token: "t-rotated-987654321"})

	if err := v.Store(models.TokenKindTenant, "t-original-123456789", time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := v.Rotate(context.Background(), models.TokenKindTenant, ""); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	got, err := v.Retrieve(models.TokenKindTenant)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if got != "t-rotated-987654321" {
		t.Errorf("Retrieve() = %q, want rotated token", got)
	}
	if n := v.Status().RotationCounts[models.TokenKindTenant]; n != 1 {
		t.Errorf("RotationCounts = %d, want 1", n)
	}
}

func TestRotateFailureKeepsOldToken(t *testing.T) {
	v, _ := newTestVault(t)
	v.SetRotator(&stubRotator{err: errors.New("upstream 503")})

	if err := v.Store(models.TokenKindTenant, "t-original-123456789", time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	err := v.Rotate(context.Background(), models.TokenKindTenant, "")
	var rerr *vault.RotationError
	if !errors.As(err, &rerr) {
		t.Fatalf("Rotate() error = %v, want *RotationError", err)
	}

	got, err := v.Retrieve(models.TokenKindTenant)
	if err != nil {
		t.Fatalf("Retrieve() after failed rotation error = %v", err)
	}
	if got != "t-original-123456789" {
		t.Errorf("Retrieve() = %q, want old token kept", got)
	}
}

func TestRotateWithoutRotator(t *testing.T) {
	v, _ := newTestVault(t)

	err := v.Rotate(context.Background(), models.TokenKindApp, "")
	var rerr *vault.RotationError
	if !errors.As(err, &rerr) {
		t.Errorf("Rotate() without rotator error = %v, want *RotationError", err)
	}
}

// ─── Remove / Status ─────────────────────────────────────────

func TestRemove(t *testing.T) {
	v, _ := newTestVault(t)

	if err := v.Store(models.TokenKindUser, "u-abcdefgh12345678", time.Time{}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := v.Remove(models.TokenKindUser); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := v.Remove(models.TokenKindUser); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("Remove(absent) error = %v, want ErrNotFound", err)
	}
	if _, err := v.Retrieve(models.TokenKindUser); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("Retrieve() after Remove error = %v, want ErrNotFound", err)
	}
}

func TestStatusListsKindsSorted(t *testing.T) {
	v, _ := newTestVault(t)

	v.Store(models.TokenKindUser, "u-abcdefgh12345678", time.Time{})
	v.Store(models.TokenKindApp, "a-abcdefgh12345678", time.Time{})

	st := v.Status()
	if !st.Encrypted {
		t.Error("Status().Encrypted = false, want true")
	}
	want := []models.TokenKind{models.TokenKindApp, models.TokenKindUser}
	if len(st.StoredKinds) != 2 || st.StoredKinds[0] != want[0] || st.StoredKinds[1] != want[1] {
		t.Errorf("StoredKinds = %v, want %v", st.StoredKinds, want)
	}
}

// ─── Masking ─────────────────────────────────────────────────

func TestMask(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"abcd-secret-ghij", "abcd****ghij"},
		{"t-g104abcdefghijklmnop", "t-g1****mnop"},
		{"short", "***MASKED***"},
		{"elevenchars", "***MASKED***"},
		{"", "***MASKED***"},
	}
	for _, tt := range tests {
		if got := vault.Mask(tt.token); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

// Package vault stores platform credentials encrypted at rest.
//
//   - AES-256-GCM with a fresh 12-byte nonce per write; the persisted bundle
//     is nonce‖ciphertext
//   - an independent HMAC-SHA256 checksum of the plaintext detects tampering;
//     a mismatch destroys the record and callers see only a generic error
//   - every operation lands in a bounded audit ring with masked tokens; raw
//     credentials never reach a log line
//
// Encrypted bundles are mirrored into the cache manager's appTokens category
// as a warm copy with the token's own TTL. The vault's record map stays
// authoritative, so a cache eviction never loses a credential.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/toolplane/toolplane/internal/cache"
	"github.com/toolplane/toolplane/pkg/contracts"
	"github.com/toolplane/toolplane/pkg/models"
)

const (
	nonceSize = 12

	// auditRingSize bounds the in-memory audit tail.
	auditRingSize = 256

	// statusAuditTail is how much of the ring Status exposes.
	statusAuditTail = 20
)

var (
	// ErrKeyRequired means the vault was constructed without key material.
	ErrKeyRequired = errors.New("vault: encryption key required")

	// ErrNotFound means no token is stored under the requested kind.
	ErrNotFound = errors.New("vault: no token stored")

	// ErrExpired means the stored token is past its expiry and was purged.
	ErrExpired = errors.New("vault: token expired")

	// ErrTampered is deliberately generic. The audit log carries the detail;
	// callers must never learn what failed about a credential.
	ErrTampered = errors.New("vault: token unavailable")
)

// RotationError reports a failed rotation. The previous token stays stored.
type RotationError struct {
	Kind models.TokenKind
	Err  error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("vault: rotation failed for %s token: %v", e.Kind, e.Err)
}

func (e *RotationError) Unwrap() error { return e.Err }

// Mask renders a token safe for logs: first and last four characters when
// the token is long enough to keep the middle secret.
func Mask(token string) string {
	if len(token) >= 12 {
		return token[:4] + "****" + token[len(token)-4:]
	}
	return "***MASKED***"
}

// record is one stored credential. bundle is nonce‖ciphertext; checksum is
// the HMAC of the plaintext, verified independently of the GCM tag.
type record struct {
	bundle    []byte
	checksum  []byte
	masked    string
	expiresAt time.Time // zero = no expiry
	storedAt  time.Time
	lastUsed  time.Time
}

// Vault encrypts and serves platform tokens keyed by kind.
type Vault struct {
	aead    cipher.AEAD
	hmacKey []byte
	cache   *cache.Manager

	mu        sync.Mutex
	records   map[models.TokenKind]*record
	rotations map[models.TokenKind]int
	rotator   contracts.TokenRotator

	audit *auditRing
}

// New builds a vault from key material: 64 hex characters decode to the
// AES-256 key directly, anything else is SHA-256-derived. There is no
// plaintext fallback. cacheMgr may be nil; bundles are then not mirrored.
func New(keyMaterial string, cacheMgr *cache.Manager) (*Vault, error) {
	key, err := deriveKey(keyMaterial)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}

	// The checksum key is derived, not reused, so the HMAC stays meaningful
	// even if the AEAD key leaks.
	mac := sha256.Sum256(append(append([]byte{}, key...), []byte("checksum")...))

	return &Vault{
		aead:      aead,
		hmacKey:   mac[:],
		cache:     cacheMgr,
		records:   make(map[models.TokenKind]*record),
		rotations: make(map[models.TokenKind]int),
		audit:     newAuditRing(auditRingSize),
	}, nil
}

func deriveKey(material string) ([]byte, error) {
	if material == "" {
		return nil, ErrKeyRequired
	}
	if len(material) == 64 {
		if key, err := hex.DecodeString(material); err == nil {
			return key, nil
		}
	}
	sum := sha256.Sum256([]byte(material))
	return sum[:], nil
}

// SetRotator wires the rotation backend. The platform client registers
// itself here after construction.
func (v *Vault) SetRotator(r contracts.TokenRotator) {
	v.mu.Lock()
	v.rotator = r
	v.mu.Unlock()
}

// Store encrypts and saves a token. A zero expiresAt means no expiry.
func (v *Vault) Store(kind models.TokenKind, token string, expiresAt time.Time) error {
	if token == "" {
		return errors.New("vault: empty token")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.storeLocked(kind, token, expiresAt)
}

func (v *Vault) storeLocked(kind models.TokenKind, token string, expiresAt time.Time) error {
	bundle, err := v.seal([]byte(token))
	if err != nil {
		return err
	}

	masked := Mask(token)
	now := time.Now().UTC()
	v.records[kind] = &record{
		bundle:    bundle,
		checksum:  v.checksum([]byte(token)),
		masked:    masked,
		expiresAt: expiresAt,
		storedAt:  now,
	}
	v.primeCache(kind, bundle, expiresAt)

	v.audit.record(models.VaultEventStored, kind, masked, "")
	return nil
}

// Retrieve decrypts and returns the token for kind. Expired tokens are
// purged and reported as ErrExpired; integrity failures purge the record
// and surface ErrTampered.
func (v *Vault) Retrieve(kind models.TokenKind) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.records[kind]
	if !ok {
		return "", ErrNotFound
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		v.purgeLocked(kind)
		v.audit.record(models.VaultEventExpired, kind, rec.masked, "token past expiry")
		return "", ErrExpired
	}

	bundle := rec.bundle
	if v.cache != nil {
		if cached, hit := v.cache.Get(cache.CategoryAppTokens, cacheKey(kind)); hit {
			if b, isBytes := cached.([]byte); isBytes {
				bundle = b
			}
		} else {
			v.primeCache(kind, rec.bundle, rec.expiresAt)
		}
	}

	plaintext, err := v.open(bundle)
	if err != nil {
		v.purgeLocked(kind)
		v.audit.record(models.VaultEventInvalid, kind, rec.masked, "decrypt failed")
		return "", ErrTampered
	}
	if !hmac.Equal(v.checksum(plaintext), rec.checksum) {
		v.purgeLocked(kind)
		v.audit.record(models.VaultEventInvalid, kind, rec.masked, "checksum mismatch")
		return "", ErrTampered
	}

	rec.lastUsed = time.Now().UTC()
	v.audit.record(models.VaultEventRetrieved, kind, rec.masked, "")
	return string(plaintext), nil
}

// Has reports whether a non-expired token is stored for kind, without
// decrypting it or touching the audit log.
func (v *Vault) Has(kind models.TokenKind) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.records[kind]
	if !ok {
		return false
	}
	return rec.expiresAt.IsZero() || time.Now().Before(rec.expiresAt)
}

// Remove deletes the token for kind.
func (v *Vault) Remove(kind models.TokenKind) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.records[kind]
	if !ok {
		return ErrNotFound
	}
	v.purgeLocked(kind)
	v.audit.record(models.VaultEventRemoved, kind, rec.masked, "")
	return nil
}

// Rotate asks the rotation backend for a replacement token and stores it.
// On failure the previous token is kept untouched.
func (v *Vault) Rotate(ctx context.Context, kind models.TokenKind, refreshToken string) error {
	v.mu.Lock()
	rotator := v.rotator
	v.mu.Unlock()

	if rotator == nil {
		return &RotationError{Kind: kind, Err: errors.New("no rotator configured")}
	}

	token, expiresAt, err := rotator.Rotate(ctx, kind, refreshToken)
	if err != nil {
		return &RotationError{Kind: kind, Err: err}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.storeLocked(kind, token, expiresAt); err != nil {
		return &RotationError{Kind: kind, Err: err}
	}
	v.rotations[kind]++
	v.audit.record(models.VaultEventRotated, kind, Mask(token), "")
	return nil
}

// Status returns a diagnostics snapshot: stored kinds, rotation counts,
// last-used stamps and the audit tail. Nothing in it is decryptable.
func (v *Vault) Status() models.VaultStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	kinds := make([]models.TokenKind, 0, len(v.records))
	lastUsed := make(map[models.TokenKind]string)
	for kind, rec := range v.records {
		kinds = append(kinds, kind)
		if !rec.lastUsed.IsZero() {
			lastUsed[kind] = rec.lastUsed.Format(time.RFC3339)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	rotations := make(map[models.TokenKind]int, len(v.rotations))
	for kind, n := range v.rotations {
		rotations[kind] = n
	}

	return models.VaultStatus{
		Encrypted:      true,
		StoredKinds:    kinds,
		RotationCounts: rotations,
		AuditTail:      v.audit.recent(statusAuditTail),
		LastUsed:       lastUsed,
	}
}

// ── Crypto primitives ────────────────────────────────────────

func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) open(bundle []byte) ([]byte, error) {
	if len(bundle) < nonceSize {
		return nil, errors.New("vault: bundle too short")
	}
	return v.aead.Open(nil, bundle[:nonceSize], bundle[nonceSize:], nil)
}

func (v *Vault) checksum(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, v.hmacKey)
	mac.Write(plaintext)
	return mac.Sum(nil)
}

func (v *Vault) purgeLocked(kind models.TokenKind) {
	delete(v.records, kind)
	if v.cache != nil {
		v.cache.Delete(cache.CategoryAppTokens, cacheKey(kind))
	}
}

func (v *Vault) primeCache(kind models.TokenKind, bundle []byte, expiresAt time.Time) {
	if v.cache == nil {
		return
	}
	if expiresAt.IsZero() {
		v.cache.Set(cache.CategoryAppTokens, cacheKey(kind), bundle)
		return
	}
	v.cache.SetWithTTL(cache.CategoryAppTokens, cacheKey(kind), bundle, time.Until(expiresAt))
}

func cacheKey(kind models.TokenKind) string {
	return "vault:" + string(kind)
}

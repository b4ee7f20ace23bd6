// Package convstore persists agent conversations.
//
// Two backends implement the same Store contract: a directory of JSON files
// for single-node deployments and a Postgres table for shared ones. Either
// can encrypt message and metadata blobs at rest with AES-256-GCM — the same
// construction the token vault uses — serialised as hex(iv):hex(ciphertext)
// with a fresh IV per write. Reads always rehydrate typed time.Time values.
//
// A retention janitor (see janitor.go) sweeps expired conversations on an
// interval, optionally archiving them before deletion.
package convstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/toolplane/toolplane/pkg/models"
)

// ErrNotFound is returned when a requested conversation does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrKeyRequired means encryption was requested without key material.
var ErrKeyRequired = errors.New("convstore: encryption key required")

// Store is the conversation persistence contract. Implementations own their
// locking; all blocking calls take a context.
type Store interface {
	// Save inserts a conversation, stamping CreatedAt/UpdatedAt when unset.
	Save(ctx context.Context, conv *models.Conversation) error

	// Get returns one conversation by id.
	Get(ctx context.Context, id string) (*models.Conversation, error)

	// Update applies a patch: appended messages keep their order, metadata
	// merges, UpdatedAt advances. Returns the updated conversation.
	Update(ctx context.Context, id string, patch models.ConversationPatch) (*models.Conversation, error)

	// Delete removes one conversation.
	Delete(ctx context.Context, id string) error

	// List returns conversations matching the filter, newest first.
	List(ctx context.Context, filter models.ConversationFilter) ([]*models.Conversation, error)

	// Stats summarises the store contents.
	Stats(ctx context.Context) (*models.ConversationStats, error)

	// ListExpired returns conversations the janitor would purge: last
	// touched before cutoff, or past their own ExpiresAt.
	ListExpired(ctx context.Context, cutoff time.Time) ([]*models.Conversation, error)

	// Cleanup deletes expired conversations and reports how many went.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// expired is the shared retention rule: a conversation goes when its last
// activity predates the cutoff or its own expiry has passed, whichever
// comes first.
func expired(conv *models.Conversation, cutoff, now time.Time) bool {
	if conv.UpdatedAt.Before(cutoff) {
		return true
	}
	return conv.ExpiresAt != nil && !now.Before(*conv.ExpiresAt)
}

// ── At-rest encryption ───────────────────────────────────────

const nonceSize = 12

// crypter seals blobs with AES-256-GCM, serialised hex(iv):hex(ciphertext).
// The construction matches the token vault: 64 hex chars decode to the key
// directly, anything else is SHA-256-derived, and there is no plaintext
// fallback once encryption is on.
type crypter struct {
	aead cipher.AEAD
}

func newCrypter(keyMaterial string) (*crypter, error) {
	if keyMaterial == "" {
		return nil, ErrKeyRequired
	}
	key := deriveKey(keyMaterial)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("convstore: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("convstore: init gcm: %w", err)
	}
	return &crypter{aead: aead}, nil
}

func deriveKey(material string) []byte {
	if len(material) == 64 {
		if key, err := hex.DecodeString(material); err == nil {
			return key
		}
	}
	sum := sha256.Sum256([]byte(material))
	return sum[:]
}

// seal encrypts plaintext under a fresh IV.
func (c *crypter) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("convstore: nonce: %w", err)
	}
	ct := c.aead.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ct), nil
}

// open decrypts a hex(iv):hex(ciphertext) blob.
func (c *crypter) open(blob string) ([]byte, error) {
	ivHex, ctHex, ok := strings.Cut(blob, ":")
	if !ok {
		return nil, errors.New("convstore: malformed encrypted blob")
	}
	nonce, err := hex.DecodeString(ivHex)
	if err != nil || len(nonce) != nonceSize {
		return nil, errors.New("convstore: malformed iv")
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, errors.New("convstore: malformed ciphertext")
	}
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("convstore: decrypt: %w", err)
	}
	return plaintext, nil
}

// looksSealed reports whether a stored blob is in encrypted form, so stores
// can read back plaintext written before encryption was switched on.
func looksSealed(blob string) bool {
	ivHex, _, ok := strings.Cut(blob, ":")
	if !ok || len(ivHex) != nonceSize*2 {
		return false
	}
	_, err := hex.DecodeString(ivHex)
	return err == nil
}

package vault

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// auditRing retains the last N vault events. Entries carry masked tokens
// only; masking happens before an event reaches the ring.
type auditRing struct {
	mu      sync.RWMutex
	events  []models.VaultEvent
	maxSize int
}

func newAuditRing(maxSize int) *auditRing {
	return &auditRing{
		events:  make([]models.VaultEvent, 0, maxSize),
		maxSize: maxSize,
	}
}

// record appends one event, dropping the oldest when the ring is full, and
// emits a structured log line alongside.
func (a *auditRing) record(kind models.VaultEventKind, tokenKind models.TokenKind, masked, detail string) {
	evt := models.VaultEvent{
		Kind:        kind,
		TokenKind:   tokenKind,
		MaskedToken: masked,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	}

	a.mu.Lock()
	if len(a.events) >= a.maxSize {
		a.events = a.events[1:]
	}
	a.events = append(a.events, evt)
	a.mu.Unlock()

	log.Info().
		Str("event", string(kind)).
		Str("token_kind", string(tokenKind)).
		Str("token", masked).
		Str("detail", detail).
		Msg("Vault audit")
}

// recent returns the last n events, oldest first.
func (a *auditRing) recent(n int) []models.VaultEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	total := len(a.events)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]models.VaultEvent, n)
	copy(out, a.events[total-n:])
	return out
}

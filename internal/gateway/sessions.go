package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

const (
	defaultIdleTTL       = 30 * time.Minute
	defaultSweepInterval = time.Minute

	// streamBuffer is the per-subscriber channel depth; frames beyond it
	// are dropped rather than blocking the publisher.
	streamBuffer = 32
)

// session is one MCP client's lifecycle state.
type session struct {
	id          string
	createdAt   time.Time
	lastSeen    time.Time
	initialized bool
	subs        []chan models.MCPResponse
}

// sessionRegistry tracks sessions and their SSE streams. A session with a
// live stream never expires; one without expires after idleTTL of silence.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	idleTTL  time.Duration
	sweep    time.Duration
}

func newSessionRegistry(idleTTL, sweep time.Duration) *sessionRegistry {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	return &sessionRegistry{
		sessions: make(map[string]*session),
		idleTTL:  idleTTL,
		sweep:    sweep,
	}
}

// touch records activity, creating the session on first sight. Caller may
// pass an empty id; anonymous requests share one session.
func (r *sessionRegistry) touch(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touchLocked(id)
}

func (r *sessionRegistry) touchLocked(id string) *session {
	s, ok := r.sessions[id]
	if !ok {
		s = &session{id: id, createdAt: time.Now().UTC()}
		r.sessions[id] = s
	}
	s.lastSeen = time.Now().UTC()
	return s
}

func (r *sessionRegistry) markInitialized(id string) {
	r.mu.Lock()
	r.touchLocked(id).initialized = true
	r.mu.Unlock()
}

func (r *sessionRegistry) isInitialized(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && s.initialized
}

func (r *sessionRegistry) subscribe(id string) chan models.MCPResponse {
	ch := make(chan models.MCPResponse, streamBuffer)
	r.mu.Lock()
	s := r.touchLocked(id)
	s.subs = append(s.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *sessionRegistry) unsubscribe(id string, ch chan models.MCPResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(sub)
			break
		}
	}
	s.lastSeen = time.Now().UTC()
}

// publish fans a frame out to the session's streams without blocking; slow
// subscribers drop frames. Reports whether any stream took it.
func (r *sessionRegistry) publish(id string, frame models.MCPResponse) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	delivered := false
	for _, ch := range s.subs {
		select {
		case ch <- frame:
			delivered = true
		default:
		}
	}
	return delivered
}

// start runs the expiry sweep until ctx is canceled.
func (r *sessionRegistry) start(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.expire(time.Now().UTC()); n > 0 {
				log.Debug().Int("expired", n).Msg("Idle MCP sessions collected")
			}
		}
	}
}

// expire removes sessions with no live stream that have been quiet longer
// than idleTTL. Returns how many went.
func (r *sessionRegistry) expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if len(s.subs) > 0 {
			continue
		}
		if now.Sub(s.lastSeen) > r.idleTTL {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// count reports live sessions, for health reporting.
func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

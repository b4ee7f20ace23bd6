package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// FileStore keeps one JSON document per conversation under a directory.
// With encryption on, the whole document is sealed and the file body is the
// hex(iv):hex(ciphertext) string. Plaintext files written before encryption
// was enabled still read back.
type FileStore struct {
	dir   string
	crypt *crypter // nil = plaintext at rest
	mu    sync.RWMutex
}

// NewFileStore opens (creating if needed) the conversation directory.
// encrypt without key material fails; config validation catches this first,
// the constructor is the backstop.
func NewFileStore(dir string, encrypt bool, key string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("convstore: directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("convstore: create dir: %w", err)
	}
	s := &FileStore{dir: dir}
	if encrypt {
		crypt, err := newCrypter(key)
		if err != nil {
			return nil, err
		}
		s.crypt = crypt
	}
	log.Info().
		Str("dir", dir).
		Bool("encrypted", s.crypt != nil).
		Msg("Conversation file store ready")
	return s, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", &ErrNotFound{Entity: "conversation", Key: id}
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// readConv loads one conversation. Caller holds at least a read lock.
func (s *FileStore) readConv(id string) (*models.Conversation, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Entity: "conversation", Key: id}
		}
		return nil, fmt.Errorf("convstore: read %s: %w", id, err)
	}
	body := strings.TrimSpace(string(data))
	if looksSealed(body) {
		if s.crypt == nil {
			return nil, errors.New("convstore: conversation is encrypted but no key is configured")
		}
		plain, err := s.crypt.open(body)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("convstore: parse %s: %w", id, err)
	}
	return &conv, nil
}

// writeConv persists one conversation atomically. Caller holds the write lock.
func (s *FileStore) writeConv(conv *models.Conversation) error {
	p, err := s.path(conv.ConversationID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("convstore: marshal %s: %w", conv.ConversationID, err)
	}
	if s.crypt != nil {
		sealed, err := s.crypt.seal(data)
		if err != nil {
			return err
		}
		data = []byte(sealed)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("convstore: write %s: %w", conv.ConversationID, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("convstore: rename %s: %w", conv.ConversationID, err)
	}
	return nil
}

func (s *FileStore) Save(_ context.Context, conv *models.Conversation) error {
	if conv.ConversationID == "" {
		conv.ConversationID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeConv(conv)
}

func (s *FileStore) Get(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readConv(id)
}

func (s *FileStore) Update(_ context.Context, id string, patch models.ConversationPatch) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.readConv(id)
	if err != nil {
		return nil, err
	}
	applyPatch(conv, patch)
	if err := s.writeConv(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return &ErrNotFound{Entity: "conversation", Key: id}
		}
		return fmt.Errorf("convstore: delete %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context, filter models.ConversationFilter) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	var matched []*models.Conversation
	for _, conv := range all {
		if matchFilter(conv, filter) {
			matched = append(matched, conv)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return window(matched, filter.Offset, filter.Limit), nil
}

func (s *FileStore) Stats(_ context.Context) (*models.ConversationStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	return buildStats(all), nil
}

func (s *FileStore) ListExpired(_ context.Context, cutoff time.Time) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []*models.Conversation
	for _, conv := range all {
		if expired(conv, cutoff, now) {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (s *FileStore) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAll()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	removed := 0
	for _, conv := range all {
		if !expired(conv, cutoff, now) {
			continue
		}
		p, err := s.path(conv.ConversationID)
		if err != nil {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("convstore: cleanup %s: %w", conv.ConversationID, err)
		}
		removed++
	}
	return removed, nil
}

func (s *FileStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("convstore: ping: %w", err)
	}
	if !info.IsDir() {
		return errors.New("convstore: data path is not a directory")
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// loadAll reads every conversation in the directory. Unreadable files are
// skipped with a warning rather than failing the whole listing.
func (s *FileStore) loadAll() ([]*models.Conversation, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("convstore: list dir: %w", err)
	}
	var out []*models.Conversation
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		conv, err := s.readConv(id)
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", id).Msg("Skipping unreadable conversation file")
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// ── Shared filter / patch helpers ────────────────────────────

func applyPatch(conv *models.Conversation, patch models.ConversationPatch) {
	if len(patch.AppendMessages) > 0 {
		conv.Messages = append(conv.Messages, patch.AppendMessages...)
	}
	if len(patch.Metadata) > 0 {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			conv.Metadata[k] = v
		}
	}
	if patch.ExpiresAt != nil {
		conv.ExpiresAt = patch.ExpiresAt
	}
	conv.UpdatedAt = time.Now().UTC()
}

func matchFilter(conv *models.Conversation, f models.ConversationFilter) bool {
	if f.UserID != "" && conv.UserID != f.UserID {
		return false
	}
	if f.ChatID != "" && conv.ChatID != f.ChatID {
		return false
	}
	if f.AgentName != "" && conv.AgentName != f.AgentName {
		return false
	}
	if f.Since != nil && conv.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && conv.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

func window(convs []*models.Conversation, offset, limit int) []*models.Conversation {
	if offset > 0 {
		if offset >= len(convs) {
			return []*models.Conversation{}
		}
		convs = convs[offset:]
	}
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs
}

func buildStats(convs []*models.Conversation) *models.ConversationStats {
	stats := &models.ConversationStats{
		Conversations: len(convs),
		ByAgent:       make(map[string]int),
	}
	for _, conv := range convs {
		stats.Messages += len(conv.Messages)
		stats.ByAgent[conv.AgentName]++
		created := conv.CreatedAt
		if stats.OldestAt == nil || created.Before(*stats.OldestAt) {
			t := created
			stats.OldestAt = &t
		}
		if stats.NewestAt == nil || created.After(*stats.NewestAt) {
			t := created
			stats.NewestAt = &t
		}
	}
	return stats
}

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)

package convstore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// FileArchiver writes purged conversations as JSONL files, one archive file
// per batch:
//
//	{dir}/2026-08-25T15-04-05Z-3f2a1b9c.jsonl[.gz]
//
// The random suffix keeps batches written within the same second apart.
type FileArchiver struct {
	dir      string
	compress bool
}

// NewFileArchiver creates a file-based conversation archiver.
func NewFileArchiver(dir string, compress bool) *FileArchiver {
	return &FileArchiver{dir: dir, compress: compress}
}

func (a *FileArchiver) Archive(_ context.Context, convs []*models.Conversation) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + "-" + uuid.NewString()[:8] + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(a.dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	for _, conv := range convs {
		if err := enc.Encode(conv); err != nil {
			return "", fmt.Errorf("encode conversation %s: %w", conv.ConversationID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(convs)).
		Msg("Archived conversations to local file")

	return fpath, nil
}

func (a *FileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.dir, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}

// Compile-time check that FileArchiver implements Archiver.
var _ Archiver = (*FileArchiver)(nil)

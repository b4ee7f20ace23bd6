package convstore

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// DefaultRetentionDays is how long a conversation survives without activity.
const DefaultRetentionDays = 30

// archiveBatchSize caps records per archive file.
const archiveBatchSize = 5000

// Archiver writes expired conversations somewhere durable before they are
// purged. Returns a locator for the written archive.
type Archiver interface {
	Archive(ctx context.Context, convs []*models.Conversation) (string, error)
	HealthCheck(ctx context.Context) error
}

// CycleStats tracks what happened in one retention sweep.
type CycleStats struct {
	Examined int
	Archived int
	Purged   int
	Errors   []error
}

// Janitor sweeps expired conversations on an interval. With an archiver set
// it is fail-safe: a conversation that could not be archived is never purged.
type Janitor struct {
	store         Store
	interval      time.Duration
	retentionDays int
	archiver      Archiver // nil = purge without archiving
}

// NewJanitor creates a retention janitor. Intervals under a minute are
// rounded up to an hour.
func NewJanitor(store Store, interval time.Duration, retentionDays int) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Janitor{store: store, interval: interval, retentionDays: retentionDays}
}

// SetArchiver enables archive-before-purge.
func (j *Janitor) SetArchiver(a Archiver) { j.archiver = a }

// Start blocks until ctx is canceled, sweeping once immediately and then on
// every tick. Run it in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("retention_days", j.retentionDays).
		Bool("archive", j.archiver != nil).
		Msg("Conversation retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Conversation retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep. The ops surface can call it
// directly to force a sweep outside the schedule.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	cutoff := time.Now().UTC().AddDate(0, 0, -j.retentionDays)
	var stats CycleStats

	if j.archiver == nil {
		purged, err := j.store.Cleanup(ctx, cutoff)
		stats.Purged = purged
		if err != nil {
			log.Warn().Err(err).Msg("Retention cleanup failed")
			stats.Errors = append(stats.Errors, err)
			return stats
		}
		if purged > 0 {
			log.Info().
				Int("purged", purged).
				Dur("elapsed", time.Since(start)).
				Msg("Retention cycle complete")
		}
		return stats
	}

	expired, err := j.store.ListExpired(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: failed to list expired conversations")
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	stats.Examined = len(expired)
	if len(expired) == 0 {
		return stats
	}

	for i := 0; i < len(expired); i += archiveBatchSize {
		end := i + archiveBatchSize
		if end > len(expired) {
			end = len(expired)
		}
		batch := expired[i:end]

		uri, err := j.archiver.Archive(ctx, batch)
		if err != nil {
			log.Warn().Err(err).
				Int("batch_size", len(batch)).
				Msg("Archive failed — skipping purge for batch (fail-safe)")
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.Archived += len(batch)
		log.Debug().Str("archive", uri).Int("count", len(batch)).Msg("Conversations archived")

		// Purge exactly what was archived, one by one, so nothing that
		// expired after the listing is deleted unarchived.
		for _, conv := range batch {
			if err := j.store.Delete(ctx, conv.ConversationID); err != nil {
				log.Warn().Err(err).
					Str("conversation_id", conv.ConversationID).
					Msg("Failed to delete expired conversation")
				stats.Errors = append(stats.Errors, err)
				continue
			}
			stats.Purged++
		}
	}

	if stats.Archived > 0 || stats.Purged > 0 {
		log.Info().
			Int("examined", stats.Examined).
			Int("archived", stats.Archived).
			Int("purged", stats.Purged).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

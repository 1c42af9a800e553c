package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/blob"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/queue"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/vectorindex"
)

// SweepStore is the slice of the metastore the sweeper needs.
type SweepStore interface {
	StaleProcessing(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	PendingPurges(ctx context.Context) ([]*model.Document, error)
	MarkPurged(ctx context.Context, id uuid.UUID) error
}

// SweeperConfig tunes the background sweeps.
type SweeperConfig struct {
	// Interval separates sweep rounds.
	Interval time.Duration

	// StaleAfter is how long a document may sit in processing before the
	// sweeper assumes the worker died and releases it.
	StaleAfter time.Duration
}

func (c *SweeperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
}

// Sweeper repairs crashed ingests and completes tombstone purges.
type Sweeper struct {
	store  SweepStore
	blobs  blob.Store
	index  vectorindex.Index
	jobs   queue.Queue
	cfg    SweeperConfig
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewSweeper builds the sweeper.
func NewSweeper(store SweepStore, blobs blob.Store, index vectorindex.Index, jobs queue.Queue, cfg SweeperConfig, logger *logging.Logger) *Sweeper {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sweeper{
		store:  store,
		blobs:  blobs,
		index:  index,
		jobs:   jobs,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error(ctx, "sweep round failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one round: release stale claims, then purge tombstones.
// Per-document failures are logged and retried next round, never fatal for
// the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "ingest.sweep")
	defer span.End()

	released, err := s.releaseStale(ctx)
	if err != nil {
		return err
	}
	purged, err := s.purgeTombstones(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("released", released),
		attribute.Int("purged", purged),
	)
	return nil
}

// releaseStale resets documents stuck in processing back to pending and
// re-enqueues them.
func (s *Sweeper) releaseStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	ids, err := s.store.StaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		if err := s.store.Requeue(ctx, id); err != nil {
			s.logger.Error(ctx, "stale document not released",
				zap.String("document_id", id.String()), zap.Error(err))
			continue
		}
		if err := s.jobs.Enqueue(ctx, queue.Job{DocumentID: id, Attempt: 1}); err != nil {
			s.logger.Error(ctx, "stale document not re-enqueued",
				zap.String("document_id", id.String()), zap.Error(err))
			continue
		}
		released++
		s.logger.Warn(ctx, "stale processing claim released",
			zap.String("document_id", id.String()))
	}
	return released, nil
}

// purgeTombstones removes passages and blobs of tombstoned documents, then
// records the purge. Order matters: the index purge lands before the
// document is marked purged, so a crash between the steps re-runs the
// purge instead of leaking passages.
func (s *Sweeper) purgeTombstones(ctx context.Context) (int, error) {
	docs, err := s.store.PendingPurges(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, doc := range docs {
		if err := s.index.DeleteByDocument(ctx, doc.ID); err != nil {
			s.logger.Error(ctx, "tombstone passage purge failed",
				zap.String("document_id", doc.ID.String()), zap.Error(err))
			continue
		}
		if doc.BlobURL != "" {
			if err := s.blobs.DeleteByURL(ctx, doc.BlobURL); err != nil {
				s.logger.Error(ctx, "tombstone blob delete failed",
					zap.String("document_id", doc.ID.String()), zap.Error(err))
				continue
			}
		}
		if err := s.store.MarkPurged(ctx, doc.ID); err != nil {
			s.logger.Error(ctx, "purge not recorded",
				zap.String("document_id", doc.ID.String()), zap.Error(err))
			continue
		}
		purged++
		s.logger.Info(ctx, "tombstoned document purged",
			zap.String("document_id", doc.ID.String()))
	}
	return purged, nil
}

// ensure metastore satisfies the sweeper's store slice.
var _ SweepStore = (*metastore.Store)(nil)

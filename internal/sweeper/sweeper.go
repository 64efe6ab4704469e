package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/renderloom/backend/internal/models"
)

const defaultBatchSize = 100

// JobStore lists jobs still pending or running past the staleness cutoff.
type JobStore interface {
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)
}

// ProviderCanceler best-effort cancels the upstream prediction.
type ProviderCanceler interface {
	Cancel(ctx context.Context, providerID string) error
}

// Reconciler force-fails a stale job with reason timeout and releases its
// hold.
type Reconciler interface {
	ForceTimeout(ctx context.Context, job *models.Job) error
}

// Sweeper rescues jobs whose completion signal never arrived. One bad job
// never stops the pass; its error is logged and the sweep continues.
type Sweeper struct {
	jobs       JobStore
	provider   ProviderCanceler
	reconciler Reconciler
	staleAfter time.Duration
	batchSize  int
	logger     *slog.Logger
}

func New(jobs JobStore, provider ProviderCanceler, reconciler Reconciler, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		jobs:       jobs,
		provider:   provider,
		reconciler: reconciler,
		staleAfter: staleAfter,
		batchSize:  defaultBatchSize,
		logger:     logger,
	}
}

// Sweep runs one rescue pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.staleAfter)
	stuck, err := s.jobs.ListStuck(ctx, cutoff, s.batchSize)
	if err != nil {
		return fmt.Errorf("list stuck jobs: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	swept := 0
	for _, job := range stuck {
		if job.ProviderID != nil && s.provider != nil {
			if err := s.provider.Cancel(ctx, *job.ProviderID); err != nil {
				s.logger.Warn("sweep: provider cancel failed", "job_id", job.ID, "error", err)
			}
		}
		if err := s.reconciler.ForceTimeout(ctx, job); err != nil {
			s.logger.Error("sweep: force timeout failed", "job_id", job.ID, "error", err)
			continue
		}
		swept++
	}
	s.logger.Info("sweep finished", "stuck", len(stuck), "swept", swept)
	return nil
}

package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/renderloom/backend/internal/provider"
)

const (
	pollStep     = 2 * time.Second
	pollDeadline = 2 * time.Minute
)

// Reconciling is the completion slice of the reconciler the poll worker
// drives.
type Reconciling interface {
	HandleSignalForJob(ctx context.Context, jobID uuid.UUID, sig *provider.Signal) error
	ForceTimeoutByID(ctx context.Context, jobID uuid.UUID) error
}

// FinalizePollWorker steps the provider status every pollStep until the
// prediction is terminal or the hard deadline passes, then reconciles.
// Status fetch errors are tolerated inside the window; only the deadline
// decides the timeout.
type FinalizePollWorker struct {
	river.WorkerDefaults[FinalizePollArgs]
	provider   provider.Client
	reconciler Reconciling
	logger     *slog.Logger

	step     time.Duration
	deadline time.Duration
}

func NewFinalizePollWorker(client provider.Client, reconciler Reconciling, logger *slog.Logger) *FinalizePollWorker {
	return &FinalizePollWorker{
		provider:   client,
		reconciler: reconciler,
		logger:     logger,
		step:       pollStep,
		deadline:   pollDeadline,
	}
}

func (w *FinalizePollWorker) Work(ctx context.Context, job *river.Job[FinalizePollArgs]) error {
	args := job.Args
	deadline := time.Now().Add(w.deadline)

	for {
		sig, err := w.provider.GetStatus(ctx, args.ProviderID)
		if err != nil {
			w.logger.Warn("poll status failed", "job_id", args.JobID, "provider_id", args.ProviderID, "error", err)
		} else if sig.Terminal() {
			return w.reconciler.HandleSignalForJob(ctx, args.JobID, sig)
		}

		if time.Now().After(deadline) {
			w.logger.Warn("poll deadline exceeded", "job_id", args.JobID, "provider_id", args.ProviderID)
			return w.reconciler.ForceTimeoutByID(ctx, args.JobID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.step):
		}
	}
}

// Timeout bounds the river job itself a little past the poll deadline.
func (w *FinalizePollWorker) Timeout(*river.Job[FinalizePollArgs]) time.Duration {
	return w.deadline + 30*time.Second
}

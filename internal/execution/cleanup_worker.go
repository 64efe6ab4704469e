package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/renderloom/backend/internal/artifacts"
)

// CleanupWorker drains the delayed-cleanup queue. Entries with unknown
// actions are dropped, not retried, so the queue never wedges on stale kinds.
type CleanupWorker struct {
	river.WorkerDefaults[CleanupArgs]
	deleter artifacts.Deleter
	logger  *slog.Logger
}

func NewCleanupWorker(deleter artifacts.Deleter, logger *slog.Logger) *CleanupWorker {
	return &CleanupWorker{deleter: deleter, logger: logger}
}

func (w *CleanupWorker) Work(ctx context.Context, job *river.Job[CleanupArgs]) error {
	switch job.Args.Action {
	case ActionDeleteInputs:
		if err := w.deleter.DeleteInputs(ctx, job.Args.JobID); err != nil {
			return fmt.Errorf("delete inputs: %w", err)
		}
		return nil
	default:
		w.logger.Warn("unknown cleanup action dropped", "job_id", job.Args.JobID, "action", job.Args.Action)
		return nil
	}
}

package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// Scheduler wraps the queue client for the enqueue-only callers: job
// creation, poll fallback, and delayed cleanup.
type Scheduler struct {
	client *river.Client[pgx.Tx]
}

func NewScheduler(client *river.Client[pgx.Tx]) *Scheduler {
	return &Scheduler{client: client}
}

// InsertSubmitTx enqueues provider submission inside the job-creation
// transaction, so a committed job always has its queue entry.
func (s *Scheduler) InsertSubmitTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error {
	_, err := s.client.InsertTx(ctx, tx, SubmitArgs{JobID: jobID}, nil)
	return err
}

// EnqueuePoll starts the poll-finalize loop for a submitted job.
func (s *Scheduler) EnqueuePoll(ctx context.Context, jobID uuid.UUID, providerID string) error {
	_, err := s.client.Insert(ctx, FinalizePollArgs{JobID: jobID, ProviderID: providerID}, nil)
	return err
}

// ScheduleCleanup queues delayed input deletion for a finished job.
func (s *Scheduler) ScheduleCleanup(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	_, err := s.client.Insert(ctx, CleanupArgs{JobID: jobID, Action: ActionDeleteInputs}, &river.InsertOpts{
		ScheduledAt: at,
	})
	return err
}

package execution

import (
	"github.com/google/uuid"
)

// SubmitArgs queues a pending job for provider submission.
type SubmitArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (SubmitArgs) Kind() string { return "submit_generation" }

// FinalizePollArgs drives the poll variant of completion: step the provider
// status until terminal or the hard deadline.
type FinalizePollArgs struct {
	JobID      uuid.UUID `json:"job_id"`
	ProviderID string    `json:"provider_id"`
}

func (FinalizePollArgs) Kind() string { return "finalize_poll" }

// CleanupArgs is the delayed-cleanup queue entry. Unknown actions are
// dropped, so stale entries from older releases drain harmlessly.
type CleanupArgs struct {
	JobID  uuid.UUID `json:"job_id"`
	Action string    `json:"action"`
}

func (CleanupArgs) Kind() string { return "artifact_cleanup" }

// ActionDeleteInputs removes a job's uploaded input artifacts.
const ActionDeleteInputs = "delete_inputs"

// SweepArgs is the periodic stale-job rescue pass.
type SweepArgs struct{}

func (SweepArgs) Kind() string { return "sweep_stale_jobs" }

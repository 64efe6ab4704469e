package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/artifacts"
	"github.com/renderloom/backend/internal/events"
	"github.com/renderloom/backend/internal/holds"
	"github.com/renderloom/backend/internal/jobs"
	"github.com/renderloom/backend/internal/models"
	"github.com/renderloom/backend/internal/provider"
)

// Terminal failure reasons written to jobs.error.
const (
	ReasonTimeout       = "timeout"
	ReasonNoOutputs     = "no artifacts stored"
	ReasonCaptureFailed = "insufficient balance at capture"
)

// JobStore is the job slice the reconciler drives.
type JobStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByProviderID(ctx context.Context, providerID string) (*models.Job, error)
	Transition(ctx context.Context, id uuid.UUID, to string, errMsg *string, output []models.Artifact) (bool, error)
}

// HoldFinalizer resolves a job's credit hold exactly once.
type HoldFinalizer interface {
	Finalize(ctx context.Context, jobID uuid.UUID, outcome holds.Outcome) (holds.Result, error)
}

// CleanupScheduler enqueues delayed input-artifact cleanup after success.
type CleanupScheduler interface {
	ScheduleCleanup(ctx context.Context, jobID uuid.UUID, at time.Time) error
}

// Reconciler converts provider completion signals into terminal job states
// and settled holds. All entry points are idempotent: duplicate signals,
// unknown provider ids, and already-terminal jobs resolve as acknowledged
// no-ops.
type Reconciler struct {
	jobs    JobStore
	holds   HoldFinalizer
	store   artifacts.Persister
	events  events.Publisher
	cleanup CleanupScheduler
	logger  *slog.Logger

	cleanupDelay time.Duration
}

func NewReconciler(jobStore JobStore, holdFinalizer HoldFinalizer, store artifacts.Persister, pub events.Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{jobs: jobStore, holds: holdFinalizer, store: store, events: pub, logger: logger}
}

// WithCleanup enables delayed input cleanup after successful jobs.
func (r *Reconciler) WithCleanup(s CleanupScheduler, delay time.Duration) *Reconciler {
	r.cleanup = s
	r.cleanupDelay = delay
	return r
}

// HandleSignal resolves a signal by provider id. Signals for unknown
// predictions are acknowledged without effect so a foreign or replayed
// webhook cannot change state.
func (r *Reconciler) HandleSignal(ctx context.Context, sig *provider.Signal) error {
	if sig.ProviderID == "" || !sig.Terminal() {
		return nil
	}
	job, err := r.jobs.GetByProviderID(ctx, sig.ProviderID)
	if errors.Is(err, jobs.ErrNotFound) {
		r.logger.Info("signal for unknown provider id dropped", "provider_id", sig.ProviderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup job by provider id: %w", err)
	}
	return r.ReconcileJob(ctx, job, sig)
}

// HandleSignalForJob resolves a signal that arrived with a job id side
// channel, such as the signed webhook token.
func (r *Reconciler) HandleSignalForJob(ctx context.Context, jobID uuid.UUID, sig *provider.Signal) error {
	if !sig.Terminal() {
		return nil
	}
	job, err := r.jobs.Get(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		r.logger.Info("signal for unknown job dropped", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup job: %w", err)
	}
	return r.ReconcileJob(ctx, job, sig)
}

// ReconcileJob drives one terminal signal into the job. The hold settles
// before the status CAS so that a capture rejection can still fail the job;
// both steps are idempotent, so a crash between them heals on redelivery.
func (r *Reconciler) ReconcileJob(ctx context.Context, job *models.Job, sig *provider.Signal) error {
	if models.JobTerminal(job.Status) {
		return nil
	}

	switch sig.Status {
	case provider.StatusSucceeded:
		return r.reconcileSuccess(ctx, job, sig)
	case provider.StatusFailed:
		reason := sig.Error
		if reason == "" {
			reason = "provider failure"
		}
		return r.settle(ctx, job, models.JobStatusFailed, holds.Released("failed"), &reason, nil)
	case provider.StatusCanceled:
		return r.settle(ctx, job, models.JobStatusCanceled, holds.Released("canceled"), nil, nil)
	default:
		return nil
	}
}

// ForceTimeout fails a job that never produced a terminal signal. Used by
// the poll deadline and the stale-job sweeper.
func (r *Reconciler) ForceTimeout(ctx context.Context, job *models.Job) error {
	if models.JobTerminal(job.Status) {
		return nil
	}
	reason := ReasonTimeout
	return r.settle(ctx, job, models.JobStatusFailed, holds.Released("timeout"), &reason, nil)
}

// reconcileSuccess persists each artifact, bills exactly what was stored,
// and marks the job succeeded with the full output list, failure
// placeholders included.
func (r *Reconciler) reconcileSuccess(ctx context.Context, job *models.Job, sig *provider.Signal) error {
	output := make([]models.Artifact, 0, len(sig.ArtifactRefs))
	stored := 0
	for i, ref := range sig.ArtifactRefs {
		path, err := r.store.Persist(ctx, job.ID, i, ref)
		if err != nil {
			msg := err.Error()
			r.logger.Warn("artifact persist failed", "job_id", job.ID, "index", i, "error", err)
			output = append(output, models.Artifact{Index: i, SourceURL: ref, Status: models.ArtifactFailed, Error: &msg})
			continue
		}
		stored++
		output = append(output, models.Artifact{Index: i, SourceURL: ref, StoredPath: path, Status: models.ArtifactStored})
	}

	meta, _ := json.Marshal(map[string]int{"stored": stored, "requested": job.RequestedArtifacts})
	actualCost := int64(stored) * job.PricePerArtifact

	res, err := r.holds.Finalize(ctx, job.ID, holds.Captured(actualCost, meta))
	if err != nil {
		return fmt.Errorf("capture hold: %w", err)
	}
	if res.CaptureFailed() {
		reason := ReasonCaptureFailed
		return r.transition(ctx, job, models.JobStatusFailed, &reason, output)
	}
	if stored == 0 {
		reason := ReasonNoOutputs
		return r.transition(ctx, job, models.JobStatusFailed, &reason, output)
	}
	return r.transition(ctx, job, models.JobStatusSucceeded, nil, output)
}

func (r *Reconciler) settle(ctx context.Context, job *models.Job, to string, outcome holds.Outcome, errMsg *string, output []models.Artifact) error {
	res, err := r.holds.Finalize(ctx, job.ID, outcome)
	if err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	if res.HoldStatus == models.HoldCaptured && res.Billed {
		// The hold was already captured by an earlier success settle whose
		// status CAS never landed. The user paid, so the job reads succeeded
		// and keeps whatever output that settle wrote.
		return r.transition(ctx, job, models.JobStatusSucceeded, nil, nil)
	}
	return r.transition(ctx, job, to, errMsg, output)
}

func (r *Reconciler) transition(ctx context.Context, job *models.Job, to string, errMsg *string, output []models.Artifact) error {
	won, err := r.jobs.Transition(ctx, job.ID, to, errMsg, output)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	if !won {
		// Another signal finished the job first; this delivery is a replay.
		return nil
	}

	current, err := r.jobs.Get(ctx, job.ID)
	if err != nil {
		r.logger.Warn("reload job after transition", "job_id", job.ID, "error", err)
		current = job
		current.Status = to
	}
	ev := events.JobEvent{
		JobID:      job.ID.String(),
		UserID:     job.UserID,
		Status:     to,
		HoldStatus: current.HoldStatus,
		Billed:     current.Billed,
		At:         time.Now().UTC(),
	}
	if errMsg != nil {
		ev.Reason = *errMsg
	}
	r.events.Publish(ctx, "jobs."+to, ev)

	if to == models.JobStatusSucceeded && r.cleanup != nil {
		at := time.Now().Add(r.cleanupDelay)
		if err := r.cleanup.ScheduleCleanup(ctx, job.ID, at); err != nil {
			r.logger.Warn("schedule cleanup failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// FailJob force-fails a job that never reached the provider, releasing its
// hold. Idempotent like every other entry point.
func (r *Reconciler) FailJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := r.jobs.Get(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if models.JobTerminal(job.Status) {
		return nil
	}
	return r.settle(ctx, job, models.JobStatusFailed, holds.Released("failed"), &reason, nil)
}

// ForceTimeoutByID is the id-addressed variant for workers that only carry
// the job id.
func (r *Reconciler) ForceTimeoutByID(ctx context.Context, jobID uuid.UUID) error {
	job, err := r.jobs.Get(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.ForceTimeout(ctx, job)
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/renderloom/backend/internal/callback"
	"github.com/renderloom/backend/internal/models"
	"github.com/renderloom/backend/internal/provider"
)

const callbackTokenTTL = 24 * time.Hour

// SubmitJobStore is the job persistence slice the submit worker needs.
type SubmitJobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID, providerID string) (bool, error)
}

// Failer force-fails a job and releases its hold when submission cannot
// succeed.
type Failer interface {
	FailJob(ctx context.Context, jobID uuid.UUID, reason string) error
}

// PollEnqueuer inserts the poll-finalize background job. Nil when webhook
// delivery is configured.
type PollEnqueuer func(ctx context.Context, jobID uuid.UUID, providerID string) error

// SubmitWorker pushes a pending job to the generation provider and marks it
// running. Transient upstream errors retry through the queue; a permanent
// rejection or exhausted retries fail the job and release its hold.
type SubmitWorker struct {
	river.WorkerDefaults[SubmitArgs]
	store          SubmitJobStore
	provider       provider.Client
	failer         Failer
	enqueuePoll    PollEnqueuer
	webhookBaseURL string
	callbackSecret []byte
	logger         *slog.Logger
}

func NewSubmitWorker(store SubmitJobStore, client provider.Client, failer Failer, enqueuePoll PollEnqueuer, webhookBaseURL string, callbackSecret []byte, logger *slog.Logger) *SubmitWorker {
	return &SubmitWorker{
		store:          store,
		provider:       client,
		failer:         failer,
		enqueuePoll:    enqueuePoll,
		webhookBaseURL: webhookBaseURL,
		callbackSecret: callbackSecret,
		logger:         logger,
	}
}

func (w *SubmitWorker) Work(ctx context.Context, job *river.Job[SubmitArgs]) error {
	j, err := w.store.GetByID(ctx, job.Args.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if j.Status != models.JobStatusPending {
		// Canceled before submission, or a redelivered queue entry.
		return nil
	}

	webhookURL, err := w.buildWebhookURL(j.ID)
	if err != nil {
		return fmt.Errorf("build webhook url: %w", err)
	}

	sub, err := w.provider.Submit(ctx, provider.SubmitParams{
		ModelVersion: j.ModelKey,
		Input:        j.Input,
		WebhookURL:   webhookURL,
	})
	if errors.Is(err, provider.ErrUpstream) {
		return w.failer.FailJob(ctx, j.ID, fmt.Sprintf("submission rejected: %v", err))
	}
	if err != nil {
		if job.Attempt >= job.MaxAttempts {
			return w.failer.FailJob(ctx, j.ID, fmt.Sprintf("submission retries exhausted: %v", err))
		}
		return fmt.Errorf("submit to provider: %w", err)
	}

	won, err := w.store.MarkRunning(ctx, j.ID, sub.ProviderID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !won {
		// The job left pending while we were submitting, so the prediction
		// is orphaned upstream. Cancel it best effort.
		w.logger.Warn("job moved during submission, canceling upstream", "job_id", j.ID, "provider_id", sub.ProviderID)
		_ = w.provider.Cancel(ctx, sub.ProviderID)
		return nil
	}
	w.logger.Info("job submitted", "job_id", j.ID, "provider_id", sub.ProviderID, "latency_ms", sub.LatencyMS)

	if w.enqueuePoll != nil {
		if err := w.enqueuePoll(ctx, j.ID, sub.ProviderID); err != nil {
			return fmt.Errorf("enqueue poll finalize: %w", err)
		}
	}
	return nil
}

func (w *SubmitWorker) buildWebhookURL(jobID uuid.UUID) (string, error) {
	if w.webhookBaseURL == "" {
		return "", nil
	}
	tok, err := callback.NewToken(w.callbackSecret, jobID, callbackTokenTTL)
	if err != nil {
		return "", err
	}
	return w.webhookBaseURL + "/v1/webhooks/provider?token=" + url.QueryEscape(tok), nil
}

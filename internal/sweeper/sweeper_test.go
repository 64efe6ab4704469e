package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/models"
)

type memStuck struct {
	jobs []*models.Job
}

func (s *memStuck) ListStuck(_ context.Context, _ time.Time, limit int) ([]*models.Job, error) {
	if len(s.jobs) > limit {
		return s.jobs[:limit], nil
	}
	return s.jobs, nil
}

type recordingCanceler struct {
	canceled []string
	err      error
}

func (c *recordingCanceler) Cancel(_ context.Context, providerID string) error {
	c.canceled = append(c.canceled, providerID)
	return c.err
}

type recordingReconciler struct {
	timedOut []uuid.UUID
	failOn   map[uuid.UUID]bool
}

func (r *recordingReconciler) ForceTimeout(_ context.Context, job *models.Job) error {
	if r.failOn[job.ID] {
		return errors.New("transition failed")
	}
	r.timedOut = append(r.timedOut, job.ID)
	return nil
}

func stuckJob(withProvider bool) *models.Job {
	j := &models.Job{ID: uuid.New(), Status: models.JobStatusRunning, HoldStatus: models.HoldPending}
	if withProvider {
		pid := "pred-" + j.ID.String()[:8]
		j.ProviderID = &pid
	}
	return j
}

func TestSweep_RescuesStuckJobs(t *testing.T) {
	a, b := stuckJob(true), stuckJob(false)
	canceler := &recordingCanceler{}
	rec := &recordingReconciler{}
	s := New(&memStuck{jobs: []*models.Job{a, b}}, canceler, rec, 10*time.Minute, slog.Default())

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rec.timedOut) != 2 {
		t.Fatalf("timed out %d jobs, want 2", len(rec.timedOut))
	}
	// Only the job with a provider id gets an upstream cancel.
	if len(canceler.canceled) != 1 || canceler.canceled[0] != *a.ProviderID {
		t.Fatalf("canceled = %v", canceler.canceled)
	}
}

func TestSweep_ContinuesPastPerJobErrors(t *testing.T) {
	bad, good := stuckJob(true), stuckJob(true)
	canceler := &recordingCanceler{err: errors.New("upstream down")}
	rec := &recordingReconciler{failOn: map[uuid.UUID]bool{bad.ID: true}}
	s := New(&memStuck{jobs: []*models.Job{bad, good}}, canceler, rec, 10*time.Minute, slog.Default())

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep should tolerate per-job errors, got %v", err)
	}
	if len(rec.timedOut) != 1 || rec.timedOut[0] != good.ID {
		t.Fatalf("timed out = %v, want only the good job", rec.timedOut)
	}
	if len(canceler.canceled) != 2 {
		t.Fatalf("canceled = %v, want both attempted", canceler.canceled)
	}
}

func TestSweep_EmptyPassIsQuiet(t *testing.T) {
	rec := &recordingReconciler{}
	s := New(&memStuck{}, &recordingCanceler{}, rec, 10*time.Minute, slog.Default())
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rec.timedOut) != 0 {
		t.Fatal("empty sweep touched jobs")
	}
}

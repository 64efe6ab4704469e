package artifacts

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Persister stores one generated artifact and returns its durable location.
// A failed persist must not abort the batch; the reconciler bills only what
// was actually stored.
type Persister interface {
	Persist(ctx context.Context, jobID uuid.UUID, index int, sourceURL string) (storedPath string, err error)
}

// Deleter removes a job's input artifacts during delayed cleanup.
type Deleter interface {
	DeleteInputs(ctx context.Context, jobID uuid.UUID) error
}

// PassthroughStore records the provider's direct URL as the stored location
// without copying bytes. Upload-to-bucket stores implement the same
// interfaces behind the reconciler.
type PassthroughStore struct {
	logger *slog.Logger
}

func NewPassthroughStore(logger *slog.Logger) *PassthroughStore {
	return &PassthroughStore{logger: logger}
}

var (
	_ Persister = (*PassthroughStore)(nil)
	_ Deleter   = (*PassthroughStore)(nil)
)

func (s *PassthroughStore) Persist(_ context.Context, jobID uuid.UUID, index int, sourceURL string) (string, error) {
	if sourceURL == "" {
		return "", ErrEmptySource
	}
	return sourceURL, nil
}

func (s *PassthroughStore) DeleteInputs(_ context.Context, jobID uuid.UUID) error {
	s.logger.Debug("nothing to delete for passthrough inputs", "job_id", jobID)
	return nil
}

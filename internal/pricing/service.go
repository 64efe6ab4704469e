package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/renderloom/backend/internal/models"
)

// ErrModelDisabled is returned when quoting a model the catalog has turned off.
var ErrModelDisabled = errors.New("model disabled")

// Catalog is the model lookup slice of the repository.
type Catalog interface {
	GetByKey(ctx context.Context, key string) (*models.GenModel, error)
	ListEnabled(ctx context.Context) ([]*models.GenModel, error)
}

// Quote is a fully resolved price for one job request.
type Quote struct {
	ModelKey           string `json:"model_key"`
	Category           string `json:"category"`
	Source             string `json:"source"`
	PricePerArtifact   int64  `json:"price_per_artifact"`
	RequestedArtifacts int    `json:"requested_artifacts"`
	EstimatedCost      int64  `json:"estimated_cost"`
}

type Service interface {
	Quote(ctx context.Context, modelKey string, requestedArtifacts int) (*Quote, error)
	ListModels(ctx context.Context) ([]*models.GenModel, error)
}

type service struct {
	catalog Catalog
}

func NewService(catalog Catalog) Service {
	return &service{catalog: catalog}
}

var _ Service = (*service)(nil)

// Quote resolves pricing for a model. The per-artifact price is clamped to
// the model's min/max bounds, and the artifact count to [1, max_artifacts].
func (s *service) Quote(ctx context.Context, modelKey string, requestedArtifacts int) (*Quote, error) {
	m, err := s.catalog.GetByKey(ctx, modelKey)
	if err != nil {
		return nil, err
	}
	if !m.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrModelDisabled, m.Key)
	}

	price := m.PricePerArtifact
	if m.MinCost > 0 && price < m.MinCost {
		price = m.MinCost
	}
	if m.MaxCost > 0 && price > m.MaxCost {
		price = m.MaxCost
	}

	n := requestedArtifacts
	if n < 1 {
		n = 1
	}
	if m.MaxArtifacts > 0 && n > m.MaxArtifacts {
		n = m.MaxArtifacts
	}

	return &Quote{
		ModelKey:           m.Key,
		Category:           m.Category,
		Source:             m.Source,
		PricePerArtifact:   price,
		RequestedArtifacts: n,
		EstimatedCost:      price * int64(n),
	}, nil
}

func (s *service) ListModels(ctx context.Context) ([]*models.GenModel, error) {
	return s.catalog.ListEnabled(ctx)
}

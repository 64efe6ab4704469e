package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/renderloom/backend/internal/models"
)

// DefaultModels is the built-in catalog applied at startup for keys the
// database does not know yet. Existing rows, including disabled ones, are
// left alone so admin edits survive restarts.
var DefaultModels = []models.GenModel{
	{Key: "flux-dev", Label: "Flux Dev", Category: models.CategoryImage, Source: models.SourceText2Image, Enabled: true, PricePerArtifact: 5, MinCost: 1, MaxCost: 100, MaxArtifacts: 4},
	{Key: "flux-pro", Label: "Flux Pro", Category: models.CategoryImage, Source: models.SourceText2Image, Enabled: true, PricePerArtifact: 10, MinCost: 1, MaxCost: 200, MaxArtifacts: 4},
	{Key: "sdxl", Label: "Stable Diffusion XL", Category: models.CategoryImage, Source: models.SourceText2Image, Enabled: true, PricePerArtifact: 3, MinCost: 1, MaxCost: 60, MaxArtifacts: 4},
	{Key: "sdxl-img2img", Label: "SDXL Image to Image", Category: models.CategoryImage, Source: models.SourceImage2Image, Enabled: true, PricePerArtifact: 4, MinCost: 1, MaxCost: 60, MaxArtifacts: 4},
	{Key: "kling-v2", Label: "Kling v2", Category: models.CategoryVideo, Source: models.SourceImage2Video, Enabled: true, PricePerArtifact: 60, MinCost: 10, MaxCost: 300, MaxArtifacts: 1},
}

// CatalogWriter is the catalog slice the seeder writes through.
type CatalogWriter interface {
	GetByKey(ctx context.Context, key string) (*models.GenModel, error)
	Upsert(ctx context.Context, m *models.GenModel) error
}

// EnsureDefaults inserts every default model whose key is missing, so a
// fresh database serves the catalog without manual SQL.
func EnsureDefaults(ctx context.Context, c CatalogWriter, logger *slog.Logger) error {
	for i := range DefaultModels {
		m := DefaultModels[i]
		_, err := c.GetByKey(ctx, m.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrUnknownModel) {
			return fmt.Errorf("seed catalog %s: %w", m.Key, err)
		}
		if err := c.Upsert(ctx, &m); err != nil {
			return fmt.Errorf("seed catalog %s: %w", m.Key, err)
		}
		logger.Info("catalog model seeded", "key", m.Key)
	}
	return nil
}

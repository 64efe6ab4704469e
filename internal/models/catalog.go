package models

import (
	"time"
)

// GenModel is one entry in the generation-model catalog: what a model charges
// per artifact and whether it is currently offered.
type GenModel struct {
	Key              string    `json:"key"`
	Label            string    `json:"label"`
	Category         string    `json:"category"`
	Source           string    `json:"source"`
	Enabled          bool      `json:"enabled"`
	PricePerArtifact int64     `json:"price_per_artifact"`
	MinCost          int64     `json:"min_cost"`
	MaxCost          int64     `json:"max_cost"`
	MaxArtifacts     int       `json:"max_artifacts"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

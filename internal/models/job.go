package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job status enums. pending and running are non-terminal; the rest are
// terminal and immutable once set.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// Hold status enums. A hold leaves pending exactly once.
const (
	HoldPending               = "pending"
	HoldCaptured              = "captured"
	HoldReleasedFailed        = "released_failed"
	HoldReleasedCanceled      = "released_canceled"
	HoldReleasedTimeout       = "released_timeout"
	HoldReleasedNothingToBill = "released_nothing_to_bill"
	HoldReleasedCaptureFailed = "released_capture_failed"
)

// Artifact output status.
const (
	ArtifactStored = "stored"
	ArtifactFailed = "failed"
)

// JobTerminal reports whether status is one of the three terminal states.
func JobTerminal(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed || status == JobStatusCanceled
}

// Artifact is one output descriptor. Failed persistence keeps a placeholder
// so the caller sees partial results instead of silent loss.
type Artifact struct {
	Index      int     `json:"index"`
	SourceURL  string  `json:"source_url,omitempty"`
	StoredPath string  `json:"stored_path,omitempty"`
	Status     string  `json:"status"`
	Error      *string `json:"error,omitempty"`
}

// Job is one generation request. The hold lives on the job row (estimated
// cost, hold status, billed flag) since hold lifetime equals job lifetime.
type Job struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             string          `json:"user_id"`
	ModelKey           string          `json:"model_key"`
	Category           string          `json:"category"`
	Source             string          `json:"source"`
	Input              json.RawMessage `json:"input"`
	Status             string          `json:"status"`
	EstimatedCost      int64           `json:"estimated_cost"`
	PricePerArtifact   int64           `json:"price_per_artifact"`
	RequestedArtifacts int             `json:"requested_artifacts"`
	ProviderID         *string         `json:"provider_id,omitempty"`
	Output             []Artifact      `json:"output,omitempty"`
	Error              *string         `json:"error,omitempty"`
	HoldStatus         string          `json:"hold_status"`
	Billed             bool            `json:"billed"`
	FinalizeMeta       json.RawMessage `json:"finalize_meta,omitempty"`
	FinalizedAt        *time.Time      `json:"finalized_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

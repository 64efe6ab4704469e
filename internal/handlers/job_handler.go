package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/jobs"
	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/middleware"
	"github.com/renderloom/backend/internal/models"
	"github.com/renderloom/backend/internal/pricing"
)

// JobHandler serves /v1/jobs endpoints.
type JobHandler struct {
	Jobs    jobs.Service
	Pricing pricing.Service
	// Validator is optional; nil skips per-model input schema checks.
	Validator *pricing.Validator
	Logger    *slog.Logger
}

type createJobRequest struct {
	ModelKey  string          `json:"model_key"`
	Input     json.RawMessage `json:"input"`
	Artifacts int             `json:"artifacts"`
}

type createJobResponse struct {
	JobID              string `json:"job_id"`
	Status             string `json:"status"`
	EstimatedCost      int64  `json:"estimated_cost"`
	PricePerArtifact   int64  `json:"price_per_artifact"`
	RequestedArtifacts int    `json:"requested_artifacts"`
}

// CreateJob handles POST /v1/jobs.
// Auth -> RateLimit (via middleware) -> Quote -> Hold check -> Create + enqueue -> 202.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ModelKey == "" {
		http.Error(w, `{"error":"model_key is required"}`, http.StatusBadRequest)
		return
	}

	quote, err := h.Pricing.Quote(r.Context(), req.ModelKey, req.Artifacts)
	if errors.Is(err, pricing.ErrUnknownModel) {
		http.Error(w, `{"error":"unknown model"}`, http.StatusNotFound)
		return
	}
	if errors.Is(err, pricing.ErrModelDisabled) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "model is disabled"})
		return
	}
	if err != nil {
		h.Logger.Error("quote", "model_key", req.ModelKey, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if h.Validator != nil {
		if err := h.Validator.ValidateInput(quote.ModelKey, req.Input); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
	}

	job, err := h.Jobs.Create(r.Context(), jobs.CreateParams{
		UserID:             userID,
		ModelKey:           quote.ModelKey,
		Category:           quote.Category,
		Source:             quote.Source,
		Input:              req.Input,
		PricePerArtifact:   quote.PricePerArtifact,
		RequestedArtifacts: quote.RequestedArtifacts,
		EstimatedCost:      quote.EstimatedCost,
	})
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
		return
	}
	if err != nil {
		h.Logger.Error("create job", "user_id", userID, "error", err)
		http.Error(w, `{"error":"failed to create job"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:              job.ID.String(),
		Status:             job.Status,
		EstimatedCost:      job.EstimatedCost,
		PricePerArtifact:   job.PricePerArtifact,
		RequestedArtifacts: job.RequestedArtifacts,
	})
}

// GetJob handles GET /v1/jobs/{id}, owner scoped.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /v1/jobs, newest first.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	list, err := h.Jobs.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.Logger.Error("list jobs", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CancelJob handles POST /v1/jobs/{id}/cancel. Local state is authoritative;
// a cancel of an already-terminal job returns it unchanged.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	canceled, err := h.Jobs.Cancel(r.Context(), job.ID)
	if err != nil {
		h.Logger.Error("cancel job", "job_id", job.ID, "error", err)
		http.Error(w, `{"error":"cancel failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, canceled)
}

// ListModels handles GET /v1/models (public, no auth).
func (h *JobHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.Pricing.ListModels(r.Context())
	if err != nil {
		h.Logger.Error("list models", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *JobHandler) ownedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return nil, false
	}
	job, err := h.Jobs.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) || (err == nil && job.UserID != userID) {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.Logger.Error("get job", "job_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return nil, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

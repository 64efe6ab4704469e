package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/middleware"
	"github.com/renderloom/backend/internal/models"
)

// APIKeyStore is the provisioning slice of the api_keys repository.
type APIKeyStore interface {
	Create(ctx context.Context, k *models.APIKey) error
	Revoke(ctx context.Context, id uuid.UUID) error
}

// AdminHandler serves the /v1/admin surface, gated by RequireAdmin.
type AdminHandler struct {
	Ledger ledger.Service
	Keys   APIKeyStore
	Logger *slog.Logger
}

type adjustCreditsRequest struct {
	UserID         string `json:"user_id"`
	Category       string `json:"category"`
	Direction      string `json:"direction"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// AdjustCredits handles POST /v1/admin/credits/adjust. Without an explicit
// idempotency key each call writes a fresh adjustment entry.
func (h *AdminHandler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req adjustCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	adminID := middleware.UserIDFromCtx(r.Context())
	entry, err := h.Ledger.WriteEntry(r.Context(), ledger.WriteParams{
		UserID:         req.UserID,
		Category:       req.Category,
		Direction:      req.Direction,
		Amount:         req.Amount,
		Source:         models.SourceAdminAdjustment,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      adminID,
	})
	if errors.Is(err, ledger.ErrInvalidArgument) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		http.Error(w, `{"error":"adjustment would overdraw balance"}`, http.StatusConflict)
		return
	}
	if err != nil {
		h.Logger.Error("admin adjust", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type createKeyRequest struct {
	UserID  string `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
}

type createKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	KeyPrefix string `json:"key_prefix"`
	IsAdmin   bool   `json:"is_admin"`
	// Key is the raw bearer token, shown exactly once. Only its hash is
	// stored.
	Key string `json:"key"`
}

// CreateAPIKey handles POST /v1/admin/keys. Mints a random key for the given
// user and returns the plaintext in the response body, never again.
func (h *AdminHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	raw, err := mintKey()
	if err != nil {
		h.Logger.Error("mint api key", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    req.UserID,
		KeyHash:   middleware.HashKey(raw),
		KeyPrefix: raw[:10],
		IsAdmin:   req.IsAdmin,
		IsActive:  true,
	}
	if err := h.Keys.Create(r.Context(), key); err != nil {
		h.Logger.Error("create api key", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:        key.ID.String(),
		UserID:    key.UserID,
		KeyPrefix: key.KeyPrefix,
		IsAdmin:   key.IsAdmin,
		Key:       raw,
	})
}

// RevokeAPIKey handles POST /v1/admin/keys/{id}/revoke. Idempotent; revoking
// a revoked or unknown key id reports ok.
func (h *AdminHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid key id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Keys.Revoke(r.Context(), id); err != nil {
		h.Logger.Error("revoke api key", "key_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func mintKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rl_" + hex.EncodeToString(buf), nil
}

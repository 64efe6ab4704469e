package models

import (
	"github.com/google/uuid"
)

type APIKey struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	KeyHash   string    `json:"-"`
	KeyPrefix string    `json:"key_prefix"`
	IsAdmin   bool      `json:"is_admin"`
	IsActive  bool      `json:"is_active"`
}

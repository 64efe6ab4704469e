package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher emits audit events. Implementations must be best effort: a
// publish failure is logged and swallowed, never surfaced to billing paths.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any)
}

// JobEvent is the audit payload emitted on job lifecycle changes.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	HoldStatus string    `json:"hold_status,omitempty"`
	Billed     bool      `json:"billed"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// NATSPublisher publishes JSON events to NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewNATSPublisher(conn *nats.Conn, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, logger: logger}
}

var _ Publisher = (*NATSPublisher)(nil)

func (p *NATSPublisher) Publish(_ context.Context, subject string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("event marshal failed", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, body); err != nil {
		p.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}

// Noop discards events. Used when NATS is not configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) {}

var _ Publisher = Noop{}

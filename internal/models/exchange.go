package models

import (
	"time"

	"github.com/google/uuid"
)

// Exchange outcomes recorded by the relay.
const (
	OutcomeCompleted           = "completed"
	OutcomeUpstreamUnavailable = "upstream_unavailable"
	OutcomeTransportError      = "transport_error"
	OutcomeClientGone          = "client_gone"
)

// ExchangeRecord summarises one relayed request/response pair.
type ExchangeRecord struct {
	ID           uuid.UUID     `json:"id"`
	RequestID    string        `json:"request_id"`
	TargetHost   string        `json:"target_host"`
	Status       int           `json:"status"`
	BytesRelayed int64         `json:"bytes_relayed"`
	Duration     time.Duration `json:"duration"`
	Outcome      string        `json:"outcome"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SessionUpdate is published whenever a client session's message list changes.
type SessionUpdate struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Messages  []Message `json:"messages"`
}

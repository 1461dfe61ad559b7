package webhook

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	// StatusReceived rows were recorded but never claimed for processing.
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is one ledger row, unique per (Provider, ExternalEventID).
type Event struct {
	Provider        string          `json:"provider"`
	ExternalEventID string          `json:"external_event_id"`
	Status          Status          `json:"status"`
	ReferenceID     string          `json:"reference_id"`
	PayloadHash     string          `json:"payload_hash,omitempty"`
	Result          json.RawMessage `json:"result_payload,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Attempts        int             `json:"attempts"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Store persists ledger rows. Every state change is a conditional write on
// the current status; a false return means the row was not in the expected
// state.
type Store interface {
	// Insert creates e and reports false if the (provider, id) pair exists.
	Insert(ctx context.Context, e Event) (bool, error)
	Get(ctx context.Context, provider, eventID string) (Event, error)
	// Reclaim moves a received or failed row to processing.
	Reclaim(ctx context.Context, provider, eventID string, at time.Time) (bool, error)
	Complete(ctx context.Context, provider, eventID string, result json.RawMessage, at time.Time) (bool, error)
	Fail(ctx context.Context, provider, eventID, reason string, at time.Time) (bool, error)
}

// ResultCache holds completed results. It is never consulted for anything
// but replay of rows already completed in the Store.
type ResultCache interface {
	Get(ctx context.Context, provider, eventID string) (json.RawMessage, bool, error)
	Set(ctx context.Context, provider, eventID string, result json.RawMessage) error
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/exactlyonce/internal/store"
)

// PgStore keeps the ledger in webhook_events. The unique index on
// (provider, external_event_id) is the only authority on whether an event
// was seen.
type PgStore struct {
	q store.Querier
}

func NewPgStore(q store.Querier) *PgStore {
	return &PgStore{q: q}
}

func (s *PgStore) Insert(ctx context.Context, e Event) (bool, error) {
	tag, err := s.q.Exec(ctx, `
INSERT INTO webhook_events (provider, external_event_id, status, reference_id, payload_hash, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (provider, external_event_id) DO NOTHING`,
		e.Provider, e.ExternalEventID, string(e.Status), e.ReferenceID, e.PayloadHash, e.Attempts, e.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Get(ctx context.Context, provider, eventID string) (Event, error) {
	var (
		e      Event
		status string
		result []byte
	)
	err := s.q.QueryRow(ctx, `
SELECT provider, external_event_id, status, reference_id, payload_hash, result_payload,
       last_error, attempts, created_at, updated_at, completed_at
FROM webhook_events WHERE provider = $1 AND external_event_id = $2`, provider, eventID).Scan(
		&e.Provider, &e.ExternalEventID, &status, &e.ReferenceID, &e.PayloadHash, &result,
		&e.LastError, &e.Attempts, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, store.ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.Status = Status(status)
	if result != nil {
		e.Result = json.RawMessage(result)
	}
	return e, nil
}

func (s *PgStore) Reclaim(ctx context.Context, provider, eventID string, at time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `
UPDATE webhook_events
SET status = 'processing', attempts = attempts + 1, last_error = '', updated_at = $3
WHERE provider = $1 AND external_event_id = $2 AND status IN ('failed', 'received')`,
		provider, eventID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Complete(ctx context.Context, provider, eventID string, result json.RawMessage, at time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `
UPDATE webhook_events
SET status = 'completed', result_payload = $3, completed_at = $4, updated_at = $4
WHERE provider = $1 AND external_event_id = $2 AND status = 'processing'`,
		provider, eventID, []byte(result), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) Fail(ctx context.Context, provider, eventID, reason string, at time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `
UPDATE webhook_events
SET status = 'failed', last_error = $3, updated_at = $4
WHERE provider = $1 AND external_event_id = $2 AND status = 'processing'`,
		provider, eventID, reason, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

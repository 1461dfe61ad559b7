package store

import (
	"context"
	"fmt"
)

// Schema is the DDL the concurrency core relies on. Every versioned table
// carries version BIGINT NOT NULL DEFAULT 1 and an (id, version) index for
// compare-and-swap updates.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
  id          BIGSERIAL PRIMARY KEY,
  user_id     TEXT NOT NULL,
  currency    TEXT NOT NULL,
  balance     NUMERIC(20,8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
  version     BIGINT NOT NULL DEFAULT 1,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (user_id, currency)
);
CREATE INDEX IF NOT EXISTS idx_wallets_id_version ON wallets (id, version);

CREATE TABLE IF NOT EXISTS wallet_entries (
  id               BIGSERIAL PRIMARY KEY,
  wallet_id        BIGINT NOT NULL REFERENCES wallets(id),
  delta            NUMERIC(20,8) NOT NULL,
  source_provider  TEXT NOT NULL,
  source_event_id  TEXT NOT NULL,
  reference        TEXT NOT NULL DEFAULT '',
  created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (source_provider, source_event_id)
);
CREATE INDEX IF NOT EXISTS idx_wallet_entries_wallet ON wallet_entries (wallet_id, created_at DESC);

CREATE TABLE IF NOT EXISTS cashouts (
  id            TEXT PRIMARY KEY,
  user_id       TEXT NOT NULL,
  amount        NUMERIC(20,8) NOT NULL CHECK (amount > 0),
  currency      TEXT NOT NULL,
  status        TEXT NOT NULL DEFAULT 'pending',
  external_ref  TEXT NOT NULL DEFAULT '',
  fail_reason   TEXT NOT NULL DEFAULT '',
  claimed_by    TEXT NOT NULL DEFAULT '',
  version       BIGINT NOT NULL DEFAULT 1,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_cashouts_id_version ON cashouts (id, version);
CREATE INDEX IF NOT EXISTS idx_cashouts_status ON cashouts (status);

CREATE TABLE IF NOT EXISTS escrows (
  id          TEXT PRIMARY KEY,
  buyer_id    TEXT NOT NULL,
  seller_id   TEXT NOT NULL,
  amount      NUMERIC(20,8) NOT NULL CHECK (amount > 0),
  currency    TEXT NOT NULL,
  status      TEXT NOT NULL DEFAULT 'created',
  version     BIGINT NOT NULL DEFAULT 1,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_escrows_id_version ON escrows (id, version);

CREATE TABLE IF NOT EXISTS webhook_events (
  id                 BIGSERIAL PRIMARY KEY,
  provider           TEXT NOT NULL,
  external_event_id  TEXT NOT NULL,
  status             TEXT NOT NULL CHECK (status IN ('received','processing','completed','failed')),
  reference_id       TEXT NOT NULL DEFAULT '',
  payload_hash       TEXT NOT NULL DEFAULT '',
  result_payload     JSON, -- JSON keeps the text byte-for-byte for replay
  last_error         TEXT NOT NULL DEFAULT '',
  attempts           INTEGER NOT NULL DEFAULT 1,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  completed_at       TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_webhook_events_provider_event ON webhook_events (provider, external_event_id);
CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events (status, updated_at);

CREATE TABLE IF NOT EXISTS issued_ids (
  entity_type  TEXT NOT NULL,
  id           TEXT NOT NULL,
  issued_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (entity_type, id)
);

CREATE TABLE IF NOT EXISTS id_sequences (
  entity_type  TEXT NOT NULL,
  seq_day      TEXT NOT NULL,
  value        BIGINT NOT NULL,
  PRIMARY KEY (entity_type, seq_day)
);
`

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

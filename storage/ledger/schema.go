package ledger

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaManager creates the ledger tables.
type SchemaManager struct {
	pool *pgxpool.Pool
}

// NewSchemaManager creates a new schema manager.
func NewSchemaManager(pool *pgxpool.Pool) *SchemaManager {
	return &SchemaManager{pool: pool}
}

// Initialize creates the database schema.
func (m *SchemaManager) Initialize(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, schema)
	return err
}

// Amounts are NUMERIC(20,0) so the full uint64 range round-trips.
const schema = `
CREATE TABLE IF NOT EXISTS settle_counters (
  name TEXT PRIMARY KEY,
  next_id BIGINT NOT NULL
);
INSERT INTO settle_counters (name, next_id) VALUES ('task', 1), ('reward', 1), ('event', 1)
ON CONFLICT (name) DO NOTHING;

CREATE TABLE IF NOT EXISTS settle_tasks (
  id BIGINT PRIMARY KEY,
  creator TEXT NOT NULL,
  helper TEXT NOT NULL DEFAULT '',
  reward NUMERIC(20,0) NOT NULL,
  content_ref TEXT NOT NULL,
  status TEXT NOT NULL,
  post_fee NUMERIC(20,0) NOT NULL,
  cross_chain_asset TEXT NOT NULL DEFAULT '',
  cross_chain_amount NUMERIC(20,0) NOT NULL DEFAULT 0,
  target_chain_id NUMERIC(20,0) NOT NULL DEFAULT 0,
  terminate_requested_by TEXT NOT NULL DEFAULT '',
  terminate_requested_at TIMESTAMPTZ,
  fix_requested BOOLEAN NOT NULL DEFAULT false,
  fix_requested_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settle_reward_plans (
  id BIGINT PRIMARY KEY,
  creator TEXT NOT NULL,
  target_address TEXT NOT NULL DEFAULT '',
  task_id BIGINT NOT NULL DEFAULT 0,
  asset TEXT NOT NULL,
  amount NUMERIC(20,0) NOT NULL,
  target_chain_id NUMERIC(20,0) NOT NULL,
  status TEXT NOT NULL,
  dispatch_id TEXT NOT NULL DEFAULT '',
  last_tx_hash TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settle_reward_index (
  task_id BIGINT PRIMARY KEY,
  reward_id BIGINT NOT NULL UNIQUE REFERENCES settle_reward_plans(id)
);

CREATE TABLE IF NOT EXISTS settle_balances (
  account TEXT NOT NULL,
  asset TEXT NOT NULL,
  amount NUMERIC(20,0) NOT NULL DEFAULT 0,
  PRIMARY KEY (account, asset)
);

CREATE TABLE IF NOT EXISTS settle_allowances (
  owner TEXT NOT NULL,
  asset TEXT NOT NULL,
  amount NUMERIC(20,0) NOT NULL DEFAULT 0,
  PRIMARY KEY (owner, asset)
);

CREATE TABLE IF NOT EXISTS settle_events (
  seq BIGINT PRIMARY KEY,
  type TEXT NOT NULL,
  task_id BIGINT NOT NULL DEFAULT 0,
  reward_id BIGINT NOT NULL DEFAULT 0,
  actor TEXT NOT NULL,
  amounts JSONB,
  tx_hash TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_settle_reward_plans_status ON settle_reward_plans(status);
CREATE INDEX IF NOT EXISTS idx_settle_tasks_creator ON settle_tasks(creator);
`

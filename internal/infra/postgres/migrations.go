package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; every statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS contracts (
		id                 TEXT PRIMARY KEY,
		owner_id           TEXT NOT NULL,
		state              TEXT NOT NULL,
		terms              JSONB NOT NULL,
		ledger             JSONB NOT NULL,
		payment_method_ref TEXT NOT NULL DEFAULT '',
		next_due_at        TIMESTAMPTZ,
		period_index       INTEGER NOT NULL DEFAULT 0,
		periods_billed     INTEGER NOT NULL DEFAULT 0,
		missed_periods     INTEGER NOT NULL DEFAULT 0,
		dispute_reason     TEXT NOT NULL DEFAULT '',
		version            BIGINT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		activated_at       TIMESTAMPTZ,
		closed_at          TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS contracts_owner_idx ON contracts (owner_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS contracts_due_idx ON contracts (next_due_at) WHERE state = 'active'`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id            TEXT PRIMARY KEY,
		contract_id   TEXT NOT NULL REFERENCES contracts (id),
		kind          TEXT NOT NULL,
		amount        NUMERIC(20, 2) NOT NULL,
		period_index  INTEGER NOT NULL,
		balance_after NUMERIC(20, 2) NOT NULL,
		reference     TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_attempts (
		id                TEXT PRIMARY KEY,
		contract_id       TEXT NOT NULL REFERENCES contracts (id),
		idempotency_key   TEXT NOT NULL,
		period_index      INTEGER NOT NULL,
		try               INTEGER NOT NULL,
		amount            NUMERIC(20, 2) NOT NULL,
		status            TEXT NOT NULL,
		gateway_reference TEXT NOT NULL DEFAULT '',
		failure_reason    TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		resolved_at       TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payment_attempts_one_success
		ON payment_attempts (idempotency_key) WHERE status = 'succeeded'`,
	`CREATE TABLE IF NOT EXISTS session_charges (
		id              TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL UNIQUE,
		owner_id        TEXT NOT NULL,
		params          JSONB NOT NULL,
		elapsed_seconds BIGINT NOT NULL,
		amount          NUMERIC(20, 2) NOT NULL,
		started_at      TIMESTAMPTZ NOT NULL,
		ended_at        TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	// save_contract is the atomic write used by the PostgREST (Supabase) backend.
	`CREATE OR REPLACE FUNCTION save_contract(p_contract JSONB, p_expected_version BIGINT, p_entries JSONB)
	RETURNS BIGINT LANGUAGE plpgsql AS $$
	DECLARE
		n BIGINT;
	BEGIN
		UPDATE contracts SET
			state              = p_contract->>'state',
			terms              = p_contract->'terms',
			ledger             = p_contract->'ledger',
			payment_method_ref = COALESCE(p_contract->>'payment_method_ref', ''),
			next_due_at        = (p_contract->>'next_due_at')::timestamptz,
			period_index       = (p_contract->>'period_index')::int,
			periods_billed     = (p_contract->>'periods_billed')::int,
			missed_periods     = (p_contract->>'missed_periods')::int,
			dispute_reason     = COALESCE(p_contract->>'dispute_reason', ''),
			version            = version + 1,
			updated_at         = (p_contract->>'updated_at')::timestamptz,
			activated_at       = (p_contract->>'activated_at')::timestamptz,
			closed_at          = (p_contract->>'closed_at')::timestamptz
		WHERE id = p_contract->>'id' AND version = p_expected_version;
		GET DIAGNOSTICS n = ROW_COUNT;
		IF n = 0 THEN
			RETURN 0;
		END IF;

		INSERT INTO ledger_entries (id, contract_id, kind, amount, period_index, balance_after, reference, created_at)
		SELECT e->>'id', e->>'contract_id', e->>'kind', (e->>'amount')::numeric, (e->>'period_index')::int,
			(e->>'balance_after')::numeric, COALESCE(e->>'reference', ''), (e->>'created_at')::timestamptz
		FROM jsonb_array_elements(p_entries) AS e;
		RETURN n;
	END
	$$`,
}

// Apply runs all migrations against db.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

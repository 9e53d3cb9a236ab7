package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema statements are idempotent and applied in order at startup.
//
// credit_transactions is the append-only ledger. The no-rewrite trigger
// enforces append-only at the storage boundary: UPDATE and DELETE are
// rejected for every role, including the table owner. Corrections happen
// through new transactions (refunds, admin adjustments), never edits.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id             uuid PRIMARY KEY,
		email          text NOT NULL UNIQUE,
		name           text NOT NULL DEFAULT '',
		password_hash  text NOT NULL,
		credit_balance integer NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
		is_admin       boolean NOT NULL DEFAULT FALSE,
		created_at     timestamptz NOT NULL DEFAULT now(),
		updated_at     timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id         uuid PRIMARY KEY,
		account_id uuid NOT NULL REFERENCES accounts(id),
		key_hash   text NOT NULL UNIQUE,
		key_prefix text NOT NULL,
		is_active  boolean NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id             uuid PRIMARY KEY,
		account_id     uuid NOT NULL REFERENCES accounts(id),
		amount         integer NOT NULL,
		balance_before integer NOT NULL CHECK (balance_before >= 0),
		balance_after  integer NOT NULL CHECK (balance_after >= 0),
		kind           text NOT NULL,
		description    text NOT NULL DEFAULT '',
		metadata       jsonb NOT NULL DEFAULT '{}',
		created_at     timestamptz NOT NULL DEFAULT now(),
		CHECK (balance_after = balance_before + amount)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_account_created
		ON credit_transactions (account_id, created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_kind
		ON credit_transactions (kind)`,

	`CREATE OR REPLACE FUNCTION credit_transactions_no_rewrite() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'credit_transactions is append-only';
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS trg_credit_transactions_no_rewrite ON credit_transactions`,

	`CREATE TRIGGER trg_credit_transactions_no_rewrite
		BEFORE UPDATE OR DELETE ON credit_transactions
		FOR EACH ROW EXECUTE FUNCTION credit_transactions_no_rewrite()`,
}

// Migrate applies the engine schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	return nil
}

// Package ledger is the append-only audit trail of all balance changes.
// The interface exposes no update or delete; the storage layer additionally
// rejects rewrites with a trigger. Every row records the balance before and
// after its mutation, so the full history always reconciles with the
// current balance.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/panelworks/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// AppendTx inserts a ledger record inside the coordinator's transaction.
// The record's CreatedAt is filled from the database clock.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, account_id, amount, balance_before, balance_after, kind, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, t.ID, t.AccountID, t.Amount, t.BalanceBefore, t.BalanceAfter, t.Kind, t.Description, meta).Scan(&t.CreatedAt)
}

// GetForAccountTx returns the record only if it belongs to the given
// account. Used for the refund existence check inside the critical section.
func (r *Repository) GetForAccountTx(ctx context.Context, tx pgx.Tx, id, accountID uuid.UUID) (*models.Transaction, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, account_id, amount, balance_before, balance_after, kind, description, metadata, created_at
		FROM credit_transactions WHERE id = $1 AND account_id = $2
	`, id, accountID)
	return scanTransaction(row)
}

// GetByID returns the record regardless of owner.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, account_id, amount, balance_before, balance_after, kind, description, metadata, created_at
		FROM credit_transactions WHERE id = $1
	`, id)
	return scanTransaction(row)
}

// ListByAccount returns one page of an account's history, newest first,
// optionally filtered by kind. page is 1-indexed.
func (r *Repository) ListByAccount(ctx context.Context, accountID uuid.UUID, kind string, page, pageSize int) ([]*models.Transaction, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	var total int
	countQ := `SELECT COUNT(*) FROM credit_transactions WHERE account_id = $1`
	listQ := `
		SELECT id, account_id, amount, balance_before, balance_after, kind, description, metadata, created_at
		FROM credit_transactions WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	args := []any{accountID, pageSize, offset}
	countArgs := []any{accountID}
	if kind != "" {
		countQ = `SELECT COUNT(*) FROM credit_transactions WHERE account_id = $1 AND kind = $2`
		listQ = `
			SELECT id, account_id, amount, balance_before, balance_after, kind, description, metadata, created_at
			FROM credit_transactions WHERE account_id = $1 AND kind = $2
			ORDER BY created_at DESC
			LIMIT $3 OFFSET $4`
		args = []any{accountID, kind, pageSize, offset}
		countArgs = []any{accountID, kind}
	}

	if err := r.pool.QueryRow(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	list := []*models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, t)
	}
	return list, total, rows.Err()
}

// SummaryByAccount aggregates the account's full history in one query.
func (r *Repository) SummaryByAccount(ctx context.Context, accountID uuid.UUID) (spent, earned, count int, last *time.Time, err error) {
	var lastAt *time.Time
	err = r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
			COUNT(*),
			MAX(created_at)
		FROM credit_transactions WHERE account_id = $1
	`, accountID).Scan(&spent, &earned, &count, &lastAt)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	return spent, earned, count, lastAt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var meta []byte
	err := row.Scan(&t.ID, &t.AccountID, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Kind, &t.Description, &meta, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

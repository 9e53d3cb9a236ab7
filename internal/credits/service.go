// Package credits is the operation coordinator of the credit ledger engine.
// Each mutation runs as one database transaction: lock the account row,
// validate, write the new balance, append the ledger record, commit. The row
// lock serializes concurrent mutations per account; operations on different
// accounts proceed independently.
package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/panelworks/backend/internal/metrics"
	"github.com/panelworks/backend/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the balance store. Writes happen only inside a coordinator
// transaction, after GetByIDForUpdate.
type AccountStore interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	UpdateCreditBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, creditBalance int) error
	GetCreditBalance(ctx context.Context, id uuid.UUID) (int, error)
}

// LedgerStore is the append-only transaction log.
type LedgerStore interface {
	AppendTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetForAccountTx(ctx context.Context, tx pgx.Tx, id, accountID uuid.UUID) (*models.Transaction, error)
	SummaryByAccount(ctx context.Context, accountID uuid.UUID) (spent, earned, count int, last *time.Time, err error)
}

// Service executes the five credit operations.
type Service struct {
	db        TxBeginner
	accounts  AccountStore
	ledger    LedgerStore
	opTimeout time.Duration

	mu     sync.Mutex
	frozen map[uuid.UUID]bool
}

// NewService returns a coordinator. opTimeout bounds each mutation's critical
// section; zero disables the bound.
func NewService(db TxBeginner, accounts AccountStore, ledger LedgerStore, opTimeout time.Duration) *Service {
	return &Service{
		db:        db,
		accounts:  accounts,
		ledger:    ledger,
		opTimeout: opTimeout,
		frozen:    make(map[uuid.UUID]bool),
	}
}

// Deduct removes amount credits from the account and appends a deduction
// record. Fails with ErrInvalidAmount, ErrAccountNotFound or
// InsufficientBalanceError; on failure nothing is persisted.
func (s *Service) Deduct(ctx context.Context, accountID uuid.UUID, amount int, description string, metadata map[string]any) (*models.Transaction, error) {
	if amount <= 0 {
		return s.reject(ctx, "deduct", ErrInvalidAmount)
	}
	if description == "" {
		description = "Credit deduction"
	}
	return s.mutate(ctx, "deduct", accountID, func(acc *models.Account) (*models.Transaction, error) {
		if acc.CreditBalance < amount {
			return nil, &InsufficientBalanceError{Required: amount, Available: acc.CreditBalance}
		}
		return &models.Transaction{
			ID:            uuid.New(),
			AccountID:     accountID,
			Amount:        -amount,
			BalanceBefore: acc.CreditBalance,
			BalanceAfter:  acc.CreditBalance - amount,
			Kind:          models.KindDeduction,
			Description:   description,
			Metadata:      metadata,
		}, nil
	}, nil)
}

// Credit adds amount credits with the caller-supplied kind (purchase,
// signup_bonus, ...). There is no upper bound on the balance.
func (s *Service) Credit(ctx context.Context, accountID uuid.UUID, amount int, kind, description string, metadata map[string]any) (*models.Transaction, error) {
	if amount <= 0 {
		return s.reject(ctx, "credit", ErrInvalidAmount)
	}
	if description == "" {
		description = "Credit addition"
	}
	return s.mutate(ctx, "credit", accountID, func(acc *models.Account) (*models.Transaction, error) {
		return &models.Transaction{
			ID:            uuid.New(),
			AccountID:     accountID,
			Amount:        amount,
			BalanceBefore: acc.CreditBalance,
			BalanceAfter:  acc.CreditBalance + amount,
			Kind:          kind,
			Description:   description,
			Metadata:      metadata,
		}, nil
	}, nil)
}

// AdminAdjust applies a signed delta. The delta may be any integer; the
// operation fails with ErrResultingBalanceNegative when the balance would go
// below zero. adminID is recorded in the entry's metadata.
func (s *Service) AdminAdjust(ctx context.Context, accountID uuid.UUID, delta int, reason, adminID string, metadata map[string]any) (*models.Transaction, error) {
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[models.MetaAdminID] = adminID
	return s.mutate(ctx, "admin_adjust", accountID, func(acc *models.Account) (*models.Transaction, error) {
		newBalance := acc.CreditBalance + delta
		if newBalance < 0 {
			return nil, ErrResultingBalanceNegative
		}
		return &models.Transaction{
			ID:            uuid.New(),
			AccountID:     accountID,
			Amount:        delta,
			BalanceBefore: acc.CreditBalance,
			BalanceAfter:  newBalance,
			Kind:          models.KindAdminAdjustment,
			Description:   "Admin adjustment: " + reason,
			Metadata:      meta,
		}, nil
	}, nil)
}

// Refund credits amount back, referencing an earlier transaction. The
// original must exist and belong to the account — existence only: the engine
// does not compare amounts and does not prevent refunding the same
// transaction twice.
func (s *Service) Refund(ctx context.Context, accountID, originalTransactionID uuid.UUID, amount int, reason string) (*models.Transaction, error) {
	if amount <= 0 {
		return s.reject(ctx, "refund", ErrInvalidAmount)
	}
	if reason == "" {
		reason = "Refund"
	}
	check := func(ctx context.Context, tx pgx.Tx) error {
		if _, err := s.ledger.GetForAccountTx(ctx, tx, originalTransactionID, accountID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOriginalTransactionNotFound
			}
			return s.storageErr(err)
		}
		return nil
	}
	return s.mutate(ctx, "refund", accountID, func(acc *models.Account) (*models.Transaction, error) {
		return &models.Transaction{
			ID:            uuid.New(),
			AccountID:     accountID,
			Amount:        amount,
			BalanceBefore: acc.CreditBalance,
			BalanceAfter:  acc.CreditBalance + amount,
			Kind:          models.KindRefund,
			Description:   "Refund: " + reason,
			Metadata:      map[string]any{models.MetaOriginalTransactionID: originalTransactionID.String()},
		}, nil
	}, check)
}

// GetBalance returns the current balance. Unknown accounts read as zero:
// this path is for display, not for authorizing a mutation.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID) (int, error) {
	start := time.Now()
	balance, err := s.accounts.GetCreditBalance(ctx, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveOperation("get_balance", "ok", start)
		return 0, nil
	}
	if err != nil {
		err = s.storageErr(err)
		metrics.ObserveOperation("get_balance", errLabel(err), start)
		return 0, err
	}
	metrics.ObserveOperation("get_balance", "ok", start)
	return balance, nil
}

// GetSummary aggregates the account's ledger joined with its current balance.
func (s *Service) GetSummary(ctx context.Context, accountID uuid.UUID) (*models.CreditSummary, error) {
	start := time.Now()
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	spent, earned, count, last, err := s.ledger.SummaryByAccount(ctx, accountID)
	if err != nil {
		err = s.storageErr(err)
		metrics.ObserveOperation("get_summary", errLabel(err), start)
		return nil, err
	}
	metrics.ObserveOperation("get_summary", "ok", start)
	return &models.CreditSummary{
		CurrentBalance:    balance,
		TotalSpent:        spent,
		TotalEarned:       earned,
		TransactionCount:  count,
		LastTransactionAt: last,
	}, nil
}

// mutate runs the critical section: begin, lock row, build the record,
// verify the ledger equation, write balance, append record, commit. The
// deferred Rollback is a no-op after Commit; on any error path it guarantees
// neither write survives.
func (s *Service) mutate(
	ctx context.Context,
	op string,
	accountID uuid.UUID,
	build func(acc *models.Account) (*models.Transaction, error),
	check func(ctx context.Context, tx pgx.Tx) error,
) (rec *models.Transaction, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveOperation(op, errLabel(err), start)
	}()

	if s.isFrozen(accountID) {
		return nil, ErrAccountFrozen
	}
	if s.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, s.storageErr(err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, s.storageErr(err)
	}
	if check != nil {
		if err := check(ctx, tx); err != nil {
			return nil, err
		}
	}
	rec, err = build(acc)
	if err != nil {
		return nil, err
	}
	if rec.BalanceAfter != rec.BalanceBefore+rec.Amount || rec.BalanceAfter < 0 {
		s.freeze(accountID)
		return nil, ErrLedgerInvariant
	}
	if err := s.accounts.UpdateCreditBalance(ctx, tx, accountID, rec.BalanceAfter); err != nil {
		return nil, s.mutationErr(accountID, err)
	}
	if err := s.ledger.AppendTx(ctx, tx, rec); err != nil {
		return nil, s.mutationErr(accountID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, s.mutationErr(accountID, err)
	}
	return rec, nil
}

func (s *Service) reject(_ context.Context, op string, err error) (*models.Transaction, error) {
	metrics.ObserveOperation(op, errLabel(err), time.Now())
	return nil, err
}

func (s *Service) isFrozen(accountID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen[accountID]
}

func (s *Service) freeze(accountID uuid.UUID) {
	s.mu.Lock()
	s.frozen[accountID] = true
	s.mu.Unlock()
}

// mutationErr classifies an error from the write/commit path. A check
// violation here means a record that passed validation was rejected by the
// storage constraints — the invariant case — so the account is frozen.
func (s *Service) mutationErr(accountID uuid.UUID, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" { // check_violation
		s.freeze(accountID)
		return fmt.Errorf("%w: %v", ErrLedgerInvariant, err)
	}
	return s.storageErr(err)
}

// storageErr classifies driver errors into the recoverable taxonomy.
func (s *Service) storageErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "57014": // lock_not_available, query_canceled
			return ErrTimeout
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConflict
		}
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// errLabel maps an operation result to a metrics outcome label.
func errLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrResultingBalanceNegative):
		return "resulting_balance_negative"
	case errors.Is(err, ErrOriginalTransactionNotFound):
		return "original_transaction_not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAccountFrozen):
		return "frozen"
	case errors.Is(err, ErrLedgerInvariant):
		return "invariant_violation"
	default:
		return "storage_failure"
	}
}

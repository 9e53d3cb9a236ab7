package credits

import (
	"errors"
	"fmt"
)

// Every failure an operation can return is one of these, so callers can
// branch with errors.Is / errors.As instead of matching strings.
var (
	// ErrInvalidAmount is returned when an operation requires a positive
	// amount and got zero or less.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrAccountNotFound is returned when the target account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientBalance matches InsufficientBalanceError via errors.Is.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrResultingBalanceNegative is returned when an admin adjustment would
	// drive the balance below zero.
	ErrResultingBalanceNegative = errors.New("resulting balance would be negative")

	// ErrOriginalTransactionNotFound is returned when a refund references an
	// unknown transaction, or one belonging to another account.
	ErrOriginalTransactionNotFound = errors.New("original transaction not found")

	// ErrTimeout is returned when the critical section could not complete
	// within bounds. Nothing was committed; the call is safe to retry.
	ErrTimeout = errors.New("credit operation timed out")

	// ErrConflict is returned when the store aborted the transaction to
	// resolve contention (serialization failure, deadlock). Nothing was
	// committed; the call is safe to retry.
	ErrConflict = errors.New("credit operation conflict")

	// ErrStorage wraps any other persistence failure. Nothing was committed.
	ErrStorage = errors.New("credit storage failure")

	// ErrLedgerInvariant is returned when a record violating
	// balance_after = balance_before + amount >= 0 reached the write path
	// despite validation. This should never happen; the account is frozen
	// pending investigation.
	ErrLedgerInvariant = errors.New("ledger invariant violated")

	// ErrAccountFrozen is returned for mutations on an account frozen after
	// an invariant violation.
	ErrAccountFrozen = errors.New("account frozen pending investigation")
)

// InsufficientBalanceError carries the amounts so callers can surface them
// without a second balance read.
type InsufficientBalanceError struct {
	Required  int
	Available int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

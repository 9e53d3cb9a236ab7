package models

import (
	"time"

	"github.com/google/uuid"
)

// Known transaction kinds. The column is an open string; these are the
// values the engine itself writes or that callers commonly pass to Credit.
const (
	KindDeduction       = "deduction"
	KindPurchase        = "purchase"
	KindSignupBonus     = "signup_bonus"
	KindReferralBonus   = "referral_bonus"
	KindPromotion       = "promotion"
	KindAdminAdjustment = "admin_adjustment"
	KindRefund          = "refund"
)

// Well-known metadata keys.
const (
	MetaOriginalTransactionID = "original_transaction_id"
	MetaAdminID               = "admin_id"
)

// Transaction is one immutable row of the credit ledger. Amount is signed:
// positive for credits, negative for debits. BalanceAfter is always
// BalanceBefore + Amount and never negative; both are enforced by CHECK
// constraints at the storage boundary.
type Transaction struct {
	ID            uuid.UUID      `json:"id"`
	AccountID     uuid.UUID      `json:"account_id"`
	Amount        int            `json:"amount"`
	BalanceBefore int            `json:"balance_before"`
	BalanceAfter  int            `json:"balance_after"`
	Kind          string         `json:"kind"`
	Description   string         `json:"description"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CreditSummary is the aggregate view over an account's ledger joined with
// its current balance. TotalSpent sums absolute values of negative amounts,
// TotalEarned sums positive amounts.
type CreditSummary struct {
	CurrentBalance    int        `json:"current_balance"`
	TotalSpent        int        `json:"total_spent"`
	TotalEarned       int        `json:"total_earned"`
	TransactionCount  int        `json:"transaction_count"`
	LastTransactionAt *time.Time `json:"last_transaction_at"`
}

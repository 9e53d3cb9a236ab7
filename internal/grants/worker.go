// Package grants applies admin credit grants asynchronously through the job
// queue, so a burst of promotional grants cannot stall the API.
package grants

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/panelworks/backend/internal/credits"
	"github.com/panelworks/backend/internal/models"
)

type CreditGrantArgs struct {
	AccountID   uuid.UUID      `json:"account_id"`
	Amount      int            `json:"amount"`
	GrantKind   string         `json:"kind"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (CreditGrantArgs) Kind() string { return "credit_grant" }

// CreditService defines the contract the worker needs to apply a grant.
type CreditService interface {
	Credit(ctx context.Context, accountID uuid.UUID, amount int, kind, description string, metadata map[string]any) (*models.Transaction, error)
}

type CreditGrantWorker struct {
	river.WorkerDefaults[CreditGrantArgs]
	credits CreditService
}

func NewCreditGrantWorker(credits CreditService) *CreditGrantWorker {
	return &CreditGrantWorker{credits: credits}
}

func (w *CreditGrantWorker) Work(ctx context.Context, job *river.Job[CreditGrantArgs]) error {
	args := job.Args

	kind := args.GrantKind
	if kind == "" {
		kind = models.KindPromotion
	}

	_, err := w.credits.Credit(ctx, args.AccountID, args.Amount, kind, args.Description, args.Metadata)
	if err != nil {
		if permanent(err) {
			return river.JobCancel(err)
		}
		return fmt.Errorf("apply credit grant: %w", err)
	}
	return nil
}

// permanent reports whether retrying the grant can never succeed: a bad
// amount or a deleted account. Everything else (timeouts, conflicts, storage
// failures) is left to river's retry backoff.
func permanent(err error) bool {
	return errors.Is(err, credits.ErrInvalidAmount) || errors.Is(err, credits.ErrAccountNotFound)
}

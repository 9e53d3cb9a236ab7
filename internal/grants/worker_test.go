package grants

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/panelworks/backend/internal/credits"
	"github.com/panelworks/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubCreditService struct {
	err   error
	calls []struct {
		accountID uuid.UUID
		amount    int
		kind      string
	}
}

func (s *stubCreditService) Credit(_ context.Context, accountID uuid.UUID, amount int, kind, description string, metadata map[string]any) (*models.Transaction, error) {
	s.calls = append(s.calls, struct {
		accountID uuid.UUID
		amount    int
		kind      string
	}{accountID, amount, kind})
	if s.err != nil {
		return nil, s.err
	}
	return &models.Transaction{
		ID:          uuid.New(),
		AccountID:   accountID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		Metadata:    metadata,
	}, nil
}

func grantJob(args CreditGrantArgs) *river.Job[CreditGrantArgs] {
	return &river.Job[CreditGrantArgs]{Args: args}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWorkAppliesGrant(t *testing.T) {
	svc := &stubCreditService{}
	w := NewCreditGrantWorker(svc)
	account := uuid.New()

	err := w.Work(context.Background(), grantJob(CreditGrantArgs{
		AccountID:   account,
		Amount:      500,
		GrantKind:   models.KindPromotion,
		Description: "launch promo",
	}))
	if err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(svc.calls) != 1 {
		t.Fatalf("expected 1 credit call, got %d", len(svc.calls))
	}
	call := svc.calls[0]
	if call.accountID != account || call.amount != 500 || call.kind != models.KindPromotion {
		t.Errorf("call: %+v", call)
	}
}

func TestWorkDefaultsKindToPromotion(t *testing.T) {
	svc := &stubCreditService{}
	w := NewCreditGrantWorker(svc)

	if err := w.Work(context.Background(), grantJob(CreditGrantArgs{AccountID: uuid.New(), Amount: 10})); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if svc.calls[0].kind != models.KindPromotion {
		t.Errorf("kind: got %q, want %q", svc.calls[0].kind, models.KindPromotion)
	}
}

func TestWorkFailsOnServiceError(t *testing.T) {
	for _, svcErr := range []error{credits.ErrInvalidAmount, credits.ErrAccountNotFound, credits.ErrTimeout} {
		svc := &stubCreditService{err: svcErr}
		w := NewCreditGrantWorker(svc)

		err := w.Work(context.Background(), grantJob(CreditGrantArgs{AccountID: uuid.New(), Amount: 10}))
		if err == nil {
			t.Fatalf("%v: expected error", svcErr)
		}
	}
}

func TestPermanentClassification(t *testing.T) {
	for _, err := range []error{credits.ErrInvalidAmount, credits.ErrAccountNotFound} {
		if !permanent(err) {
			t.Errorf("%v should be permanent", err)
		}
	}
	for _, err := range []error{credits.ErrTimeout, credits.ErrConflict, errors.New("connection reset")} {
		if permanent(err) {
			t.Errorf("%v should be retryable", err)
		}
	}
}

package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/panelworks/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory fake store implementing TxBeginner, AccountStore and LedgerStore.
// It models Postgres row locking: GetByIDForUpdate takes a per-account mutex
// that is held until Commit or Rollback, so the serializability tests
// exercise the same locking discipline the real store provides. Writes are
// staged on the fake transaction and applied atomically on Commit.
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int
	ledger   []*models.Transaction
	rowLocks map[uuid.UUID]*sync.Mutex

	appendErr error
	commitErr error
}

func newFakeStore(seed map[uuid.UUID]int) *fakeStore {
	s := &fakeStore{
		balances: make(map[uuid.UUID]int),
		rowLocks: make(map[uuid.UUID]*sync.Mutex),
	}
	for id, bal := range seed {
		s.balances[id] = bal
	}
	return s
}

func (s *fakeStore) rowLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rowLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[id] = m
	}
	return m
}

type fakeTx struct {
	pgx.Tx
	store   *fakeStore
	locked  []uuid.UUID
	staged  map[uuid.UUID]int
	records []*models.Transaction
	done    bool
}

func (s *fakeStore) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{store: s, staged: make(map[uuid.UUID]int)}, nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	defer t.release()
	if err := t.store.commitErr; err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id, bal := range t.staged {
		t.store.balances[id] = bal
	}
	t.store.ledger = append(t.store.ledger, t.records...)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	return nil
}

func (t *fakeTx) release() {
	for _, id := range t.locked {
		t.store.rowLock(id).Unlock()
	}
	t.locked = nil
}

func (s *fakeStore) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	t := tx.(*fakeTx)
	lock := s.rowLock(id)
	lock.Lock()
	s.mu.Lock()
	bal, ok := s.balances[id]
	s.mu.Unlock()
	if !ok {
		lock.Unlock()
		return nil, pgx.ErrNoRows
	}
	t.locked = append(t.locked, id)
	if staged, ok := t.staged[id]; ok {
		bal = staged
	}
	return &models.Account{ID: id, CreditBalance: bal}, nil
}

func (s *fakeStore) UpdateCreditBalance(_ context.Context, tx pgx.Tx, id uuid.UUID, balance int) error {
	t := tx.(*fakeTx)
	t.staged[id] = balance
	return nil
}

func (s *fakeStore) GetCreditBalance(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[id]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	return bal, nil
}

func (s *fakeStore) AppendTx(_ context.Context, tx pgx.Tx, rec *models.Transaction) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	t := tx.(*fakeTx)
	cp := *rec
	cp.CreatedAt = time.Now()
	rec.CreatedAt = cp.CreatedAt
	t.records = append(t.records, &cp)
	return nil
}

func (s *fakeStore) GetForAccountTx(_ context.Context, tx pgx.Tx, id, accountID uuid.UUID) (*models.Transaction, error) {
	t := tx.(*fakeTx)
	for _, rec := range t.records {
		if rec.ID == id && rec.AccountID == accountID {
			return rec, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.ledger {
		if rec.ID == id && rec.AccountID == accountID {
			return rec, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeStore) SummaryByAccount(_ context.Context, accountID uuid.UUID) (int, int, int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var spent, earned, count int
	var last *time.Time
	for _, rec := range s.ledger {
		if rec.AccountID != accountID {
			continue
		}
		count++
		if rec.Amount < 0 {
			spent += -rec.Amount
		} else {
			earned += rec.Amount
		}
		at := rec.CreatedAt
		if last == nil || at.After(*last) {
			last = &at
		}
	}
	return spent, earned, count, last, nil
}

// ledgerSum returns the signed sum of the account's ledger amounts.
func (s *fakeStore) ledgerSum(accountID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0
	for _, rec := range s.ledger {
		if rec.AccountID == accountID {
			sum += rec.Amount
		}
	}
	return sum
}

func (s *fakeStore) ledgerLen(accountID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.ledger {
		if rec.AccountID == accountID {
			n++
		}
	}
	return n
}

func (s *fakeStore) balance(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[id]
}

func newTestService(store *fakeStore) *Service {
	return NewService(store, store, store, 0)
}

// ---------------------------------------------------------------------------
// Deduct
// ---------------------------------------------------------------------------

func TestDeduct(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	svc := newTestService(store)
	ctx := context.Background()

	rec, err := svc.Deduct(ctx, account, 30, "panel unlock", map[string]any{"panel_id": "p-17"})
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if rec.Amount != -30 || rec.BalanceBefore != 100 || rec.BalanceAfter != 70 {
		t.Errorf("record: amount=%d before=%d after=%d, want -30/100/70", rec.Amount, rec.BalanceBefore, rec.BalanceAfter)
	}
	if rec.Kind != models.KindDeduction {
		t.Errorf("kind: got %q, want %q", rec.Kind, models.KindDeduction)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("record should carry a creation timestamp")
	}
	if got := store.balance(account); got != 70 {
		t.Errorf("balance: got %d, want 70", got)
	}
	if n := store.ledgerLen(account); n != 1 {
		t.Errorf("ledger entries: got %d, want 1", n)
	}
}

func TestDeductDefaultDescription(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 10})
	svc := newTestService(store)

	rec, err := svc.Deduct(context.Background(), account, 1, "", nil)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if rec.Description != "Credit deduction" {
		t.Errorf("description: got %q, want %q", rec.Description, "Credit deduction")
	}
}

func TestDeductInsufficientBalance(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 20})
	svc := newTestService(store)

	_, err := svc.Deduct(context.Background(), account, 50, "", nil)
	var ibe *InsufficientBalanceError
	if !errors.As(err, &ibe) {
		t.Fatalf("expected InsufficientBalanceError, got: %v", err)
	}
	if ibe.Required != 50 || ibe.Available != 20 {
		t.Errorf("error amounts: required=%d available=%d, want 50/20", ibe.Required, ibe.Available)
	}
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Error("error should match ErrInsufficientBalance via errors.Is")
	}
	if got := store.balance(account); got != 20 {
		t.Errorf("balance should be unchanged: got %d, want 20", got)
	}
	if n := store.ledgerLen(account); n != 0 {
		t.Errorf("ledger should be unchanged: got %d entries", n)
	}
}

func TestDeductInvalidAmount(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 20})
	svc := newTestService(store)

	for _, amount := range []int{0, -5} {
		if _, err := svc.Deduct(context.Background(), account, amount, "", nil); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Deduct(%d): expected ErrInvalidAmount, got: %v", amount, err)
		}
	}
	if n := store.ledgerLen(account); n != 0 {
		t.Errorf("ledger should be unchanged: got %d entries", n)
	}
}

func TestDeductUnknownAccount(t *testing.T) {
	store := newFakeStore(nil)
	svc := newTestService(store)

	if _, err := svc.Deduct(context.Background(), uuid.New(), 10, "", nil); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Credit
// ---------------------------------------------------------------------------

func TestCreditThenDeductRoundTrip(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 40})
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, account, 25, models.KindPurchase, "", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := svc.Deduct(ctx, account, 25, "", nil); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if got := store.balance(account); got != 40 {
		t.Errorf("balance: got %d, want 40", got)
	}
	if n := store.ledgerLen(account); n != 2 {
		t.Fatalf("ledger entries: got %d, want 2", n)
	}
	if sum := store.ledgerSum(account); sum != 0 {
		t.Errorf("ledger amounts should sum to zero, got %d", sum)
	}
}

func TestCreditDefaults(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 0})
	svc := newTestService(store)

	rec, err := svc.Credit(context.Background(), account, 5, models.KindSignupBonus, "", nil)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if rec.Description != "Credit addition" {
		t.Errorf("description: got %q, want %q", rec.Description, "Credit addition")
	}
	if rec.Kind != models.KindSignupBonus {
		t.Errorf("kind: got %q, want %q", rec.Kind, models.KindSignupBonus)
	}
	if _, err := svc.Credit(context.Background(), account, 0, models.KindPurchase, "", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Credit(0): expected ErrInvalidAmount, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// AdminAdjust
// ---------------------------------------------------------------------------

func TestAdminAdjust(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 50})
	svc := newTestService(store)
	ctx := context.Background()

	rec, err := svc.AdminAdjust(ctx, account, -20, "billing correction", "admin-1", nil)
	if err != nil {
		t.Fatalf("AdminAdjust: %v", err)
	}
	if rec.Amount != -20 || rec.BalanceAfter != 30 {
		t.Errorf("record: amount=%d after=%d, want -20/30", rec.Amount, rec.BalanceAfter)
	}
	if rec.Kind != models.KindAdminAdjustment {
		t.Errorf("kind: got %q", rec.Kind)
	}
	if got := rec.Metadata[models.MetaAdminID]; got != "admin-1" {
		t.Errorf("metadata admin_id: got %v, want admin-1", got)
	}
	if rec.Description != "Admin adjustment: billing correction" {
		t.Errorf("description: got %q", rec.Description)
	}
}

func TestAdminAdjustKeepsCallerMetadata(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 50})
	svc := newTestService(store)

	rec, err := svc.AdminAdjust(context.Background(), account, 10, "goodwill", "admin-2", map[string]any{"ticket": "T-44"})
	if err != nil {
		t.Fatalf("AdminAdjust: %v", err)
	}
	if rec.Metadata["ticket"] != "T-44" || rec.Metadata[models.MetaAdminID] != "admin-2" {
		t.Errorf("metadata: got %v", rec.Metadata)
	}
}

func TestAdminAdjustResultingBalanceNegative(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 120})
	svc := newTestService(store)

	_, err := svc.AdminAdjust(context.Background(), account, -200, "correction", "a1", nil)
	if !errors.Is(err, ErrResultingBalanceNegative) {
		t.Fatalf("expected ErrResultingBalanceNegative, got: %v", err)
	}
	if got := store.balance(account); got != 120 {
		t.Errorf("balance should be unchanged: got %d, want 120", got)
	}
	if n := store.ledgerLen(account); n != 0 {
		t.Errorf("ledger should be unchanged: got %d entries", n)
	}
}

// ---------------------------------------------------------------------------
// Refund
// ---------------------------------------------------------------------------

func TestRefund(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	svc := newTestService(store)
	ctx := context.Background()

	orig, err := svc.Deduct(ctx, account, 40, "panel unlock", nil)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	rec, err := svc.Refund(ctx, account, orig.ID, 40, "generation failed")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if rec.Amount != 40 || rec.BalanceAfter != 100 {
		t.Errorf("record: amount=%d after=%d, want 40/100", rec.Amount, rec.BalanceAfter)
	}
	if rec.Kind != models.KindRefund {
		t.Errorf("kind: got %q", rec.Kind)
	}
	if got := rec.Metadata[models.MetaOriginalTransactionID]; got != orig.ID.String() {
		t.Errorf("metadata original_transaction_id: got %v, want %s", got, orig.ID)
	}
	if rec.Description != "Refund: generation failed" {
		t.Errorf("description: got %q", rec.Description)
	}
}

func TestRefundUnknownTransaction(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	svc := newTestService(store)

	_, err := svc.Refund(context.Background(), account, uuid.New(), 10, "")
	if !errors.Is(err, ErrOriginalTransactionNotFound) {
		t.Fatalf("expected ErrOriginalTransactionNotFound, got: %v", err)
	}
	if got := store.balance(account); got != 100 {
		t.Errorf("balance should be unchanged: got %d, want 100", got)
	}
}

func TestRefundForeignTransaction(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{owner: 100, other: 100})
	svc := newTestService(store)
	ctx := context.Background()

	orig, err := svc.Deduct(ctx, owner, 10, "", nil)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if _, err := svc.Refund(ctx, other, orig.ID, 10, ""); !errors.Is(err, ErrOriginalTransactionNotFound) {
		t.Errorf("refunding another account's transaction: expected ErrOriginalTransactionNotFound, got: %v", err)
	}
}

// The engine checks only that the original transaction exists. It does not
// compare amounts and does not prevent refunding the same transaction twice;
// both refunds below succeed. This mirrors the upstream behavior on purpose.
func TestRefundTwiceIsAllowed(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	svc := newTestService(store)
	ctx := context.Background()

	orig, err := svc.Deduct(ctx, account, 30, "", nil)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if _, err := svc.Refund(ctx, account, orig.ID, 30, ""); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if _, err := svc.Refund(ctx, account, orig.ID, 30, ""); err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if got := store.balance(account); got != 130 {
		t.Errorf("balance: got %d, want 130", got)
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func TestGetBalanceUnknownAccountIsZero(t *testing.T) {
	store := newFakeStore(nil)
	svc := newTestService(store)

	bal, err := svc.GetBalance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 0 {
		t.Errorf("balance: got %d, want 0", bal)
	}
}

func TestGetSummary(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Deduct(ctx, account, 30, "", nil); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if _, err := svc.Credit(ctx, account, 50, models.KindPurchase, "", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	sum, err := svc.GetSummary(ctx, account)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if sum.CurrentBalance != 120 {
		t.Errorf("current_balance: got %d, want 120", sum.CurrentBalance)
	}
	if sum.TotalSpent != 30 || sum.TotalEarned != 50 {
		t.Errorf("spent/earned: got %d/%d, want 30/50", sum.TotalSpent, sum.TotalEarned)
	}
	if sum.TransactionCount != 2 {
		t.Errorf("transaction_count: got %d, want 2", sum.TransactionCount)
	}
	if sum.LastTransactionAt == nil {
		t.Error("last_transaction_at should be set")
	}
}

func TestGetSummaryEmptyAccount(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 0})
	svc := newTestService(store)

	sum, err := svc.GetSummary(context.Background(), account)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if sum.TransactionCount != 0 || sum.LastTransactionAt != nil {
		t.Errorf("empty account summary: %+v", sum)
	}
}

// ---------------------------------------------------------------------------
// Scenario from the product flow: 100 credits, unlock a panel, buy a pack,
// then a bad admin correction that must bounce.
// ---------------------------------------------------------------------------

func TestScenario(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	svc := newTestService(store)
	ctx := context.Background()

	rec, err := svc.Deduct(ctx, account, 30, "panel unlock", nil)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if rec.Amount != -30 || rec.BalanceBefore != 100 || rec.BalanceAfter != 70 {
		t.Errorf("deduction record: %+v", rec)
	}

	if _, err := svc.Credit(ctx, account, 50, models.KindPurchase, "", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if got := store.balance(account); got != 120 {
		t.Fatalf("balance after purchase: got %d, want 120", got)
	}

	if _, err := svc.AdminAdjust(ctx, account, -200, "correction", "a1", nil); !errors.Is(err, ErrResultingBalanceNegative) {
		t.Fatalf("expected ErrResultingBalanceNegative, got: %v", err)
	}
	if got := store.balance(account); got != 120 {
		t.Errorf("balance after rejected adjustment: got %d, want 120", got)
	}
}

// ---------------------------------------------------------------------------
// Property: after every operation the balance equals the signed sum of the
// account's ledger amounts.
// ---------------------------------------------------------------------------

func TestBalanceMatchesLedgerSum(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 0})
	svc := newTestService(store)
	ctx := context.Background()

	checkReconciled := func(step string) {
		t.Helper()
		if bal, sum := store.balance(account), store.ledgerSum(account); bal != sum {
			t.Fatalf("%s: balance %d != ledger sum %d", step, bal, sum)
		}
	}

	if _, err := svc.Credit(ctx, account, 200, models.KindSignupBonus, "", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	checkReconciled("after signup bonus")

	if _, err := svc.Deduct(ctx, account, 75, "", nil); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	checkReconciled("after deduct")

	if _, err := svc.Deduct(ctx, account, 1000, "", nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got: %v", err)
	}
	checkReconciled("after failed deduct")

	if _, err := svc.AdminAdjust(ctx, account, -125, "reset", "a1", nil); err != nil {
		t.Fatalf("AdminAdjust: %v", err)
	}
	checkReconciled("after adjustment to zero")

	if got := store.balance(account); got != 0 {
		t.Errorf("final balance: got %d, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Serializability under contention: N concurrent unit deductions against a
// balance of k must yield exactly k successes and N-k insufficient-balance
// failures, and drain the balance to zero.
// ---------------------------------------------------------------------------

func TestConcurrentDeducts(t *testing.T) {
	const k = 5
	const n = 25

	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 0})
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, account, k, models.KindPurchase, "", nil); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Deduct(ctx, account, 1, "", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != k || insufficient != n-k {
		t.Errorf("outcomes: %d ok, %d insufficient, want %d/%d", ok, insufficient, k, n-k)
	}
	if got := store.balance(account); got != 0 {
		t.Errorf("final balance: got %d, want 0", got)
	}
	if entries := store.ledgerLen(account); entries != k+1 {
		t.Errorf("ledger entries: got %d, want %d", entries, k+1)
	}
	if sum := store.ledgerSum(account); sum != 0 {
		t.Errorf("ledger amounts should sum to zero, got %d", sum)
	}
}

// Operations on different accounts must not block each other. With one
// account's row lock held, a mutation on another account still completes.
func TestIndependentAccountsDoNotBlock(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{a: 10, b: 10})
	svc := newTestService(store)
	ctx := context.Background()

	store.rowLock(a).Lock()
	defer store.rowLock(a).Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Deduct(ctx, b, 5, "", nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Deduct on independent account: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deduct on an independent account blocked behind an unrelated row lock")
	}
}

// ---------------------------------------------------------------------------
// Failure classification and the no-partial-effect guarantee.
// ---------------------------------------------------------------------------

func TestAppendFailureLeavesNoPartialState(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	store.appendErr = errors.New("disk full")
	svc := newTestService(store)

	_, err := svc.Deduct(context.Background(), account, 10, "", nil)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got: %v", err)
	}
	if got := store.balance(account); got != 100 {
		t.Errorf("balance should be unchanged: got %d, want 100", got)
	}
	if n := store.ledgerLen(account); n != 0 {
		t.Errorf("ledger should be unchanged: got %d entries", n)
	}
}

func TestLockTimeoutSurfacesAsTimeout(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	store.commitErr = &pgconn.PgError{Code: "55P03"} // lock_not_available
	svc := newTestService(store)

	_, err := svc.Deduct(context.Background(), account, 10, "", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got: %v", err)
	}
	if got := store.balance(account); got != 100 {
		t.Errorf("balance should be unchanged: got %d, want 100", got)
	}
}

func TestSerializationFailureSurfacesAsConflict(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	store.commitErr = &pgconn.PgError{Code: "40001"} // serialization_failure
	svc := newTestService(store)

	if _, err := svc.Deduct(context.Background(), account, 10, "", nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got: %v", err)
	}
}

// A check violation at commit means a record that passed validation was
// rejected by the storage constraints. That must never happen; when it does,
// the account is frozen and further mutations are refused.
func TestCheckViolationFreezesAccount(t *testing.T) {
	account := uuid.New()
	store := newFakeStore(map[uuid.UUID]int{account: 100})
	store.commitErr = &pgconn.PgError{Code: "23514"} // check_violation
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Deduct(ctx, account, 10, "", nil); !errors.Is(err, ErrLedgerInvariant) {
		t.Fatalf("expected ErrLedgerInvariant, got: %v", err)
	}

	store.commitErr = nil
	if _, err := svc.Deduct(ctx, account, 10, "", nil); !errors.Is(err, ErrAccountFrozen) {
		t.Fatalf("expected ErrAccountFrozen after freeze, got: %v", err)
	}
	if got := store.balance(account); got != 100 {
		t.Errorf("balance should be unchanged: got %d, want 100", got)
	}
}

package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/panelworks/backend/internal/auth"
	"github.com/panelworks/backend/internal/middleware"
	"github.com/panelworks/backend/internal/models"
)

// Operations is the slice of the credit service the handler needs.
type Operations interface {
	Deduct(ctx context.Context, accountID uuid.UUID, amount int, description string, metadata map[string]any) (*models.Transaction, error)
	Credit(ctx context.Context, accountID uuid.UUID, amount int, kind, description string, metadata map[string]any) (*models.Transaction, error)
	AdminAdjust(ctx context.Context, accountID uuid.UUID, delta int, reason, adminID string, metadata map[string]any) (*models.Transaction, error)
	Refund(ctx context.Context, accountID, originalTransactionID uuid.UUID, amount int, reason string) (*models.Transaction, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (int, error)
	GetSummary(ctx context.Context, accountID uuid.UUID) (*models.CreditSummary, error)
}

// History is the slice of the ledger repository the handler needs.
type History interface {
	ListByAccount(ctx context.Context, accountID uuid.UUID, kind string, page, pageSize int) ([]*models.Transaction, int, error)
}

// EnqueueGrantFunc enqueues an async credit grant. Provided by main as a
// closure over the job client.
type EnqueueGrantFunc func(ctx context.Context, accountID uuid.UUID, amount int, kind, description string, metadata map[string]any) error

type Handler struct {
	svc          Operations
	history      History
	enqueueGrant EnqueueGrantFunc
	authSvc      auth.Service
	log          *slog.Logger
}

func NewHandler(svc Operations, history History, enqueueGrant EnqueueGrantFunc, authSvc auth.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		svc:          svc,
		history:      history,
		enqueueGrant: enqueueGrant,
		authSvc:      authSvc,
		log:          log,
	}
}

func (h *Handler) accountIDFromRequest(r *http.Request) (uuid.UUID, bool, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return uuid.Nil, false, fmt.Errorf("missing authorization")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return uuid.Nil, false, fmt.Errorf("bad authorization format")
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return uuid.Nil, false, fmt.Errorf("empty token")
	}
	return h.authSvc.ValidateToken(r.Context(), token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOperationError maps service errors to HTTP statuses. Timeouts and
// conflicts are 503 because nothing was committed and the call is retryable.
func (h *Handler) writeOperationError(w http.ResponseWriter, op string, err error) {
	var ibe *InsufficientBalanceError
	switch {
	case errors.As(err, &ibe):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient balance",
			"required":  ibe.Required,
			"available": ibe.Available,
		})
	case errors.Is(err, ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
	case errors.Is(err, ErrOriginalTransactionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "original transaction not found"})
	case errors.Is(err, ErrResultingBalanceNegative):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "resulting balance would be negative"})
	case errors.Is(err, ErrAccountFrozen):
		writeJSON(w, http.StatusLocked, map[string]string{"error": "account frozen"})
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrConflict):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try again"})
	default:
		h.log.Error(op+" failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func transactionToResponse(t *models.Transaction) map[string]any {
	return map[string]any{
		"id":             t.ID,
		"account_id":     t.AccountID,
		"amount":         t.Amount,
		"balance_before": t.BalanceBefore,
		"balance_after":  t.BalanceAfter,
		"kind":           t.Kind,
		"description":    t.Description,
		"metadata":       t.Metadata,
		"created_at":     t.CreatedAt,
	}
}

// ---------------------------------------------------------------------------
// Machine endpoints (API-key auth; account comes from middleware context).
// ---------------------------------------------------------------------------

// POST /v1/credits/deduct
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		Amount      int            `json:"amount"`
		Description string         `json:"description"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	rec, err := h.svc.Deduct(r.Context(), acc.ID, body.Amount, body.Description, body.Metadata)
	if err != nil {
		h.writeOperationError(w, "deduct", err)
		return
	}
	writeJSON(w, http.StatusOK, transactionToResponse(rec))
}

// POST /v1/credits/add
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		Amount      int            `json:"amount"`
		Kind        string         `json:"kind"`
		Description string         `json:"description"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if body.Kind == "" {
		body.Kind = models.KindPurchase
	}
	rec, err := h.svc.Credit(r.Context(), acc.ID, body.Amount, body.Kind, body.Description, body.Metadata)
	if err != nil {
		h.writeOperationError(w, "add credits", err)
		return
	}
	writeJSON(w, http.StatusOK, transactionToResponse(rec))
}

// POST /v1/credits/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		OriginalTransactionID string `json:"original_transaction_id"`
		Amount                int    `json:"amount"`
		Reason                string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	origID, err := uuid.Parse(body.OriginalTransactionID)
	if err != nil {
		http.Error(w, "invalid original_transaction_id", http.StatusBadRequest)
		return
	}
	rec, err := h.svc.Refund(r.Context(), acc.ID, origID, body.Amount, body.Reason)
	if err != nil {
		h.writeOperationError(w, "refund", err)
		return
	}
	writeJSON(w, http.StatusOK, transactionToResponse(rec))
}

// GET /v1/credits/balance
func (h *Handler) MachineBalance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	bal, err := h.svc.GetBalance(r.Context(), acc.ID)
	if err != nil {
		h.writeOperationError(w, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": acc.ID, "balance": bal})
}

// ---------------------------------------------------------------------------
// Owner endpoints (JWT auth).
// ---------------------------------------------------------------------------

// GET /api/v1/credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := h.accountIDFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	bal, err := h.svc.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeOperationError(w, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "balance": bal})
}

// GET /api/v1/credits/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := h.accountIDFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sum, err := h.svc.GetSummary(r.Context(), accountID)
	if err != nil {
		h.writeOperationError(w, "get summary", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_balance":     sum.CurrentBalance,
		"total_spent":         sum.TotalSpent,
		"total_earned":        sum.TotalEarned,
		"transaction_count":   sum.TransactionCount,
		"last_transaction_at": sum.LastTransactionAt,
	})
}

// GET /api/v1/credits/transactions?page=&page_size=&kind=
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, _, err := h.accountIDFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	kind := q.Get("kind")

	list, total, err := h.history.ListByAccount(r.Context(), accountID, kind, page, pageSize)
	if err != nil {
		h.log.Error("list transactions failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	items := make([]map[string]any, 0, len(list))
	for _, t := range list {
		items = append(items, transactionToResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": items,
		"total":        total,
		"page":         page,
		"page_size":    pageSize,
	})
}

// ---------------------------------------------------------------------------
// Admin endpoints (JWT auth, admin claim required).
// ---------------------------------------------------------------------------

func (h *Handler) adminFromRequest(r *http.Request) (uuid.UUID, error) {
	id, admin, err := h.accountIDFromRequest(r)
	if err != nil {
		return uuid.Nil, err
	}
	if !admin {
		return uuid.Nil, fmt.Errorf("not an admin")
	}
	return id, nil
}

// POST /api/v1/admin/credits/adjust
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	adminID, err := h.adminFromRequest(r)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var body struct {
		AccountID string         `json:"account_id"`
		Delta     int            `json:"delta"`
		Reason    string         `json:"reason"`
		Metadata  map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	accountID, err := uuid.Parse(body.AccountID)
	if err != nil {
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		http.Error(w, "missing reason", http.StatusBadRequest)
		return
	}
	rec, err := h.svc.AdminAdjust(r.Context(), accountID, body.Delta, body.Reason, adminID.String(), body.Metadata)
	if err != nil {
		h.writeOperationError(w, "admin adjust", err)
		return
	}
	writeJSON(w, http.StatusOK, transactionToResponse(rec))
}

// POST /api/v1/admin/credits/grants
//
// Grants are applied asynchronously by the background worker; the response
// only acknowledges that the grant was queued.
func (h *Handler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	if _, err := h.adminFromRequest(r); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var body struct {
		AccountID   string         `json:"account_id"`
		Amount      int            `json:"amount"`
		Kind        string         `json:"kind"`
		Description string         `json:"description"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	accountID, err := uuid.Parse(body.AccountID)
	if err != nil {
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}
	if body.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if body.Kind == "" {
		body.Kind = models.KindPromotion
	}
	if err := h.enqueueGrant(r.Context(), accountID, body.Amount, body.Kind, body.Description, body.Metadata); err != nil {
		h.log.Error("enqueue grant failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

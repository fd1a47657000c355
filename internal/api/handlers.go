package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

type transferRequest struct {
	SenderID      int64           `json:"sender_id"`
	ReceiverID    int64           `json:"receiver_id"`
	ReceiverOwner string          `json:"receiver_owner"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

type entryView struct {
	ID             uuid.UUID `json:"id"`
	SenderID       int64     `json:"sender_id"`
	ReceiverID     int64     `json:"receiver_id"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type transferResponse struct {
	Transfer entryView `json:"transfer"`
	Replayed bool      `json:"replayed"`
}

type accountRequest struct {
	OwnerID        string          `json:"owner_id"`
	Currency       string          `json:"currency"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

type accountView struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Currency  string    `json:"currency"`
	Balance   string    `json:"balance"`
	Active    bool      `json:"active"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type statementView struct {
	AccountID     int64          `json:"account_id"`
	Year          int            `json:"year"`
	Month         int            `json:"month"`
	Currency      string         `json:"currency"`
	SentCount     int            `json:"sent_count"`
	ReceivedCount int            `json:"received_count"`
	TotalSent     string         `json:"total_sent"`
	TotalReceived string         `json:"total_received"`
	NetChange     string         `json:"net_change"`
	ByStatus      map[string]int `json:"by_status"`
	Entries       []entryView    `json:"entries"`
}

func newEntryView(e domain.LedgerEntry) entryView {
	return entryView{
		ID:             e.ID,
		SenderID:       e.SenderID,
		ReceiverID:     e.ReceiverID,
		Amount:         domain.FormatAmount(e.Amount, e.Currency),
		Currency:       e.Currency,
		Status:         string(e.Status),
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      e.CreatedAt,
	}
}

func newAccountView(a domain.Account) accountView {
	return accountView{
		ID:        a.ID,
		OwnerID:   a.OwnerID,
		Currency:  a.Currency,
		Balance:   domain.FormatAmount(a.Balance, a.Currency),
		Active:    a.Active,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	respondWithJSON(w, code, status)
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	// 1. Validate Header
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	// 2. Decode Body
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	intent := domain.TransferIntent{
		SenderID:       req.SenderID,
		Receiver:       domain.ReceiverRef{AccountID: req.ReceiverID, OwnerID: req.ReceiverOwner},
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: idempotencyKey,
		ActorID:        r.Header.Get("X-Actor-ID"),
	}

	// 3. Call Service
	receipt, err := h.transfers.Execute(r.Context(), intent)
	if err != nil {
		if receipt.Entry.ID == uuid.Nil {
			h.respondWithDomainError(w, err)
			return
		}
		// recorded, only the idempotency record lagged behind
		h.logger.Warn("transfer recorded with degraded idempotency record",
			zap.Stringer("entry_id", receipt.Entry.ID), zap.Error(err))
	}

	// 4. Replay or New Success
	resp := transferResponse{Transfer: newEntryView(receipt.Entry), Replayed: receipt.Replayed}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", receipt.Entry.ID))
	if receipt.Replayed {
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid transfer id")
		return
	}

	entry, err := h.accounts.Entry(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newEntryView(entry))
}

// ListTransfersHandler lists ledger entries by status, completed by default.
func (h *Handler) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	status := domain.StatusCompleted
	if v := r.URL.Query().Get("status"); v != "" {
		status = domain.TransferStatus(strings.ToLower(v))
	}

	entries, err := h.accounts.TransfersByStatus(r.Context(), status)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newEntryView(e))
	}
	respondWithJSON(w, http.StatusOK, views)
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	acc, err := h.accounts.Open(r.Context(), req.OwnerID, req.Currency, req.InitialBalance)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%d", acc.ID))
	respondWithJSON(w, http.StatusCreated, newAccountView(acc))
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	acc, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newAccountView(acc))
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	entries, err := h.accounts.Entries(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newEntryView(e))
	}
	respondWithJSON(w, http.StatusOK, views)
}

func (h *Handler) GetStatementHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	year, month := now.Year(), int(now.Month())
	q := r.URL.Query()
	if v := q.Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid year")
			return
		}
		year = n
	}
	if v := q.Get("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid month")
			return
		}
		month = n
	}

	acc, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	st, err := h.accounts.Statement(r.Context(), id, year, time.Month(month))
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	view := statementView{
		AccountID:     st.AccountID,
		Year:          st.Year,
		Month:         int(st.Month),
		Currency:      acc.Currency,
		SentCount:     st.SentCount,
		ReceivedCount: st.ReceivedCount,
		TotalSent:     domain.FormatAmount(st.TotalSent, acc.Currency),
		TotalReceived: domain.FormatAmount(st.TotalReceived, acc.Currency),
		NetChange:     domain.FormatAmount(st.NetChange, acc.Currency),
		ByStatus:      make(map[string]int, len(st.ByStatus)),
		Entries:       make([]entryView, 0, len(st.Entries)),
	}
	for status, n := range st.ByStatus {
		view.ByStatus[string(status)] = n
	}
	for _, e := range st.Entries {
		view.Entries = append(view.Entries, newEntryView(e))
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) DeactivateAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	acc, err := h.accounts.Deactivate(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newAccountView(acc))
}

func accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid account id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

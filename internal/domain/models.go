package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the resulting status recorded on a ledger entry.
type TransferStatus string

const (
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
	StatusCancelled TransferStatus = "cancelled"
)

// Valid reports whether s is one of the known ledger statuses.
func (s TransferStatus) Valid() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Account represents a wallet: a balance in a single currency.
// Version increases by exactly one on every accepted mutation.
type Account struct {
	ID        int64           `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Active    bool            `json:"active"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CanMove reports whether the account may take part in a debit or credit.
func (a Account) CanMove() bool {
	return a.Active
}

// Debit subtracts amount from the balance, refusing to go negative.
func (a *Account) Debit(amount decimal.Decimal) error {
	if a.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
}

// ReceiverRef identifies the receiving account either directly by id or
// indirectly by owner and currency.
type ReceiverRef struct {
	AccountID int64  `json:"account_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
}

// Resolved reports whether the reference already names an account id.
func (r ReceiverRef) Resolved() bool {
	return r.AccountID != 0
}

// TransferIntent is the inbound request for one transfer. It only lives for the
// duration of a single orchestration call.
type TransferIntent struct {
	SenderID       int64           `json:"sender_id"`
	Receiver       ReceiverRef     `json:"receiver"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
	// ActorID is the identity the caller acts as. When set, the sender account
	// must be owned by it.
	ActorID string `json:"-"`
}

// LedgerEntry is the immutable record of one completed transfer.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	SenderID       int64           `json:"sender_id"`
	ReceiverID     int64           `json:"receiver_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         TransferStatus  `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Involves reports whether the entry moved money into or out of accountID.
func (e LedgerEntry) Involves(accountID int64) bool {
	return e.SenderID == accountID || e.ReceiverID == accountID
}

// Receipt is the outcome of a transfer orchestration. Replayed is set when the
// entry was not written to the ledger by this call but served from an earlier
// execution of the same idempotency key.
type Receipt struct {
	Entry    LedgerEntry `json:"entry"`
	Replayed bool        `json:"replayed"`
}

// Swap is one optimistic write: the mutated account plus the version it was
// read at. A swap only applies if the stored version still equals
// ExpectedVersion.
type Swap struct {
	Account         Account
	ExpectedVersion int64
}

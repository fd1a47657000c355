package domain

import (
	"errors"
	"fmt"
)

// ErrValidation is the root of every caller-side input error. Validation
// failures are reported immediately and never retried.
var ErrValidation = errors.New("validation failed")

var (
	ErrMissingIdempotencyKey = fmt.Errorf("%w: idempotency key is required", ErrValidation)
	ErrInvalidAmount         = fmt.Errorf("%w: amount must be positive and fit the currency scale", ErrValidation)
	ErrInvalidCurrency       = fmt.Errorf("%w: unsupported currency", ErrValidation)
	ErrCurrencyMismatch      = fmt.Errorf("%w: currency mismatch", ErrValidation)
	ErrSelfTransfer          = fmt.Errorf("%w: sender and receiver are the same account", ErrValidation)
	ErrKeyReuseMismatch      = fmt.Errorf("%w: idempotency key reused with a different request", ErrValidation)
	ErrInvalidStatus         = fmt.Errorf("%w: unknown transfer status", ErrValidation)
	ErrAlreadyInactive       = fmt.Errorf("%w: account already deactivated", ErrValidation)
)

// Business-rule rejections.
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountInactive   = errors.New("account inactive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotAccountOwner   = errors.New("sender account does not belong to the acting user")
)

// ErrEntryNotFound is returned by ledger lookups for an unknown entry id.
var ErrEntryNotFound = errors.New("ledger entry not found")

var (
	// ErrDuplicateInFlight means another execution already owns the idempotency key.
	ErrDuplicateInFlight = errors.New("request with this idempotency key is in progress")
	// ErrConcurrencyExhausted means every optimistic attempt hit a stale version.
	ErrConcurrencyExhausted = errors.New("concurrent update retries exhausted")
	// ErrAlreadyApplied means the balance change claimed under this transfer id
	// was committed by an earlier execution.
	ErrAlreadyApplied = errors.New("transfer already applied")
	// ErrStoreUnavailable marks infrastructure failures of a backing store.
	ErrStoreUnavailable = errors.New("backing store unavailable")
)

// IsBusinessRejection reports whether err is a rule violation detected while
// inspecting account state.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccountInactive) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNotAccountOwner)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletops/internal/concurrency"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/idempotency"
	"github.com/punchamoorthee/walletops/internal/logging"
	"go.uber.org/zap"
)

var errReceiverRequired = fmt.Errorf("%w: receiver account or owner is required", domain.ErrValidation)

// Ledger is the append-only record of completed transfers.
type Ledger interface {
	Append(ctx context.Context, entry domain.LedgerEntry) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (domain.LedgerEntry, bool, error)
}

// Guard deduplicates requests by idempotency key.
type Guard interface {
	Reserve(ctx context.Context, key, fingerprint string) (idempotency.Reservation, error)
	Finalize(ctx context.Context, key, token string, entry domain.LedgerEntry) error
	Fail(ctx context.Context, key, token string, pending domain.LedgerEntry) error
	Release(ctx context.Context, key, token string) error
}

// Resolver looks up the wallet an owner holds in a currency.
type Resolver interface {
	FindByOwner(ctx context.Context, ownerID, currency string) (domain.Account, error)
}

// Transferer executes transfer intents. Decorators wrap it.
type Transferer interface {
	Execute(ctx context.Context, intent domain.TransferIntent) (domain.Receipt, error)
}

type Config struct {
	// LedgerAppendAttempts bounds how often the entry of an already applied
	// balance change is written before the key is parked as failed.
	LedgerAppendAttempts int
	LedgerRetryDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{LedgerAppendAttempts: 5, LedgerRetryDelay: 50 * time.Millisecond}
}

type TransferService struct {
	controller *concurrency.Controller
	ledger     Ledger
	guard      Guard
	resolver   Resolver
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

func NewTransferService(controller *concurrency.Controller, ledger Ledger, guard Guard, resolver Resolver, cfg Config, logger *zap.Logger) *TransferService {
	if cfg.LedgerAppendAttempts <= 0 {
		cfg.LedgerAppendAttempts = DefaultConfig().LedgerAppendAttempts
	}
	return &TransferService{
		controller: controller,
		ledger:     ledger,
		guard:      guard,
		resolver:   resolver,
		cfg:        cfg,
		logger:     logging.OrNop(logger).Named("transfer"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Transfer moves intent.Amount from the sender to the receiver at most once
// per idempotency key and returns the recorded ledger entry.
func (s *TransferService) Transfer(ctx context.Context, intent domain.TransferIntent) (domain.LedgerEntry, error) {
	receipt, err := s.Execute(ctx, intent)
	return receipt.Entry, err
}

// Execute is Transfer that also reports whether the entry was replayed.
func (s *TransferService) Execute(ctx context.Context, intent domain.TransferIntent) (domain.Receipt, error) {
	intent, err := normalize(intent)
	if err != nil {
		return domain.Receipt{}, err
	}

	res, err := s.guard.Reserve(ctx, intent.IdempotencyKey, Fingerprint(intent))
	if err != nil {
		return domain.Receipt{}, err
	}

	switch res.State {
	case idempotency.StateCompleted:
		return domain.Receipt{Entry: res.Entry, Replayed: true}, nil
	case idempotency.StateFailed:
		return s.recover(ctx, res)
	}

	receiverID, err := s.resolveReceiver(ctx, intent)
	if err != nil {
		return domain.Receipt{}, s.abandon(ctx, res, err)
	}

	entryID := EntryID(intent.IdempotencyKey)
	existing, found, err := s.ledger.Get(ctx, entryID)
	if err != nil {
		return domain.Receipt{}, s.abandon(ctx, res, err)
	}
	if found {
		return s.adopt(ctx, res, intent, receiverID, existing)
	}

	// The swap is claimed under the entry id, so an execution that re-took an
	// expired reservation cannot move the money a second time.
	_, err = s.controller.ExecuteOnce(ctx, entryID, []int64{intent.SenderID, receiverID}, func(accs map[int64]*domain.Account) error {
		return applyTransfer(accs[intent.SenderID], accs[receiverID], intent)
	})
	applied := errors.Is(err, domain.ErrAlreadyApplied)
	if err != nil && !applied {
		return domain.Receipt{}, s.abandon(ctx, res, err)
	}
	if applied {
		s.logger.Warn("balance change committed by an earlier execution, recording its entry",
			zap.String("idempotency_key", res.Key),
			zap.Stringer("entry_id", entryID))
	}

	// Balances moved. From here on the caller's cancellation no longer applies.
	ctx = context.WithoutCancel(ctx)
	entry := domain.LedgerEntry{
		ID:             entryID,
		SenderID:       intent.SenderID,
		ReceiverID:     receiverID,
		Amount:         intent.Amount,
		Currency:       intent.Currency,
		Status:         domain.StatusCompleted,
		IdempotencyKey: intent.IdempotencyKey,
		CreatedAt:      s.now(),
	}
	return s.record(ctx, res, entry)
}

// recover finishes an execution whose balances moved but whose ledger entry
// was never confirmed.
func (s *TransferService) recover(ctx context.Context, res idempotency.Reservation) (domain.Receipt, error) {
	s.logger.Info("re-driving pending ledger entry",
		zap.String("idempotency_key", res.Key),
		zap.Stringer("entry_id", res.Entry.ID))
	return s.record(context.WithoutCancel(ctx), res, res.Entry)
}

// adopt finalizes a key whose entry is already in the ledger.
func (s *TransferService) adopt(ctx context.Context, res idempotency.Reservation, intent domain.TransferIntent, receiverID int64, existing domain.LedgerEntry) (domain.Receipt, error) {
	if existing.SenderID != intent.SenderID ||
		existing.ReceiverID != receiverID ||
		existing.Currency != intent.Currency ||
		!existing.Amount.Equal(intent.Amount) {
		return domain.Receipt{}, s.abandon(ctx, res, domain.ErrKeyReuseMismatch)
	}
	receipt := domain.Receipt{Entry: existing, Replayed: true}
	return receipt, s.finalize(context.WithoutCancel(ctx), res, existing)
}

// record appends the entry of an applied balance change and finalizes the key.
// Replayed is set when the ledger already held the entry.
func (s *TransferService) record(ctx context.Context, res idempotency.Reservation, entry domain.LedgerEntry) (domain.Receipt, error) {
	stored, created, err := s.appendEntry(ctx, entry)
	if err != nil {
		s.logger.Error("ledger entry not recorded after balance change",
			zap.String("idempotency_key", res.Key),
			zap.Stringer("entry_id", entry.ID),
			zap.Error(err))
		if failErr := s.guard.Fail(ctx, res.Key, res.Token, entry); failErr != nil {
			err = errors.Join(err, failErr)
		}
		return domain.Receipt{}, fmt.Errorf("record ledger entry %s: %w", entry.ID, errors.Join(domain.ErrStoreUnavailable, err))
	}

	receipt := domain.Receipt{Entry: stored, Replayed: !created}
	return receipt, s.finalize(ctx, res, stored)
}

// finalize completes the key. The entry is durable either way: a retry after
// a failed finalize is answered from the ledger.
func (s *TransferService) finalize(ctx context.Context, res idempotency.Reservation, entry domain.LedgerEntry) error {
	err := s.guard.Finalize(ctx, res.Key, res.Token, entry)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, idempotency.ErrReservationLost):
		// a later request for the key is answered from the ledger
		s.logger.Info("idempotency key taken over before finalize",
			zap.String("idempotency_key", res.Key),
			zap.Stringer("entry_id", entry.ID))
		return nil
	}
	s.logger.Warn("idempotency key not finalized",
		zap.String("idempotency_key", res.Key),
		zap.Error(err))
	return fmt.Errorf("finalize idempotency key: %w", errors.Join(domain.ErrStoreUnavailable, err))
}

// appendEntry writes entry with bounded retries and returns the entry the
// ledger holds under its id, which differs from entry when another
// execution recorded it first.
func (s *TransferService) appendEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, bool, error) {
	for attempt := 1; ; attempt++ {
		stored, created, err := s.appendOnce(ctx, entry)
		if err == nil {
			return stored, created, nil
		}
		if attempt >= s.cfg.LedgerAppendAttempts {
			return domain.LedgerEntry{}, false, err
		}
		time.Sleep(time.Duration(attempt) * s.cfg.LedgerRetryDelay)
	}
}

func (s *TransferService) appendOnce(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, bool, error) {
	created, err := s.ledger.Append(ctx, entry)
	if err != nil || created {
		return entry, created, err
	}
	stored, found, err := s.ledger.Get(ctx, entry.ID)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if !found {
		return domain.LedgerEntry{}, false, fmt.Errorf("entry %s: %w", entry.ID, domain.ErrEntryNotFound)
	}
	return stored, false, nil
}

// abandon releases the key after a failure that left no side effects.
func (s *TransferService) abandon(ctx context.Context, res idempotency.Reservation, cause error) error {
	if err := s.guard.Release(context.WithoutCancel(ctx), res.Key, res.Token); err != nil {
		s.logger.Warn("idempotency key not released",
			zap.String("idempotency_key", res.Key),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return errors.Join(cause, err)
	}
	return cause
}

func (s *TransferService) resolveReceiver(ctx context.Context, intent domain.TransferIntent) (int64, error) {
	id := intent.Receiver.AccountID
	if !intent.Receiver.Resolved() {
		acc, err := s.resolver.FindByOwner(ctx, intent.Receiver.OwnerID, intent.Currency)
		if err != nil {
			return 0, fmt.Errorf("resolve receiver %q: %w", intent.Receiver.OwnerID, err)
		}
		id = acc.ID
	}
	if id == intent.SenderID {
		return 0, domain.ErrSelfTransfer
	}
	return id, nil
}

func applyTransfer(from, to *domain.Account, intent domain.TransferIntent) error {
	if !from.CanMove() || !to.CanMove() {
		return domain.ErrAccountInactive
	}
	if from.Currency != intent.Currency || to.Currency != intent.Currency {
		return domain.ErrCurrencyMismatch
	}
	if intent.ActorID != "" && from.OwnerID != intent.ActorID {
		return domain.ErrNotAccountOwner
	}
	if err := from.Debit(intent.Amount); err != nil {
		return err
	}
	to.Credit(intent.Amount)
	return nil
}

// normalize runs every check that needs no stored state.
func normalize(intent domain.TransferIntent) (domain.TransferIntent, error) {
	intent.IdempotencyKey = strings.TrimSpace(intent.IdempotencyKey)
	if intent.IdempotencyKey == "" {
		return intent, domain.ErrMissingIdempotencyKey
	}

	currency, err := domain.NormalizeCurrency(intent.Currency)
	if err != nil {
		return intent, err
	}
	intent.Currency = currency

	if err := domain.ValidateAmount(intent.Amount, currency); err != nil {
		return intent, err
	}

	intent.Receiver.OwnerID = strings.TrimSpace(intent.Receiver.OwnerID)
	if intent.SenderID <= 0 {
		return intent, fmt.Errorf("%w: sender account is required", domain.ErrValidation)
	}
	if !intent.Receiver.Resolved() && intent.Receiver.OwnerID == "" {
		return intent, errReceiverRequired
	}
	if intent.Receiver.Resolved() && intent.Receiver.AccountID == intent.SenderID {
		return intent, domain.ErrSelfTransfer
	}
	return intent, nil
}

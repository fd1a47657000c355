package service

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletops/internal/concurrency"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/shopspring/decimal"
)

type AccountRepository interface {
	Get(ctx context.Context, id int64) (domain.Account, bool, error)
	CreateAccount(ctx context.Context, ownerID, currency string, balance decimal.Decimal) (domain.Account, error)
}

type LedgerReader interface {
	Get(ctx context.Context, id uuid.UUID) (domain.LedgerEntry, bool, error)
	Query(ctx context.Context, accountID int64) iter.Seq2[domain.LedgerEntry, error]
	QueryByStatus(ctx context.Context, status domain.TransferStatus) iter.Seq2[domain.LedgerEntry, error]
}

// AccountService serves account provisioning, lifecycle and read paths.
type AccountService struct {
	accounts   AccountRepository
	ledger     LedgerReader
	controller *concurrency.Controller
}

func NewAccountService(accounts AccountRepository, ledger LedgerReader, controller *concurrency.Controller) *AccountService {
	return &AccountService{accounts: accounts, ledger: ledger, controller: controller}
}

// Open provisions a wallet for owner in currency with an opening balance.
func (s *AccountService) Open(ctx context.Context, ownerID, currency string, opening decimal.Decimal) (domain.Account, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Account{}, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}
	currency, err := domain.NormalizeCurrency(currency)
	if err != nil {
		return domain.Account{}, err
	}
	if opening.IsNegative() || !opening.Equal(opening.Truncate(domain.Scale(currency))) {
		return domain.Account{}, domain.ErrInvalidAmount
	}
	return s.accounts.CreateAccount(ctx, ownerID, currency, opening)
}

func (s *AccountService) Get(ctx context.Context, id int64) (domain.Account, error) {
	acc, found, err := s.accounts.Get(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	if !found {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acc, nil
}

// Deactivate soft-closes the account. Later transfers touching it are rejected.
func (s *AccountService) Deactivate(ctx context.Context, id int64) (domain.Account, error) {
	out, err := s.controller.Execute(ctx, []int64{id}, func(accs map[int64]*domain.Account) error {
		if !accs[id].Active {
			return domain.ErrAlreadyInactive
		}
		accs[id].Active = false
		return nil
	})
	if err != nil {
		return domain.Account{}, err
	}
	return out[id], nil
}

// Entries lists the ledger entries touching the account, oldest first.
func (s *AccountService) Entries(ctx context.Context, id int64) ([]domain.LedgerEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return collect(s.ledger.Query(ctx, id))
}

// TransfersByStatus lists every ledger entry recorded with status, oldest first.
func (s *AccountService) TransfersByStatus(ctx context.Context, status domain.TransferStatus) ([]domain.LedgerEntry, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w %q", domain.ErrInvalidStatus, status)
	}
	return collect(s.ledger.QueryByStatus(ctx, status))
}

func collect(seq iter.Seq2[domain.LedgerEntry, error]) ([]domain.LedgerEntry, error) {
	entries := []domain.LedgerEntry{}
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Statement summarizes one calendar month of the account's activity.
func (s *AccountService) Statement(ctx context.Context, id int64, year int, month time.Month) (domain.Statement, error) {
	if month < time.January || month > time.December {
		return domain.Statement{}, fmt.Errorf("%w: month must be 1-12", domain.ErrValidation)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return domain.Statement{}, err
	}
	return domain.Summarize(s.ledger.Query(ctx, id), id, year, month)
}

// Entry looks up a single ledger entry.
func (s *AccountService) Entry(ctx context.Context, id uuid.UUID) (domain.LedgerEntry, error) {
	e, found, err := s.ledger.Get(ctx, id)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if !found {
		return domain.LedgerEntry{}, domain.ErrEntryNotFound
	}
	return e, nil
}

package store

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrAccountExists is returned when an owner already holds a wallet in the
// requested currency.
var ErrAccountExists = errors.New("account already exists for owner and currency")

// MemoryAccountStore is an in-process AccountStore. The mutex is held for the
// duration of a single call only, mirroring one database transaction.
type MemoryAccountStore struct {
	mu       sync.Mutex
	accounts map[int64]domain.Account
	claims   map[uuid.UUID]struct{}
	nextID   int64
	now      func() time.Time
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		accounts: make(map[int64]domain.Account),
		claims:   make(map[uuid.UUID]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryAccountStore) Get(ctx context.Context, id int64) (domain.Account, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	return acc, ok, nil
}

func (s *MemoryAccountStore) CompareAndSwap(ctx context.Context, claim uuid.UUID, swaps ...domain.Swap) ([]int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, applied := s.claims[claim]; applied {
		return nil, false, domain.ErrAlreadyApplied
	}
	for _, sw := range swaps {
		cur, ok := s.accounts[sw.Account.ID]
		if !ok || cur.Version != sw.ExpectedVersion {
			return nil, false, nil
		}
		if sw.Account.Balance.IsNegative() {
			return nil, false, domain.ErrInsufficientFunds
		}
	}

	if claim != uuid.Nil {
		s.claims[claim] = struct{}{}
	}
	now := s.now()
	versions := make([]int64, 0, len(swaps))
	for _, sw := range swaps {
		cur := s.accounts[sw.Account.ID]
		cur.Balance = sw.Account.Balance
		cur.Active = sw.Account.Active
		cur.Version++
		cur.UpdatedAt = now
		s.accounts[cur.ID] = cur
		versions = append(versions, cur.Version)
	}
	return versions, true, nil
}

// Applied reports whether a swap under claim has been committed.
func (s *MemoryAccountStore) Applied(ctx context.Context, claim uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.claims[claim]
	return ok, nil
}

func (s *MemoryAccountStore) CreateAccount(ctx context.Context, ownerID, currency string, balance decimal.Decimal) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acc := range s.accounts {
		if acc.OwnerID == ownerID && acc.Currency == currency {
			return domain.Account{}, ErrAccountExists
		}
	}

	s.nextID++
	now := s.now()
	acc := domain.Account{
		ID:        s.nextID,
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   balance,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[acc.ID] = acc
	return acc, nil
}

func (s *MemoryAccountStore) FindByOwner(ctx context.Context, ownerID, currency string) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acc := range s.accounts {
		if acc.OwnerID == ownerID && acc.Currency == currency {
			return acc, nil
		}
	}
	return domain.Account{}, domain.ErrAccountNotFound
}

// MemoryLedger is an in-process append-only ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []domain.LedgerEntry
	byID    map[uuid.UUID]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byID: make(map[uuid.UUID]int)}
}

func (l *MemoryLedger) Append(ctx context.Context, entry domain.LedgerEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[entry.ID]; ok {
		return false, nil
	}
	l.byID[entry.ID] = len(l.entries)
	l.entries = append(l.entries, entry)
	return true, nil
}

func (l *MemoryLedger) Get(ctx context.Context, id uuid.UUID) (domain.LedgerEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.byID[id]
	if !ok {
		return domain.LedgerEntry{}, false, nil
	}
	return l.entries[i], true, nil
}

func (l *MemoryLedger) Query(ctx context.Context, accountID int64) iter.Seq2[domain.LedgerEntry, error] {
	return l.stream(ctx, func(e domain.LedgerEntry) bool { return e.Involves(accountID) })
}

func (l *MemoryLedger) QueryByStatus(ctx context.Context, status domain.TransferStatus) iter.Seq2[domain.LedgerEntry, error] {
	return l.stream(ctx, func(e domain.LedgerEntry) bool { return e.Status == status })
}

// Len returns the number of entries written so far.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *MemoryLedger) stream(ctx context.Context, match func(domain.LedgerEntry) bool) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(domain.LedgerEntry{}, err)
			return
		}

		l.mu.RLock()
		snapshot := make([]domain.LedgerEntry, 0, len(l.entries))
		for _, e := range l.entries {
			if match(e) {
				snapshot = append(snapshot, e)
			}
		}
		l.mu.RUnlock()

		slices.SortStableFunc(snapshot, func(a, b domain.LedgerEntry) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
		for _, e := range snapshot {
			if !yield(e, nil) {
				return
			}
		}
	}
}

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/shopspring/decimal"
)

const accountColumns = "id, owner_id, currency, balance, active, version, created_at, updated_at"

// AccountStore keeps wallet rows. Writes go through CompareAndSwap only, each
// call being a single database transaction; no row lock outlives a call.
type AccountStore struct {
	db *pgxpool.Pool
}

func NewAccountStore(db *pgxpool.Pool) *AccountStore {
	return &AccountStore{db: db}
}

// Get retrieves a single account by ID.
func (s *AccountStore) Get(ctx context.Context, id int64) (domain.Account, bool, error) {
	row := s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, false, nil
	}
	if err != nil {
		return domain.Account{}, false, unavailable("get account", err)
	}
	return acc, true, nil
}

// CompareAndSwap writes every swap in the given order inside one transaction.
// If any row's version moved on, nothing is written and ok is false.
// A non-nil claim is recorded in the same transaction; when it was recorded
// before, nothing is written and domain.ErrAlreadyApplied is returned.
func (s *AccountStore) CompareAndSwap(ctx context.Context, claim uuid.UUID, swaps ...domain.Swap) ([]int64, bool, error) {
	if len(swaps) == 0 {
		return nil, true, nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, unavailable("begin swap", err)
	}
	defer tx.Rollback(ctx)

	if claim != uuid.Nil {
		// a concurrent holder of the same claim blocks here until it commits
		tag, err := tx.Exec(ctx, "INSERT INTO applied_transfers (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", claim)
		if err != nil {
			return nil, false, unavailable("claim transfer", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, false, domain.ErrAlreadyApplied
		}
	}

	versions := make([]int64, 0, len(swaps))
	for _, sw := range swaps {
		var version int64
		err := tx.QueryRow(ctx,
			`UPDATE accounts
			    SET balance = $1, active = $2, version = version + 1, updated_at = now()
			  WHERE id = $3 AND version = $4
			RETURNING version`,
			sw.Account.Balance, sw.Account.Active, sw.Account.ID, sw.ExpectedVersion,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23514" {
				// balance >= 0 check; the in-memory mutation should never get here
				return nil, false, domain.ErrInsufficientFunds
			}
			return nil, false, unavailable("swap account", err)
		}
		versions = append(versions, version)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, unavailable("commit swap", err)
	}
	return versions, true, nil
}

// Applied reports whether a swap under claim has been committed.
func (s *AccountStore) Applied(ctx context.Context, claim uuid.UUID) (bool, error) {
	var applied bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM applied_transfers WHERE id = $1)", claim).Scan(&applied)
	if err != nil {
		return false, unavailable("check applied transfer", err)
	}
	return applied, nil
}

// CreateAccount provisions a wallet. Provisioning belongs to an external
// collaborator; this path exists for seeding and the admin API.
func (s *AccountStore) CreateAccount(ctx context.Context, ownerID, currency string, balance decimal.Decimal) (domain.Account, error) {
	row := s.db.QueryRow(ctx,
		"INSERT INTO accounts (owner_id, currency, balance) VALUES ($1, $2, $3) RETURNING "+accountColumns,
		ownerID, currency, balance,
	)
	acc, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Account{}, ErrAccountExists
		}
		return domain.Account{}, unavailable("create account", err)
	}
	return acc, nil
}

// FindByOwner resolves the wallet an owner holds in the given currency.
func (s *AccountStore) FindByOwner(ctx context.Context, ownerID, currency string) (domain.Account, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 AND currency = $2",
		ownerID, currency,
	)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, unavailable("find account by owner", err)
	}
	return acc, nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Currency, &acc.Balance, &acc.Active, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return domain.Account{}, err
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

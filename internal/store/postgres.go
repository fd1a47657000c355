package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/walletops/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Store owns the connection pool shared by the account store and the ledger.
type Store struct {
	Db       *pgxpool.Pool
	Accounts *AccountStore
	Ledger   *Ledger
}

// NewStore connects to PostgreSQL and registers the decimal codec so NUMERIC
// columns scan straight into decimal.Decimal.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{
		Db:       pool,
		Accounts: NewAccountStore(pool),
		Ledger:   NewLedger(pool),
	}, nil
}

// Migrate applies the bootstrap schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func (s *Store) Close() {
	s.Db.Close()
}

// unavailable tags an infrastructure error so callers can match it with
// errors.Is(err, domain.ErrStoreUnavailable) while keeping the driver error.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(domain.ErrStoreUnavailable, err))
}

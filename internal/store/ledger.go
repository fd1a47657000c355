package store

import (
	"context"
	"errors"
	"iter"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/walletops/internal/domain"
)

const entryColumns = "id, sender_id, receiver_id, amount, currency, status, idempotency_key, created_at"

// Ledger is the append-only history of completed transfers. Rows are never
// updated or deleted; the schema enforces this with a trigger.
type Ledger struct {
	db *pgxpool.Pool
}

func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{db: db}
}

// Append inserts entry unless an entry with the same id already exists.
// created reports whether this call wrote the row.
func (l *Ledger) Append(ctx context.Context, entry domain.LedgerEntry) (bool, error) {
	tag, err := l.db.Exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.SenderID, entry.ReceiverID, entry.Amount, entry.Currency,
		string(entry.Status), entry.IdempotencyKey, entry.CreatedAt,
	)
	if err != nil {
		return false, unavailable("append ledger entry", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get retrieves one entry by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (domain.LedgerEntry, bool, error) {
	row := l.db.QueryRow(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE id = $1", id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, unavailable("get ledger entry", err)
	}
	return e, true, nil
}

// Query yields every entry touching accountID, oldest first. The query runs
// when the sequence is ranged over, so the sequence can be consumed again.
func (l *Ledger) Query(ctx context.Context, accountID int64) iter.Seq2[domain.LedgerEntry, error] {
	return l.stream(ctx,
		"SELECT "+entryColumns+` FROM ledger_entries
		  WHERE sender_id = $1 OR receiver_id = $1
		  ORDER BY created_at, id`,
		accountID,
	)
}

// QueryByStatus yields every entry with the given status, oldest first.
func (l *Ledger) QueryByStatus(ctx context.Context, status domain.TransferStatus) iter.Seq2[domain.LedgerEntry, error] {
	return l.stream(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE status = $1 ORDER BY created_at, id",
		string(status),
	)
}

func (l *Ledger) stream(ctx context.Context, sql string, args ...any) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		rows, err := l.db.Query(ctx, sql, args...)
		if err != nil {
			yield(domain.LedgerEntry{}, unavailable("query ledger", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(domain.LedgerEntry{}, unavailable("scan ledger entry", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.LedgerEntry{}, unavailable("iterate ledger", err))
		}
	}
}

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		e      domain.LedgerEntry
		status string
	)
	err := row.Scan(&e.ID, &e.SenderID, &e.ReceiverID, &e.Amount, &e.Currency, &status, &e.IdempotencyKey, &e.CreatedAt)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Status = domain.TransferStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// Package concurrency runs read-modify-write cycles against the account store
// under optimistic version checks.
package concurrency

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/logging"
	"go.uber.org/zap"
)

var (
	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_optimistic_conflicts_total",
		Help: "Compare-and-swap attempts rejected because an account version moved on",
	})
	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_optimistic_exhausted_total",
		Help: "Executions that gave up after every attempt conflicted",
	})
)

// AccountStore is the storage the controller reads from and swaps into.
type AccountStore interface {
	Get(ctx context.Context, id int64) (domain.Account, bool, error)
	CompareAndSwap(ctx context.Context, claim uuid.UUID, swaps ...domain.Swap) ([]int64, bool, error)
	Applied(ctx context.Context, claim uuid.UUID) (bool, error)
}

// MutateFunc changes the in-memory copies of the requested accounts. A non-nil
// error is terminal and is returned to the caller unchanged.
type MutateFunc func(accounts map[int64]*domain.Account) error

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	// MaxBackoff caps a single wait. Zero means 32 times BaseBackoff.
	MaxBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 8 * time.Second}
}

type Controller struct {
	store  AccountStore
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

func NewController(store AccountStore, cfg Config, logger *zap.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff < 0 {
		cfg.BaseBackoff = 0
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 32 * cfg.BaseBackoff
	}
	return &Controller{
		store:  store,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("concurrency"),
		sleep:  sleepWithContext,
	}
}

// Execute loads ids, applies mutate to copies and swaps them back in ascending
// id order. A stale version discards the attempt, backs off and starts over
// from a fresh read. Returns the persisted accounts keyed by id.
func (c *Controller) Execute(ctx context.Context, ids []int64, mutate MutateFunc) (map[int64]domain.Account, error) {
	return c.ExecuteOnce(ctx, uuid.Nil, ids, mutate)
}

// ExecuteOnce is Execute with the swap recorded under claim. Once a swap under
// the claim has committed, later calls return domain.ErrAlreadyApplied
// without touching the accounts.
func (c *Controller) ExecuteOnce(ctx context.Context, claim uuid.UUID, ids []int64, mutate MutateFunc) (map[int64]domain.Account, error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, ok, err := c.attempt(ctx, claim, ids, mutate)
		if err != nil {
			return nil, err
		}
		if ok {
			return result, nil
		}

		conflictsTotal.Inc()
		if attempt >= c.cfg.MaxAttempts {
			exhaustedTotal.Inc()
			c.logger.Warn("optimistic retries exhausted",
				zap.Int64s("accounts", ids),
				zap.Int("attempts", attempt))
			return nil, fmt.Errorf("%w after %d attempts", domain.ErrConcurrencyExhausted, attempt)
		}

		delay := withJitter(min(exponential(c.cfg.BaseBackoff, attempt-1), c.cfg.MaxBackoff))
		c.logger.Debug("version conflict, retrying",
			zap.Int64s("accounts", ids),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Controller) attempt(ctx context.Context, claim uuid.UUID, ids []int64, mutate MutateFunc) (map[int64]domain.Account, bool, error) {
	read := make(map[int64]domain.Account, len(ids))
	working := make(map[int64]*domain.Account, len(ids))
	for _, id := range ids {
		acc, found, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, fmt.Errorf("account %d: %w", id, domain.ErrAccountNotFound)
		}
		read[id] = acc
		cp := acc
		working[id] = &cp
	}

	if err := mutate(working); err != nil {
		// a rejection judged against balances the claimed change already moved
		if claim != uuid.Nil {
			if applied, aerr := c.store.Applied(ctx, claim); aerr == nil && applied {
				return nil, false, domain.ErrAlreadyApplied
			}
		}
		return nil, false, err
	}

	swaps := make([]domain.Swap, 0, len(ids))
	for _, id := range ids {
		next := *working[id]
		next.ID = id
		swaps = append(swaps, domain.Swap{Account: next, ExpectedVersion: read[id].Version})
	}

	versions, ok, err := c.store.CompareAndSwap(ctx, claim, swaps...)
	if err != nil || !ok {
		return nil, false, err
	}

	result := make(map[int64]domain.Account, len(swaps))
	for i, sw := range swaps {
		acc := sw.Account
		acc.Version = versions[i]
		result[acc.ID] = acc
	}
	return result, true, nil
}

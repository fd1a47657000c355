package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/logging"
	"go.uber.org/zap"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfer executions by outcome",
	}, []string{"outcome"})

	transferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_transfer_duration_seconds",
		Help:    "Latency distribution of transfer executions",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"outcome"})
)

// TransferFunc adapts a function to Transferer.
type TransferFunc func(ctx context.Context, intent domain.TransferIntent) (domain.Receipt, error)

func (f TransferFunc) Execute(ctx context.Context, intent domain.TransferIntent) (domain.Receipt, error) {
	return f(ctx, intent)
}

type Middleware func(Transferer) Transferer

// Chain wraps t so that the first middleware is the outermost.
func Chain(t Transferer, mws ...Middleware) Transferer {
	for i := len(mws) - 1; i >= 0; i-- {
		t = mws[i](t)
	}
	return t
}

// Outcome classifies a transfer result for logs and metrics.
func Outcome(receipt domain.Receipt, err error) string {
	switch {
	case err == nil && receipt.Replayed:
		return "replayed"
	case err == nil:
		return "created"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case domain.IsBusinessRejection(err):
		return "rejected"
	case errors.Is(err, domain.ErrDuplicateInFlight):
		return "in_flight"
	case errors.Is(err, domain.ErrConcurrencyExhausted):
		return "conflict"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func WithLogging(logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next Transferer) Transferer {
		return TransferFunc(func(ctx context.Context, intent domain.TransferIntent) (domain.Receipt, error) {
			start := time.Now()
			receipt, err := next.Execute(ctx, intent)

			fields := []zap.Field{
				zap.String("idempotency_key", intent.IdempotencyKey),
				zap.Int64("sender_id", intent.SenderID),
				zap.String("amount", intent.Amount.String()),
				zap.String("currency", intent.Currency),
				zap.String("outcome", Outcome(receipt, err)),
				zap.Duration("took", time.Since(start)),
			}
			if err != nil {
				logger.Info("transfer not executed", append(fields, zap.Error(err))...)
			} else {
				logger.Info("transfer executed", append(fields, zap.Stringer("entry_id", receipt.Entry.ID))...)
			}
			return receipt, err
		})
	}
}

func WithMetrics() Middleware {
	return func(next Transferer) Transferer {
		return TransferFunc(func(ctx context.Context, intent domain.TransferIntent) (domain.Receipt, error) {
			start := time.Now()
			receipt, err := next.Execute(ctx, intent)

			outcome := Outcome(receipt, err)
			transfersTotal.WithLabelValues(outcome).Inc()
			transferDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
			return receipt, err
		})
	}
}

// Publisher receives newly recorded ledger entries.
type Publisher interface {
	Publish(ctx context.Context, entry domain.LedgerEntry) error
}

// WithAudit publishes every entry the wrapped call wrote to the ledger,
// including a recovered one and one whose key could not be finalized.
// Replays are not published again. A publish failure
// is logged and does not change the transfer result.
func WithAudit(pub Publisher, logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next Transferer) Transferer {
		return TransferFunc(func(ctx context.Context, intent domain.TransferIntent) (domain.Receipt, error) {
			receipt, err := next.Execute(ctx, intent)
			if receipt.Replayed || receipt.Entry.ID == uuid.Nil {
				return receipt, err
			}

			pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if perr := pub.Publish(pubCtx, receipt.Entry); perr != nil {
				logger.Error("transfer event not published",
					zap.Stringer("entry_id", receipt.Entry.ID),
					zap.Error(perr))
			}
			return receipt, err
		})
	}
}

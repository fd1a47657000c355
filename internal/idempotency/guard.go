package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State is the lifecycle state of an idempotency record.
type State string

const (
	StateReserved  State = "reserved"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrReservationLost is returned by Finalize, Fail and Release when the record
// is no longer reserved under the caller's token, e.g. because the reservation
// TTL elapsed and another request took the key over.
var ErrReservationLost = errors.New("idempotency reservation lost")

var reservationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_idempotency_reservations_total",
	Help: "Idempotency reservation outcomes",
}, []string{"outcome"})

// KEYS[1] record key
// ARGV[1] token, ARGV[2] fingerprint, ARGV[3] reservation ttl ms
var reserveScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	redis.call('HSET', KEYS[1], 'state', 'reserved', 'token', ARGV[1], 'fingerprint', ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return {'acquired', ''}
end
if redis.call('HGET', KEYS[1], 'fingerprint') ~= ARGV[2] then
	return {'mismatch', ''}
end
if state == 'failed' then
	local pending = redis.call('HGET', KEYS[1], 'result')
	redis.call('HSET', KEYS[1], 'state', 'reserved', 'token', ARGV[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return {'recovering', pending}
end
return {state, redis.call('HGET', KEYS[1], 'result') or ''}
`)

// KEYS[1] record key
// ARGV[1] token, ARGV[2] next state, ARGV[3] result, ARGV[4] ttl ms
var transitionScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'reserved' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'result', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// KEYS[1] record key
// ARGV[1] token
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'reserved' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
return redis.call('DEL', KEYS[1])
`)

// Config controls record lifetimes.
type Config struct {
	// ReservationTTL bounds how long an in-flight reservation survives a crashed
	// holder.
	ReservationTTL time.Duration
	// Window is how long completed and failed records are kept.
	Window    time.Duration
	KeyPrefix string
}

func DefaultConfig() Config {
	return Config{
		ReservationTTL: time.Minute,
		Window:         10 * time.Minute,
		KeyPrefix:      "idem:",
	}
}

// Reservation is the result of Reserve.
//
// StateReserved: the caller owns the key and must Finalize, Fail or Release it.
// StateCompleted: Entry is the stored result; Token is empty.
// StateFailed: a previous execution moved balances but could not confirm its
// ledger entry. Entry is the pending entry and the caller owns the key again.
type Reservation struct {
	Key   string
	Token string
	State State
	Entry domain.LedgerEntry
}

// Owned reports whether the caller holds the key and must resolve it.
func (r Reservation) Owned() bool {
	return r.Token != ""
}

// Guard records idempotency keys in Redis. Every state transition is a single
// Lua script so concurrent callers never observe a half-written record.
type Guard struct {
	rdb     redis.Scripter
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewGuard(rdb redis.Scripter, cfg Config, logger *zap.Logger) *Guard {
	logger = logging.OrNop(logger).Named("idempotency")
	def := DefaultConfig()
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "idempotency-redis",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Guard{rdb: rdb, cfg: cfg, breaker: breaker, logger: logger}
}

// Reserve atomically claims key for the request identified by fingerprint.
func (g *Guard) Reserve(ctx context.Context, key, fingerprint string) (Reservation, error) {
	token := uuid.NewString()
	reply, err := g.run(ctx, reserveScript, key, token, fingerprint, g.cfg.ReservationTTL.Milliseconds())
	if err != nil {
		return Reservation{}, err
	}

	fields, err := redis.NewCmdResult(reply, nil).StringSlice()
	if err != nil || len(fields) != 2 {
		return Reservation{}, fmt.Errorf("reserve %q: unexpected reply %v: %w", key, reply, domain.ErrStoreUnavailable)
	}

	res := Reservation{Key: key}
	switch fields[0] {
	case "acquired":
		res.Token, res.State = token, StateReserved
	case "mismatch":
		reservationOutcomes.WithLabelValues("mismatch").Inc()
		return Reservation{}, domain.ErrKeyReuseMismatch
	case string(StateReserved):
		reservationOutcomes.WithLabelValues("in_flight").Inc()
		return Reservation{}, domain.ErrDuplicateInFlight
	case string(StateCompleted):
		res.State = StateCompleted
		if err := json.Unmarshal([]byte(fields[1]), &res.Entry); err != nil {
			return Reservation{}, fmt.Errorf("decode stored result for %q: %w", key, err)
		}
	case "recovering":
		res.Token, res.State = token, StateFailed
		if err := json.Unmarshal([]byte(fields[1]), &res.Entry); err != nil {
			return Reservation{}, fmt.Errorf("decode pending entry for %q: %w", key, err)
		}
	default:
		return Reservation{}, fmt.Errorf("reserve %q: unknown state %q: %w", key, fields[0], domain.ErrStoreUnavailable)
	}

	reservationOutcomes.WithLabelValues(string(res.State)).Inc()
	return res, nil
}

// Finalize marks the reservation completed with entry as its replayable result.
func (g *Guard) Finalize(ctx context.Context, key, token string, entry domain.LedgerEntry) error {
	return g.transition(ctx, key, token, StateCompleted, entry)
}

// Fail marks the reservation failed, keeping pending so a replay can finish it.
func (g *Guard) Fail(ctx context.Context, key, token string, pending domain.LedgerEntry) error {
	return g.transition(ctx, key, token, StateFailed, pending)
}

// Release drops the reservation so the key can be used again.
func (g *Guard) Release(ctx context.Context, key, token string) error {
	reply, err := g.run(ctx, releaseScript, key, token)
	if err != nil {
		return err
	}
	if n, _ := reply.(int64); n == 0 {
		return fmt.Errorf("release %q: %w", key, ErrReservationLost)
	}
	return nil
}

func (g *Guard) transition(ctx context.Context, key, token string, next State, entry domain.LedgerEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode result for %q: %w", key, err)
	}

	reply, err := g.run(ctx, transitionScript, key, token, string(next), payload, g.cfg.Window.Milliseconds())
	if err != nil {
		return err
	}
	if n, _ := reply.(int64); n == 0 {
		return fmt.Errorf("%s %q: %w", next, key, ErrReservationLost)
	}
	return nil
}

func (g *Guard) run(ctx context.Context, script *redis.Script, key string, args ...any) (any, error) {
	reply, err := g.breaker.Execute(func() (any, error) {
		return script.Run(ctx, g.rdb, []string{g.cfg.KeyPrefix + key}, args...).Result()
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		g.logger.Error("idempotency store call failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("idempotency store: %w", errors.Join(domain.ErrStoreUnavailable, err))
	}
	return reply, nil
}

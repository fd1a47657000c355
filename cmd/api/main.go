package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/walletops/internal/api"
	"github.com/punchamoorthee/walletops/internal/concurrency"
	"github.com/punchamoorthee/walletops/internal/config"
	"github.com/punchamoorthee/walletops/internal/events"
	"github.com/punchamoorthee/walletops/internal/idempotency"
	"github.com/punchamoorthee/walletops/internal/logging"
	"github.com/punchamoorthee/walletops/internal/service"
	"github.com/punchamoorthee/walletops/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// backend bundles whichever account store and ledger the driver selected.
type backend struct {
	accounts interface {
		concurrency.AccountStore
		service.Resolver
		service.AccountRepository
	}
	ledger interface {
		service.Ledger
		service.LedgerReader
	}
	ping  api.HealthCheck
	close func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("unable to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer be.close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The guard's breaker rejects transfers until Redis answers.
		logger.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	cancel()

	var publisher service.Publisher = events.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		publisher = kp
	}

	// Initialize Layers
	guard := idempotency.NewGuard(rdb, idempotency.Config{
		ReservationTTL: cfg.ReservationTTL,
		Window:         cfg.IdempotencyWindow,
	}, logger)
	controller := concurrency.NewController(be.accounts, concurrency.Config{
		MaxAttempts: cfg.TransferMaxAttempts,
		BaseBackoff: cfg.TransferRetryBackoff,
	}, logger)
	transferSvc := service.NewTransferService(controller, be.ledger, guard, be.accounts, service.Config{
		LedgerAppendAttempts: cfg.LedgerAppendAttempts,
		LedgerRetryDelay:     service.DefaultConfig().LedgerRetryDelay,
	}, logger)
	transfers := service.Chain(transferSvc,
		service.WithLogging(logger),
		service.WithMetrics(),
		service.WithAudit(publisher, logger),
	)
	accounts := service.NewAccountService(be.accounts, be.ledger, controller)

	handler := api.NewHandler(transfers, accounts, map[string]api.HealthCheck{
		cfg.StoreDriver: be.ping,
		"redis":         func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	errChan := make(chan error, 1)

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("store_driver", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory store, data is lost on exit")
		return &backend{
			accounts: store.NewMemoryAccountStore(),
			ledger:   store.NewMemoryLedger(),
			ping:     func(context.Context) error { return nil },
			close:    func() {},
		}, nil
	}

	st, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return &backend{
		accounts: st.Accounts,
		ledger:   st.Ledger,
		ping:     st.Ping,
		close:    st.Close,
	}, nil
}

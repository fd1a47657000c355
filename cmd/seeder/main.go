package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/walletops/internal/config"
	"github.com/punchamoorthee/walletops/internal/logging"
	"github.com/punchamoorthee/walletops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	total := flag.Int("accounts", 1000, "Number of wallets to seed")
	balance := flag.String("balance", "100.00", "Opening balance of every wallet")
	currency := flag.String("currency", "USD", "Currency of the seeded wallets")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	opening, err := decimal.NewFromString(*balance)
	if err != nil {
		logger.Fatal("invalid opening balance", zap.String("balance", *balance), zap.Error(err))
	}

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer st.Close()

	logger.Info("applying schema")
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal("schema bootstrap failed", zap.Error(err))
	}

	// Check existing
	var count int
	if err := st.Db.QueryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		logger.Fatal("count accounts failed", zap.Error(err))
	}
	if count >= *total {
		logger.Info("database already seeded, skipping", zap.Int("accounts", count))
		return
	}

	// Bulk Insert using CopyFrom
	now := time.Now().UTC()
	rows := make([][]any, 0, *total-count)
	for i := count; i < *total; i++ {
		rows = append(rows, []any{fmt.Sprintf("owner-%05d", i+1), *currency, opening, now, now})
	}

	copied, err := st.Db.CopyFrom(ctx,
		pgx.Identifier{"accounts"},
		[]string{"owner_id", "currency", "balance", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		logger.Fatal("bulk insert failed", zap.Error(err))
	}

	logger.Info("seeded accounts", zap.Int64("accounts", copied), zap.String("balance", opening.StringFixed(2)))
}

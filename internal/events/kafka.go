package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/logging"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TransferCompleted is published once per newly recorded ledger entry.
type TransferCompleted struct {
	TransactionID  string `json:"transactionId"`
	IdempotencyKey string `json:"idempotencyKey"`
	FromAccountID  string `json:"fromAccountId"`
	ToAccountID    string `json:"toAccountId"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	BookedAt       string `json:"bookedAt"`
}

func NewTransferCompleted(entry domain.LedgerEntry) TransferCompleted {
	return TransferCompleted{
		TransactionID:  entry.ID.String(),
		IdempotencyKey: entry.IdempotencyKey,
		FromAccountID:  fmt.Sprint(entry.SenderID),
		ToAccountID:    fmt.Sprint(entry.ReceiverID),
		Amount:         domain.FormatAmount(entry.Amount, entry.Currency),
		Currency:       entry.Currency,
		Status:         string(entry.Status),
		BookedAt:       entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes transfer events to a single topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	logger = logging.OrNop(logger).Named("events")
	logger.Info("kafka publisher initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}
}

// Publish writes one event keyed by sender account so events for the same
// wallet keep their order within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, entry domain.LedgerEntry) error {
	event := NewTransferCompleted(entry)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode transfer event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.FromAccountID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte("transfer.completed")},
		},
	})
	if err != nil {
		return fmt.Errorf("publish transfer %s to %s: %w", event.TransactionID, p.topic, err)
	}

	p.logger.Debug("transfer event published", zap.String("transaction_id", event.TransactionID))
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

// Discard drops every event. Used when no brokers are configured.
type Discard struct{}

func (Discard) Publish(context.Context, domain.LedgerEntry) error { return nil }

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func entry() domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:             uuid.MustParse("7b1b1c1e-3d44-4f7e-9b35-3c0a3f2f8a11"),
		SenderID:       1,
		ReceiverID:     2,
		Amount:         decimal.RequireFromString("200"),
		Currency:       "USD",
		Status:         domain.StatusCompleted,
		IdempotencyKey: "k1",
		CreatedAt:      time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w, topic: "transaction-events", logger: zap.NewNop()}

	require.NoError(t, p.Publish(context.Background(), entry()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "1", string(msg.Key))

	var got TransferCompleted
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "7b1b1c1e-3d44-4f7e-9b35-3c0a3f2f8a11", got.TransactionID)
	assert.Equal(t, "200.00", got.Amount)
	assert.Equal(t, "2", got.ToAccountID)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "2026-03-01T09:30:00Z", got.BookedAt)
}

func TestKafkaPublisher_PublishError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	p := &KafkaPublisher{writer: w, topic: "transaction-events", logger: zap.NewNop()}

	err := p.Publish(context.Background(), entry())
	assert.ErrorContains(t, err, "broker down")
}

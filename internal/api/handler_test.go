package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/punchamoorthee/walletops/internal/concurrency"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/events"
	"github.com/punchamoorthee/walletops/internal/idempotency"
	"github.com/punchamoorthee/walletops/internal/service"
	"github.com/punchamoorthee/walletops/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router http.Handler
	guard  *idempotency.Guard
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	accounts := store.NewMemoryAccountStore()
	ledger := store.NewMemoryLedger()
	guard := idempotency.NewGuard(rdb, idempotency.DefaultConfig(), nil)
	ctrl := concurrency.NewController(accounts, concurrency.Config{MaxAttempts: 5, BaseBackoff: time.Millisecond}, nil)

	svc := service.NewTransferService(ctrl, ledger, guard, accounts, service.DefaultConfig(), nil)
	transfers := service.Chain(svc, service.WithLogging(nil), service.WithMetrics(), service.WithAudit(events.Discard{}, nil))
	h := NewHandler(transfers, service.NewAccountService(accounts, ledger, ctrl), checks, nil)

	return &testServer{router: h.Router(), guard: guard}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) openAccount(t *testing.T, owner, currency, balance string) accountView {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{
		"owner_id": owner, "currency": currency, "initial_balance": balance,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var acc accountView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	return acc
}

func (s *testServer) account(t *testing.T, id int64) accountView {
	t.Helper()
	rec := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d", id), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acc accountView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	return acc
}

func transferBody(from, to int64, amount string) map[string]any {
	return map[string]any{"sender_id": from, "receiver_id": to, "amount": amount, "currency": "USD"}
}

func key(k string) map[string]string { return map[string]string{"Idempotency-Key": k} }

func TestCreateTransfer_CreatedThenReplayed(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.openAccount(t, "alice", "USD", "1000.00")
	b := s.openAccount(t, "bob", "USD", "500.00")

	rec := s.do(t, http.MethodPost, "/api/v1/transfers", transferBody(a.ID, b.ID, "200.00"), key("k1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first transferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.False(t, first.Replayed)
	assert.Equal(t, "200.00", first.Transfer.Amount)
	assert.Equal(t, "/api/v1/transfers/"+first.Transfer.ID.String(), rec.Header().Get("Location"))

	rec = s.do(t, http.MethodPost, "/api/v1/transfers", transferBody(a.ID, b.ID, "200.00"), key("k1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var replay transferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Transfer.ID, replay.Transfer.ID)

	assert.Equal(t, "800.00", s.account(t, a.ID).Balance)
	assert.Equal(t, "700.00", s.account(t, b.ID).Balance)

	rec = s.do(t, http.MethodGet, "/api/v1/transfers/"+first.Transfer.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got entryView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "k1", got.IdempotencyKey)
}

func TestCreateTransfer_ErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.openAccount(t, "alice", "USD", "100.00")
	b := s.openAccount(t, "bob", "USD", "0")
	eur := s.openAccount(t, "erin", "EUR", "0")

	inFlight := domain.TransferIntent{
		SenderID: a.ID, Receiver: domain.ReceiverRef{AccountID: b.ID},
		Amount: decimal.RequireFromString("1.00"), Currency: "USD", IdempotencyKey: "busy",
	}
	_, err := s.guard.Reserve(context.Background(), "busy", service.Fingerprint(inFlight))
	require.NoError(t, err)

	cases := []struct {
		name    string
		body    any
		headers map[string]string
		want    int
	}{
		{"missing key", transferBody(a.ID, b.ID, "1.00"), nil, http.StatusBadRequest},
		{"malformed body", `{"sender_id":`, key("m1"), http.StatusBadRequest},
		{"unknown field", `{"sender_id":1,"bogus":true}`, key("m2"), http.StatusBadRequest},
		{"zero amount", transferBody(a.ID, b.ID, "0"), key("m3"), http.StatusUnprocessableEntity},
		{"self transfer", transferBody(a.ID, a.ID, "1.00"), key("m4"), http.StatusUnprocessableEntity},
		{"insufficient funds", transferBody(a.ID, b.ID, "500.00"), key("m5"), http.StatusUnprocessableEntity},
		{"currency mismatch", transferBody(a.ID, eur.ID, "1.00"), key("m6"), http.StatusUnprocessableEntity},
		{"unknown receiver", transferBody(a.ID, 999, "1.00"), key("m7"), http.StatusNotFound},
		{"in flight", transferBody(a.ID, b.ID, "1.00"), key("busy"), http.StatusConflict},
		{"not owner", transferBody(a.ID, b.ID, "1.00"), map[string]string{"Idempotency-Key": "m8", "X-Actor-ID": "mallory"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/transfers", tc.body, tc.headers)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}

	assert.Equal(t, "100.00", s.account(t, a.ID).Balance)
}

func TestCreateTransfer_ReceiverByOwner(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.openAccount(t, "alice", "USD", "10.00")
	b := s.openAccount(t, "bob", "USD", "0")

	body := map[string]any{"sender_id": a.ID, "receiver_owner": "bob", "amount": "2.50", "currency": "usd"}
	rec := s.do(t, http.MethodPost, "/api/v1/transfers", body, map[string]string{"Idempotency-Key": "o1", "X-Actor-ID": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2.50", s.account(t, b.ID).Balance)
}

func TestAccounts_Lifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.openAccount(t, "alice", "USD", "10.00")
	b := s.openAccount(t, "bob", "USD", "0")
	assert.True(t, a.Active)

	rec := s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"owner_id": "alice", "currency": "USD"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/transfers", transferBody(a.ID, b.ID, "4.00"), key("k1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/entries", a.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []entryView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "4.00", entries[0].Amount)

	now := time.Now().UTC()
	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/statement?year=%d&month=%d", a.ID, now.Year(), now.Month()), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st statementView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.SentCount)
	assert.Equal(t, "-4.00", st.NetChange)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/statement?month=13", a.ID), nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%d/deactivate", b.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.account(t, b.ID).Active)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%d/deactivate", b.ID), nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/transfers", transferBody(a.ID, b.ID, "1.00"), key("k2"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "6.00", s.account(t, a.ID).Balance)
}

func TestListTransfers_ByStatus(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.openAccount(t, "alice", "USD", "10.00")
	b := s.openAccount(t, "bob", "USD", "0")

	for i, amt := range []string{"1.00", "2.50"} {
		rec := s.do(t, http.MethodPost, "/api/v1/transfers", transferBody(a.ID, b.ID, amt), key(fmt.Sprintf("k%d", i)))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	for _, path := range []string{"/api/v1/transfers", "/api/v1/transfers?status=COMPLETED"} {
		rec := s.do(t, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var entries []entryView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		require.Len(t, entries, 2, path)
		assert.Equal(t, "1.00", entries[0].Amount)
		assert.Equal(t, "2.50", entries[1].Amount)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/transfers?status=cancelled", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/transfers?status=pending", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAccounts_BadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/accounts/abc", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/accounts/42", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/transfers/not-a-uuid", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/transfers/7b1b1c1e-3d44-4f7e-9b35-3c0a3f2f8a11", nil, nil).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, http.MethodPost, "/api/v1/accounts",
		map[string]string{"owner_id": "x", "currency": "XYZ"}, nil).Code)
}

func TestHealthCheck(t *testing.T) {
	healthy := newTestServer(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	})
	rec := healthy.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	degraded := newTestServer(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = degraded.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("x: %w", domain.ErrConcurrencyExhausted)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.Join(domain.ErrStoreUnavailable, errors.New("dial"))))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(domain.ErrKeyReuseMismatch))
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.ErrMissingIdempotencyKey))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

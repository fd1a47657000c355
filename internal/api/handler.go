package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/logging"
	"github.com/punchamoorthee/walletops/internal/service"
	"github.com/punchamoorthee/walletops/internal/store"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	transfers service.Transferer
	accounts  *service.AccountService
	checks    map[string]HealthCheck
	logger    *zap.Logger
}

func NewHandler(transfers service.Transferer, accounts *service.AccountService, checks map[string]HealthCheck, logger *zap.Logger) *Handler {
	return &Handler{
		transfers: transfers,
		accounts:  accounts,
		checks:    checks,
		logger:    logging.OrNop(logger).Named("http"),
	}
}

// Router builds the public routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestLogger)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transfers", h.instrument("/transfers", h.CreateTransferHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/transfers", h.instrument("/transfers", h.ListTransfersHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{id}", h.instrument("/transfers/{id}", h.GetTransferHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts", h.instrument("/accounts", h.CreateAccountHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.instrument("/accounts/{id}", h.GetAccountHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/entries", h.instrument("/accounts/{id}/entries", h.GetAccountEntriesHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/statement", h.instrument("/accounts/{id}/statement", h.GetStatementHandler)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/deactivate", h.instrument("/accounts/{id}/deactivate", h.DeactivateAccountHandler)).Methods(http.MethodPost)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.logger.Debug("request served",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMissingIdempotencyKey):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateInFlight), errors.Is(err, store.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotAccountOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrValidation), domain.IsBusinessRejection(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConcurrencyExhausted),
		errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		msg = "Service temporarily unavailable, retry with the same Idempotency-Key"
		if errors.Is(err, domain.ErrConcurrencyExhausted) {
			msg = "Too much contention on the accounts, retry with the same Idempotency-Key"
		}
		h.logger.Warn("request not served", zap.Error(err))
	case http.StatusInternalServerError:
		msg = "Internal Server Error"
		h.logger.Error("unexpected error", zap.Error(err))
	}
	respondWithError(w, code, msg)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

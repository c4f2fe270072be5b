package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/settleops/internal/custody"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/escrow"
	"github.com/punchamoorthee/settleops/internal/pool"
)

// CallerHeader carries the opaque account reference of the caller.
const CallerHeader = "X-Account-ID"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// HistoryReader serves the audit trail of one entity.
type HistoryReader interface {
	History(ctx context.Context, entity domain.EntityKind, id uint64) ([]domain.Event, error)
}

type Handler struct {
	escrows *escrow.Engine
	pools   *pool.Engine
	ledger  custody.Ledger
	admin   domain.Account
	idem    IdempotencyStore
	history HistoryReader
	log     *slog.Logger
}

type Options struct {
	Admin       domain.Account
	Idempotency IdempotencyStore
	History     HistoryReader
	Logger      *slog.Logger
}

func NewHandler(escrows *escrow.Engine, pools *pool.Engine, ledger custody.Ledger, opts Options) *Handler {
	if opts.Idempotency == nil {
		opts.Idempotency = NewMemoryIdempotency()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		escrows: escrows,
		pools:   pools,
		ledger:  ledger,
		admin:   opts.Admin,
		idem:    opts.Idempotency,
		history: opts.History,
		log:     opts.Logger.With("component", "api"),
	}
}

// Router wires every route, /metrics and /health.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	route := func(method, path string, fn http.HandlerFunc) {
		handler := fn
		if method != http.MethodGet {
			handler = h.idempotent(path, handler)
		}
		v1.Handle(path, h.observe(method, path, handler)).Methods(method)
	}

	route(http.MethodPost, "/wallets/{account}/deposits", h.DepositHandler)
	route(http.MethodGet, "/wallets/{account}/balance", h.BalanceHandler)

	route(http.MethodPost, "/escrows", h.CreateEscrowHandler)
	route(http.MethodGet, "/escrows/{id}", h.GetEscrowHandler)
	route(http.MethodPost, "/escrows/{id}/fund", h.FundEscrowHandler)
	route(http.MethodPost, "/escrows/{id}/submit", h.SubmitWorkHandler)
	route(http.MethodPost, "/escrows/{id}/approve", h.ApproveWorkHandler)
	route(http.MethodPost, "/escrows/{id}/dispute", h.RaiseDisputeHandler)
	route(http.MethodPost, "/escrows/{id}/resolve", h.ResolveDisputeHandler)
	route(http.MethodPost, "/escrows/{id}/cancel", h.CancelEscrowHandler)
	route(http.MethodPost, "/escrows/{id}/refund", h.ClaimRefundHandler)

	route(http.MethodPost, "/pools", h.CreatePoolHandler)
	route(http.MethodGet, "/pools/{id}", h.GetPoolHandler)
	route(http.MethodPost, "/pools/{id}/join", h.JoinPoolHandler)
	route(http.MethodPost, "/pools/{id}/leave", h.LeavePoolHandler)
	route(http.MethodPost, "/pools/{id}/payments", h.ManualPaymentHandler)
	route(http.MethodPost, "/pools/{id}/collect", h.CollectPaymentsHandler)
	route(http.MethodPut, "/pools/{id}/status", h.SetPoolStatusHandler)

	route(http.MethodGet, "/admin/fees", h.GetFeesHandler)
	route(http.MethodPut, "/admin/{engine}/fee-policy", h.SetFeePolicyHandler)
	route(http.MethodPut, "/admin/{engine}/fee-recipient", h.SetFeeRecipientHandler)
	route(http.MethodPost, "/admin/mediators", h.AddMediatorHandler)
	route(http.MethodDelete, "/admin/mediators/{account}", h.RemoveMediatorHandler)

	route(http.MethodGet, "/audit/{entity}/{id}", h.HistoryHandler)
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe records request count and latency per route template.
func (h *Handler) observe(method, endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func caller(r *http.Request) domain.Account {
	return domain.Account(r.Header.Get(CallerHeader))
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrCorrupted):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrInvalidStatus), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrHalted),
		errors.Is(err, domain.ErrAlreadyMember), errors.Is(err, domain.ErrPoolFull), errors.Is(err, domain.ErrNotDue):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrDeadlinePassed), errors.Is(err, domain.ErrDeadlineNotReached),
		errors.Is(err, domain.ErrMediatorNotApproved), errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrNotMember), errors.Is(err, domain.ErrOwnerCannotJoin),
		errors.Is(err, domain.ErrFeeTooHigh), errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrConservation):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondWithEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		if !errors.Is(err, domain.ErrCorrupted) {
			msg = "Internal Server Error"
		}
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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/lock"
	"github.com/punchamoorthee/exactlyonce/internal/service"
	"github.com/punchamoorthee/exactlyonce/internal/statemachine"
	"github.com/punchamoorthee/exactlyonce/internal/store"
	"github.com/punchamoorthee/exactlyonce/internal/versionguard"
	"github.com/punchamoorthee/exactlyonce/internal/webhook"
	"github.com/shopspring/decimal"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exactlyonce_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exactlyonce_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// retryAfterSeconds is sent with 409 responses for in-flight events and busy
// locks.
const retryAfterSeconds = "1"

// WalletStore is the read/create surface the handlers need for wallets.
type WalletStore interface {
	Create(ctx context.Context, userID, currency string) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Wallet, error)
	Entries(ctx context.Context, walletID int64) ([]domain.WalletEntry, error)
}

type Handler struct {
	deposits *service.DepositConfirmer
	cashouts *service.CashoutProcessor
	escrows  *service.EscrowService
	ledger   *webhook.Ledger
	wallets  WalletStore
	logger   *slog.Logger
}

func NewHandler(deposits *service.DepositConfirmer, cashouts *service.CashoutProcessor, escrows *service.EscrowService, ledger *webhook.Ledger, wallets WalletStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		deposits: deposits,
		cashouts: cashouts,
		escrows:  escrows,
		ledger:   ledger,
		wallets:  wallets,
		logger:   logger.With("component", "api"),
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type depositRequest struct {
	EventID     string          `json:"event_id"`
	ReferenceID string          `json:"reference_id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

// DepositWebhookHandler confirms a provider deposit. The first delivery gets
// 201; every redelivery gets 200 with the first response body verbatim.
func (h *Handler) DepositWebhookHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/webhooks/{provider}"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Stream read error")
		return
	}
	var req depositRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	ev := domain.DepositEvent{
		Provider:    mux.Vars(r)["provider"],
		EventID:     req.EventID,
		ReferenceID: req.ReferenceID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    req.Currency,
	}
	out, err := h.deposits.Confirm(r.Context(), ev, body)
	if err != nil {
		h.failFor(w, "POST", endpoint, err)
		return
	}

	code := http.StatusCreated
	if out.Replayed {
		code = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	httpRequestsTotal.WithLabelValues("POST", endpoint, strconv.Itoa(code)).Inc()
	respondWithRaw(w, code, out.Result)
}

type payoutRequest struct {
	EventID   string `json:"event_id"`
	CashoutID string `json:"cashout_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason"`
}

func (h *Handler) PayoutWebhookHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/webhooks/{provider}/payouts"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, "Stream read error")
		return
	}
	var req payoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.CashoutID == "" {
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, "cashout_id is required")
		return
	}

	out, err := h.cashouts.ConfirmPayout(r.Context(), h.ledger, service.PayoutConfirmation{
		Provider:  mux.Vars(r)["provider"],
		EventID:   req.EventID,
		CashoutID: req.CashoutID,
		Success:   req.Success,
		Reason:    req.Reason,
	}, body)
	if err != nil {
		h.failFor(w, "POST", endpoint, err)
		return
	}

	code := http.StatusOK
	if out.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	httpRequestsTotal.WithLabelValues("POST", endpoint, strconv.Itoa(code)).Inc()
	respondWithRaw(w, code, out.Result)
}

type claimRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Actor           string `json:"actor"`
}

func (h *Handler) ClaimCashoutHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/cashouts/{id}/claim"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	actor := statemachine.ActorSystem
	if req.Actor != "" {
		a, err := statemachine.ParseActor(req.Actor)
		if err != nil {
			h.failFor(w, "POST", endpoint, err)
			return
		}
		actor = a
	}

	c, err := h.cashouts.Claim(r.Context(), mux.Vars(r)["id"], req.ExpectedVersion, actor)
	if err != nil {
		h.failFor(w, "POST", endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues("POST", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, c)
}

// ExecuteCashoutHandler claims the cashout and sends it to the payout provider.
func (h *Handler) ExecuteCashoutHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/cashouts/{id}/execute"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	c, err := h.cashouts.Execute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.failFor(w, "POST", endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues("POST", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, c)
}

type escrowTransitionRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Status          string `json:"status"`
	Actor           string `json:"actor"`
}

func (h *Handler) TransitionEscrowHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/escrows/{id}/transition"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req escrowTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	actor, err := statemachine.ParseActor(req.Actor)
	if err != nil {
		h.failFor(w, "POST", endpoint, err)
		return
	}

	e, err := h.escrows.Transition(r.Context(), mux.Vars(r)["id"], req.ExpectedVersion, req.Status, actor)
	if err != nil {
		h.failFor(w, "POST", endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues("POST", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, e)
}

type createWalletRequest struct {
	UserID   string `json:"user_id"`
	Currency string `json:"currency"`
}

func (h *Handler) CreateWalletHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/wallets"
	var req createWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.UserID == "" || req.Currency == "" {
		h.fail(w, "POST", endpoint, http.StatusUnprocessableEntity, "user_id and currency are required")
		return
	}
	id, err := h.wallets.Create(r.Context(), req.UserID, req.Currency)
	if err != nil {
		h.failFor(w, "POST", endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues("POST", endpoint, "201").Inc()
	respondWithJSON(w, http.StatusCreated, map[string]int64{"wallet_id": id})
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/wallets/{id}"
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid wallet id")
		return
	}
	wallet, err := h.wallets.Get(r.Context(), id)
	if err != nil {
		h.failFor(w, "GET", endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, wallet)
}

func (h *Handler) GetWalletEntriesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/wallets/{id}/entries"
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, "Invalid wallet id")
		return
	}
	entries, err := h.wallets.Entries(r.Context(), id)
	if err != nil {
		h.failFor(w, "GET", endpoint, err)
		return
	}
	if entries == nil {
		entries = []domain.WalletEntry{}
	}
	httpRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) GetCashoutHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/cashouts/{id}"
	c, err := h.cashouts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.failFor(w, "GET", endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) GetEscrowHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/escrows/{id}"
	e, err := h.escrows.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.failFor(w, "GET", endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, e)
}

// failFor maps a core error onto a status code.
func (h *Handler) failFor(w http.ResponseWriter, method, endpoint string, err error) {
	switch {
	case errors.Is(err, webhook.ErrInFlight), errors.Is(err, lock.ErrBusy):
		w.Header().Set("Retry-After", retryAfterSeconds)
		h.fail(w, method, endpoint, http.StatusConflict, "Request processing in progress")
	case errors.Is(err, service.ErrAlreadyClaimed):
		h.fail(w, method, endpoint, http.StatusConflict, "Already claimed by another worker")
	case errors.Is(err, versionguard.ErrConflict):
		h.fail(w, method, endpoint, http.StatusConflict, "Version conflict, re-read and retry")
	case errors.Is(err, store.ErrNotFound):
		h.fail(w, method, endpoint, http.StatusNotFound, "Not found")
	case errors.Is(err, service.ErrInvalidDeposit), errors.Is(err, webhook.ErrInvalidEvent),
		errors.Is(err, statemachine.ErrInvalidTransition), errors.Is(err, statemachine.ErrAlreadyInState),
		errors.Is(err, statemachine.ErrUnknownState), errors.Is(err, statemachine.ErrUnknownActor):
		h.fail(w, method, endpoint, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrPayoutFailed):
		h.fail(w, method, endpoint, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("request failed", "method", method, "endpoint", endpoint, "error", err)
		h.fail(w, method, endpoint, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (h *Handler) fail(w http.ResponseWriter, method, endpoint string, code int, message string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithError(w, code, message)
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

// respondWithRaw writes a stored result without re-encoding it.
func respondWithRaw(w http.ResponseWriter, code int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

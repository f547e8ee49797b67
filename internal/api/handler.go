// Package api exposes polls, stakes, wallets and settlement over HTTP.
//
// All monetary values are JSON-encoded decimals, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/pool-settlement/internal/exposure"
	"github.com/atmx/pool-settlement/internal/model"
	"github.com/atmx/pool-settlement/internal/settlement"
	"github.com/atmx/pool-settlement/internal/staking"
	"github.com/atmx/pool-settlement/internal/wallet"
)

// Handler serves the HTTP API.
type Handler struct {
	staking    *staking.Service
	reconciler *settlement.Reconciler
	wallet     *wallet.Ledger
	admin      *rate.Limiter
}

// NewHandler creates the API handler. Settlement endpoints share one token
// bucket of adminRate requests per second with the given burst.
func NewHandler(st *staking.Service, rec *settlement.Reconciler, w *wallet.Ledger, adminRate float64, adminBurst int) *Handler {
	return &Handler{
		staking:    st,
		reconciler: rec,
		wallet:     w,
		admin:      rate.NewLimiter(rate.Limit(adminRate), adminBurst),
	}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/polls", func(r chi.Router) {
		r.Get("/", h.ListPolls)
		r.Post("/", h.CreatePoll)
		r.Route("/{pollID}", func(r chi.Router) {
			r.Get("/", h.GetPoll)
			r.Post("/close", h.ClosePoll)
			r.Get("/odds", h.GetOdds)
			r.Post("/stakes", h.PlaceStake)
			r.Get("/projected-return", h.ProjectedReturn)
			r.Get("/positions/{userID}", h.GetPosition)

			r.Group(func(r chi.Router) {
				r.Use(h.throttle)
				r.Post("/cancel", h.CancelPoll)
				r.Post("/reset", h.ResetPoll)
				r.Post("/resolve", h.ResolvePoll)
			})
		})
	})

	r.Route("/wallets", func(r chi.Router) {
		r.Post("/", h.OpenWallet)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/audit", h.AuditWallet)
			r.Post("/deposit", h.Deposit)
			r.Post("/withdraw", h.Withdraw)
		})
	})

	r.Route("/settlements/{eventID}", func(r chi.Router) {
		r.Get("/", h.GetSettlement)
		r.With(h.throttle).Post("/reprocess", h.Reprocess)
	})
}

// throttle rejects settlement requests beyond the configured rate.
func (h *Handler) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.admin.Allow() {
			writeError(w, "too many settlement requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request types ---

// CreatePollRequest is the JSON body for POST /polls.
type CreatePollRequest struct {
	Title   string   `json:"title"`
	Options []string `json:"options"`
}

// ResolveRequest is the JSON body for POST /polls/{pollID}/resolve.
type ResolveRequest struct {
	WinningOption string `json:"winning_option"`
}

// OpenWalletRequest is the JSON body for POST /wallets.
type OpenWalletRequest struct {
	UserID string `json:"user_id"`
}

// FundsRequest is the JSON body for deposits and withdrawals.
type FundsRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// TransactionResponse wraps a wallet transaction with its replay flag.
type TransactionResponse struct {
	Transaction *model.WalletTransaction `json:"transaction"`
	Replayed    bool                     `json:"replayed"`
}

// StakeResponse wraps a stake with its replay flag.
type StakeResponse struct {
	Stake    *model.Stake `json:"stake"`
	Replayed bool         `json:"replayed"`
}

// --- Polls ---

// CreatePoll handles POST /api/v1/polls
func (h *Handler) CreatePoll(w http.ResponseWriter, r *http.Request) {
	var req CreatePollRequest
	if !decode(w, r, &req) {
		return
	}
	poll, err := h.staking.CreatePoll(r.Context(), req.Title, req.Options)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, poll)
}

// ListPolls handles GET /api/v1/polls
func (h *Handler) ListPolls(w http.ResponseWriter, r *http.Request) {
	polls, err := h.staking.ListPolls(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if polls == nil {
		polls = []model.Poll{}
	}
	writeJSON(w, http.StatusOK, polls)
}

// GetPoll handles GET /api/v1/polls/{pollID}
func (h *Handler) GetPoll(w http.ResponseWriter, r *http.Request) {
	poll, err := h.staking.GetPoll(r.Context(), chi.URLParam(r, "pollID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poll)
}

// ClosePoll handles POST /api/v1/polls/{pollID}/close
func (h *Handler) ClosePoll(w http.ResponseWriter, r *http.Request) {
	poll, err := h.staking.ClosePoll(r.Context(), chi.URLParam(r, "pollID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poll)
}

// GetOdds handles GET /api/v1/polls/{pollID}/odds
func (h *Handler) GetOdds(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.staking.Odds(r.Context(), chi.URLParam(r, "pollID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if snaps == nil {
		snaps = []model.OddsSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// PlaceStake handles POST /api/v1/polls/{pollID}/stakes
func (h *Handler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req staking.StakeRequest
	if !decode(w, r, &req) {
		return
	}
	req.PollID = chi.URLParam(r, "pollID")

	stake, replayed, err := h.staking.PlaceStake(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, StakeResponse{Stake: stake, Replayed: replayed})
}

// ProjectedReturn handles GET /api/v1/polls/{pollID}/projected-return?amount=&option=
func (h *Handler) ProjectedReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal", http.StatusBadRequest)
		return
	}
	option := q.Get("option")
	if option == "" {
		writeError(w, "option is required", http.StatusBadRequest)
		return
	}

	pollID := chi.URLParam(r, "pollID")
	ret, err := h.reconciler.ProjectedReturn(r.Context(), amount, option, pollID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"poll_id": pollID,
		"option":  option,
		"amount":  amount,
		"return":  ret,
	})
}

// GetPosition handles GET /api/v1/polls/{pollID}/positions/{userID}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.reconciler.ExistingPositionReturn(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "pollID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// --- Settlement ---

// CancelPoll handles POST /api/v1/polls/{pollID}/cancel
func (h *Handler) CancelPoll(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.CancelPoll(r.Context(), chi.URLParam(r, "pollID"))
	writeResult(w, res, err)
}

// ResetPoll handles POST /api/v1/polls/{pollID}/reset
func (h *Handler) ResetPoll(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.ResetPoll(r.Context(), chi.URLParam(r, "pollID"))
	writeResult(w, res, err)
}

// ResolvePoll handles POST /api/v1/polls/{pollID}/resolve
func (h *Handler) ResolvePoll(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.WinningOption == "" {
		writeError(w, "winning_option is required", http.StatusBadRequest)
		return
	}
	res, err := h.reconciler.ResolvePoll(r.Context(), chi.URLParam(r, "pollID"), req.WinningOption)
	writeResult(w, res, err)
}

// GetSettlement handles GET /api/v1/settlements/{eventID}
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	ev, err := h.reconciler.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Reprocess handles POST /api/v1/settlements/{eventID}/reprocess
func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.Reprocess(r.Context(), chi.URLParam(r, "eventID"))
	writeResult(w, res, err)
}

// --- Wallets ---

// OpenWallet handles POST /api/v1/wallets
func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req OpenWalletRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.wallet.Open(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// GetWallet handles GET /api/v1/wallets/{userID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	acc, err := h.wallet.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// ListTransactions handles GET /api/v1/wallets/{userID}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.wallet.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []model.WalletTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// AuditWallet handles GET /api/v1/wallets/{userID}/audit
// It replays the transaction log and reports a mismatch as 500.
func (h *Handler) AuditWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	replayed, err := h.wallet.Audit(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": replayed,
	})
}

// Deposit handles POST /api/v1/wallets/{userID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.wallet.Deposit)
}

// Withdraw handles POST /api/v1/wallets/{userID}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.wallet.Withdraw)
}

func (h *Handler) moveFunds(w http.ResponseWriter, r *http.Request,
	move func(context.Context, string, decimal.Decimal, string) (*model.WalletTransaction, bool, error)) {
	var req FundsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, "idempotency_key is required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	tx, replayed, err := move(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.IdempotencyKey)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, TransactionResponse{Transaction: tx, Replayed: replayed})
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, res *settlement.Result, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, staking.ErrInvalidRequest),
		errors.Is(err, settlement.ErrInvalidRequest),
		errors.Is(err, wallet.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, exposure.ErrLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrStoreFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

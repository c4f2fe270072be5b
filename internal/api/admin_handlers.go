package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/fee"
)

type depositRequest struct {
	Currency domain.Currency `json:"currency"`
	Amount   uint64          `json:"amount"`
}

type balanceResponse struct {
	Account  domain.Account `json:"account"`
	Currency string         `json:"currency"`
	Balance  uint64         `json:"balance"`
}

type feePolicyRequest struct {
	Bps uint32 `json:"bps"`
}

type accountRequest struct {
	Account domain.Account `json:"account"`
}

func (h *Handler) isAdmin(r *http.Request) bool {
	return h.admin != "" && caller(r) == h.admin
}

// DepositHandler credits a wallet. Only the administrator may mint balances.
func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		respondWithError(w, http.StatusForbidden, "administrator only")
		return
	}
	account := domain.Account(mux.Vars(r)["account"])
	var req depositRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Currency.Validate(); err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	if err := h.ledger.Deposit(r.Context(), account, req.Currency, req.Amount); err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	bal, err := h.ledger.Balance(r.Context(), account, req.Currency)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, balanceResponse{Account: account, Currency: req.Currency.String(), Balance: bal})
}

// BalanceHandler reads ?currency=native or ?currency=token:<ref>.
func (h *Handler) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	account := domain.Account(mux.Vars(r)["account"])
	raw := r.URL.Query().Get("currency")
	if raw == "" {
		raw = string(domain.CurrencyNative)
	}
	cur, err := domain.ParseCurrency(raw)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := h.ledger.Balance(r.Context(), account, cur)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balanceResponse{Account: account, Currency: cur.String(), Balance: bal})
}

func (h *Handler) GetFeesHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]fee.Policy{
		"escrow": h.escrows.FeePolicy(),
		"pool":   h.pools.FeePolicy(),
	})
}

func (h *Handler) SetFeePolicyHandler(w http.ResponseWriter, r *http.Request) {
	var req feePolicyRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var err error
	switch mux.Vars(r)["engine"] {
	case "escrow":
		err = h.escrows.SetFeePolicy(r.Context(), caller(r), req.Bps)
	case "pool":
		err = h.pools.SetFeePolicy(r.Context(), caller(r), req.Bps)
	default:
		respondWithError(w, http.StatusNotFound, "unknown engine")
		return
	}
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	h.GetFeesHandler(w, r)
}

func (h *Handler) SetFeeRecipientHandler(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var err error
	switch mux.Vars(r)["engine"] {
	case "escrow":
		err = h.escrows.SetFeeRecipient(r.Context(), caller(r), req.Account)
	case "pool":
		err = h.pools.SetFeeRecipient(r.Context(), caller(r), req.Account)
	default:
		respondWithError(w, http.StatusNotFound, "unknown engine")
		return
	}
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	h.GetFeesHandler(w, r)
}

func (h *Handler) AddMediatorHandler(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.escrows.AddApprovedMediator(r.Context(), caller(r), req.Account); err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{"mediator": req.Account, "approved": true})
}

func (h *Handler) RemoveMediatorHandler(w http.ResponseWriter, r *http.Request) {
	account := domain.Account(mux.Vars(r)["account"])
	if err := h.escrows.RemoveApprovedMediator(r.Context(), caller(r), account); err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"mediator": account, "approved": false})
}

// HistoryHandler serves the recorded audit trail of one escrow or pool.
func (h *Handler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondWithError(w, http.StatusNotImplemented, "audit history not configured")
		return
	}
	entity := domain.EntityKind(mux.Vars(r)["entity"])
	if entity != domain.EntityEscrow && entity != domain.EntityPool {
		respondWithError(w, http.StatusNotFound, "unknown entity")
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	events, err := h.history.History(r.Context(), entity, id)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, events)
}

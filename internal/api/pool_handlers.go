package api

import (
	"fmt"
	"net/http"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/pool"
)

type poolStatusRequest struct {
	Status domain.PoolStatus `json:"status"`
}

func (h *Handler) CreatePoolHandler(w http.ResponseWriter, r *http.Request) {
	var req pool.CreateRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.pools.CreatePool(r.Context(), caller(r), req)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/pools/%d", p.ID))
	respondWithJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetPoolHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.pools.Get(id)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) JoinPoolHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var pay domain.Payment
	if err := decode(r, &pay); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.pools.JoinPool(r.Context(), caller(r), id, pay)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) LeavePoolHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.pools.LeavePool(r.Context(), caller(r), id)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) ManualPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var pay domain.Payment
	if err := decode(r, &pay); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.pools.ManualPayment(r.Context(), caller(r), id, pay)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

// CollectPaymentsHandler lets an operator tick one pool out of schedule.
func (h *Handler) CollectPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		respondWithError(w, http.StatusForbidden, "administrator only")
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := h.pools.CollectPayments(r.Context(), id)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) SetPoolStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req poolStatusRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.pools.SetStatus(r.Context(), caller(r), id, req.Status)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

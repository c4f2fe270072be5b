package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/escrow"
)

type submitWorkRequest struct {
	DeliveryReference string `json:"delivery_reference"`
}

type resolveDisputeRequest struct {
	ClientAmount     uint64 `json:"client_amount"`
	FreelancerAmount uint64 `json:"freelancer_amount"`
}

func (h *Handler) CreateEscrowHandler(w http.ResponseWriter, r *http.Request) {
	var req escrow.CreateRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.escrows.Create(r.Context(), caller(r), req)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/escrows/%d", c.ID))
	respondWithJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetEscrowHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.escrows.Get(id)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

type escrowOp func(ctx context.Context, caller domain.Account, id uint64) (domain.EscrowContract, error)

// escrowTransition serves the body-less escrow operations.
func (h *Handler) escrowTransition(w http.ResponseWriter, r *http.Request, op escrowOp) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := op(r.Context(), caller(r), id)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) FundEscrowHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition(w, r, h.escrows.Fund)
}

func (h *Handler) ApproveWorkHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition(w, r, h.escrows.ApproveWork)
}

func (h *Handler) RaiseDisputeHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition(w, r, h.escrows.RaiseDispute)
}

func (h *Handler) CancelEscrowHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition(w, r, h.escrows.Cancel)
}

func (h *Handler) ClaimRefundHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition(w, r, h.escrows.ClaimRefund)
}

func (h *Handler) SubmitWorkHandler(w http.ResponseWriter, r *http.Request) {
	var req submitWorkRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.escrowTransition(w, r, func(ctx context.Context, c domain.Account, id uint64) (domain.EscrowContract, error) {
		return h.escrows.SubmitWork(ctx, c, id, req.DeliveryReference)
	})
}

func (h *Handler) ResolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.escrowTransition(w, r, func(ctx context.Context, c domain.Account, id uint64) (domain.EscrowContract, error) {
		return h.escrows.ResolveDispute(ctx, c, id, req.ClientAmount, req.FreelancerAmount)
	})
}

package pool

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/fee"
)

// FeePolicy returns the policy applied to the next payout.
func (e *Engine) FeePolicy() fee.Policy { return e.fees.Current() }

func (e *Engine) SetFeePolicy(ctx context.Context, caller domain.Account, bps uint32) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.fees.SetBps(bps); err != nil {
		return err
	}
	e.emitAdmin(ctx, domain.EventFeePolicyChanged, "setFeePolicy", caller, map[string]uint64{"bps": uint64(bps)}, "")
	return nil
}

func (e *Engine) SetFeeRecipient(ctx context.Context, caller, recipient domain.Account) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.fees.SetRecipient(recipient); err != nil {
		return err
	}
	e.emitAdmin(ctx, domain.EventFeeRecipientChanged, "setFeeRecipient", caller, nil, string(recipient))
	return nil
}

func (e *Engine) requireAdmin(caller domain.Account) error {
	if caller == "" || caller != e.admin {
		return fmt.Errorf("%w: administrator only", domain.ErrUnauthorized)
	}
	return nil
}

func (e *Engine) emitAdmin(ctx context.Context, typ domain.EventType, op string, actor domain.Account, amounts map[string]uint64, reason string) {
	evt := domain.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Entity:    domain.EntityPool,
		Operation: op,
		Actor:     actor,
		Amounts:   amounts,
		Status:    "ok",
		Reason:    reason,
		Timestamp: e.now(),
	}
	if err := e.recorder.Record(ctx, evt); err != nil {
		e.log.ErrorContext(ctx, "record audit event", "event", typ, "error", err)
	}
}

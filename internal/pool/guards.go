package pool

import (
	"fmt"

	"github.com/punchamoorthee/settleops/internal/domain"
)

func requireStatus(p *domain.Pool, want domain.PoolStatus) error {
	if p.Status != want {
		return fmt.Errorf("%w: pool %d is %s", domain.ErrInvalidStatus, p.ID, p.Status)
	}
	return nil
}

func requireActiveMember(p *domain.Pool, caller domain.Account) error {
	m, ok := p.Members[caller]
	if caller == "" || !ok || !m.IsActive {
		return fmt.Errorf("%w: %s in pool %d", domain.ErrNotMember, caller, p.ID)
	}
	return nil
}

// requireShare checks the caller offered exactly one share in the pool currency.
func requireShare(p *domain.Pool, pay domain.Payment) error {
	if pay.Currency != p.Currency {
		return fmt.Errorf("%w: pool %d settles in %s, got %s", domain.ErrCurrencyMismatch, p.ID, p.Currency, pay.Currency)
	}
	if pay.Amount != p.Share() {
		return fmt.Errorf("%w: pool %d share is %d, got %d", domain.ErrInvalidAmount, p.ID, p.Share(), pay.Amount)
	}
	return nil
}

package escrow

import (
	"fmt"
	"slices"

	"github.com/punchamoorthee/settleops/internal/domain"
)

func requireStatus(c *domain.EscrowContract, allowed ...domain.EscrowStatus) error {
	if slices.Contains(allowed, c.Status) {
		return nil
	}
	return fmt.Errorf("%w: escrow %d is %s", domain.ErrInvalidStatus, c.ID, c.Status)
}

func requireCaller(caller, want domain.Account, role string) error {
	if caller == "" || caller != want {
		return fmt.Errorf("%w: only the %s may do this", domain.ErrUnauthorized, role)
	}
	return nil
}

func requireParty(caller domain.Account, c *domain.EscrowContract) error {
	if caller == "" || (caller != c.Client && caller != c.Freelancer) {
		return fmt.Errorf("%w: only the client or freelancer may do this", domain.ErrUnauthorized)
	}
	return nil
}

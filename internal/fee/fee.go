// Package fee computes the platform's basis-point cut of settled amounts.
package fee

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/punchamoorthee/settleops/internal/domain"
)

// Denominator is the number of basis points in a whole.
const Denominator = 10000

// Split returns the payout and fee for total at bps. The fee is floor(total*bps/10000)
// computed in 128 bits, so payout+fee == total for every input.
func Split(total uint64, bps uint32) (payout, fee uint64) {
	if bps > Denominator {
		bps = Denominator
	}
	hi, lo := bits.Mul64(total, uint64(bps))
	fee, _ = bits.Div64(hi, lo, Denominator)
	return total - fee, fee
}

// Policy is a point-in-time fee setting.
type Policy struct {
	Bps       uint32         `json:"bps" yaml:"bps"`
	Recipient domain.Account `json:"recipient" yaml:"recipient"`
}

// Schedule holds the current policy of one engine behind a cap.
// Readers take a snapshot via Current; updates never affect a settlement already in flight.
type Schedule struct {
	mu     sync.RWMutex
	cap    uint32
	policy Policy
}

func NewSchedule(cap uint32, p Policy) (*Schedule, error) {
	if cap > Denominator {
		return nil, fmt.Errorf("%w: cap %d exceeds %d", domain.ErrFeeTooHigh, cap, Denominator)
	}
	s := &Schedule{cap: cap}
	if err := s.SetBps(p.Bps); err != nil {
		return nil, err
	}
	if err := s.SetRecipient(p.Recipient); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schedule) Cap() uint32 { return s.cap }

func (s *Schedule) Current() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *Schedule) SetBps(bps uint32) error {
	if bps > s.cap {
		return fmt.Errorf("%w: %d bps > %d bps", domain.ErrFeeTooHigh, bps, s.cap)
	}
	s.mu.Lock()
	s.policy.Bps = bps
	s.mu.Unlock()
	return nil
}

func (s *Schedule) SetRecipient(a domain.Account) error {
	if a == "" {
		return fmt.Errorf("%w: fee recipient required", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	s.policy.Recipient = a
	s.mu.Unlock()
	return nil
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// Account is an opaque reference to a party (client, freelancer, member, owner...).
type Account string

// CurrencyKind distinguishes the native coin from fungible tokens.
type CurrencyKind string

const (
	CurrencyNative CurrencyKind = "native"
	CurrencyToken  CurrencyKind = "token"
)

// Currency pins an entity to exactly one unit of account.
type Currency struct {
	Kind  CurrencyKind `json:"kind" yaml:"kind"`
	Token string       `json:"token,omitempty" yaml:"token,omitempty"`
}

func Native() Currency { return Currency{Kind: CurrencyNative} }

func Token(ref string) Currency { return Currency{Kind: CurrencyToken, Token: ref} }

// ParseCurrency accepts "native" or "token:<ref>".
func ParseCurrency(s string) (Currency, error) {
	switch {
	case s == string(CurrencyNative):
		return Native(), nil
	case strings.HasPrefix(s, string(CurrencyToken)+":"):
		c := Token(strings.TrimPrefix(s, string(CurrencyToken)+":"))
		if err := c.Validate(); err != nil {
			return Currency{}, err
		}
		return c, nil
	}
	return Currency{}, fmt.Errorf("%w: unknown currency %q", ErrInvalidInput, s)
}

func (c Currency) Validate() error {
	switch c.Kind {
	case CurrencyNative:
		if c.Token != "" {
			return fmt.Errorf("%w: native currency carries no token reference", ErrInvalidInput)
		}
	case CurrencyToken:
		if strings.TrimSpace(c.Token) == "" {
			return fmt.Errorf("%w: token reference required", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown currency kind %q", ErrInvalidInput, c.Kind)
	}
	return nil
}

func (c Currency) String() string {
	if c.Kind == CurrencyToken {
		return string(CurrencyToken) + ":" + c.Token
	}
	return string(c.Kind)
}

// Payment is what a caller offers alongside a pool call.
type Payment struct {
	Currency Currency `json:"currency"`
	Amount   uint64   `json:"amount"`
}

// MaxAmount bounds every amount so it fits a signed 64-bit ledger column.
const MaxAmount uint64 = 1<<63 - 1

type EscrowStatus string

const (
	EscrowCreated       EscrowStatus = "created"
	EscrowFunded        EscrowStatus = "funded"
	EscrowWorkSubmitted EscrowStatus = "work_submitted"
	EscrowDisputed      EscrowStatus = "disputed"
	EscrowCompleted     EscrowStatus = "completed"
	EscrowCancelled     EscrowStatus = "cancelled"
	EscrowRefunded      EscrowStatus = "refunded"
)

// Terminal reports whether no further transition is allowed.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowCompleted || s == EscrowCancelled || s == EscrowRefunded
}

// EscrowContract is the one-shot custody record between a client and a freelancer.
// ClientApproved and FreelancerSubmitted are informational; Status is authoritative.
type EscrowContract struct {
	ID                  uint64       `json:"id"`
	Client              Account      `json:"client"`
	Freelancer          Account      `json:"freelancer"`
	Mediator            Account      `json:"mediator"`
	Amount              uint64       `json:"amount"`
	Currency            Currency     `json:"currency"`
	Status              EscrowStatus `json:"status"`
	Deadline            time.Time    `json:"deadline"`
	WorkDescription     string       `json:"work_description"`
	DeliveryReference   string       `json:"delivery_reference,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	LastUpdated         time.Time    `json:"last_updated"`
	ClientApproved      bool         `json:"client_approved"`
	FreelancerSubmitted bool         `json:"freelancer_submitted"`
	Halted              bool         `json:"halted,omitempty"`
}

type PoolStatus string

const (
	PoolActive    PoolStatus = "active"
	PoolPaused    PoolStatus = "paused"
	PoolCancelled PoolStatus = "cancelled"
)

// Member is a pool participant. It has no identity outside its pool.
type Member struct {
	Account            Account   `json:"account"`
	IsActive           bool      `json:"is_active"`
	JoinedAt           time.Time `json:"joined_at"`
	LastPayment        time.Time `json:"last_payment"`
	FailedPaymentCount int       `json:"failed_payment_count"`
	TotalPaid          uint64    `json:"total_paid"`
}

// Pool is a recurring billing arrangement. Members holds every member record ever
// admitted; Active lists the accounts of active members in no meaningful order.
// Pending counts out-of-cycle contributions (joins, manual payments) not yet paid
// out; Deferred counts payouts that failed transiently. The pool hold always
// equals Pending + Deferred between operations.
type Pool struct {
	ID             uint64              `json:"id"`
	Owner          Account             `json:"owner"`
	ServiceName    string              `json:"service_name"`
	MonthlyAmount  uint64              `json:"monthly_amount"`
	Currency       Currency            `json:"currency"`
	MaxMembers     int                 `json:"max_members"`
	CurrentMembers int                 `json:"current_members"`
	Status         PoolStatus          `json:"status"`
	NextPaymentDue time.Time           `json:"next_payment_due"`
	CreatedAt      time.Time           `json:"created_at"`
	Members        map[Account]*Member `json:"members"`
	Active         []Account           `json:"active"`
	Pending        uint64              `json:"pending"`
	Deferred       uint64              `json:"deferred,omitempty"`
	Halted         bool                `json:"halted,omitempty"`
}

// CycleTarget is the contribution total of one full cycle.
func (p *Pool) CycleTarget() uint64 { return p.Share() * uint64(p.MaxMembers) }

// Share is the per-member contribution. The floor-division remainder is never collected.
func (p *Pool) Share() uint64 {
	if p.MaxMembers <= 0 {
		return 0
	}
	return p.MonthlyAmount / uint64(p.MaxMembers)
}

// Clone returns a deep copy safe to hand out of the engine.
func (p *Pool) Clone() Pool {
	out := *p
	out.Members = make(map[Account]*Member, len(p.Members))
	for k, m := range p.Members {
		mc := *m
		out.Members[k] = &mc
	}
	out.Active = append([]Account(nil), p.Active...)
	return out
}

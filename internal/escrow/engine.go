// Package escrow implements one-shot client/freelancer custody with optional mediation.
//
// Funds enter the contract's hold only through Fund and leave it only through
// ApproveWork, ResolveDispute or ClaimRefund, each of which releases the whole
// amount in a single custody movement.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/custody"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/fee"
	"github.com/punchamoorthee/settleops/internal/locker"
)

const (
	// MaxFeeBps caps the escrow platform fee at 10%.
	MaxFeeBps = 1000
	// DefaultFeeBps is 2.5%.
	DefaultFeeBps = 250
)

// Config wires an Engine. Admin is the single account allowed to change fee
// settings and the approved-mediator set.
type Config struct {
	Admin        domain.Account
	FeeBps       uint32
	FeeRecipient domain.Account
	Mediators    []domain.Account
	Clock        func() time.Time
	Logger       *slog.Logger
}

// CreateRequest carries the terms of a new contract. The caller becomes the client.
type CreateRequest struct {
	Freelancer  domain.Account  `json:"freelancer"`
	Mediator    domain.Account  `json:"mediator"`
	Amount      uint64          `json:"amount"`
	Currency    domain.Currency `json:"currency"`
	Deadline    time.Time       `json:"deadline"`
	Description string          `json:"description"`
}

type Engine struct {
	ledger   custody.Ledger
	recorder audit.Recorder
	fees     *fee.Schedule
	admin    domain.Account
	now      func() time.Time
	log      *slog.Logger
	locks    *locker.Keyed

	mu        sync.RWMutex
	contracts map[uint64]*domain.EscrowContract
	mediators map[domain.Account]struct{}
	nextID    uint64
}

func NewEngine(ledger custody.Ledger, rec audit.Recorder, cfg Config) (*Engine, error) {
	if ledger == nil {
		return nil, errors.New("escrow: custody ledger required")
	}
	if cfg.Admin == "" {
		return nil, fmt.Errorf("escrow: %w: admin account required", domain.ErrInvalidInput)
	}
	if cfg.FeeRecipient == "" {
		cfg.FeeRecipient = cfg.Admin
	}
	fees, err := fee.NewSchedule(MaxFeeBps, fee.Policy{Bps: cfg.FeeBps, Recipient: cfg.FeeRecipient})
	if err != nil {
		return nil, fmt.Errorf("escrow: %w", err)
	}
	if rec == nil {
		rec = audit.NewNoopRecorder()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		ledger:    ledger,
		recorder:  rec,
		fees:      fees,
		admin:     cfg.Admin,
		now:       cfg.Clock,
		log:       cfg.Logger.With("component", "escrow"),
		locks:     locker.NewKeyed(),
		contracts: make(map[uint64]*domain.EscrowContract),
		mediators: make(map[domain.Account]struct{}),
	}
	for _, m := range cfg.Mediators {
		if m != "" {
			e.mediators[m] = struct{}{}
		}
	}
	return e, nil
}

// Create registers a new contract in status Created. No funds move.
func (e *Engine) Create(ctx context.Context, client domain.Account, req CreateRequest) (domain.EscrowContract, error) {
	now := e.now()
	if req.Mediator == "" {
		req.Mediator = e.admin
	}
	if err := e.validateCreate(client, req, now); err != nil {
		creationsTotal.WithLabelValues("rejected").Inc()
		return domain.EscrowContract{}, err
	}

	e.mu.Lock()
	e.nextID++
	unlock := e.locks.Lock(e.nextID)
	defer unlock()
	c := &domain.EscrowContract{
		ID:              e.nextID,
		Client:          client,
		Freelancer:      req.Freelancer,
		Mediator:        req.Mediator,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Status:          domain.EscrowCreated,
		Deadline:        req.Deadline,
		WorkDescription: req.Description,
		CreatedAt:       now,
		LastUpdated:     now,
	}
	e.contracts[c.ID] = c
	e.mu.Unlock()

	creationsTotal.WithLabelValues("created").Inc()
	e.emit(ctx, c, domain.EventEscrowCreated, "create", client, map[string]uint64{"amount": c.Amount}, "")
	return *c, nil
}

func (e *Engine) validateCreate(client domain.Account, req CreateRequest, now time.Time) error {
	switch {
	case strings.TrimSpace(string(client)) == "":
		return fmt.Errorf("%w: client required", domain.ErrUnauthorized)
	case strings.TrimSpace(string(req.Freelancer)) == "":
		return fmt.Errorf("%w: freelancer required", domain.ErrInvalidInput)
	case req.Freelancer == client:
		return fmt.Errorf("%w: client and freelancer must differ", domain.ErrInvalidInput)
	case req.Mediator == client || req.Mediator == req.Freelancer:
		return fmt.Errorf("%w: mediator must be a third party", domain.ErrInvalidInput)
	case req.Amount == 0 || req.Amount > domain.MaxAmount:
		return fmt.Errorf("%w: amount %d", domain.ErrInvalidAmount, req.Amount)
	case !req.Deadline.After(now):
		return fmt.Errorf("%w: deadline must be in the future", domain.ErrInvalidInput)
	}
	if err := req.Currency.Validate(); err != nil {
		return err
	}
	if !e.mediatorAllowed(req.Mediator) {
		return fmt.Errorf("%w: %s", domain.ErrMediatorNotApproved, req.Mediator)
	}
	return nil
}

// Fund debits exactly the contract amount from the client into custody.
func (e *Engine) Fund(ctx context.Context, caller domain.Account, id uint64) (domain.EscrowContract, error) {
	return e.transition(ctx, id, "fund", func(c *domain.EscrowContract) error {
		if err := requireStatus(c, domain.EscrowCreated); err != nil {
			return err
		}
		if err := requireCaller(caller, c.Client, "client"); err != nil {
			return err
		}
		if err := e.ledger.Debit(ctx, custody.EscrowHold(c.ID), caller, c.Currency, c.Amount); err != nil {
			return fmt.Errorf("fund escrow %d: %w", c.ID, err)
		}
		e.advance(c, domain.EscrowFunded)
		e.emit(ctx, c, domain.EventEscrowFunded, "fund", caller, map[string]uint64{"amount": c.Amount}, "")
		return nil
	})
}

// SubmitWork records the delivery reference. Only submission is deadline-bound.
func (e *Engine) SubmitWork(ctx context.Context, caller domain.Account, id uint64, deliveryRef string) (domain.EscrowContract, error) {
	return e.transition(ctx, id, "submitWork", func(c *domain.EscrowContract) error {
		if err := requireStatus(c, domain.EscrowFunded); err != nil {
			return err
		}
		if err := requireCaller(caller, c.Freelancer, "freelancer"); err != nil {
			return err
		}
		if e.now().After(c.Deadline) {
			return fmt.Errorf("%w: escrow %d closed for submission at %s", domain.ErrDeadlinePassed, c.ID, c.Deadline.Format(time.RFC3339))
		}
		if strings.TrimSpace(deliveryRef) == "" {
			return fmt.Errorf("%w: delivery reference required", domain.ErrInvalidInput)
		}
		c.DeliveryReference = deliveryRef
		c.FreelancerSubmitted = true
		e.advance(c, domain.EscrowWorkSubmitted)
		e.emit(ctx, c, domain.EventWorkSubmitted, "submitWork", caller, nil, "")
		return nil
	})
}

// ApproveWork releases the amount to the freelancer net of the current platform fee.
func (e *Engine) ApproveWork(ctx context.Context, caller domain.Account, id uint64) (domain.EscrowContract, error) {
	return e.transition(ctx, id, "approveWork", func(c *domain.EscrowContract) error {
		if err := requireStatus(c, domain.EscrowWorkSubmitted); err != nil {
			return err
		}
		if err := requireCaller(caller, c.Client, "client"); err != nil {
			return err
		}
		policy := e.fees.Current()
		payout, cut := fee.Split(c.Amount, policy.Bps)
		err := e.release(ctx, c, "approveWork",
			custody.Leg{Payee: c.Freelancer, Amount: payout, Memo: "escrow payout"},
			custody.Leg{Payee: policy.Recipient, Amount: cut, Memo: "platform fee"},
		)
		if err != nil {
			return err
		}
		c.ClientApproved = true
		e.advance(c, domain.EscrowCompleted)
		settledAmount.WithLabelValues("approved").Add(float64(c.Amount))
		e.emit(ctx, c, domain.EventWorkApproved, "approveWork", caller, map[string]uint64{
			"amount": c.Amount, "payout": payout, "fee": cut,
		}, "")
		return e.checkResidue(ctx, c, "approveWork")
	})
}

// RaiseDispute freezes a funded contract until its mediator resolves it.
func (e *Engine) RaiseDispute(ctx context.Context, caller domain.Account, id uint64) (domain.EscrowContract, error) {
	return e.transition(ctx, id, "raiseDispute", func(c *domain.EscrowContract) error {
		if err := requireStatus(c, domain.EscrowFunded, domain.EscrowWorkSubmitted); err != nil {
			return err
		}
		if err := requireParty(caller, c); err != nil {
			return err
		}
		e.advance(c, domain.EscrowDisputed)
		e.emit(ctx, c, domain.EventDisputeRaised, "raiseDispute", caller, nil, "")
		return nil
	})
}

// Cancel aborts a contract that was never funded.
func (e *Engine) Cancel(ctx context.Context, caller domain.Account, id uint64) (domain.EscrowContract, error) {
	return e.transition(ctx, id, "cancel", func(c *domain.EscrowContract) error {
		if err := requireStatus(c, domain.EscrowCreated); err != nil {
			return err
		}
		if err := requireCaller(caller, c.Client, "client"); err != nil {
			return err
		}
		e.advance(c, domain.EscrowCancelled)
		e.emit(ctx, c, domain.EventEscrowCancelled, "cancel", caller, nil, "")
		return nil
	})
}

// ClaimRefund returns the full amount to the client once the deadline passed
// without a submission. No fee is charged.
func (e *Engine) ClaimRefund(ctx context.Context, caller domain.Account, id uint64) (domain.EscrowContract, error) {
	return e.transition(ctx, id, "claimRefund", func(c *domain.EscrowContract) error {
		if err := requireStatus(c, domain.EscrowFunded); err != nil {
			return err
		}
		if err := requireCaller(caller, c.Client, "client"); err != nil {
			return err
		}
		if !e.now().After(c.Deadline) {
			return fmt.Errorf("%w: escrow %d open for submission until %s", domain.ErrDeadlineNotReached, c.ID, c.Deadline.Format(time.RFC3339))
		}
		if err := e.release(ctx, c, "claimRefund", custody.Leg{Payee: c.Client, Amount: c.Amount, Memo: "escrow refund"}); err != nil {
			return err
		}
		e.advance(c, domain.EscrowRefunded)
		settledAmount.WithLabelValues("refunded").Add(float64(c.Amount))
		e.emit(ctx, c, domain.EventEscrowRefunded, "claimRefund", caller, map[string]uint64{"amount": c.Amount}, "deadline passed without submission")
		return e.checkResidue(ctx, c, "claimRefund")
	})
}

// Get returns a snapshot of contract id.
func (e *Engine) Get(id uint64) (domain.EscrowContract, error) {
	c, err := e.lookup(id)
	if err != nil {
		return domain.EscrowContract{}, err
	}
	unlock := e.locks.Lock(id)
	defer unlock()
	return *c, nil
}

func (e *Engine) lookup(id uint64) (*domain.EscrowContract, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%w: escrow %d", domain.ErrNotFound, id)
	}
	return c, nil
}

// transition runs fn with the contract locked. fn either completes the whole
// transition or returns an error having changed nothing.
func (e *Engine) transition(ctx context.Context, id uint64, op string, fn func(c *domain.EscrowContract) error) (domain.EscrowContract, error) {
	c, err := e.lookup(id)
	if err != nil {
		transitionsTotal.WithLabelValues(op, "not_found").Inc()
		return domain.EscrowContract{}, err
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	if c.Halted {
		transitionsTotal.WithLabelValues(op, "halted").Inc()
		return *c, fmt.Errorf("%w: escrow %d", domain.ErrHalted, id)
	}
	if err := fn(c); err != nil {
		transitionsTotal.WithLabelValues(op, "rejected").Inc()
		e.log.DebugContext(ctx, "escrow transition rejected", "escrow_id", id, "operation", op, "error", err)
		return *c, err
	}
	transitionsTotal.WithLabelValues(op, "ok").Inc()
	return *c, nil
}

func (e *Engine) advance(c *domain.EscrowContract, to domain.EscrowStatus) {
	c.Status = to
	c.LastUpdated = e.now()
}

// release moves funds out of the contract hold. A shortfall means the hold no
// longer matches the contract and halts it.
func (e *Engine) release(ctx context.Context, c *domain.EscrowContract, op string, legs ...custody.Leg) error {
	err := e.ledger.Release(ctx, custody.EscrowHold(c.ID), c.Currency, legs...)
	if errors.Is(err, custody.ErrShortfall) {
		return e.halt(ctx, c, op, err)
	}
	if err != nil {
		return fmt.Errorf("%s escrow %d: %w", op, c.ID, err)
	}
	return nil
}

// checkResidue verifies a settled contract left nothing behind in custody.
// Residue halts the contract and surfaces as ErrCorrupted.
func (e *Engine) checkResidue(ctx context.Context, c *domain.EscrowContract, op string) error {
	left, err := e.ledger.Held(ctx, custody.EscrowHold(c.ID), c.Currency)
	if err != nil {
		e.log.WarnContext(ctx, "escrow residue check failed", "escrow_id", c.ID, "error", err)
		return nil
	}
	if left != 0 {
		return e.halt(ctx, c, op, fmt.Errorf("%d left in hold after settlement", left))
	}
	return nil
}

func (e *Engine) halt(ctx context.Context, c *domain.EscrowContract, op string, cause error) error {
	c.Halted = true
	c.LastUpdated = e.now()
	haltsTotal.Inc()
	e.log.ErrorContext(ctx, "escrow halted", "escrow_id", c.ID, "operation", op, "error", cause)
	e.emit(ctx, c, domain.EventEntityHalted, op, "", nil, cause.Error())
	return fmt.Errorf("%w: escrow %d: %v", domain.ErrCorrupted, c.ID, cause)
}

func (e *Engine) emit(ctx context.Context, c *domain.EscrowContract, typ domain.EventType, op string, actor domain.Account, amounts map[string]uint64, reason string) {
	evt := domain.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Entity:    domain.EntityEscrow,
		EntityID:  c.ID,
		Operation: op,
		Actor:     actor,
		Amounts:   amounts,
		Currency:  c.Currency.String(),
		Status:    string(c.Status),
		Reason:    reason,
		Timestamp: e.now(),
	}
	if err := e.recorder.Record(ctx, evt); err != nil {
		e.log.ErrorContext(ctx, "record audit event", "event", typ, "escrow_id", c.ID, "error", err)
	}
}

package domain

import "errors"

// Guard violations.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("caller not authorized")
	ErrInvalidStatus       = errors.New("operation not allowed in current status")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDeadlinePassed      = errors.New("deadline passed")
	ErrDeadlineNotReached  = errors.New("deadline not reached")
	ErrMediatorNotApproved = errors.New("mediator not approved")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrPoolFull            = errors.New("pool is full")
	ErrAlreadyMember       = errors.New("already a member")
	ErrNotMember           = errors.New("not an active member")
	ErrOwnerCannotJoin     = errors.New("owner cannot join own pool")
	ErrNotDue              = errors.New("collection not due")
	ErrFeeTooHigh          = errors.New("fee exceeds cap")
	ErrConflict            = errors.New("concurrent update conflict")
)

// Custody failures.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Invariant violations.
var (
	ErrConservation = errors.New("allocation does not sum to escrowed amount")
)

// Fatal inconsistencies. An entity that hit ErrCorrupted rejects every later call with ErrHalted.
var (
	ErrCorrupted = errors.New("custody inconsistency")
	ErrHalted    = errors.New("entity halted after custody inconsistency")
)

package domain

import "time"

type EventType string

const (
	EventEscrowCreated   EventType = "EscrowCreated"
	EventEscrowFunded    EventType = "EscrowFunded"
	EventWorkSubmitted   EventType = "WorkSubmitted"
	EventWorkApproved    EventType = "WorkApproved"
	EventDisputeRaised   EventType = "DisputeRaised"
	EventDisputeResolved EventType = "DisputeResolved"
	EventEscrowCancelled EventType = "EscrowCancelled"
	EventEscrowRefunded  EventType = "EscrowRefunded"

	EventPoolCreated       EventType = "PoolCreated"
	EventMemberJoined      EventType = "MemberJoined"
	EventMemberLeft        EventType = "MemberLeft"
	EventMemberRemoved     EventType = "MemberRemoved"
	EventPaymentCollected  EventType = "PaymentCollected"
	EventPaymentFailed     EventType = "PaymentFailed"
	EventPayoutCompleted   EventType = "PayoutCompleted"
	EventPoolStatusChanged EventType = "PoolStatusChanged"

	EventFeePolicyChanged    EventType = "FeePolicyChanged"
	EventFeeRecipientChanged EventType = "FeeRecipientChanged"
	EventMediatorApproved    EventType = "MediatorApproved"
	EventMediatorRevoked     EventType = "MediatorRevoked"

	EventEntityHalted EventType = "EntityHalted"
)

type EntityKind string

const (
	EntityEscrow EntityKind = "escrow"
	EntityPool   EntityKind = "pool"
)

// Event is the audit record emitted by every state change. Its JSON shape is
// the contract with the reporting mirror.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Entity    EntityKind        `json:"entity"`
	EntityID  uint64            `json:"entity_id"`
	Operation string            `json:"operation"`
	Actor     Account           `json:"actor"`
	Amounts   map[string]uint64 `json:"amounts,omitempty"`
	Currency  string            `json:"currency,omitempty"`
	Status    string            `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

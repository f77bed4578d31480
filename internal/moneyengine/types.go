package moneyengine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hustlexp/escrow-kernel/internal/task"
)

// EventContext carries the per-call data the engine needs beyond
// (taskID, eventType, externalEventID) — amounts, actor, and the event's
// logical time for the Temporal Guard.
type EventContext struct {
	ActorID           uuid.UUID
	PosterID          uuid.UUID
	HustlerID         uuid.UUID
	AmountCents       int64
	PayoutAmountCents int64
	RefundAmountCents int64
	PaymentMethod     string
	DestinationID     string
	LogicalTime       time.Time
	ActiveDisputeOpen bool

	// RefundFraction, when set to a value in (0, 1), marks a refund event
	// as partial: buildEntries prorates against the held amount via
	// ledger.ProrateRefund instead of refunding it in full, and the engine
	// lands the escrow in EscrowPartialRefund rather than EscrowRefunded
	// (spec §7/§19 Open Question (a)). The zero value means "full refund".
	RefundFraction decimal.Decimal

	// IsAdminActor marks FORCE_REFUND / RESOLVE_REFUND / RESOLVE_UPHOLD
	// as issued by an operator rather than a marketplace party. Admin
	// events are rejected with a conflict-of-interest error if ActorID
	// matches PosterID or HustlerID (spec §6, scenario S5).
	IsAdminActor bool
}

// Result is returned by Handle on success.
type Result struct {
	State      task.EscrowState
	NextEvents []task.EventType
}

// AuditEntry is a single append-only record of a transition attempt, for
// forensics (§9). A row is appended when a transition commits and when its
// external effect fails (see compensate); an attempt rejected before the
// external call (kill-switch, lease, guards, invalid transition) writes no
// row.
type AuditEntry struct {
	ID              uuid.UUID
	TaskID          uuid.UUID
	EventType       task.EventType
	ExternalEventID string
	FromState       task.EscrowState
	ToState         task.EscrowState
	Success         bool
	FailureReason   string
	OccurredAt      time.Time
}

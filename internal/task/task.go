// Package task holds the Task and MoneyStateLock entities shared by every
// kernel component (§3 of the spec). A Task is owned by its Poster and
// carries the escrow amount frozen on first funding; the MoneyStateLock is
// the single authoritative row representing its escrow state.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task, independent of its escrow state.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusOpen              Status = "open"
	StatusAssigned          Status = "assigned"
	StatusInProgress        Status = "in_progress"
	StatusPendingCompletion Status = "pending_completion"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusExpired           Status = "expired"
)

// IsTerminal reports whether the task status accepts no further mutation.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Task is the marketplace unit of work: a Poster funds it, a Hustler
// executes it.
type Task struct {
	ID             uuid.UUID
	PosterID       uuid.UUID
	HustlerID      *uuid.UUID
	Category       string
	PriceCents     int64
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EscrowState is the state of a Task's MoneyStateLock (§3, §4.1).
type EscrowState string

const (
	EscrowInitial        EscrowState = "initial"
	EscrowHeld           EscrowState = "held"
	EscrowReleased       EscrowState = "released"
	EscrowRefunded       EscrowState = "refunded"
	EscrowPartialRefund  EscrowState = "partial_refund"
	EscrowLockedDispute  EscrowState = "locked_dispute"
	EscrowPendingDispute EscrowState = "pending_dispute"
	EscrowUpheld         EscrowState = "upheld"
)

// IsTerminal reports whether the escrow state accepts no further transitions.
func (s EscrowState) IsTerminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowPartialRefund, EscrowUpheld:
		return true
	default:
		return false
	}
}

// EventType is a transition trigger accepted by the Money Engine (§4.1).
type EventType string

const (
	EventHoldEscrow     EventType = "HOLD_ESCROW"
	EventReleasePayout  EventType = "RELEASE_PAYOUT"
	EventRefundEscrow   EventType = "REFUND_ESCROW"
	EventForceRefund    EventType = "FORCE_REFUND"
	EventDisputeOpen    EventType = "DISPUTE_OPEN"
	EventResolveRefund  EventType = "RESOLVE_REFUND"
	EventResolveUphold  EventType = "RESOLVE_UPHOLD"
)

// Transitions is the fixed transition table from spec §4.1. The zero value
// of the inner map signals "not allowed".
var Transitions = map[EscrowState]map[EventType]EscrowState{
	EscrowInitial: {
		EventHoldEscrow: EscrowHeld,
	},
	EscrowHeld: {
		EventReleasePayout: EscrowReleased,
		EventRefundEscrow:  EscrowRefunded,
		EventDisputeOpen:   EscrowPendingDispute,
	},
	EscrowPendingDispute: {
		EventResolveRefund: EscrowRefunded,
		EventResolveUphold: EscrowUpheld,
	},
	EscrowReleased: {
		EventForceRefund: EscrowRefunded,
	},
}

// Next returns the destination state for (from, event), and whether that
// transition is legal.
//
// EscrowReleased is terminal for every event except FORCE_REFUND: §4.1/§6
// carve out FORCE_REFUND as the one admin clawback allowed to reopen a
// released escrow, so it is checked before the terminal short-circuit below.
// Every other terminal state (and every other event from EscrowReleased)
// stays permanently closed.
func Next(from EscrowState, event EventType) (EscrowState, bool) {
	if from == EscrowReleased && event == EventForceRefund {
		return Transitions[EscrowReleased][EventForceRefund], true
	}

	if from.IsTerminal() {
		return "", false
	}

	byEvent, ok := Transitions[from]
	if !ok {
		return "", false
	}

	to, ok := byEvent[event]

	return to, ok
}

// ProcessorRefs holds the external payment-processor identifiers learned
// over the life of an escrow.
type ProcessorRefs struct {
	PaymentIntentID *string
	ChargeID        *string
	TransferID      *string
	RefundID        *string
}

// MoneyStateLock is the single row authoritatively representing a Task's
// escrow state (§3).
type MoneyStateLock struct {
	TaskID           uuid.UUID
	State            EscrowState
	NextEvents       []EventType
	Refs             ProcessorRefs
	Version          int64
	LastTransitionAt time.Time
	AmountCents      int64
}

// AllowedEvents lists the events legal from s, for populating NextEvents.
func AllowedEvents(s EscrowState) []EventType {
	byEvent, ok := Transitions[s]
	if !ok {
		return nil
	}

	events := make([]EventType, 0, len(byEvent))
	for event := range byEvent {
		events = append(events, event)
	}

	return events
}

// Package errors defines the kernel's wire-level error taxonomy (HX001-HX905,
// grouped per spec §7) as sentinel errors, plus the typed wrapper errors a
// transport boundary renders to the client. Grounded on common/errors.go and
// common/constant/errors.go from the teacher.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel business errors. Grouped by range: 0xx invariant, 1xx guard,
// 2xx ledger, 3xx money-engine transition, 4xx webhook, 5xx proof engine,
// 6xx policy gate, 7xx kill-switch, 8xx idempotency/lease,
// 9xx worker/outbox/DLQ/identity verification.
var (
	ErrTerminalStateImmutable   = errors.New("HX001")
	ErrAmountImmutable          = errors.New("HX002")
	ErrXPDoubleAward            = errors.New("HX003")
	ErrVersionConflict          = errors.New("HX004")
	ErrLedgerCommitAfterFail    = errors.New("HX005")

	ErrActiveDisputeExists      = errors.New("HX101")
	ErrPolicyBlocked            = errors.New("HX102")
	ErrAmountMismatch           = errors.New("HX103")
	ErrUnauthorizedActor        = errors.New("HX104")
	ErrConflictOfInterest       = errors.New("HX105")
	ErrTemporalRegression       = errors.New("HX106")
	ErrProofNotVerified         = errors.New("HX107")

	ErrLedgerUnbalanced         = errors.New("HX201")
	ErrLedgerAccountNegative    = errors.New("HX202")
	ErrLedgerDuplicateIdemKey   = errors.New("HX203")
	ErrLedgerTransactionNotFound = errors.New("HX204")

	ErrInvalidTransition        = errors.New("HX301")
	ErrTaskNotFound             = errors.New("HX302")
	ErrEventAlreadyProcessed    = errors.New("HX303")
	ErrExternalEffectFailed     = errors.New("HX304")

	ErrWebhookUnknownType       = errors.New("HX401")
	ErrWebhookAlreadyClaimed    = errors.New("HX402")
	ErrWebhookSignatureInvalid  = errors.New("HX403")

	ErrProofInvalidTransition   = errors.New("HX501")
	ErrProofHashReused          = errors.New("HX502")
	ErrProofRequestLimitReached = errors.New("HX503")
	ErrProofForensicsUncertain  = errors.New("HX504")

	ErrShadowBanned             = errors.New("HX601")
	ErrTrustTierIneligible      = errors.New("HX602")

	ErrKillSwitchActive         = errors.New("HX701")

	ErrIdempotencyKeyRequired   = errors.New("HX801")
	ErrIdempotencyReplay        = errors.New("HX802")
	ErrLeaseHeldByOther         = errors.New("HX803")
	ErrIdempotencyInFlight      = errors.New("HX804")

	ErrDLQExhausted             = errors.New("HX901")
	ErrOutboxClaimConflict      = errors.New("HX902")
	ErrSuppressed               = errors.New("HX903")

	ErrVerificationCodeExpired  = errors.New("HX904")
	ErrVerificationLockedOut    = errors.New("HX905")
	ErrVerificationCodeMismatch = errors.New("HX906")
	ErrVerificationRateLimited  = errors.New("HX907")
)

// EntityNotFoundError records that an entity could not be located in any repository.
type EntityNotFoundError struct {
	EntityType string
	Code       string
	Title      string
	Message    string
	Err        error
}

func (e EntityNotFoundError) Error() string {
	if strings.TrimSpace(e.Message) != "" {
		return fmt.Sprintf("%s - %s", e.Code, e.Message)
	}

	if strings.TrimSpace(e.EntityType) != "" {
		return fmt.Sprintf("%s not found", e.EntityType)
	}

	return "entity not found"
}

func (e EntityNotFoundError) Unwrap() error { return e.Err }

// EntityConflictError records a uniqueness/state conflict (duplicate key,
// already-claimed row, terminal-state mutation attempt).
type EntityConflictError struct {
	EntityType string
	Code       string
	Title      string
	Message    string
	Err        error
}

func (e EntityConflictError) Error() string { return fmt.Sprintf("%s - %s", e.Code, e.Message) }
func (e EntityConflictError) Unwrap() error { return e.Err }

// ValidationError records a malformed or out-of-policy request.
type ValidationError struct {
	EntityType string
	Code       string
	Title      string
	Message    string
	Err        error
}

func (e ValidationError) Error() string { return fmt.Sprintf("%s - %s", e.Code, e.Message) }
func (e ValidationError) Unwrap() error { return e.Err }

// UnprocessableOperationError records a guard failure: the request is well
// formed but the current state forbids it (active dispute, policy block,
// invalid transition).
type UnprocessableOperationError struct {
	EntityType string
	Code       string
	Title      string
	Message    string
	Err        error
}

func (e UnprocessableOperationError) Error() string { return fmt.Sprintf("%s - %s", e.Code, e.Message) }
func (e UnprocessableOperationError) Unwrap() error { return e.Err }

// FreezeError is returned by every mutating entry point while the
// kill-switch is active.
type FreezeError struct {
	Reason  string
	Code    string
	Title   string
	Message string
}

func (e FreezeError) Error() string { return fmt.Sprintf("%s - %s (%s)", e.Code, e.Message, e.Reason) }

// InternalServerError wraps an unexpected internal failure; the caller never
// sees the stack trace, only a stable code and message.
type InternalServerError struct {
	EntityType string
	Code       string
	Title      string
	Message    string
	Err        error
}

func (e InternalServerError) Error() string { return fmt.Sprintf("%s - %s", e.Code, e.Message) }
func (e InternalServerError) Unwrap() error { return e.Err }

// ValidateBusinessError maps a sentinel business error into the typed wrapper
// error a transport boundary renders to the client. Grounded on
// common/constant/errors.go's ValidateBusinessError switch.
func ValidateBusinessError(err error, entityType string) error {
	switch {
	case errors.Is(err, ErrTerminalStateImmutable):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrTerminalStateImmutable.Error(),
			Title: "Terminal State Immutable", Message: "The escrow is in a terminal state and accepts no further transitions.", Err: err}
	case errors.Is(err, ErrAmountImmutable):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrAmountImmutable.Error(),
			Title: "Amount Immutable", Message: "The escrow amount cannot change after funding.", Err: err}
	case errors.Is(err, ErrXPDoubleAward):
		return EntityConflictError{EntityType: entityType, Code: ErrXPDoubleAward.Error(),
			Title: "XP Already Awarded", Message: "XP has already been awarded for this escrow.", Err: err}
	case errors.Is(err, ErrActiveDisputeExists):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrActiveDisputeExists.Error(),
			Title: "Active Dispute", Message: "This task has an active dispute; payout release is blocked.", Err: err}
	case errors.Is(err, ErrPolicyBlocked):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrPolicyBlocked.Error(),
			Title: "Policy Blocked", Message: "The counterparty is not eligible for this operation.", Err: err}
	case errors.Is(err, ErrAmountMismatch):
		return ValidationError{EntityType: entityType, Code: ErrAmountMismatch.Error(),
			Title: "Amount Mismatch", Message: "The requested amount does not match the escrow's immutable amount.", Err: err}
	case errors.Is(err, ErrUnauthorizedActor):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrUnauthorizedActor.Error(),
			Title: "Unauthorized Actor", Message: "This actor is not authorized to perform this event.", Err: err}
	case errors.Is(err, ErrConflictOfInterest):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrConflictOfInterest.Error(),
			Title: "Conflict of Interest", Message: "An admin related to this task cannot act on it.", Err: err}
	case errors.Is(err, ErrTemporalRegression):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrTemporalRegression.Error(),
			Title: "Event Out of Order", Message: "This event is older than the last committed transition.", Err: err}
	case errors.Is(err, ErrLedgerUnbalanced):
		return InternalServerError{EntityType: entityType, Code: ErrLedgerUnbalanced.Error(),
			Title: "Ledger Unbalanced", Message: "Debits and credits did not balance for this transaction.", Err: err}
	case errors.Is(err, ErrInvalidTransition):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrInvalidTransition.Error(),
			Title: "Invalid Transition", Message: "This event is not allowed from the escrow's current state.", Err: err}
	case errors.Is(err, ErrTaskNotFound):
		return EntityNotFoundError{EntityType: entityType, Code: ErrTaskNotFound.Error(),
			Title: "Task Not Found", Message: "No task was found for the given id.", Err: err}
	case errors.Is(err, ErrEventAlreadyProcessed):
		return EntityConflictError{EntityType: entityType, Code: ErrEventAlreadyProcessed.Error(),
			Title: "Duplicate Event", Message: "This external event id has already been processed.", Err: err}
	case errors.Is(err, ErrWebhookUnknownType):
		return ValidationError{EntityType: entityType, Code: ErrWebhookUnknownType.Error(),
			Title: "Unknown Webhook Type", Message: "This webhook event type is not recognized and was skipped.", Err: err}
	case errors.Is(err, ErrProofInvalidTransition):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrProofInvalidTransition.Error(),
			Title: "Invalid Proof Transition", Message: "This proof state does not allow the requested transition.", Err: err}
	case errors.Is(err, ErrProofHashReused):
		return EntityConflictError{EntityType: entityType, Code: ErrProofHashReused.Error(),
			Title: "Proof Hash Reused", Message: "This file hash is already bound to a different task.", Err: err}
	case errors.Is(err, ErrProofRequestLimitReached):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrProofRequestLimitReached.Error(),
			Title: "Proof Request Limit Reached", Message: "This task has reached its configured proof request limit.", Err: err}
	case errors.Is(err, ErrShadowBanned):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrShadowBanned.Error(),
			Title: "Shadow Banned", Message: "This user's trust score is below the eligibility threshold.", Err: err}
	case errors.Is(err, ErrIdempotencyKeyRequired):
		return ValidationError{EntityType: entityType, Code: ErrIdempotencyKeyRequired.Error(),
			Title: "Idempotency Key Required", Message: "A mutating call requires an idempotency key.", Err: err}
	case errors.Is(err, ErrLeaseHeldByOther):
		return EntityConflictError{EntityType: entityType, Code: ErrLeaseHeldByOther.Error(),
			Title: "Resource Locked", Message: "Another caller currently holds the lease for this resource.", Err: err}
	case errors.Is(err, ErrIdempotencyInFlight):
		return EntityConflictError{EntityType: entityType, Code: ErrIdempotencyInFlight.Error(),
			Title: "Request In Flight", Message: "A request with this idempotency key is already being processed.", Err: err}
	case errors.Is(err, ErrDLQExhausted):
		return InternalServerError{EntityType: entityType, Code: ErrDLQExhausted.Error(),
			Title: "Retries Exhausted", Message: "This job exhausted its retry budget and was moved to the dead-letter queue.", Err: err}
	case errors.Is(err, ErrVerificationCodeExpired):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrVerificationCodeExpired.Error(),
			Title: "Verification Code Expired", Message: "No active verification code was found for this channel; request a new one.", Err: err}
	case errors.Is(err, ErrVerificationLockedOut):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrVerificationLockedOut.Error(),
			Title: "Verification Locked Out", Message: "Too many incorrect attempts; request a new code.", Err: err}
	case errors.Is(err, ErrVerificationCodeMismatch):
		return ValidationError{EntityType: entityType, Code: ErrVerificationCodeMismatch.Error(),
			Title: "Incorrect Verification Code", Message: "The submitted code does not match.", Err: err}
	case errors.Is(err, ErrVerificationRateLimited):
		return UnprocessableOperationError{EntityType: entityType, Code: ErrVerificationRateLimited.Error(),
			Title: "Verification Rate Limited", Message: "Too many verification codes requested for this channel recently.", Err: err}
	default:
		return ValidateInternalError(err, entityType)
	}
}

// ValidateInternalError wraps an unclassified error as an InternalServerError,
// never leaking the original message to production callers.
func ValidateInternalError(err error, entityType string) error {
	return InternalServerError{
		EntityType: entityType,
		Code:       "HX999",
		Title:      "Internal Server Error",
		Message:    "The server encountered an unexpected error. Please try again later.",
		Err:        err,
	}
}

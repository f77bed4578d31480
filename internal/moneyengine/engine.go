// Package moneyengine is the escrow state machine (§4.1): it drives
// Stripe-style payment-processor effects, the double-entry Ledger, and the
// MoneyStateLock atomically through a three-phase Saga (prepare, execute,
// commit), so that a crash at any point leaves the system in a state the
// Saga Sweepers can recover rather than a half-applied transition.
package moneyengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hustlexp/escrow-kernel/internal/killswitch"
	"github.com/hustlexp/escrow-kernel/internal/ledger"
	"github.com/hustlexp/escrow-kernel/internal/lease"
	"github.com/hustlexp/escrow-kernel/internal/outbox"
	"github.com/hustlexp/escrow-kernel/internal/outboundmirror"
	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/hustlexp/escrow-kernel/internal/platform/mopentelemetry"
	"github.com/hustlexp/escrow-kernel/internal/policy"
	"github.com/hustlexp/escrow-kernel/internal/processor"
	"github.com/hustlexp/escrow-kernel/internal/task"
	"github.com/hustlexp/escrow-kernel/internal/temporalguard"
	"github.com/hustlexp/escrow-kernel/internal/xp"
)

// releaseXPAmount is the fixed XP grant on release, per S1 in the kernel's
// acceptance scenarios.
const releaseXPAmount = 500

// errAlreadyProcessed short-circuits the prepare phase's transaction when
// the external event id was already seen; Handle converts it back into a
// successful "duplicate_ignored" Result rather than an error.
var errAlreadyProcessed = errors.New("moneyengine: event already processed")

// Engine is the Money Engine UseCase, aggregating every dependency the
// three-phase saga touches — grounded on the teacher's command.UseCase
// struct shape, scaled up because this is the one component the spec
// names as the kernel's core.
type Engine struct {
	State         StateRepository
	Ledger        ledger.Repository
	Mirror        *outboundmirror.Mirror
	Processor     processor.Processor
	Lease         *lease.Locker
	Temporal      *temporalguard.Guard
	KillSwitch    *killswitch.Switch
	Policy        *policy.Gate
	XP            *xp.Awarder
	Outbox        *outbox.Publisher
	DB            *sql.DB
}

type preparedPhase struct {
	ledgerTxID uuid.UUID
	lockBefore task.MoneyStateLock
	toState    task.EscrowState
	entries    []ledger.Entry
}

// Handle is the engine's single entry point: handle(taskId, eventType,
// context, externalEventId) from spec §4.1.
func (e *Engine) Handle(ctx context.Context, taskID uuid.UUID, eventType task.EventType, evCtx EventContext, externalEventID string) (Result, error) {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "moneyengine.Handle")
	defer span.End()

	logger := mlog.NewLoggerFromContext(ctx)

	if e.KillSwitch.IsActive(ctx) {
		return Result{}, platerrors.ErrKillSwitchActive
	}

	resources := batchResources(taskID, evCtx.PosterID, evCtx.HustlerID)

	var result Result

	err := e.withBatchLease(ctx, resources, func(ctx context.Context) error {
		prep, err := e.prepare(ctx, taskID, eventType, evCtx, externalEventID)
		if err != nil {
			if errors.Is(err, errAlreadyProcessed) {
				lock, lookupErr := e.State.GetForUpdate(ctx, taskID)
				if lookupErr != nil {
					return lookupErr
				}

				result = Result{State: lock.State, NextEvents: task.AllowedEvents(lock.State)}

				return nil
			}

			return err
		}

		respRaw, err := e.execute(ctx, taskID, eventType, evCtx, externalEventID, prep)
		if err != nil {
			e.compensate(ctx, taskID, eventType, externalEventID, prep, err)
			return platerrors.ErrExternalEffectFailed
		}

		toState, err := e.commit(ctx, taskID, eventType, evCtx, externalEventID, prep, respRaw)
		if err != nil {
			return err
		}

		result = Result{State: toState, NextEvents: task.AllowedEvents(toState)}

		return nil
	})
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "money engine transition failed", err)
		return Result{}, err
	}

	if result.State == task.EscrowReleased {
		if err := e.XP.AwardOnRelease(ctx, evCtx.HustlerID, taskID, releaseXPAmount); err != nil {
			if !errors.Is(err, platerrors.ErrXPDoubleAward) {
				logger.Warnf("moneyengine: XP award failed for task %s: %v", taskID, err)
			}
		}
	}

	return result, nil
}

// prepare runs phase 1 (spec §4.1.1) inside one database transaction:
// dedup check, row lock, temporal guard, business guards, and ledger
// prepare.
func (e *Engine) prepare(ctx context.Context, taskID uuid.UUID, eventType task.EventType, evCtx EventContext, externalEventID string) (preparedPhase, error) {
	var prep preparedPhase

	err := dbtx.RunInTransaction(ctx, e.DB, func(ctx context.Context) error {
		processed, err := e.State.IsEventProcessed(ctx, externalEventID)
		if err != nil {
			return err
		}

		if processed {
			return errAlreadyProcessed
		}

		lock, err := e.State.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}

		if err := e.Temporal.Check(ctx, taskID.String(), evCtx.LogicalTime); err != nil {
			return err
		}

		toState, ok := task.Next(lock.State, eventType)
		if !ok {
			return platerrors.ErrInvalidTransition
		}

		if isPartialRefund(eventType, evCtx) {
			toState = task.EscrowPartialRefund
		}

		if err := e.checkGuards(ctx, eventType, evCtx, lock); err != nil {
			return err
		}

		entries, err := e.buildEntries(ctx, eventType, evCtx, lock)
		if err != nil {
			return err
		}

		if !ledger.Balance(entries) {
			return platerrors.ErrLedgerUnbalanced
		}

		ledgerTx := ledger.Transaction{
			ID:             idgen.New(),
			IdempotencyKey: externalEventID,
			TaskID:         taskID,
			Status:         ledger.TxPrepared,
			Entries:        entries,
		}

		if err := e.Ledger.Prepare(ctx, ledgerTx); err != nil {
			return err
		}

		prep = preparedPhase{ledgerTxID: ledgerTx.ID, lockBefore: lock, toState: toState, entries: entries}

		return nil
	})

	return prep, err
}

// checkGuards enforces the business rules from spec §4.1.1 beyond the
// bare transition table: active-dispute block on release, policy
// eligibility, and amount immutability.
func (e *Engine) checkGuards(ctx context.Context, eventType task.EventType, evCtx EventContext, lock task.MoneyStateLock) error {
	if isAdminEvent(eventType) && evCtx.IsAdminActor {
		if evCtx.ActorID != uuid.Nil && (evCtx.ActorID == evCtx.PosterID || evCtx.ActorID == evCtx.HustlerID) {
			return platerrors.ErrConflictOfInterest
		}
	}

	if eventType == task.EventReleasePayout {
		if evCtx.ActiveDisputeOpen {
			return platerrors.ErrActiveDisputeExists
		}

		eligible, err := e.Policy.EligibleForRelease(ctx, evCtx.HustlerID)
		if err != nil {
			return err
		}

		if !eligible {
			return platerrors.ErrPolicyBlocked
		}
	}

	if lock.AmountCents != 0 {
		requested := requestedAmount(eventType, evCtx)
		if requested != 0 && requested != lock.AmountCents {
			return platerrors.ErrAmountMismatch
		}
	}

	return nil
}

// isAdminEvent reports whether eventType is only ever issued by an
// operator rather than a marketplace party, per spec §6's admin verb list.
func isAdminEvent(eventType task.EventType) bool {
	switch eventType {
	case task.EventForceRefund, task.EventResolveRefund, task.EventResolveUphold:
		return true
	default:
		return false
	}
}

// isPartialRefund reports whether a refund-type event carries a
// RefundFraction strictly between 0 and 1, the signal that buildEntries
// should prorate rather than refund the held amount in full.
func isPartialRefund(eventType task.EventType, evCtx EventContext) bool {
	switch eventType {
	case task.EventRefundEscrow, task.EventForceRefund, task.EventResolveRefund:
	default:
		return false
	}

	return evCtx.RefundFraction.Sign() > 0 && evCtx.RefundFraction.LessThan(decimal.NewFromInt(1))
}

func requestedAmount(eventType task.EventType, evCtx EventContext) int64 {
	switch eventType {
	case task.EventHoldEscrow:
		return evCtx.AmountCents
	case task.EventReleasePayout:
		return evCtx.PayoutAmountCents
	case task.EventRefundEscrow, task.EventForceRefund, task.EventResolveRefund:
		return 0 // refunds may legitimately be partial; amount-match only applies to the funding amount
	default:
		return 0
	}
}

// buildEntries maps (eventType, context) to the balanced ledger entries
// for that transition, per the table in spec §4.1.1.
func (e *Engine) buildEntries(ctx context.Context, eventType task.EventType, evCtx EventContext, lock task.MoneyStateLock) ([]ledger.Entry, error) {
	posterAcc, err := e.Ledger.GetOrCreateAccount(ctx, &evCtx.PosterID, ledger.AccountPosterReceivable)
	if err != nil {
		return nil, err
	}

	escrowAcc, err := e.Ledger.GetOrCreateAccount(ctx, nil, ledger.AccountEscrowHeld)
	if err != nil {
		return nil, err
	}

	switch eventType {
	case task.EventHoldEscrow:
		return []ledger.Entry{
			{AccountID: posterAcc.ID, DebitCents: evCtx.AmountCents},
			{AccountID: escrowAcc.ID, CreditCents: evCtx.AmountCents},
		}, nil

	case task.EventReleasePayout:
		hustlerAcc, err := e.Ledger.GetOrCreateAccount(ctx, &evCtx.HustlerID, ledger.AccountHustlerPayable)
		if err != nil {
			return nil, err
		}

		return []ledger.Entry{
			{AccountID: escrowAcc.ID, DebitCents: evCtx.PayoutAmountCents},
			{AccountID: hustlerAcc.ID, CreditCents: evCtx.PayoutAmountCents},
		}, nil

	case task.EventRefundEscrow, task.EventForceRefund, task.EventResolveRefund:
		if isPartialRefund(eventType, evCtx) {
			refundCents, residualCents := ledger.ProrateRefund(lock.AmountCents, evCtx.RefundFraction)

			entries := []ledger.Entry{
				{AccountID: escrowAcc.ID, DebitCents: refundCents + residualCents},
				{AccountID: posterAcc.ID, CreditCents: refundCents},
			}

			if residualCents > 0 {
				platformAcc, err := e.Ledger.GetOrCreateAccount(ctx, nil, ledger.AccountPlatformRevenue)
				if err != nil {
					return nil, err
				}

				entries = append(entries, ledger.Entry{AccountID: platformAcc.ID, CreditCents: residualCents})
			}

			return entries, nil
		}

		amount := evCtx.RefundAmountCents
		if amount == 0 {
			amount = lock.AmountCents
		}

		return []ledger.Entry{
			{AccountID: escrowAcc.ID, DebitCents: amount},
			{AccountID: posterAcc.ID, CreditCents: amount},
		}, nil

	case task.EventDisputeOpen:
		disputeAcc, err := e.Ledger.GetOrCreateAccount(ctx, nil, ledger.AccountType("platform_dispute_hold"))
		if err != nil {
			return nil, err
		}

		return []ledger.Entry{
			{AccountID: escrowAcc.ID, DebitCents: lock.AmountCents},
			{AccountID: disputeAcc.ID, CreditCents: lock.AmountCents},
		}, nil

	case task.EventResolveUphold:
		disputeAcc, err := e.Ledger.GetOrCreateAccount(ctx, nil, ledger.AccountType("platform_dispute_hold"))
		if err != nil {
			return nil, err
		}

		hustlerAcc, err := e.Ledger.GetOrCreateAccount(ctx, &evCtx.HustlerID, ledger.AccountHustlerPayable)
		if err != nil {
			return nil, err
		}

		return []ledger.Entry{
			{AccountID: disputeAcc.ID, DebitCents: lock.AmountCents},
			{AccountID: hustlerAcc.ID, CreditCents: lock.AmountCents},
		}, nil

	default:
		return nil, platerrors.ErrInvalidTransition
	}
}

// execute runs phase 2 (spec §4.1.2): the external side effect, mirrored
// exactly-once by idempotency key.
func (e *Engine) execute(ctx context.Context, taskID uuid.UUID, eventType task.EventType, evCtx EventContext, externalEventID string, prep preparedPhase) ([]byte, error) {
	requestRaw, _ := json.Marshal(evCtx)

	return e.Mirror.Call(ctx, externalEventID, taskID, string(eventType), requestRaw, func(ctx context.Context) ([]byte, error) {
		return e.callProcessor(ctx, eventType, evCtx, prep, externalEventID)
	})
}

func (e *Engine) callProcessor(ctx context.Context, eventType task.EventType, evCtx EventContext, prep preparedPhase, externalEventID string) ([]byte, error) {
	switch eventType {
	case task.EventHoldEscrow:
		res, err := e.Processor.Hold(ctx, processor.HoldRequest{
			IdempotencyKey: externalEventID,
			AmountCents:    evCtx.AmountCents,
			PaymentMethod:  evCtx.PaymentMethod,
		})
		if err != nil {
			return nil, err
		}

		return json.Marshal(res)

	case task.EventReleasePayout:
		res, err := e.Processor.Release(ctx, processor.ReleaseRequest{
			IdempotencyKey:  externalEventID,
			PaymentIntentID: derefStr(prep.lockBefore.Refs.PaymentIntentID),
			PayoutCents:     evCtx.PayoutAmountCents,
			DestinationID:   evCtx.DestinationID,
		})
		if err != nil {
			return nil, err
		}

		return json.Marshal(res)

	case task.EventRefundEscrow, task.EventForceRefund, task.EventResolveRefund:
		res, err := e.Processor.Refund(ctx, processor.RefundRequest{
			IdempotencyKey:  externalEventID,
			PaymentIntentID: derefStr(prep.lockBefore.Refs.PaymentIntentID),
			ChargeID:        derefStr(prep.lockBefore.Refs.ChargeID),
			RefundCents:     evCtx.RefundAmountCents,
		})
		if err != nil {
			return nil, err
		}

		return json.Marshal(res)

	default:
		// DISPUTE_OPEN and RESOLVE_UPHOLD move money only internally
		// (platform_dispute_hold), with no external processor call.
		return []byte("{}"), nil
	}
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

// commit runs phase 3 (spec §4.1.3): commit the prepared ledger tx,
// advance the state lock and the Temporal Guard watermark, record
// exactly-once processing, append the audit row, and emit the domain
// event — all in one transaction.
func (e *Engine) commit(ctx context.Context, taskID uuid.UUID, eventType task.EventType, evCtx EventContext, externalEventID string, prep preparedPhase, respRaw []byte) (task.EscrowState, error) {
	var toState task.EscrowState

	err := dbtx.RunInTransaction(ctx, e.DB, func(ctx context.Context) error {
		cur, err := e.State.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}

		for _, entry := range prep.entries {
			delta := entry.CreditCents - entry.DebitCents

			acc, err := e.Ledger.LockAccount(ctx, entry.AccountID)
			if err != nil {
				return err
			}

			if err := e.Ledger.ApplyEntry(ctx, entry.AccountID, delta, acc.Version); err != nil {
				return err
			}
		}

		if err := e.Ledger.Commit(ctx, prep.ledgerTxID); err != nil {
			return err
		}

		cur.State = prep.toState
		cur.Refs = mergeRefs(cur.Refs, respRaw)

		if cur.AmountCents == 0 {
			cur.AmountCents = requestedAmount(eventType, evCtx)
		}

		if err := e.State.Update(ctx, cur, cur.Version); err != nil {
			return err
		}

		if err := e.Temporal.Repository.Advance(ctx, taskID.String(), evCtx.LogicalTime); err != nil {
			return err
		}

		if err := e.State.MarkEventProcessed(ctx, externalEventID, taskID); err != nil {
			return err
		}

		if err := e.State.AppendAudit(ctx, AuditEntry{
			TaskID: taskID, EventType: eventType, ExternalEventID: externalEventID,
			FromState: prep.lockBefore.State, ToState: prep.toState, Success: true,
		}); err != nil {
			return err
		}

		if e.Outbox != nil {
			payload := map[string]any{"task_id": taskID, "event_type": eventType, "state": prep.toState}
			if err := e.Outbox.Emit(ctx, domainEventName(prep.toState), taskID, cur.Version, payload); err != nil {
				return err
			}
		}

		toState = prep.toState

		return nil
	})

	return toState, err
}

// compensate runs after a failed execute phase: the prepared ledger
// transaction is marked failed (never partially applied, since commit only
// calls ApplyEntry after execute succeeded) and a failed audit row is
// appended. Nothing is enqueued to a DLQ. Handle does not call compensate
// when commit fails; that ledger transaction stays prepared for the Saga
// Sweepers.
func (e *Engine) compensate(ctx context.Context, taskID uuid.UUID, eventType task.EventType, externalEventID string, prep preparedPhase, cause error) {
	logger := mlog.NewLoggerFromContext(ctx)

	compCtx := context.WithoutCancel(ctx)

	if err := e.Ledger.Fail(compCtx, prep.ledgerTxID); err != nil {
		logger.Errorf("moneyengine: failed to mark ledger tx %s failed during compensation: %v", prep.ledgerTxID, err)
	}

	_ = e.State.AppendAudit(compCtx, AuditEntry{
		TaskID: taskID, EventType: eventType, ExternalEventID: externalEventID,
		FromState: prep.lockBefore.State, Success: false, FailureReason: cause.Error(),
	})
}

func mergeRefs(refs task.ProcessorRefs, respRaw []byte) task.ProcessorRefs {
	var payload struct {
		PaymentIntentID string `json:"payment_intent_id"`
		ChargeID        string `json:"charge_id"`
		TransferID      string `json:"transfer_id"`
		RefundID        string `json:"refund_id"`
	}

	if err := json.Unmarshal(respRaw, &payload); err != nil {
		return refs
	}

	if payload.PaymentIntentID != "" {
		refs.PaymentIntentID = &payload.PaymentIntentID
	}

	if payload.ChargeID != "" {
		refs.ChargeID = &payload.ChargeID
	}

	if payload.TransferID != "" {
		refs.TransferID = &payload.TransferID
	}

	if payload.RefundID != "" {
		refs.RefundID = &payload.RefundID
	}

	return refs
}

func domainEventName(state task.EscrowState) string {
	switch state {
	case task.EscrowHeld:
		return "escrow.funded"
	case task.EscrowReleased:
		return "escrow.released"
	case task.EscrowRefunded, task.EscrowPartialRefund:
		return "escrow.refunded"
	case task.EscrowPendingDispute:
		return "dispute.opened"
	default:
		return fmt.Sprintf("escrow.%s", state)
	}
}

func batchResources(taskID, posterID, hustlerID uuid.UUID) []string {
	resources := []string{fmt.Sprintf("task:%s", taskID)}
	seen := map[uuid.UUID]struct{}{}

	for _, id := range []uuid.UUID{posterID, hustlerID} {
		if id == uuid.Nil {
			continue
		}

		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		resources = append(resources, fmt.Sprintf("user:%s", id))
	}

	return resources
}

// withBatchLease acquires every resource in order, runs fn, and releases
// them in reverse order. Each Acquire is a single attempt: a resource held
// by another owner fails the whole batch at once with ErrLeaseHeldByOther,
// after releasing what was already acquired. Contending callers do not
// wait or queue, so there is no FIFO order among them.
func (e *Engine) withBatchLease(ctx context.Context, resources []string, fn func(ctx context.Context) error) error {
	var handles []*lease.Handle

	defer func() {
		for i := len(handles) - 1; i >= 0; i-- {
			_ = handles[i].Release(context.WithoutCancel(ctx))
		}
	}()

	for _, resource := range resources {
		h, err := e.Lease.Acquire(ctx, resource)
		if err != nil {
			return err
		}

		handles = append(handles, h)
	}

	return fn(ctx)
}

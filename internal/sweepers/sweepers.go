// Package sweepers implements the Saga Sweepers (§4.5): periodic reapers
// that resolve what a crash between the Money Engine's prepare and commit
// transactions leaves behind. They never guess; each pass checks the
// Outbound Mirror for a record of whether the external call actually
// happened before deciding whether a pending ledger transaction is safe
// to fail or must be replayed to commit.
package sweepers

import (
	"context"
	"time"

	"github.com/hustlexp/escrow-kernel/internal/ledger"
	"github.com/hustlexp/escrow-kernel/internal/moneyengine"
	"github.com/hustlexp/escrow-kernel/internal/outboundmirror"
	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/hustlexp/escrow-kernel/internal/platform/mopentelemetry"
)

// Pool runs the three sweeps on a fixed interval: the Pending-transaction
// Reaper, the Mirror-recovery Sweeper, and the Reality-mirror Backfill.
type Pool struct {
	Ledger   ledger.Repository
	Mirror   outboundmirror.Repository
	State    moneyengine.StateRepository
	Age      time.Duration
	Interval time.Duration

	// BackfillWindow bounds how far back the Reality-mirror Backfill looks
	// for resolved mirror records; it defaults to Age when zero.
	BackfillWindow time.Duration
}

func (p *Pool) backfillWindow() time.Duration {
	if p.BackfillWindow > 0 {
		return p.BackfillWindow
	}

	return p.Age
}

// NewPool builds a Pool with the spec's default pending-age threshold.
func NewPool(ledgerRepo ledger.Repository, mirrorRepo outboundmirror.Repository, stateRepo moneyengine.StateRepository) *Pool {
	return &Pool{
		Ledger:   ledgerRepo,
		Mirror:   mirrorRepo,
		State:    stateRepo,
		Age:      5 * time.Minute,
		Interval: time.Minute,
	}
}

// Run executes all three sweeps on Interval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	logger := mlog.NewLoggerFromContext(ctx)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				logger.Errorf("sweepers: pass failed: %v", err)
			}
		}
	}
}

// RunOnce executes the reaper, the mirror-recovery sweep, and the backfill
// once, in that order, returning the first error encountered.
func (p *Pool) RunOnce(ctx context.Context) error {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "sweepers.RunOnce")
	defer span.End()

	if err := p.ReapPending(ctx); err != nil {
		mopentelemetry.HandleSpanError(&span, "pending-transaction reaper failed", err)
		return err
	}

	if err := p.RecoverMirrored(ctx); err != nil {
		mopentelemetry.HandleSpanError(&span, "mirror-recovery sweeper failed", err)
		return err
	}

	if err := p.BackfillReality(ctx); err != nil {
		mopentelemetry.HandleSpanError(&span, "reality-mirror backfill failed", err)
		return err
	}

	return nil
}

// ReapPending finds ledger transactions still in TxPrepared older than Age
// with no matching Outbound Mirror record: no external call was ever
// attempted for them, so they are safe to fail outright without touching
// any account balance.
func (p *Pool) ReapPending(ctx context.Context) error {
	logger := mlog.NewLoggerFromContext(ctx)

	pending, err := p.Ledger.ListPendingOlderThan(ctx, p.Age)
	if err != nil {
		return err
	}

	for _, tx := range pending {
		_, found, err := p.Mirror.FindByIdempotencyKey(ctx, tx.IdempotencyKey)
		if err != nil {
			logger.Errorf("sweepers: reaper lookup failed for transaction %s: %v", tx.ID, err)
			continue
		}

		if found {
			// A mirror record exists: RecoverMirrored owns this transaction.
			continue
		}

		logger.Warnf("sweepers: reaping stuck transaction %s (prepared, no mirror record, crash_pre_execute)", tx.ID)

		if err := p.Ledger.Fail(ctx, tx.ID); err != nil {
			logger.Errorf("sweepers: failed to reap transaction %s: %v", tx.ID, err)
		}
	}

	return nil
}

// RecoverMirrored finds ledger transactions still in TxPrepared older than
// Age that DO have a matching Outbound Mirror record. A Success outcome
// means the external call went through before the process crashed, so the
// transaction is replayed to completion rather than failed: each entry is
// applied and the ledger transaction committed, as the Money Engine's
// commit phase does. Only the ledger side is replayed; the state lock,
// processed-event record, audit row and outbox event are not written here.
// A Failure outcome fails the transaction; a Pending one is left alone.
func (p *Pool) RecoverMirrored(ctx context.Context) error {
	logger := mlog.NewLoggerFromContext(ctx)

	pending, err := p.Ledger.ListPendingOlderThan(ctx, p.Age)
	if err != nil {
		return err
	}

	for _, tx := range pending {
		rec, found, err := p.Mirror.FindByIdempotencyKey(ctx, tx.IdempotencyKey)
		if err != nil {
			logger.Errorf("sweepers: recovery lookup failed for transaction %s: %v", tx.ID, err)
			continue
		}

		if !found || rec.Outcome == outboundmirror.OutcomePending {
			// No mirror record (the reaper's case) or the external call
			// itself is still unresolved: nothing to recover yet.
			continue
		}

		if rec.Outcome == outboundmirror.OutcomeFailure {
			logger.Warnf("sweepers: mirror records a failed effect for transaction %s, failing", tx.ID)

			if err := p.Ledger.Fail(ctx, tx.ID); err != nil {
				logger.Errorf("sweepers: failed to fail transaction %s: %v", tx.ID, err)
			}

			continue
		}

		logger.Warnf("sweepers: recovering transaction %s, mirror reports the effect succeeded", tx.ID)

		if err := p.replayCommit(ctx, tx); err != nil {
			logger.Errorf("sweepers: failed to replay commit for transaction %s: %v", tx.ID, err)
		}
	}

	return nil
}

func (p *Pool) replayCommit(ctx context.Context, tx ledger.Transaction) error {
	for _, entry := range tx.Entries {
		acc, err := p.Ledger.LockAccount(ctx, entry.AccountID)
		if err != nil {
			return err
		}

		delta := entry.CreditCents - entry.DebitCents
		if err := p.Ledger.ApplyEntry(ctx, entry.AccountID, delta, acc.Version); err != nil {
			return err
		}
	}

	return p.Ledger.Commit(ctx, tx.ID)
}

// BackfillReality cross-checks recent Outbound Mirror records that
// resolved successfully against the Money Engine's processed-event table:
// a resolved mirror record with no corresponding processed event means an
// external effect ran but the kernel never durably recorded it, which is
// always worth a critical log even though the sweep itself takes no
// corrective action — a human investigates.
func (p *Pool) BackfillReality(ctx context.Context) error {
	logger := mlog.NewLoggerFromContext(ctx)

	resolved, err := p.Mirror.ListResolvedSince(ctx, time.Now().Add(-p.backfillWindow()))
	if err != nil {
		return err
	}

	for _, rec := range resolved {
		processed, err := p.State.IsEventProcessed(ctx, rec.IdempotencyKey)
		if err != nil {
			logger.Errorf("sweepers: backfill check failed for mirror record %s: %v", rec.ID, err)
			continue
		}

		if !processed {
			logger.Errorf("sweepers: CRITICAL drift: mirror record %s (%s) for task %s has no matching processed event", rec.ID, rec.EffectType, rec.TaskID)
		}
	}

	return nil
}

package ledger

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/hustlexp/escrow-kernel/internal/platform/mopentelemetry"
)

// UseCase is the Ledger's entry point: one balanced posting per call,
// replaying the cached result when called again with the same
// idempotency key. Grounded on the teacher's command.UseCase struct
// aggregating a repository and exposing one exported method per operation.
type UseCase struct {
	Repository Repository
	DB         *sql.DB
}

// NewUseCase builds a ledger UseCase.
func NewUseCase(repo Repository, db *sql.DB) *UseCase {
	return &UseCase{Repository: repo, DB: db}
}

// Post records a balanced transaction: it locks every account referenced by
// entries in a stable order (by account id) to avoid deadlocks between
// concurrent postings, verifies debits equal credits, applies each entry
// under optimistic version checks, and commits — all within one database
// transaction. Calling Post again with the same IdempotencyKey returns the
// previously committed transaction without re-applying entries.
func (uc *UseCase) Post(ctx context.Context, taskID uuid.UUID, idempotencyKey string, entries []Entry) (Transaction, error) {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "ledger.Post")
	defer span.End()

	logger := mlog.NewLoggerFromContext(ctx)

	if !Balance(entries) {
		mopentelemetry.HandleSpanError(&span, "unbalanced ledger entries", platerrors.ErrLedgerUnbalanced)
		return Transaction{}, platerrors.ErrLedgerUnbalanced
	}

	var result Transaction

	err := dbtx.RunInTransaction(ctx, uc.DB, func(ctx context.Context) error {
		existing, found, err := uc.Repository.FindByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return err
		}

		if found {
			result = existing
			logger.Infof("ledger transaction %s replayed for idempotency key %s", existing.ID, idempotencyKey)
			return nil
		}

		tx := Transaction{
			ID:             idgen.New(),
			IdempotencyKey: idempotencyKey,
			TaskID:         taskID,
			Status:         TxPrepared,
			Entries:        entries,
		}

		if err := uc.Repository.Prepare(ctx, tx); err != nil {
			return err
		}

		orderedAccounts := uniqueAccountIDsSorted(entries)
		locked := make(map[uuid.UUID]Account, len(orderedAccounts))

		for _, accID := range orderedAccounts {
			acc, err := uc.Repository.LockAccount(ctx, accID)
			if err != nil {
				_ = uc.Repository.Fail(ctx, tx.ID)
				return err
			}

			locked[accID] = acc
		}

		for _, e := range entries {
			delta := e.CreditCents - e.DebitCents

			acc := locked[e.AccountID]
			if err := uc.Repository.ApplyEntry(ctx, e.AccountID, delta, acc.Version); err != nil {
				_ = uc.Repository.Fail(ctx, tx.ID)
				return err
			}
		}

		if err := uc.Repository.Commit(ctx, tx.ID); err != nil {
			return err
		}

		tx.Status = TxCommitted
		result = tx

		return nil
	})
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "ledger posting failed", err)
		return Transaction{}, err
	}

	return result, nil
}

// uniqueAccountIDsSorted returns the distinct account ids referenced by
// entries in a stable ascending order, so concurrent Post calls touching
// overlapping account sets always acquire row locks in the same order.
func uniqueAccountIDsSorted(entries []Entry) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(entries))
	ids := make([]uuid.UUID, 0, len(entries))

	for _, e := range entries {
		if _, ok := seen[e.AccountID]; ok {
			continue
		}

		seen[e.AccountID] = struct{}{}
		ids = append(ids, e.AccountID)
	}

	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1].String() > ids[j].String(); j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}

	return ids
}

// Package ledger implements the double-entry Ledger (§6): every money
// movement is two or more balanced entries against named accounts, recorded
// through a prepare/commit/fail transaction lifecycle so a crash between
// "debit poster, credit platform" and the corresponding external Stripe
// call never leaves a half-written ledger. Grounded on the teacher's
// account/transaction domain package and its command/query UseCase split.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType names the fixed set of ledger accounts the kernel posts to.
// Grounded on spec §6's account list.
type AccountType string

const (
	AccountEscrowHeld       AccountType = "escrow_held"
	AccountPlatformRevenue  AccountType = "platform_revenue"
	AccountHustlerPayable   AccountType = "hustler_payable"
	AccountPosterReceivable AccountType = "poster_receivable"
	AccountProcessorClearing AccountType = "processor_clearing"
)

// Account is a named ledger account with a running balance, always
// expressed in integer cents to avoid floating point drift.
type Account struct {
	ID          uuid.UUID
	OwnerID     *uuid.UUID // nil for platform-wide accounts
	Type        AccountType
	BalanceCents int64
	Version     int64
}

// TransactionStatus is the lifecycle state of a LedgerTransaction.
type TransactionStatus string

const (
	TxPrepared TransactionStatus = "prepared"
	TxCommitted TransactionStatus = "committed"
	TxFailed    TransactionStatus = "failed"
)

// Entry is a single debit or credit line within a Transaction: DebitCents
// is set on the debited account's line, CreditCents on the credited
// account's line. In a balanced Transaction total debits equal total
// credits, which Balance checks by summing DebitCents - CreditCents over
// every entry.
type Entry struct {
	AccountID   uuid.UUID
	DebitCents  int64
	CreditCents int64
}

// Transaction is a single balanced ledger posting, keyed by an idempotency
// key so a retried caller observes the same transaction rather than
// double-posting.
type Transaction struct {
	ID             uuid.UUID
	IdempotencyKey string
	TaskID         uuid.UUID
	Status         TransactionStatus
	Entries        []Entry
	CreatedAt      time.Time
	CommittedAt    *time.Time
}

// Balance reports whether entries sum to zero across debits and credits.
func Balance(entries []Entry) bool {
	var total int64
	for _, e := range entries {
		total += e.DebitCents - e.CreditCents
	}

	return total == 0
}

// ProrateRefund computes the proportional refund in cents against a net
// held amount, rounding down to the nearest cent and returning the
// leftover residual (always >= 0) separately so the caller can route it to
// platform revenue rather than dropping it silently. This resolves the
// "how to round a partial refund" question from spec §9: prorate against
// the net amount actually held in escrow, round down, residual to the
// platform.
func ProrateRefund(netHeldCents int64, refundFraction decimal.Decimal) (refundCents int64, residualCents int64) {
	if netHeldCents <= 0 || refundFraction.Sign() <= 0 {
		return 0, netHeldCents
	}

	if refundFraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return netHeldCents, 0
	}

	held := decimal.NewFromInt(netHeldCents)
	refund := held.Mul(refundFraction).Truncate(0)

	refundCents = refund.IntPart()
	residualCents = netHeldCents - refundCents

	return refundCents, residualCents
}

// Repository persists accounts and transactions.
type Repository interface {
	GetOrCreateAccount(ctx context.Context, ownerID *uuid.UUID, accountType AccountType) (Account, error)
	LockAccount(ctx context.Context, accountID uuid.UUID) (Account, error)
	ApplyEntry(ctx context.Context, accountID uuid.UUID, deltaCents int64, expectedVersion int64) error

	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error)
	Prepare(ctx context.Context, tx Transaction) error
	Commit(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID) error

	// ListPendingOlderThan lists transactions still in TxPrepared older
	// than age, for the Saga Sweepers' Pending-transaction Reaper and
	// Mirror-recovery Sweeper.
	ListPendingOlderThan(ctx context.Context, age time.Duration) ([]Transaction, error)
}

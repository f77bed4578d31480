package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/escrow-kernel/internal/ledger"
)

func TestBalance(t *testing.T) {
	escrow := mustUUID(t)
	revenue := mustUUID(t)

	balanced := []ledger.Entry{
		{AccountID: escrow, DebitCents: 1000},
		{AccountID: revenue, CreditCents: 1000},
	}
	assert.True(t, ledger.Balance(balanced))

	unbalanced := []ledger.Entry{
		{AccountID: escrow, DebitCents: 1000},
		{AccountID: revenue, CreditCents: 900},
	}
	assert.False(t, ledger.Balance(unbalanced))
}

func TestProrateRefund_RoundsDownAndReturnsResidual(t *testing.T) {
	refundCents, residualCents := ledger.ProrateRefund(10000, decimal.NewFromFloat(0.333))

	assert.Equal(t, int64(3330), refundCents)
	assert.Equal(t, int64(6670), residualCents)
	assert.Equal(t, int64(10000), refundCents+residualCents, "refund + residual must reconstruct the full held amount")
}

func TestProrateRefund_FullFractionReturnsEverything(t *testing.T) {
	refundCents, residualCents := ledger.ProrateRefund(5000, decimal.NewFromInt(1))

	assert.Equal(t, int64(5000), refundCents)
	assert.Equal(t, int64(0), residualCents)
}

func TestProrateRefund_ZeroFractionReturnsNothing(t *testing.T) {
	refundCents, residualCents := ledger.ProrateRefund(5000, decimal.Zero)

	assert.Equal(t, int64(0), refundCents)
	assert.Equal(t, int64(5000), residualCents)
}

func TestUseCase_Post_ReplaysOnSameIdempotencyKey(t *testing.T) {
	repo := newFakeRepository()
	uc := &postOnlyUseCase{repo: repo}

	taskID := mustUUID(t)
	escrow := mustUUID(t)
	revenue := mustUUID(t)
	repo.seedAccount(escrow)
	repo.seedAccount(revenue)

	entries := []ledger.Entry{
		{AccountID: escrow, DebitCents: 500},
		{AccountID: revenue, CreditCents: 500},
	}

	tx1, err := uc.Post(context.Background(), taskID, "key-1", entries)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCommitted, tx1.Status)

	tx2, err := uc.Post(context.Background(), taskID, "key-1", entries)
	require.NoError(t, err)
	assert.Equal(t, tx1.ID, tx2.ID, "same idempotency key must return the same transaction")

	assert.Equal(t, 2, repo.applyCount, "entries must be applied exactly once across both calls")
}

func TestUseCase_Post_RejectsUnbalancedEntries(t *testing.T) {
	repo := newFakeRepository()
	uc := &postOnlyUseCase{repo: repo}

	escrow := mustUUID(t)
	entries := []ledger.Entry{{AccountID: escrow, DebitCents: 500}}

	_, err := uc.Post(context.Background(), mustUUID(t), "key-2", entries)
	require.Error(t, err)
}

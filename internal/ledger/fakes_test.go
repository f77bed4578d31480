package ledger_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/escrow-kernel/internal/ledger"
)

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()

	id, err := uuid.NewRandom()
	require.NoError(t, err)

	return id
}

// fakeRepository is an in-memory ledger.Repository, exercising the
// UseCase's business logic (balance check, replay, ordered locking)
// without a real database.
type fakeRepository struct {
	accounts     map[uuid.UUID]ledger.Account
	transactions map[string]ledger.Transaction
	applyCount   int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accounts:     make(map[uuid.UUID]ledger.Account),
		transactions: make(map[string]ledger.Transaction),
	}
}

func (f *fakeRepository) seedAccount(id uuid.UUID) {
	f.accounts[id] = ledger.Account{ID: id}
}

func (f *fakeRepository) GetOrCreateAccount(_ context.Context, ownerID *uuid.UUID, accountType ledger.AccountType) (ledger.Account, error) {
	for _, acc := range f.accounts {
		if acc.Type == accountType {
			return acc, nil
		}
	}

	acc := ledger.Account{ID: uuid.New(), OwnerID: ownerID, Type: accountType}
	f.accounts[acc.ID] = acc

	return acc, nil
}

func (f *fakeRepository) LockAccount(_ context.Context, accountID uuid.UUID) (ledger.Account, error) {
	return f.accounts[accountID], nil
}

func (f *fakeRepository) ApplyEntry(_ context.Context, accountID uuid.UUID, deltaCents int64, _ int64) error {
	acc := f.accounts[accountID]
	acc.BalanceCents += deltaCents
	acc.Version++
	f.accounts[accountID] = acc
	f.applyCount++

	return nil
}

func (f *fakeRepository) FindByIdempotencyKey(_ context.Context, key string) (ledger.Transaction, bool, error) {
	tx, ok := f.transactions[key]
	return tx, ok, nil
}

func (f *fakeRepository) Prepare(_ context.Context, tx ledger.Transaction) error {
	f.transactions[tx.IdempotencyKey] = tx
	return nil
}

func (f *fakeRepository) Commit(_ context.Context, id uuid.UUID) error {
	for k, tx := range f.transactions {
		if tx.ID == id {
			tx.Status = ledger.TxCommitted
			f.transactions[k] = tx
		}
	}

	return nil
}

func (f *fakeRepository) Fail(_ context.Context, id uuid.UUID) error {
	for k, tx := range f.transactions {
		if tx.ID == id {
			tx.Status = ledger.TxFailed
			f.transactions[k] = tx
		}
	}

	return nil
}

func (f *fakeRepository) ListPendingOlderThan(_ context.Context, age time.Duration) ([]ledger.Transaction, error) {
	var out []ledger.Transaction

	cutoff := time.Now().Add(-age)
	for _, tx := range f.transactions {
		if tx.Status == ledger.TxPrepared && tx.CreatedAt.Before(cutoff) {
			out = append(out, tx)
		}
	}

	return out, nil
}

// postOnlyUseCase wraps ledger.UseCase over a fresh sqlmock database for
// each Post call, each expecting one begin/commit pair, so tests exercise
// the real RunInTransaction wiring against the fakeRepository's in-memory
// state.
type postOnlyUseCase struct {
	repo *fakeRepository
}

func (p *postOnlyUseCase) Post(ctx context.Context, taskID uuid.UUID, idempotencyKey string, entries []ledger.Entry) (ledger.Transaction, error) {
	db, mock, err := sqlmock.New()
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.MatchExpectationsInOrder(false)

	uc := ledger.NewUseCase(p.repo, db)

	return uc.Post(ctx, taskID, idempotencyKey, entries)
}

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
)

// PostgresRepository is the database/sql-backed Repository implementation,
// grounded on the teacher's adapters/postgres/account/account.postgresql.go
// (struct wrapping a connection, one method per query, span-free here since
// the UseCase layer already opens the span per call).
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository builds a PostgresRepository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetOrCreateAccount(ctx context.Context, ownerID *uuid.UUID, accountType AccountType) (Account, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	insertQuery, insertArgs, err := sq.Insert("ledger_accounts").
		Columns("id", "owner_id", "account_type", "balance_cents", "version").
		Values(idgen.New(), ownerID, accountType, 0, 0).
		Suffix("ON CONFLICT (owner_id, account_type) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Account{}, err
	}

	if _, err := exec.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
		return Account{}, err
	}

	selectQuery, selectArgs, err := sq.Select("id", "owner_id", "account_type", "balance_cents", "version").
		From("ledger_accounts").
		Where(sq.Eq{"account_type": accountType}).
		Where(ownerFilter(ownerID)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Account{}, err
	}

	var acc Account
	row := exec.QueryRowContext(ctx, selectQuery, selectArgs...)
	if err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Type, &acc.BalanceCents, &acc.Version); err != nil {
		return Account{}, err
	}

	return acc, nil
}

func ownerFilter(ownerID *uuid.UUID) sq.Sqlizer {
	if ownerID == nil {
		return sq.Expr("owner_id IS NULL")
	}

	return sq.Eq{"owner_id": *ownerID}
}

func (r *PostgresRepository) LockAccount(ctx context.Context, accountID uuid.UUID) (Account, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("id", "owner_id", "account_type", "balance_cents", "version").
		From("ledger_accounts").
		Where(sq.Eq{"id": accountID}).
		Suffix("FOR UPDATE").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Account{}, err
	}

	var acc Account
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Type, &acc.BalanceCents, &acc.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, platerrors.ErrTaskNotFound
		}
		return Account{}, err
	}

	return acc, nil
}

func (r *PostgresRepository) ApplyEntry(ctx context.Context, accountID uuid.UUID, deltaCents int64, expectedVersion int64) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("ledger_accounts").
		Set("balance_cents", sq.Expr("balance_cents + ?", deltaCents)).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": accountID, "version": expectedVersion}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return platerrors.ErrVersionConflict
	}

	return nil
}

func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("id", "idempotency_key", "task_id", "status", "entries_json", "created_at", "committed_at").
		From("ledger_transactions").
		Where(sq.Eq{"idempotency_key": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Transaction{}, false, err
	}

	var tx Transaction
	var entriesRaw []byte
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&tx.ID, &tx.IdempotencyKey, &tx.TaskID, &tx.Status, &entriesRaw, &tx.CreatedAt, &tx.CommittedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}

	if err := json.Unmarshal(entriesRaw, &tx.Entries); err != nil {
		return Transaction{}, false, err
	}

	return tx, true, nil
}

func (r *PostgresRepository) Prepare(ctx context.Context, tx Transaction) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	entriesRaw, err := json.Marshal(tx.Entries)
	if err != nil {
		return err
	}

	query, args, err := sq.Insert("ledger_transactions").
		Columns("id", "idempotency_key", "task_id", "status", "entries_json", "created_at").
		Values(tx.ID, tx.IdempotencyKey, tx.TaskID, TxPrepared, entriesRaw, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return platerrors.ErrLedgerDuplicateIdemKey
	}

	return nil
}

func (r *PostgresRepository) ListPendingOlderThan(ctx context.Context, age time.Duration) ([]Transaction, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("id", "idempotency_key", "task_id", "status", "entries_json", "created_at", "committed_at").
		From("ledger_transactions").
		Where(sq.Eq{"status": TxPrepared}).
		Where(sq.Lt{"created_at": time.Now().Add(-age)}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []Transaction

	for rows.Next() {
		var tx Transaction
		var entriesRaw []byte

		if err := rows.Scan(&tx.ID, &tx.IdempotencyKey, &tx.TaskID, &tx.Status, &entriesRaw, &tx.CreatedAt, &tx.CommittedAt); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(entriesRaw, &tx.Entries); err != nil {
			return nil, err
		}

		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

func (r *PostgresRepository) Commit(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, TxCommitted, TxPrepared)
}

func (r *PostgresRepository) Fail(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, TxFailed, TxPrepared)
}

func (r *PostgresRepository) setStatus(ctx context.Context, id uuid.UUID, to, from TransactionStatus) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("ledger_transactions").
		Set("status", to).
		Set("committed_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id, "status": from}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return platerrors.ErrLedgerCommitAfterFail
	}

	return nil
}

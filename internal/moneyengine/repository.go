package moneyengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
	"github.com/hustlexp/escrow-kernel/internal/task"
)

// StateRepository reads/writes MoneyStateLock rows, the processed-event
// dedup table, and the audit trail.
type StateRepository interface {
	GetForUpdate(ctx context.Context, taskID uuid.UUID) (task.MoneyStateLock, error)
	Update(ctx context.Context, lock task.MoneyStateLock, expectedVersion int64) error
	IsEventProcessed(ctx context.Context, externalEventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, externalEventID string, taskID uuid.UUID) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// PostgresStateRepository is the database/sql-backed StateRepository.
type PostgresStateRepository struct {
	db *sql.DB
}

// NewPostgresStateRepository builds a PostgresStateRepository over db.
func NewPostgresStateRepository(db *sql.DB) *PostgresStateRepository {
	return &PostgresStateRepository{db: db}
}

func (r *PostgresStateRepository) GetForUpdate(ctx context.Context, taskID uuid.UUID) (task.MoneyStateLock, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("task_id", "state", "payment_intent_id", "charge_id", "transfer_id", "refund_id", "version", "last_transition_at", "amount_cents").
		From("money_state_lock").
		Where(sq.Eq{"task_id": taskID}).
		Suffix("FOR UPDATE").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return task.MoneyStateLock{}, err
	}

	var lock task.MoneyStateLock
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&lock.TaskID, &lock.State, &lock.Refs.PaymentIntentID, &lock.Refs.ChargeID, &lock.Refs.TransferID, &lock.Refs.RefundID, &lock.Version, &lock.LastTransitionAt, &lock.AmountCents); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.MoneyStateLock{}, platerrors.ErrTaskNotFound
		}
		return task.MoneyStateLock{}, err
	}

	lock.NextEvents = task.AllowedEvents(lock.State)

	return lock, nil
}

func (r *PostgresStateRepository) Update(ctx context.Context, lock task.MoneyStateLock, expectedVersion int64) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("money_state_lock").
		Set("state", lock.State).
		Set("payment_intent_id", lock.Refs.PaymentIntentID).
		Set("charge_id", lock.Refs.ChargeID).
		Set("transfer_id", lock.Refs.TransferID).
		Set("refund_id", lock.Refs.RefundID).
		Set("version", lock.Version+1).
		Set("last_transition_at", sq.Expr("now()")).
		Set("amount_cents", lock.AmountCents).
		Where(sq.Eq{"task_id": lock.TaskID, "version": expectedVersion}).
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

func (r *PostgresStateRepository) IsEventProcessed(ctx context.Context, externalEventID string) (bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("1").
		From("money_events_processed").
		Where(sq.Eq{"external_event_id": externalEventID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, err
	}

	var one int
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (r *PostgresStateRepository) MarkEventProcessed(ctx context.Context, externalEventID string, taskID uuid.UUID) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Insert("money_events_processed").
		Columns("external_event_id", "task_id", "processed_at").
		Values(externalEventID, taskID, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

func (r *PostgresStateRepository) AppendAudit(ctx context.Context, entry AuditEntry) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	if entry.ID == uuid.Nil {
		entry.ID = idgen.New()
	}

	detailRaw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	query, args, err := sq.Insert("money_event_audit").
		Columns("id", "task_id", "event_type", "external_event_id", "success", "detail_raw", "occurred_at").
		Values(entry.ID, entry.TaskID, entry.EventType, entry.ExternalEventID, entry.Success, detailRaw, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

// Package outboundmirror implements the Outbound Mirror (§5): an
// append-only record of every external side effect the kernel attempts
// (a Stripe transfer, a refund call), keyed by idempotency key, written
// before the call is made and updated with its outcome after. A crash
// between "call sent" and "outcome recorded" leaves the record in Pending:
// the Saga Sweepers skip transactions whose mirror record is Pending, and
// nothing re-queries the processor for it.
package outboundmirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
)

// Outcome is the terminal state of a mirrored external call.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record is one mirrored external call.
type Record struct {
	ID             uuid.UUID
	IdempotencyKey string
	TaskID         uuid.UUID
	EffectType     string // e.g. "stripe_transfer", "stripe_refund"
	RequestRaw     []byte
	Outcome        Outcome
	ResponseRaw    []byte
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// Repository persists mirror records.
type Repository interface {
	FindByIdempotencyKey(ctx context.Context, key string) (Record, bool, error)
	Insert(ctx context.Context, rec Record) error
	Resolve(ctx context.Context, id uuid.UUID, outcome Outcome, responseRaw []byte) error
	ListPendingOlderThan(ctx context.Context, age time.Duration) ([]Record, error)

	// ListResolvedSince lists records that resolved successfully at or
	// after since, for the Saga Sweepers' Reality-mirror Backfill.
	ListResolvedSince(ctx context.Context, since time.Time) ([]Record, error)
}

// PostgresRepository is the database/sql-backed Repository implementation.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository builds a PostgresRepository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, key string) (Record, bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("id", "idempotency_key", "task_id", "effect_type", "request_raw", "outcome", "response_raw", "created_at", "resolved_at").
		From("outbound_mirror").
		Where(sq.Eq{"idempotency_key": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	row := exec.QueryRowContext(ctx, query, args...)
	if err := scanRecord(row, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	return rec, true, nil
}

func scanRecord(row *sql.Row, rec *Record) error {
	return row.Scan(&rec.ID, &rec.IdempotencyKey, &rec.TaskID, &rec.EffectType, &rec.RequestRaw, &rec.Outcome, &rec.ResponseRaw, &rec.CreatedAt, &rec.ResolvedAt)
}

func (r *PostgresRepository) Insert(ctx context.Context, rec Record) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	if rec.ID == uuid.Nil {
		rec.ID = idgen.New()
	}

	query, args, err := sq.Insert("outbound_mirror").
		Columns("id", "idempotency_key", "task_id", "effect_type", "request_raw", "outcome", "created_at").
		Values(rec.ID, rec.IdempotencyKey, rec.TaskID, rec.EffectType, rec.RequestRaw, OutcomePending, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

func (r *PostgresRepository) Resolve(ctx context.Context, id uuid.UUID, outcome Outcome, responseRaw []byte) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("outbound_mirror").
		Set("outcome", outcome).
		Set("response_raw", responseRaw).
		Set("resolved_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

func (r *PostgresRepository) ListPendingOlderThan(ctx context.Context, age time.Duration) ([]Record, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("id", "idempotency_key", "task_id", "effect_type", "request_raw", "outcome", "response_raw", "created_at", "resolved_at").
		From("outbound_mirror").
		Where(sq.Eq{"outcome": OutcomePending}).
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

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.IdempotencyKey, &rec.TaskID, &rec.EffectType, &rec.RequestRaw, &rec.Outcome, &rec.ResponseRaw, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *PostgresRepository) ListResolvedSince(ctx context.Context, since time.Time) ([]Record, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("id", "idempotency_key", "task_id", "effect_type", "request_raw", "outcome", "response_raw", "created_at", "resolved_at").
		From("outbound_mirror").
		Where(sq.Eq{"outcome": OutcomeSuccess}).
		Where(sq.GtOrEq{"resolved_at": since}).
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

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.IdempotencyKey, &rec.TaskID, &rec.EffectType, &rec.RequestRaw, &rec.Outcome, &rec.ResponseRaw, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Effect is the external side-effecting call signature mirrored calls wrap.
type Effect func(ctx context.Context) ([]byte, error)

// Mirror is the UseCase: mirror-then-call-then-resolve around Effect.
type Mirror struct {
	Repository Repository
}

// NewMirror builds a Mirror.
func NewMirror(repo Repository) *Mirror {
	return &Mirror{Repository: repo}
}

// Call mirrors effect: if a record already exists for key, it replays the
// prior outcome (success returns its response, failure returns its error,
// pending means a previous attempt crashed mid-flight and Call returns
// ErrEffectInFlight rather than retrying inline).
func (m *Mirror) Call(ctx context.Context, key string, taskID uuid.UUID, effectType string, requestRaw []byte, effect Effect) ([]byte, error) {
	existing, found, err := m.Repository.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if found {
		switch existing.Outcome {
		case OutcomeSuccess:
			return existing.ResponseRaw, nil
		case OutcomeFailure:
			return nil, unmarshalErr(existing.ResponseRaw)
		default:
			return nil, ErrEffectInFlight
		}
	}

	rec := Record{IdempotencyKey: key, TaskID: taskID, EffectType: effectType, RequestRaw: requestRaw}
	if err := m.Repository.Insert(ctx, rec); err != nil {
		return nil, err
	}

	// Re-read to obtain the generated id (Insert may set rec.ID in place,
	// but callers outside this package construct Record without an id).
	persisted, found, err := m.Repository.FindByIdempotencyKey(ctx, key)
	if err != nil || !found {
		return nil, err
	}

	resp, effectErr := effect(ctx)
	if effectErr != nil {
		_ = m.Repository.Resolve(ctx, persisted.ID, OutcomeFailure, marshalErr(effectErr))
		return nil, effectErr
	}

	if err := m.Repository.Resolve(ctx, persisted.ID, OutcomeSuccess, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func marshalErr(err error) []byte {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

func unmarshalErr(raw []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errors.New("outboundmirror: effect previously failed")
	}

	return errors.New(payload.Error)
}

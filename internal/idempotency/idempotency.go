// Package idempotency implements the Idempotency Store (§5): a single
// atomic reservation per request key so retried external calls replay the
// original outcome instead of re-executing a side effect.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/hustlexp/escrow-kernel/internal/platform/mopentelemetry"
)

// Record is a single reservation made against a request key.
type Record struct {
	Key         string
	ResponseRaw []byte
	Status      string
	CreatedAt   time.Time
}

const (
	StatusReserved  = "reserved"
	StatusCompleted = "completed"
)

// Repository persists idempotency records.
type Repository interface {
	// Reserve inserts a "reserved" row for key if and only if none exists.
	// It returns (record, true, nil) when the reservation was newly made,
	// and (existing, false, nil) when a record already existed.
	Reserve(ctx context.Context, key string) (Record, bool, error)
	Complete(ctx context.Context, key string, responseRaw []byte) error
}

// PostgresRepository is the database/sql-backed Repository implementation.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository builds a PostgresRepository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Reserve(ctx context.Context, key string) (Record, bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Insert("idempotency_records").
		Columns("id", "request_key", "status", "created_at").
		Values(idgen.New(), key, StatusReserved, sq.Expr("now()")).
		Suffix("ON CONFLICT (request_key) DO NOTHING").
		Suffix("RETURNING request_key, status, response_raw, created_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&rec.Key, &rec.Status, &rec.ResponseRaw, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.fetch(ctx, key)
		}
		return Record{}, false, err
	}

	return rec, true, nil
}

func (r *PostgresRepository) fetch(ctx context.Context, key string) (Record, bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("request_key", "status", "response_raw", "created_at").
		From("idempotency_records").
		Where(sq.Eq{"request_key": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&rec.Key, &rec.Status, &rec.ResponseRaw, &rec.CreatedAt); err != nil {
		return Record{}, false, err
	}

	return rec, false, nil
}

func (r *PostgresRepository) Complete(ctx context.Context, key string, responseRaw []byte) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("idempotency_records").
		Set("status", StatusCompleted).
		Set("response_raw", responseRaw).
		Where(sq.Eq{"request_key": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

// Store is the idempotency UseCase: reserve-or-replay around a side
// effecting function.
type Store struct {
	Repository Repository
}

// NewStore builds a Store.
func NewStore(repo Repository) *Store {
	return &Store{Repository: repo}
}

// Execute runs fn exactly once per key. A concurrent or retried caller with
// the same key that arrives while fn is still running observes
// ErrInFlight; a caller that arrives after fn completed receives the cached
// response without running fn again.
func (s *Store) Execute(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "idempotency.Execute")
	defer span.End()

	logger := mlog.NewLoggerFromContext(ctx)

	rec, reserved, err := s.Repository.Reserve(ctx, key)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to reserve idempotency key", err)
		return nil, err
	}

	if !reserved {
		switch rec.Status {
		case StatusCompleted:
			logger.Infof("idempotency key %s replayed from cache", key)
			return rec.ResponseRaw, nil
		default:
			return nil, platerrors.ErrIdempotencyInFlight
		}
	}

	resp, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.Repository.Complete(ctx, key, resp); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to persist idempotency completion", err)
		return nil, err
	}

	return resp, nil
}

// Package xp implements the XP ledger's award-once guarantee that backs
// invariant INV-1: when an escrow reaches released, the hustler is awarded
// XP exactly once, keyed by escrow (task) id.
package xp

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
)

// Award is a single XP grant tied to the escrow that earned it.
type Award struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	TaskID      uuid.UUID
	AmountXP    int64
	Reason      string
}

// Repository persists awards with a uniqueness constraint on TaskID.
type Repository interface {
	// Insert records an award. It must return ErrXPDoubleAward if an award
	// already exists for award.TaskID (enforced by a unique index in the
	// Postgres implementation).
	Insert(ctx context.Context, award Award) error
}

// PostgresRepository is the database/sql-backed Repository, relying on a
// unique index on (task_id) to make double-award impossible even under
// concurrent commits.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository builds a PostgresRepository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, award Award) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	if award.ID == uuid.Nil {
		award.ID = idgen.New()
	}

	query, args, err := sq.Insert("xp_awards").
		Columns("id", "user_id", "task_id", "amount_xp", "reason", "created_at").
		Values(award.ID, award.UserID, award.TaskID, award.AmountXP, award.Reason, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return platerrors.ErrXPDoubleAward
		}

		return err
	}

	return nil
}

// Awarder is the Money Engine's XP dependency.
type Awarder struct {
	Repository Repository
}

// NewAwarder builds an Awarder.
func NewAwarder(repo Repository) *Awarder {
	return &Awarder{Repository: repo}
}

// AwardOnRelease grants amountXP to userID for taskID, idempotently: a
// second call for the same taskID returns ErrXPDoubleAward rather than
// granting XP twice.
func (a *Awarder) AwardOnRelease(ctx context.Context, userID, taskID uuid.UUID, amountXP int64) error {
	return a.Repository.Insert(ctx, Award{
		UserID:   userID,
		TaskID:   taskID,
		AmountXP: amountXP,
		Reason:   "task_released",
	})
}

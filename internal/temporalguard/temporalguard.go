// Package temporalguard implements the Temporal Guard (§5): events carry a
// logical timestamp (the external processor's event creation time, not wall
// clock) and are rejected if that timestamp does not strictly dominate the
// last committed transition for the same aggregate — out-of-order webhook
// delivery must never regress an escrow's state.
package temporalguard

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
)

// Repository reads and advances the last-committed logical timestamp for an
// aggregate.
type Repository interface {
	LastCommittedAt(ctx context.Context, aggregateID string) (time.Time, bool, error)
	Advance(ctx context.Context, aggregateID string, at time.Time) error
}

// PostgresRepository stores the watermark in money_state_lock.last_transition_at,
// reusing the same row the Money Engine already maintains so no extra table
// is needed for the common case of one aggregate per escrow.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository builds a PostgresRepository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) LastCommittedAt(ctx context.Context, aggregateID string) (time.Time, bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("last_transition_at").
		From("money_state_lock").
		Where(sq.Eq{"task_id": aggregateID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return time.Time{}, false, err
	}

	var at time.Time
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&at); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}

	return at, true, nil
}

// Advance is a no-op here: the Money Engine's own transition commit already
// stamps last_transition_at in the same database transaction. A dedicated
// aggregate that is not itself a money_state_lock row (e.g. a policy gate
// event stream) would implement Advance against its own watermark table.
func (r *PostgresRepository) Advance(_ context.Context, _ string, _ time.Time) error {
	return nil
}

// Guard enforces monotonic logical time per aggregate.
type Guard struct {
	Repository Repository
}

// NewGuard builds a Guard.
func NewGuard(repo Repository) *Guard {
	return &Guard{Repository: repo}
}

// Check returns ErrTemporalRegression if eventAt does not strictly dominate
// the aggregate's last committed logical timestamp. A missing watermark
// (first event ever seen for the aggregate) always passes.
func (g *Guard) Check(ctx context.Context, aggregateID string, eventAt time.Time) error {
	last, found, err := g.Repository.LastCommittedAt(ctx, aggregateID)
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	if !eventAt.After(last) {
		return platerrors.ErrTemporalRegression
	}

	return nil
}

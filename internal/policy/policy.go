// Package policy implements the Policy Gate (§4.7): a bounded [0,100]
// shadow-trust score per user, derived from an append-only event log of
// deterministic deltas, banded into FULL/LIMITED/DEGRADED/INVISIBLE for
// feed-visibility and release-eligibility decisions.
package policy

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
)

// Band is the visibility/eligibility tier derived from a user's score.
type Band string

const (
	BandFull      Band = "FULL"
	BandLimited   Band = "LIMITED"
	BandDegraded  Band = "DEGRADED"
	BandInvisible Band = "INVISIBLE"
)

// Threshold boundaries: score >= 75 FULL, >= 50 LIMITED, >= 25 DEGRADED,
// else INVISIBLE.
const (
	thresholdFull     = 75
	thresholdLimited  = 50
	thresholdDegraded = 25
)

// BandFor derives the band for a bounded score.
func BandFor(score float64) Band {
	switch {
	case score >= thresholdFull:
		return BandFull
	case score >= thresholdLimited:
		return BandLimited
	case score >= thresholdDegraded:
		return BandDegraded
	default:
		return BandInvisible
	}
}

// Reason names a scoring event; its Delta is fixed and deterministic.
type Reason string

const (
	ReasonDisputeLost         Reason = "dispute_lost"
	ReasonFraudFlag           Reason = "fraud_flag"
	ReasonTaskCompleted5Star  Reason = "task_completed_5star"
	ReasonDailyDecay          Reason = "daily_decay"
	ReasonTaskCompletedNormal Reason = "task_completed"
	ReasonDisputeWon          Reason = "dispute_won"
)

// Deltas is the fixed penalty/bonus table (§4.7).
var Deltas = map[Reason]float64{
	ReasonDisputeLost:         -15,
	ReasonFraudFlag:           -25,
	ReasonTaskCompleted5Star:  3,
	ReasonDailyDecay:          0.5,
	ReasonTaskCompletedNormal: 1,
	ReasonDisputeWon:          2,
}

// Event is a single append-only scoring event.
type Event struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Delta       float64
	Reason      Reason
	Source      string
	ScoreBefore float64
	ScoreAfter  float64
	OccurredAt  time.Time
}

// Repository reads the current score and appends events.
type Repository interface {
	CurrentScore(ctx context.Context, userID uuid.UUID) (float64, error)
	AppendEvent(ctx context.Context, event Event) error
}

const defaultScore = 100

// PostgresRepository is the database/sql-backed Repository implementation.
// CurrentScore is a view over the latest event's ScoreAfter, defaulting to
// 100 (full trust) for a user with no events yet.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository builds a PostgresRepository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CurrentScore(ctx context.Context, userID uuid.UUID) (float64, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("score_after").
		From("shadow_score_events").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("occurred_at DESC").
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, err
	}

	var score float64
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&score); err != nil {
		if err == sql.ErrNoRows {
			return defaultScore, nil
		}
		return 0, err
	}

	return score, nil
}

func (r *PostgresRepository) AppendEvent(ctx context.Context, event Event) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	if event.ID == uuid.Nil {
		event.ID = idgen.New()
	}

	query, args, err := sq.Insert("shadow_score_events").
		Columns("id", "user_id", "delta", "reason", "source", "score_before", "score_after", "occurred_at").
		Values(event.ID, event.UserID, event.Delta, event.Reason, event.Source, event.ScoreBefore, event.ScoreAfter, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

// clamp bounds a score to [0, 100].
func clamp(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// Gate is the Policy Gate UseCase.
type Gate struct {
	Repository Repository
}

// NewGate builds a Gate.
func NewGate(repo Repository) *Gate {
	return &Gate{Repository: repo}
}

// Apply records a scoring event for userID and returns the resulting band.
func (g *Gate) Apply(ctx context.Context, userID uuid.UUID, reason Reason, source string) (Band, error) {
	before, err := g.Repository.CurrentScore(ctx, userID)
	if err != nil {
		return "", err
	}

	after := clamp(before + Deltas[reason])

	if err := g.Repository.AppendEvent(ctx, Event{
		UserID: userID, Delta: Deltas[reason], Reason: reason, Source: source,
		ScoreBefore: before, ScoreAfter: after,
	}); err != nil {
		return "", err
	}

	return BandFor(after), nil
}

// Band returns the user's current band without appending an event.
func (g *Gate) Band(ctx context.Context, userID uuid.UUID) (Band, error) {
	score, err := g.Repository.CurrentScore(ctx, userID)
	if err != nil {
		return "", err
	}

	return BandFor(score), nil
}

// EligibleForRelease reports whether userID's current band permits the
// Money Engine to release a payout to them — consumed as the release
// pre-check.
func (g *Gate) EligibleForRelease(ctx context.Context, userID uuid.UUID) (bool, error) {
	band, err := g.Band(ctx, userID)
	if err != nil {
		return false, err
	}

	return band == BandFull || band == BandLimited, nil
}

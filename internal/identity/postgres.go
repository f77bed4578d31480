package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
)

// PostgresRepository is the database/sql-backed Repository implementation.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository builds a PostgresRepository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateAttempt(ctx context.Context, attempt Attempt) (Attempt, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	if attempt.ID == uuid.Nil {
		attempt.ID = idgen.New()
	}

	query, args, err := sq.Insert("identity_verification_attempts").
		Columns("id", "user_id", "channel", "target", "code_hash", "attempt_count", "verified", "expires_at", "created_at").
		Values(attempt.ID, attempt.UserID, attempt.Channel, attempt.Target, attempt.CodeHash, 0, false, attempt.ExpiresAt, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Attempt{}, err
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return Attempt{}, err
	}

	return attempt, nil
}

func (r *PostgresRepository) FindActiveAttempt(ctx context.Context, userID uuid.UUID, channel Channel) (Attempt, bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("id", "user_id", "channel", "target", "code_hash", "attempt_count", "verified", "expires_at", "created_at").
		From("identity_verification_attempts").
		Where(sq.Eq{"user_id": userID, "channel": channel, "verified": false}).
		OrderBy("created_at DESC").
		Limit(1).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Attempt{}, false, err
	}

	var a Attempt

	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&a.ID, &a.UserID, &a.Channel, &a.Target, &a.CodeHash, &a.AttemptCount, &a.Verified, &a.ExpiresAt, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attempt{}, false, nil
		}

		return Attempt{}, false, err
	}

	return a, true, nil
}

func (r *PostgresRepository) IncrementAttemptCount(ctx context.Context, id uuid.UUID) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("identity_verification_attempts").
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

func (r *PostgresRepository) MarkAttemptVerified(ctx context.Context, id uuid.UUID) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("identity_verification_attempts").
		Set("verified", true).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

func (r *PostgresRepository) GetRecord(ctx context.Context, userID uuid.UUID) (Record, bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("user_id", "email_verified_at", "sms_verified_at", "fully_verified_at").
		From("identity_records").
		Where(sq.Eq{"user_id": userID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Record{}, false, err
	}

	var rec Record

	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&rec.UserID, &rec.EmailVerifiedAt, &rec.SMSVerifiedAt, &rec.FullyVerifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}

		return Record{}, false, err
	}

	return rec, true, nil
}

// MarkChannelVerified upserts the user's identity record, flipping the
// given channel's verified timestamp via an UPSERT + RETURNING, and, once
// both channels are set, stamps fully_verified_at with a second UPDATE.
func (r *PostgresRepository) MarkChannelVerified(ctx context.Context, userID uuid.UUID, channel Channel, at time.Time) (Record, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	var column string

	switch channel {
	case ChannelEmail:
		column = "email_verified_at"
	case ChannelSMS:
		column = "sms_verified_at"
	default:
		return Record{}, platerrors.ValidateInternalError(errors.New("identity: unknown channel"), "IdentityRecord")
	}

	query := `
		INSERT INTO identity_records (user_id, ` + column + `)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET ` + column + ` = EXCLUDED.` + column + `
		RETURNING user_id, email_verified_at, sms_verified_at, fully_verified_at
	`

	var rec Record

	row := exec.QueryRowContext(ctx, query, userID, at)
	if err := row.Scan(&rec.UserID, &rec.EmailVerifiedAt, &rec.SMSVerifiedAt, &rec.FullyVerifiedAt); err != nil {
		return Record{}, err
	}

	if rec.FullyVerified() && rec.FullyVerifiedAt == nil {
		now := time.Now()

		setQuery, setArgs, err := sq.Update("identity_records").
			Set("fully_verified_at", now).
			Where(sq.Eq{"user_id": userID}).
			PlaceholderFormat(sq.Dollar).
			ToSql()
		if err != nil {
			return Record{}, err
		}

		if _, err := exec.ExecContext(ctx, setQuery, setArgs...); err != nil {
			return Record{}, err
		}

		rec.FullyVerifiedAt = &now
	}

	return rec, nil
}

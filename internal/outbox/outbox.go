// Package outbox implements the transactional Outbox Event Publisher
// (§4.8): domain events are captured in the same database transaction as
// the state change that caused them, then published asynchronously by the
// Worker Framework — so "the transition committed" and "the event will
// eventually be published" are never out of sync.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
)

// Status is the lifecycle of a captured event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusDead    Status = "dead"
)

// Event is a single captured domain event.
type Event struct {
	ID            uuid.UUID
	EventType     string // e.g. "escrow.funded", "escrow.released"
	AggregateID   uuid.UUID
	Version       int64
	PayloadRaw    []byte
	Status        Status
	Attempts      int
	ClaimedAt     *time.Time
	CreatedAt     time.Time
}

// Repository persists and claims outbox rows.
type Repository interface {
	Insert(ctx context.Context, event Event) error
	// Claim atomically moves up to limit pending rows to sending and
	// returns them, so concurrent worker instances never double-publish.
	Claim(ctx context.Context, limit int) ([]Event, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int) error
	MarkDead(ctx context.Context, id uuid.UUID) error
}

// PostgresRepository is the database/sql-backed Repository implementation.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository builds a PostgresRepository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, event Event) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	if event.ID == uuid.Nil {
		event.ID = idgen.New()
	}

	query, args, err := sq.Insert("outbox_events").
		Columns("id", "event_type", "aggregate_id", "version", "payload_raw", "status", "attempts", "created_at").
		Values(event.ID, event.EventType, event.AggregateID, event.Version, event.PayloadRaw, StatusPending, 0, sq.Expr("now()")).
		Suffix("ON CONFLICT (event_type, aggregate_id, version) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

// Claim uses the atomic claim SQL pattern shared with the Webhook
// Ingestor: UPDATE ... SET status='sending' WHERE status='pending' ...
// RETURNING, so a zero-row result just means nothing was claimable.
func (r *PostgresRepository) Claim(ctx context.Context, limit int) ([]Event, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	subquery, subargs, err := sq.Select("id").
		From("outbox_events").
		Where(sq.Eq{"status": StatusPending}).
		OrderBy("created_at ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	query := `UPDATE outbox_events SET status = 'sending', attempts = attempts + 1, claimed_at = now()
		WHERE id IN (` + subquery + `)
		RETURNING id, event_type, aggregate_id, version, payload_raw, status, attempts, claimed_at, created_at`

	rows, err := exec.QueryContext(ctx, query, subargs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventType, &e.AggregateID, &e.Version, &e.PayloadRaw, &e.Status, &e.Attempts, &e.ClaimedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func (r *PostgresRepository) MarkSent(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, StatusSent)
}

func (r *PostgresRepository) MarkDead(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, StatusDead)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id uuid.UUID, _ int) error {
	return r.setStatus(ctx, id, StatusPending)
}

func (r *PostgresRepository) setStatus(ctx context.Context, id uuid.UUID, status Status) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("outbox_events").
		Set("status", status).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

// Publisher is the UseCase for capturing events; capture always happens
// inside the caller's existing database transaction via dbtx, so Emit
// itself opens no transaction.
type Publisher struct {
	Repository Repository
}

// NewPublisher builds a Publisher.
func NewPublisher(repo Repository) *Publisher {
	return &Publisher{Repository: repo}
}

// Emit captures a domain event. payload is marshaled as-is; callers pass a
// plain struct describing the event body.
func (p *Publisher) Emit(ctx context.Context, eventType string, aggregateID uuid.UUID, version int64, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return platerrors.ValidateInternalError(err, "OutboxEvent")
	}

	return p.Repository.Insert(ctx, Event{
		EventType:   eventType,
		AggregateID: aggregateID,
		Version:     version,
		PayloadRaw:  raw,
	})
}

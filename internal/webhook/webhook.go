// Package webhook implements the Webhook Ingestor (§4.4): a single inbound
// endpoint receives processor events, persists each one keyed by the
// processor's event id, then atomically claims and dispatches it by event
// type. The atomic claim is the same "UPDATE ... WHERE ... IS NULL
// RETURNING" shape the Outbox Worker uses to claim pending rows — two
// unrelated components independently needing exactly-once claim semantics
// converge on the same SQL idiom.
package webhook

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
)

// Event is a single processor event as received, before dispatch.
type Event struct {
	ID          string // the processor's event id, e.g. Stripe's evt_...
	Type        string
	PayloadRaw  []byte
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
	ReceivedAt  time.Time
}

// Repository persists and claims processor events.
type Repository interface {
	// Insert records the event if its id hasn't been seen before; a
	// duplicate insert (the processor redelivering the same event) is
	// silently ignored rather than erroring, since claiming is what
	// actually decides whether dispatch happens.
	Insert(ctx context.Context, event Event) error
	// Claim atomically marks the event claimed and returns its payload and
	// type; ok is false if the event does not exist or was already
	// claimed, in which case the caller returns with a no-op.
	Claim(ctx context.Context, eventID string) (payload []byte, eventType string, ok bool, err error)
	MarkProcessed(ctx context.Context, eventID string) error
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

	query, args, err := sq.Insert("processor_events").
		Columns("stripe_event_id", "event_type", "payload", "received_at").
		Values(event.ID, event.Type, event.PayloadRaw, sq.Expr("now()")).
		Suffix("ON CONFLICT (stripe_event_id) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

// Claim implements the atomic claim pattern from spec §4.4: a zero-row
// RETURNING means the event was already claimed by a concurrent delivery.
func (r *PostgresRepository) Claim(ctx context.Context, eventID string) ([]byte, string, bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	const query = `UPDATE processor_events SET claimed_at = now()
		WHERE stripe_event_id = $1 AND claimed_at IS NULL AND processed_at IS NULL
		RETURNING payload, event_type`

	var payload []byte
	var eventType string

	row := exec.QueryRowContext(ctx, query, eventID)
	if err := row.Scan(&payload, &eventType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", false, nil
		}

		return nil, "", false, err
	}

	return payload, eventType, true, nil
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, eventID string) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("processor_events").
		Set("processed_at", sq.Expr("now()")).
		Where(sq.Eq{"stripe_event_id": eventID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

// PlanRepository tracks a subscriber's plan entitlement expiry. Downgrades
// (shortening the expiry) never move it backwards in time — only an
// explicit later expiry or an upgrade can extend it; invoice failures soft
// expire without ever shortening an existing, later expiry.
type PlanRepository interface {
	CurrentExpiry(ctx context.Context, subscriberID string) (time.Time, bool, error)
	SetExpiry(ctx context.Context, subscriberID string, expiry time.Time) error
}

// EntitlementRepository grants a one-off, per-task entitlement keyed by the
// event that funded it, so a redelivered payment_intent.succeeded never
// grants twice.
type EntitlementRepository interface {
	// Create must return ErrDuplicateSourceEvent if sourceEventID already
	// has an entitlement (enforced by a unique index).
	Create(ctx context.Context, taskID, sourceEventID string) error
}

// ErrDuplicateSourceEvent signals a redelivered payment_intent.succeeded
// for an entitlement that already exists.
var ErrDuplicateSourceEvent = errors.New("webhook: entitlement already granted for this source event")

// Ingestor dispatches a claimed event to the processor named by spec §4.4.
type Ingestor struct {
	Repository    Repository
	Plans         PlanRepository
	Entitlements  EntitlementRepository
	DecodeType    func(payload []byte) (Decoded, error)
}

// Decoded is the subset of a processor event's payload the dispatch table
// needs, independent of the wire format.
type Decoded struct {
	SubscriberID        string
	TaskID              string
	ExpiresAt           time.Time
	SubscriptionExpanded bool
}

// Receive persists an inbound event (the first half of the webhook
// surface: verify signature upstream, then call Receive). It is safe to
// call multiple times for a redelivered event.
func (i *Ingestor) Receive(ctx context.Context, eventID, eventType string, payloadRaw []byte) error {
	return i.Repository.Insert(ctx, Event{ID: eventID, Type: eventType, PayloadRaw: payloadRaw, ReceivedAt: time.Now()})
}

// Dispatch claims eventID and, if it wins the claim, routes it by type per
// spec §4.4. A lost claim (already processed or in flight) is a no-op,
// not an error — concurrent redeliveries must converge, not pile up
// errors.
func (i *Ingestor) Dispatch(ctx context.Context, eventID string) error {
	payloadRaw, eventType, ok, err := i.Repository.Claim(ctx, eventID)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	decoded, err := i.DecodeType(payloadRaw)
	if err != nil {
		return platerrors.ValidateInternalError(err, "ProcessorEvent")
	}

	if err := i.route(ctx, eventID, eventType, decoded); err != nil {
		return err
	}

	return i.Repository.MarkProcessed(ctx, eventID)
}

func (i *Ingestor) route(ctx context.Context, eventID, eventType string, decoded Decoded) error {
	switch {
	case isSubscriptionEvent(eventType):
		return i.applyPlanUpdate(ctx, decoded)

	case eventType == "payment_intent.succeeded":
		err := i.Entitlements.Create(ctx, decoded.TaskID, eventID)
		if errors.Is(err, ErrDuplicateSourceEvent) {
			return nil
		}

		return err

	case eventType == "checkout.session.completed":
		if decoded.SubscriptionExpanded {
			return i.applyPlanUpdate(ctx, decoded)
		}
		// Subscription not expanded on this payload: the subscription's
		// own event (customer.subscription.created/updated) will arrive
		// separately and drive the plan update then.
		return nil

	case eventType == "invoice.payment_failed":
		return i.softExpirePlan(ctx, decoded)

	default:
		return nil // unknown type: marked processed, never retried, per spec §7.
	}
}

func isSubscriptionEvent(eventType string) bool {
	return strings.HasPrefix(eventType, "subscription.") ||
		eventType == "customer.subscription.created" ||
		eventType == "customer.subscription.updated" ||
		eventType == "customer.subscription.deleted"
}

// applyPlanUpdate sets the subscriber's expiry, but never moves it
// backwards relative to what's on file (monotonic downgrade semantics —
// resolves the open question of what "downgrade" means for an expiry
// that could otherwise regress on an out-of-order delivery).
func (i *Ingestor) applyPlanUpdate(ctx context.Context, decoded Decoded) error {
	current, found, err := i.Plans.CurrentExpiry(ctx, decoded.SubscriberID)
	if err != nil {
		return err
	}

	if found && decoded.ExpiresAt.Before(current) {
		return nil
	}

	return i.Plans.SetExpiry(ctx, decoded.SubscriberID, decoded.ExpiresAt)
}

// softExpirePlan handles invoice.payment_failed: it sets the payload's
// expiry when none is on file or when it is not earlier than the one on
// file, so it never shortens an existing, later expiry that a successful
// payment already established.
func (i *Ingestor) softExpirePlan(ctx context.Context, decoded Decoded) error {
	current, found, err := i.Plans.CurrentExpiry(ctx, decoded.SubscriberID)
	if err != nil {
		return err
	}

	if found && decoded.ExpiresAt.Before(current) {
		return nil
	}

	return i.Plans.SetExpiry(ctx, decoded.SubscriberID, decoded.ExpiresAt)
}

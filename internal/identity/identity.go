// Package identity implements Identity Verification (§4.10): a two-channel
// (email then SMS) code challenge with bcrypt-hashed codes, a 10-minute TTL,
// a 5-attempt lockout, and a per-user-per-channel Redis fixed-window rate
// limit (an INCR counter whose TTL is set on the window's first increment).
// A fully-verified identity emits a domain event through the Outbox for
// downstream consumers. Grounded on internal/lease's minimal Client
// interface idiom and internal/killswitch's context-logger
// degrade-on-Redis-error style.
package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/hustlexp/escrow-kernel/internal/outbox"
	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/hustlexp/escrow-kernel/internal/platform/mopentelemetry"
)

// Channel is a verification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

const (
	codeTTL        = 10 * time.Minute
	maxAttempts    = 5
	rateLimitCount = 3               // sends allowed per window
	rateLimitWindow = 15 * time.Minute
	codeDigits     = 6
)

// Attempt is one outstanding (or resolved) verification challenge for a
// user on a single channel, targeting a single address (email or phone).
type Attempt struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Channel      Channel
	Target       string
	CodeHash     string
	AttemptCount int
	Verified     bool
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Expired reports whether a has passed its TTL.
func (a Attempt) Expired() bool { return time.Now().After(a.ExpiresAt) }

// LockedOut reports whether a has exhausted its guess budget.
func (a Attempt) LockedOut() bool { return a.AttemptCount >= maxAttempts }

// Record is the durable per-user identity verification state: which
// channels have been verified, and when the identity became fully verified.
type Record struct {
	UserID           uuid.UUID
	EmailVerifiedAt  *time.Time
	SMSVerifiedAt    *time.Time
	FullyVerifiedAt  *time.Time
}

// FullyVerified reports whether both channels are verified.
func (r Record) FullyVerified() bool { return r.EmailVerifiedAt != nil && r.SMSVerifiedAt != nil }

// Repository persists verification attempts and per-user identity records.
type Repository interface {
	CreateAttempt(ctx context.Context, attempt Attempt) (Attempt, error)
	// FindActiveAttempt returns the newest unverified attempt for
	// user+channel, if any. Expired attempts are not filtered out; the
	// caller checks expiry itself.
	FindActiveAttempt(ctx context.Context, userID uuid.UUID, channel Channel) (Attempt, bool, error)
	IncrementAttemptCount(ctx context.Context, id uuid.UUID) error
	MarkAttemptVerified(ctx context.Context, id uuid.UUID) error

	GetRecord(ctx context.Context, userID uuid.UUID) (Record, bool, error)
	// MarkChannelVerified flips the channel's verified timestamp on the
	// user's Record, creating it if absent, and returns the updated Record.
	MarkChannelVerified(ctx context.Context, userID uuid.UUID, channel Channel, at time.Time) (Record, error)
}

// Client is the subset of *redis.Client the rate limiter depends on, so
// tests substitute a recording stub instead of a live server — the same
// shape as internal/lease.Client.
type Client interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RateLimiter enforces a fixed-window send limit per user+channel.
type RateLimiter struct {
	client Client
	limit  int64
	window time.Duration
}

// NewRateLimiter builds a RateLimiter using client, defaulting limit/window
// to the spec's per-channel send budget when zero-valued.
func NewRateLimiter(client Client, limit int64, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitCount
	}

	if window <= 0 {
		window = rateLimitWindow
	}

	return &RateLimiter{client: client, limit: limit, window: window}
}

func rateLimitKey(userID uuid.UUID, channel Channel) string {
	return fmt.Sprintf("idverify:rate:%s:%s", userID, channel)
}

// Allow increments the window counter for user+channel and reports whether
// the caller is still within budget. The counter's TTL is set only on the
// first increment of a window, so later increments extend nothing.
func (r *RateLimiter) Allow(ctx context.Context, userID uuid.UUID, channel Channel) (bool, error) {
	key := rateLimitKey(userID, channel)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}

	if count == 1 {
		if err := r.client.Expire(ctx, key, r.window).Err(); err != nil {
			return false, err
		}
	}

	return count <= r.limit, nil
}

// Engine is the Identity Verification UseCase.
type Engine struct {
	Repository    Repository
	RateLimiter   *RateLimiter
	Outbox        *outbox.Publisher
	DB            *sql.DB // wraps MarkAttemptVerified, MarkChannelVerified and the fully-verified Outbox emit in one transaction
	NonProduction bool    // when true, SendCode logs the raw code (never in production)
}

// NewEngine builds an Engine.
func NewEngine(repo Repository, limiter *RateLimiter, pub *outbox.Publisher, db *sql.DB) *Engine {
	return &Engine{Repository: repo, RateLimiter: limiter, Outbox: pub, DB: db}
}

func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// SendCode issues a fresh code to target over channel for userID, subject to
// the per-user-per-channel rate limit. It returns the raw code so the
// caller (an external mail/SMS collaborator) can deliver it; the code is
// never itself persisted or logged except under NonProduction.
func (e *Engine) SendCode(ctx context.Context, userID uuid.UUID, channel Channel, target string) (string, error) {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "identity.SendCode")
	defer span.End()

	logger := mlog.NewLoggerFromContext(ctx)

	allowed, err := e.RateLimiter.Allow(ctx, userID, channel)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "rate limiter unreachable", err)
		return "", err
	}

	if !allowed {
		return "", platerrors.ErrVerificationRateLimited
	}

	code, err := generateCode()
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to generate code", err)
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to hash code", err)
		return "", err
	}

	_, err = e.Repository.CreateAttempt(ctx, Attempt{
		UserID:    userID,
		Channel:   channel,
		Target:    target,
		CodeHash:  string(hash),
		ExpiresAt: time.Now().Add(codeTTL),
	})
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to persist verification attempt", err)
		return "", err
	}

	if e.NonProduction {
		logger.Infof("identity: sent %s code %s to %s (non-production)", channel, code, target)
	} else {
		logger.Infof("identity: sent %s verification code to user %s", channel, userID)
	}

	return code, nil
}

// VerifyCode checks code against the active attempt for user+channel. On
// mismatch it records the attempt and returns ErrVerificationCodeMismatch;
// on the attempt's fifth miss it locks the challenge out entirely. On match
// it marks the channel verified and, if this completes both channels,
// emits a domain event via the Outbox.
func (e *Engine) VerifyCode(ctx context.Context, userID uuid.UUID, channel Channel, code string) (Record, error) {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "identity.VerifyCode")
	defer span.End()

	attempt, ok, err := e.Repository.FindActiveAttempt(ctx, userID, channel)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to load verification attempt", err)
		return Record{}, err
	}

	if !ok {
		return Record{}, platerrors.ErrVerificationCodeExpired
	}

	if attempt.LockedOut() {
		return Record{}, platerrors.ErrVerificationLockedOut
	}

	if attempt.Expired() {
		return Record{}, platerrors.ErrVerificationCodeExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(attempt.CodeHash), []byte(code)); err != nil {
		if incErr := e.Repository.IncrementAttemptCount(ctx, attempt.ID); incErr != nil {
			mopentelemetry.HandleSpanError(&span, "failed to record failed attempt", incErr)
			return Record{}, incErr
		}

		return Record{}, platerrors.ErrVerificationCodeMismatch
	}

	// MarkAttemptVerified, MarkChannelVerified, and the fully-verified Outbox
	// emit all happen in one transaction, so "the channel committed as
	// verified" and "the event will eventually be published" never diverge
	// — the same discipline the Money Engine uses for its own Outbox emits.
	var record Record

	txFn := func(ctx context.Context) error {
		if err := e.Repository.MarkAttemptVerified(ctx, attempt.ID); err != nil {
			return err
		}

		rec, err := e.Repository.MarkChannelVerified(ctx, userID, channel, time.Now())
		if err != nil {
			return err
		}

		record = rec

		if record.FullyVerified() && e.Outbox != nil {
			return e.Outbox.Emit(ctx, "identity.fully_verified", userID, 1, map[string]any{
				"userId":          userID,
				"fullyVerifiedAt": record.FullyVerifiedAt,
			})
		}

		return nil
	}

	if err := dbtx.RunInTransaction(ctx, e.DB, txFn); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to finalize verification", err)
		return Record{}, err
	}

	return record, nil
}

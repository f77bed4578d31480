// Package killswitch implements the Kill-Switch (§5, §9): a global
// mutating-operation freeze, backed by Redis so every process instance
// observes it, with an in-process local-fallback mirror so a Redis outage
// degrades to "use the last known state" rather than "assume safe". This
// local mirror is the one intentional package-level mutable state in the
// kernel (every other cross-cutting concern flows through context.Context).
package killswitch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
)

const redisKey = "killswitch:active"

// AuditEntry records a single trigger/resolve transition.
type AuditEntry struct {
	ID         string
	Active     bool
	Reason     string
	ActorID    string
	OccurredAt time.Time
}

// AuditRepository persists the kill-switch's trigger/resolve history.
type AuditRepository interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// localFallback is the process-wide mirror consulted when Redis is
// unreachable. It defaults to "inactive" (not frozen) since defaulting to
// frozen on every transient Redis hiccup would make the kernel as
// unavailable as an outright outage — the documented trade-off for this
// package's one deliberate global.
var localFallback atomic.Bool

// Client is the subset of *redis.Client the Switch depends on.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Switch is the kill-switch UseCase.
type Switch struct {
	client Client
	audit  AuditRepository
	ttl    time.Duration
	mu     sync.Mutex
}

// NewSwitch builds a Switch.
func NewSwitch(client Client, audit AuditRepository, ttl time.Duration) *Switch {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Switch{client: client, audit: audit, ttl: ttl}
}

// IsActive reports whether the kill-switch is currently frozen. On a Redis
// read error it falls back to the last known local value and logs the
// degradation rather than failing the caller outright.
func (s *Switch) IsActive(ctx context.Context) bool {
	logger := mlog.NewLoggerFromContext(ctx)

	val, err := s.client.Get(ctx, redisKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warnf("killswitch: redis unreachable, using local fallback: %v", err)
			return localFallback.Load()
		}

		localFallback.Store(false)
		return false
	}

	active := val == "1"
	localFallback.Store(active)

	return active
}

// Trigger freezes all mutating operations kernel-wide.
func (s *Switch) Trigger(ctx context.Context, reason, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.Set(ctx, redisKey, "1", s.ttl).Err(); err != nil {
		return err
	}

	localFallback.Store(true)

	return s.audit.Append(ctx, AuditEntry{
		ID: idgen.New().String(), Active: true, Reason: reason, ActorID: actorID, OccurredAt: time.Now(),
	})
}

// Resolve lifts the freeze.
func (s *Switch) Resolve(ctx context.Context, reason, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.Set(ctx, redisKey, "0", s.ttl).Err(); err != nil {
		return err
	}

	localFallback.Store(false)

	return s.audit.Append(ctx, AuditEntry{
		ID: idgen.New().String(), Active: false, Reason: reason, ActorID: actorID, OccurredAt: time.Now(),
	})
}

package admin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/escrow-kernel/internal/admin"
	"github.com/hustlexp/escrow-kernel/internal/idempotency"
	"github.com/hustlexp/escrow-kernel/internal/killswitch"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, sub, role string, expiresIn time.Duration) string {
	t.Helper()

	claims := admin.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)

	return signed
}

func TestTokenVerifier_Verify_AcceptsValidAdminToken(t *testing.T) {
	verifier := admin.NewTokenVerifier(testSecret)

	tok := signToken(t, "admin-1", "admin", time.Hour)

	claims, err := verifier.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", claims.Subject)
}

func TestTokenVerifier_Verify_RejectsNonAdminRole(t *testing.T) {
	verifier := admin.NewTokenVerifier(testSecret)

	tok := signToken(t, "user-1", "poster", time.Hour)

	_, err := verifier.Verify(tok)
	assert.ErrorIs(t, err, platerrors.ErrUnauthorizedActor)
}

func TestTokenVerifier_Verify_RejectsExpiredToken(t *testing.T) {
	verifier := admin.NewTokenVerifier(testSecret)

	tok := signToken(t, "admin-1", "admin", -time.Hour)

	_, err := verifier.Verify(tok)
	assert.ErrorIs(t, err, platerrors.ErrUnauthorizedActor)
}

func TestTokenVerifier_Verify_RejectsWrongSigningKey(t *testing.T) {
	verifier := admin.NewTokenVerifier(testSecret)

	claims := admin.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             "admin",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("some-other-key"))
	require.NoError(t, err)

	_, err = verifier.Verify(signed)
	assert.ErrorIs(t, err, platerrors.ErrUnauthorizedActor)
}

// fakeKillSwitchClient is a minimal killswitch.Client fake, grounded on the
// same recording-stub idiom used across this kernel's redis-backed tests.
type fakeKillSwitchClient struct {
	value string
}

func (f *fakeKillSwitchClient) Get(ctx context.Context, _ string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if f.value == "" {
		cmd.SetErr(redis.Nil)
		return cmd
	}

	cmd.SetVal(f.value)

	return cmd
}

func (f *fakeKillSwitchClient) Set(ctx context.Context, _ string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.value = value.(string)
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")

	return cmd
}

type auditRepo struct {
	entries []killswitch.AuditEntry
}

func (a *auditRepo) Append(_ context.Context, entry killswitch.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

// fakeIdempotencyRepo is a minimal in-memory idempotency.Repository, grounded
// on the same recording-stub idiom as fakeKillSwitchClient above.
type fakeIdempotencyRepo struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
}

func newFakeIdempotencyRepo() *fakeIdempotencyRepo {
	return &fakeIdempotencyRepo{records: make(map[string]idempotency.Record)}
}

func (f *fakeIdempotencyRepo) Reserve(_ context.Context, key string) (idempotency.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rec, ok := f.records[key]; ok {
		return rec, false, nil
	}

	rec := idempotency.Record{Key: key, Status: idempotency.StatusReserved}
	f.records[key] = rec

	return rec, true, nil
}

func (f *fakeIdempotencyRepo) Complete(_ context.Context, key string, responseRaw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := f.records[key]
	rec.Status = idempotency.StatusCompleted
	rec.ResponseRaw = responseRaw
	f.records[key] = rec

	return nil
}

func TestUseCase_TriggerKillSwitch_RequiresAdminToken(t *testing.T) {
	client := &fakeKillSwitchClient{}
	audit := &auditRepo{}
	ks := killswitch.NewSwitch(client, audit, time.Minute)
	idem := idempotency.NewStore(newFakeIdempotencyRepo())

	uc := admin.NewUseCase(admin.NewTokenVerifier(testSecret), ks, nil, nil, idem)

	nonAdminTok := signToken(t, "user-1", "poster", time.Hour)
	err := uc.TriggerKillSwitch(context.Background(), nonAdminTok, "MANUAL_OVERRIDE", "req-1")
	assert.ErrorIs(t, err, platerrors.ErrUnauthorizedActor)
	assert.False(t, ks.IsActive(context.Background()))

	adminTok := signToken(t, "admin-1", "admin", time.Hour)
	err = uc.TriggerKillSwitch(context.Background(), adminTok, "MANUAL_OVERRIDE", "req-2")
	require.NoError(t, err)
	assert.True(t, ks.IsActive(context.Background()))
	require.Len(t, audit.entries, 1)
	assert.Equal(t, "admin-1", audit.entries[0].ActorID)
}

func TestUseCase_TriggerKillSwitch_RetriedRequestKeyDoesNotRetrigger(t *testing.T) {
	client := &fakeKillSwitchClient{}
	audit := &auditRepo{}
	ks := killswitch.NewSwitch(client, audit, time.Minute)
	idem := idempotency.NewStore(newFakeIdempotencyRepo())

	uc := admin.NewUseCase(admin.NewTokenVerifier(testSecret), ks, nil, nil, idem)
	adminTok := signToken(t, "admin-1", "admin", time.Hour)

	require.NoError(t, uc.TriggerKillSwitch(context.Background(), adminTok, "MANUAL_OVERRIDE", "same-key"))
	require.Len(t, audit.entries, 1)

	// A retried call with the same request key must replay, not append a
	// second audit entry.
	require.NoError(t, uc.TriggerKillSwitch(context.Background(), adminTok, "MANUAL_OVERRIDE", "same-key"))
	assert.Len(t, audit.entries, 1)
}

func TestUseCase_ResolveKillSwitch_LiftsFreeze(t *testing.T) {
	client := &fakeKillSwitchClient{}
	audit := &auditRepo{}
	ks := killswitch.NewSwitch(client, audit, time.Minute)
	require.NoError(t, ks.Trigger(context.Background(), "MANUAL_OVERRIDE", "admin-1"))
	idem := idempotency.NewStore(newFakeIdempotencyRepo())

	uc := admin.NewUseCase(admin.NewTokenVerifier(testSecret), ks, nil, nil, idem)

	adminTok := signToken(t, "admin-1", "admin", time.Hour)
	err := uc.ResolveKillSwitch(context.Background(), adminTok, "resolved", "req-3")
	require.NoError(t, err)
	assert.False(t, ks.IsActive(context.Background()))
}

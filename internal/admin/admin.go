// Package admin fronts the three operator verbs from spec §6
// ("Admin: triggerKillSwitch(reason), resolveKillSwitch(), forceRefund(escrowId)")
// with bearer-token verification. Auth itself is an external collaborator
// per spec §1's scope note, but the kernel still verifies the sub/role
// claims of the pre-validated token it is handed before acting. Kill-switch
// trigger/resolve calls are recorded by the kill-switch's own audit log and
// force refunds by the Money Engine's audit rows; a call rejected at token
// verification writes no audit entry.
//
// Grounded on the teacher's common/net/http/withJWT.go (JWTMiddleware
// parsing/validating a bearer token and reading claims out of it), adapted
// from golang-jwt/jwt (v4, RS256-via-JWKS, fiber-bound) to golang-jwt/jwt/v5
// HMAC verification here since this package owns no HTTP transport.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/idempotency"
	"github.com/hustlexp/escrow-kernel/internal/killswitch"
	"github.com/hustlexp/escrow-kernel/internal/moneyengine"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/task"
)

const adminRole = "admin"

// Claims is the set of JWT claims this package trusts once a token
// verifies: who the actor is and whether they hold the admin role.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenVerifier parses and validates an HS256-signed admin bearer token,
// mirroring the teacher's JWTMiddleware.Protect but transport-agnostic:
// callers pass the raw token string (already stripped of "Bearer ").
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a TokenVerifier over the given HMAC signing key.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Verify parses tokenString, checks its signature and expiry, and
// requires the "admin" role claim.
func (v *TokenVerifier) Verify(tokenString string) (Claims, error) {
	var claims Claims

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("admin: unexpected signing method %v", t.Header["alg"])
		}

		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", platerrors.ErrUnauthorizedActor, err)
	}

	if !token.Valid {
		return Claims{}, platerrors.ErrUnauthorizedActor
	}

	if !strings.EqualFold(claims.Role, adminRole) {
		return Claims{}, platerrors.ErrUnauthorizedActor
	}

	return claims, nil
}

// TaskParties resolves the poster/hustler ids for a task so ForceRefund
// can pass them to the engine, whose guards apply the conflict-of-interest
// rule.
type TaskParties interface {
	PartiesOf(ctx context.Context, taskID uuid.UUID) (posterID, hustlerID uuid.UUID, err error)
}

// UseCase wires JWT verification in front of the Kill-Switch and Money
// Engine for the admin surface. Idempotency guards each verb by requestKey
// so a retried admin call (same operator re-submitting after a timeout)
// replays the original outcome instead of re-triggering the side effect —
// the request-level guard from §5's Idempotency Store, fronting these three
// mutating entry points since the kernel owns no HTTP transport of its own.
type UseCase struct {
	Verifier    *TokenVerifier
	KillSwitch  *killswitch.Switch
	Engine      *moneyengine.Engine
	Parties     TaskParties
	Idempotency *idempotency.Store
}

// NewUseCase builds an admin UseCase.
func NewUseCase(verifier *TokenVerifier, ks *killswitch.Switch, engine *moneyengine.Engine, parties TaskParties, idem *idempotency.Store) *UseCase {
	return &UseCase{Verifier: verifier, KillSwitch: ks, Engine: engine, Parties: parties, Idempotency: idem}
}

// TriggerKillSwitch verifies token, then freezes every mutating entry
// point kernel-wide. requestKey makes a retried call replay rather than
// re-trigger.
func (u *UseCase) TriggerKillSwitch(ctx context.Context, token, reason, requestKey string) error {
	claims, err := u.Verifier.Verify(token)
	if err != nil {
		return err
	}

	_, err = u.Idempotency.Execute(ctx, requestKey, func(ctx context.Context) ([]byte, error) {
		if err := u.KillSwitch.Trigger(ctx, reason, claims.Subject); err != nil {
			return nil, err
		}

		return []byte(`{"status":"triggered"}`), nil
	})

	return err
}

// ResolveKillSwitch verifies token, then lifts the freeze. requestKey makes
// a retried call replay rather than re-resolve.
func (u *UseCase) ResolveKillSwitch(ctx context.Context, token, reason, requestKey string) error {
	claims, err := u.Verifier.Verify(token)
	if err != nil {
		return err
	}

	_, err = u.Idempotency.Execute(ctx, requestKey, func(ctx context.Context) ([]byte, error) {
		if err := u.KillSwitch.Resolve(ctx, reason, claims.Subject); err != nil {
			return nil, err
		}

		return []byte(`{"status":"resolved"}`), nil
	})

	return err
}

// ForceRefund verifies token, looks up the task's poster and hustler, then
// re-enters the Money Engine with FORCE_REFUND; the engine's guards reject
// the call if the admin is the task's own poster or hustler (spec §6,
// scenario S5). requestKey is the idempotency key: two calls
// with the same key return the byte-identical cached result rather than
// running the saga twice.
func (u *UseCase) ForceRefund(ctx context.Context, token string, taskID uuid.UUID, externalEventID, requestKey string) (moneyengine.Result, error) {
	claims, err := u.Verifier.Verify(token)
	if err != nil {
		return moneyengine.Result{}, err
	}

	actorID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return moneyengine.Result{}, fmt.Errorf("%w: subject claim is not a uuid", platerrors.ErrUnauthorizedActor)
	}

	posterID, hustlerID, err := u.Parties.PartiesOf(ctx, taskID)
	if err != nil {
		return moneyengine.Result{}, err
	}

	evCtx := moneyengine.EventContext{
		ActorID: actorID, PosterID: posterID, HustlerID: hustlerID,
		IsAdminActor: true, LogicalTime: time.Now(),
	}

	raw, err := u.Idempotency.Execute(ctx, requestKey, func(ctx context.Context) ([]byte, error) {
		res, err := u.Engine.Handle(ctx, taskID, task.EventForceRefund, evCtx, externalEventID)
		if err != nil {
			return nil, err
		}

		return json.Marshal(res)
	})
	if err != nil {
		return moneyengine.Result{}, err
	}

	var res moneyengine.Result

	if err := json.Unmarshal(raw, &res); err != nil {
		return moneyengine.Result{}, fmt.Errorf("admin: decoding cached force-refund result: %w", err)
	}

	return res, nil
}

package temporalguard_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/temporalguard"
)

type fakeRepo struct {
	watermark map[string]time.Time
}

func newFakeRepo() *fakeRepo { return &fakeRepo{watermark: make(map[string]time.Time)} }

func (f *fakeRepo) LastCommittedAt(_ context.Context, aggregateID string) (time.Time, bool, error) {
	t, ok := f.watermark[aggregateID]
	return t, ok, nil
}

func (f *fakeRepo) Advance(_ context.Context, aggregateID string, at time.Time) error {
	f.watermark[aggregateID] = at
	return nil
}

func TestGuard_Check_FirstEventAlwaysPasses(t *testing.T) {
	guard := temporalguard.NewGuard(newFakeRepo())

	err := guard.Check(context.Background(), "task-1", time.Now())
	require.NoError(t, err)
}

func TestGuard_Check_RejectsRegression(t *testing.T) {
	repo := newFakeRepo()
	guard := temporalguard.NewGuard(repo)

	now := time.Now()
	require.NoError(t, repo.Advance(context.Background(), "task-1", now))

	err := guard.Check(context.Background(), "task-1", now.Add(-time.Minute))
	assert.ErrorIs(t, err, platerrors.ErrTemporalRegression)

	err = guard.Check(context.Background(), "task-1", now)
	assert.ErrorIs(t, err, platerrors.ErrTemporalRegression, "equal timestamp must not strictly dominate")
}

func TestGuard_Check_AllowsStrictAdvance(t *testing.T) {
	repo := newFakeRepo()
	guard := temporalguard.NewGuard(repo)

	now := time.Now()
	require.NoError(t, repo.Advance(context.Background(), "task-1", now))

	err := guard.Check(context.Background(), "task-1", now.Add(time.Second))
	require.NoError(t, err)
}

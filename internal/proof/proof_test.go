package proof_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/proof"
)

type fakeRepo struct {
	requests    map[uuid.UUID]proof.ProofRequest
	submissions map[uuid.UUID]proof.ProofSubmission
	bindings    map[string]proof.HashBinding
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		requests:    map[uuid.UUID]proof.ProofRequest{},
		submissions: map[uuid.UUID]proof.ProofSubmission{},
		bindings:    map[string]proof.HashBinding{},
	}
}

func (f *fakeRepo) CreateRequest(_ context.Context, req proof.ProofRequest) (proof.ProofRequest, error) {
	req.ID = uuid.New()
	f.requests[req.ID] = req

	return req, nil
}

func (f *fakeRepo) CountRequests(_ context.Context, taskID uuid.UUID) (int, error) {
	n := 0
	for _, r := range f.requests {
		if r.TaskID == taskID {
			n++
		}
	}

	return n, nil
}

func (f *fakeRepo) GetRequest(_ context.Context, id uuid.UUID) (proof.ProofRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return proof.ProofRequest{}, platerrors.ErrTaskNotFound
	}

	return req, nil
}

func (f *fakeRepo) UpdateRequestState(_ context.Context, id uuid.UUID, state proof.State) error {
	req := f.requests[id]
	req.State = state
	f.requests[id] = req

	return nil
}

func (f *fakeRepo) CreateSubmission(_ context.Context, sub proof.ProofSubmission) (proof.ProofSubmission, error) {
	sub.ID = uuid.New()
	sub.SubmittedAt = time.Now()
	f.submissions[sub.ID] = sub

	return sub, nil
}

func (f *fakeRepo) GetSubmission(_ context.Context, id uuid.UUID) (proof.ProofSubmission, error) {
	sub, ok := f.submissions[id]
	if !ok {
		return proof.ProofSubmission{}, platerrors.ErrTaskNotFound
	}

	return sub, nil
}

func (f *fakeRepo) UpdateSubmissionState(_ context.Context, id uuid.UUID, state proof.State, confidence float64, flags []string) error {
	sub := f.submissions[id]
	sub.State = state
	sub.ConfidenceScore = confidence
	sub.Flags = flags
	f.submissions[id] = sub

	return nil
}

func (f *fakeRepo) FindHashBinding(_ context.Context, fileHash string) (proof.HashBinding, bool, error) {
	b, ok := f.bindings[fileHash]
	return b, ok, nil
}

func (f *fakeRepo) CreateHashBinding(_ context.Context, binding proof.HashBinding) error {
	f.bindings[binding.FileHash] = binding
	return nil
}

func (f *fakeRepo) LockAllForTask(_ context.Context, taskID uuid.UUID) error {
	for id, req := range f.requests {
		if req.TaskID == taskID && req.State != proof.StateLocked {
			req.State = proof.StateLocked
			f.requests[id] = req
		}
	}

	for id, sub := range f.submissions {
		if sub.TaskID == taskID && sub.State != proof.StateLocked {
			sub.State = proof.StateLocked
			f.submissions[id] = sub
		}
	}

	return nil
}

type fakeForensics struct {
	byID map[uuid.UUID]proof.Metadata
}

func newFakeForensics() *fakeForensics {
	return &fakeForensics{byID: map[uuid.UUID]proof.Metadata{}}
}

func (f *fakeForensics) SaveMetadata(_ context.Context, submissionID uuid.UUID, meta proof.Metadata) error {
	f.byID[submissionID] = meta
	return nil
}

func (f *fakeForensics) GetMetadata(_ context.Context, submissionID uuid.UUID) (proof.Metadata, bool, error) {
	meta, ok := f.byID[submissionID]
	return meta, ok, nil
}

func newEngine() (*proof.Engine, *fakeRepo, *fakeForensics) {
	repo := newFakeRepo()
	forensics := newFakeForensics()

	return proof.NewEngine(repo, forensics), repo, forensics
}

func TestEngine_RequestProof_EnforcesPerTaskLimit(t *testing.T) {
	engine, _, _ := newEngine()
	taskID := uuid.New()
	requester := uuid.New()

	for i := 0; i < engine.MaxRequestsPerTask; i++ {
		_, err := engine.RequestProof(context.Background(), taskID, requester, "completion_photo", "routine")
		require.NoError(t, err)
	}

	_, err := engine.RequestProof(context.Background(), taskID, requester, "completion_photo", "routine")
	assert.ErrorIs(t, err, platerrors.ErrProofRequestLimitReached)
}

func TestEngine_Submit_ThenAnalyze_VerifiesCleanSubmission(t *testing.T) {
	engine, _, _ := newEngine()
	taskID := uuid.New()

	req, err := engine.RequestProof(context.Background(), taskID, uuid.New(), "completion_photo", "routine")
	require.NoError(t, err)

	captureTime := time.Now().Add(-time.Hour)
	meta := proof.Metadata{EXIF: map[string]string{"Make": "Pixel"}, Resolution: "4032x3024", CaptureTime: &captureTime}

	sub, err := engine.Submit(context.Background(), req.ID, "hash-clean", "image/jpeg", 2048, meta)
	require.NoError(t, err)
	assert.Equal(t, proof.StateSubmitted, sub.State)

	analyzed, err := engine.Analyze(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, proof.StateVerified, analyzed.State)
	assert.Empty(t, analyzed.Flags)
}

func TestEngine_Submit_AutoEscalatesReusedHashAcrossTasks(t *testing.T) {
	engine, _, _ := newEngine()

	taskA := uuid.New()
	reqA, err := engine.RequestProof(context.Background(), taskA, uuid.New(), "receipt", "routine")
	require.NoError(t, err)

	subA, err := engine.Submit(context.Background(), reqA.ID, "shared-hash", "image/png", 100, proof.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, proof.StateSubmitted, subA.State)

	taskB := uuid.New()
	reqB, err := engine.RequestProof(context.Background(), taskB, uuid.New(), "receipt", "routine")
	require.NoError(t, err)

	subB, err := engine.Submit(context.Background(), reqB.ID, "shared-hash", "image/png", 100, proof.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, proof.StateEscalated, subB.State, "reusing a file hash bound to a different task must auto-escalate")
}

func TestEngine_Analyze_FlagsScreenshotAndAILookingSubmission(t *testing.T) {
	engine, _, _ := newEngine()
	taskID := uuid.New()

	req, err := engine.RequestProof(context.Background(), taskID, uuid.New(), "completion_photo", "routine")
	require.NoError(t, err)

	sub, err := engine.Submit(context.Background(), req.ID, "hash-susp", "image/png", 512, proof.Metadata{Resolution: "1920x1080"})
	require.NoError(t, err)

	analyzed, err := engine.Analyze(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Contains(t, analyzed.Flags, proof.FlagScreenshot)
	assert.Contains(t, analyzed.Flags, proof.FlagLikelyAI)
	assert.Equal(t, proof.StateRejected, analyzed.State, "a screenshot with no EXIF and no capture time should fall below the verification threshold")
}

func TestEngine_Lock_RequiresVerifiedState(t *testing.T) {
	engine, _, _ := newEngine()
	taskID := uuid.New()

	req, err := engine.RequestProof(context.Background(), taskID, uuid.New(), "completion_photo", "routine")
	require.NoError(t, err)

	sub, err := engine.Submit(context.Background(), req.ID, "hash-lock", "image/jpeg", 2048, proof.Metadata{})
	require.NoError(t, err)

	err = engine.Lock(context.Background(), sub.ID)
	assert.ErrorIs(t, err, platerrors.ErrProofInvalidTransition, "a submission still in submitted state cannot be locked directly")
}

func TestEngine_SnapshotForDispute_LocksEveryNonTerminalRow(t *testing.T) {
	engine, repo, _ := newEngine()
	taskID := uuid.New()

	req, err := engine.RequestProof(context.Background(), taskID, uuid.New(), "completion_photo", "routine")
	require.NoError(t, err)

	sub, err := engine.Submit(context.Background(), req.ID, "hash-dispute", "image/jpeg", 2048, proof.Metadata{})
	require.NoError(t, err)

	require.NoError(t, engine.SnapshotForDispute(context.Background(), taskID))

	assert.Equal(t, proof.StateLocked, repo.requests[req.ID].State)
	assert.Equal(t, proof.StateLocked, repo.submissions[sub.ID].State)
}

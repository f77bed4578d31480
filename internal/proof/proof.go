// Package proof implements the Proof Engine (§4.6): an append-only
// request/submission lifecycle recording evidence for a task. The Money
// Engine does not read proof state, so escrow release is not gated on it. A
// fixed transition table governs both requests and submissions; a
// hash-binding table guarantees a given file can only ever support one
// task, auto-escalating any submission that reuses a hash bound
// elsewhere; and opening a dispute freezes every non-terminal row for the
// task into an immutable snapshot.
package proof

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/platform/dbtx"
	platerrors "github.com/hustlexp/escrow-kernel/internal/platform/errors"
	"github.com/hustlexp/escrow-kernel/internal/platform/idgen"
	"github.com/hustlexp/escrow-kernel/internal/platform/mopentelemetry"
)

// State is the lifecycle state shared by ProofRequest and ProofSubmission
// (§3, §4.6). `locked` is terminal; `rejected` and `escalated` accept no
// further transition either, but aren't flagged terminal since an operator
// can still re-request proof on the same task.
type State string

const (
	StateNone       State = "none"
	StateRequested  State = "requested"
	StateSubmitted  State = "submitted"
	StateAnalyzing  State = "analyzing"
	StateVerified   State = "verified"
	StateRejected   State = "rejected"
	StateEscalated  State = "escalated"
	StateLocked     State = "locked"
)

// transitions is the fixed table from spec §4.6: none -> requested ->
// submitted -> analyzing -> {verified, rejected, escalated}; verified ->
// locked. A hash collision detected at submit time short-circuits straight
// from submitted to escalated, bypassing analysis.
var transitions = map[State][]State{
	StateNone:      {StateRequested},
	StateRequested: {StateSubmitted},
	StateSubmitted: {StateAnalyzing, StateEscalated},
	StateAnalyzing: {StateVerified, StateRejected, StateEscalated},
	StateVerified:  {StateLocked},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// IsTerminal reports whether state accepts no further transition.
func (s State) IsTerminal() bool {
	return s == StateLocked
}

// ProofRequest is a single ask for evidence against a task.
type ProofRequest struct {
	ID          uuid.UUID
	TaskID      uuid.UUID
	RequestedBy uuid.UUID
	ProofType   string // e.g. "completion_photo", "receipt", "id_document"
	Reason      string
	State       State
	CreatedAt   time.Time
}

// ProofSubmission is a single piece of evidence filed against a request.
type ProofSubmission struct {
	ID              uuid.UUID
	RequestID       uuid.UUID
	TaskID          uuid.UUID
	FileHash        string
	MIME            string
	SizeBytes       int64
	State           State
	ConfidenceScore float64
	Flags           []string
	SubmittedAt     time.Time
	VerifiedAt      *time.Time
}

// Flag names a forensics heuristic finding.
const (
	FlagScreenshot         = "screenshot"
	FlagLikelyAI           = "likely_ai"
	FlagLikelyEdited       = "likely_edited"
	FlagTimestampAnomaly   = "timestamp_anomaly"
)

// HashBinding pins a file hash to exactly one task; any other task that
// submits the same hash triggers auto-escalation rather than verification.
type HashBinding struct {
	FileHash     string
	TaskID       uuid.UUID
	FirstBoundAt time.Time
}

// Metadata is the schemaless forensics payload stored in Mongo, keyed by
// submission id — fields vary by file type so they don't belong in a
// fixed-shape Postgres row.
type Metadata struct {
	EXIF        map[string]string
	GPSLat      *float64
	GPSLon      *float64
	Resolution  string
	CaptureTime *time.Time
}

// Repository persists requests, submissions, and hash bindings.
type Repository interface {
	CreateRequest(ctx context.Context, req ProofRequest) (ProofRequest, error)
	CountRequests(ctx context.Context, taskID uuid.UUID) (int, error)
	GetRequest(ctx context.Context, id uuid.UUID) (ProofRequest, error)
	UpdateRequestState(ctx context.Context, id uuid.UUID, state State) error

	CreateSubmission(ctx context.Context, sub ProofSubmission) (ProofSubmission, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (ProofSubmission, error)
	UpdateSubmissionState(ctx context.Context, id uuid.UUID, state State, confidence float64, flags []string) error

	FindHashBinding(ctx context.Context, fileHash string) (HashBinding, bool, error)
	CreateHashBinding(ctx context.Context, binding HashBinding) error

	// LockAllForTask locks every non-terminal request and submission for
	// taskID, for the immutable dispute snapshot.
	LockAllForTask(ctx context.Context, taskID uuid.UUID) error
}

// ForensicsRepository stores and reads Metadata, keyed by submission id.
type ForensicsRepository interface {
	SaveMetadata(ctx context.Context, submissionID uuid.UUID, meta Metadata) error
	GetMetadata(ctx context.Context, submissionID uuid.UUID) (Metadata, bool, error)
}

// PostgresRepository is the database/sql-backed Repository implementation.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository builds a PostgresRepository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateRequest(ctx context.Context, req ProofRequest) (ProofRequest, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	if req.ID == uuid.Nil {
		req.ID = idgen.New()
	}

	query, args, err := sq.Insert("proof_requests").
		Columns("id", "task_id", "requested_by", "proof_type", "reason", "state", "created_at").
		Values(req.ID, req.TaskID, req.RequestedBy, req.ProofType, req.Reason, req.State, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return ProofRequest{}, err
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return ProofRequest{}, err
	}

	return req, nil
}

func (r *PostgresRepository) CountRequests(ctx context.Context, taskID uuid.UUID) (int, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("count(*)").
		From("proof_requests").
		Where(sq.Eq{"task_id": taskID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, err
	}

	var count int
	row := exec.QueryRowContext(ctx, query, args...)

	return count, row.Scan(&count)
}

func (r *PostgresRepository) GetRequest(ctx context.Context, id uuid.UUID) (ProofRequest, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("id", "task_id", "requested_by", "proof_type", "reason", "state", "created_at").
		From("proof_requests").
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return ProofRequest{}, err
	}

	var req ProofRequest
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&req.ID, &req.TaskID, &req.RequestedBy, &req.ProofType, &req.Reason, &req.State, &req.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProofRequest{}, platerrors.ErrTaskNotFound
		}
		return ProofRequest{}, err
	}

	return req, nil
}

func (r *PostgresRepository) UpdateRequestState(ctx context.Context, id uuid.UUID, state State) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Update("proof_requests").
		Set("state", state).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

func (r *PostgresRepository) CreateSubmission(ctx context.Context, sub ProofSubmission) (ProofSubmission, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	if sub.ID == uuid.Nil {
		sub.ID = idgen.New()
	}

	flagsRaw, err := json.Marshal(sub.Flags)
	if err != nil {
		return ProofSubmission{}, err
	}

	query, args, err := sq.Insert("proof_submissions").
		Columns("id", "request_id", "task_id", "file_hash", "mime", "size_bytes", "state", "confidence_score", "flags_json", "submitted_at").
		Values(sub.ID, sub.RequestID, sub.TaskID, sub.FileHash, sub.MIME, sub.SizeBytes, sub.State, sub.ConfidenceScore, flagsRaw, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return ProofSubmission{}, err
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return ProofSubmission{}, err
	}

	return sub, nil
}

func (r *PostgresRepository) GetSubmission(ctx context.Context, id uuid.UUID) (ProofSubmission, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("id", "request_id", "task_id", "file_hash", "mime", "size_bytes", "state", "confidence_score", "flags_json", "submitted_at", "verified_at").
		From("proof_submissions").
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return ProofSubmission{}, err
	}

	var sub ProofSubmission
	var flagsRaw []byte
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&sub.ID, &sub.RequestID, &sub.TaskID, &sub.FileHash, &sub.MIME, &sub.SizeBytes, &sub.State, &sub.ConfidenceScore, &flagsRaw, &sub.SubmittedAt, &sub.VerifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProofSubmission{}, platerrors.ErrTaskNotFound
		}
		return ProofSubmission{}, err
	}

	if len(flagsRaw) > 0 {
		if err := json.Unmarshal(flagsRaw, &sub.Flags); err != nil {
			return ProofSubmission{}, err
		}
	}

	return sub, nil
}

func (r *PostgresRepository) UpdateSubmissionState(ctx context.Context, id uuid.UUID, state State, confidence float64, flags []string) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	flagsRaw, err := json.Marshal(flags)
	if err != nil {
		return err
	}

	builder := sq.Update("proof_submissions").
		Set("state", state).
		Set("confidence_score", confidence).
		Set("flags_json", flagsRaw).
		Where(sq.Eq{"id": id})

	if state == StateVerified {
		builder = builder.Set("verified_at", sq.Expr("now()"))
	}

	query, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

func (r *PostgresRepository) FindHashBinding(ctx context.Context, fileHash string) (HashBinding, bool, error) {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Select("file_hash", "task_id", "first_bound_at").
		From("proof_hash_bindings").
		Where(sq.Eq{"file_hash": fileHash}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return HashBinding{}, false, err
	}

	var binding HashBinding
	row := exec.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&binding.FileHash, &binding.TaskID, &binding.FirstBoundAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HashBinding{}, false, nil
		}
		return HashBinding{}, false, err
	}

	return binding, true, nil
}

func (r *PostgresRepository) CreateHashBinding(ctx context.Context, binding HashBinding) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	query, args, err := sq.Insert("proof_hash_bindings").
		Columns("file_hash", "task_id", "first_bound_at").
		Values(binding.FileHash, binding.TaskID, sq.Expr("now()")).
		Suffix("ON CONFLICT (file_hash) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, query, args...)

	return err
}

func (r *PostgresRepository) LockAllForTask(ctx context.Context, taskID uuid.UUID) error {
	exec := dbtx.GetExecutor(ctx, r.db)

	reqQuery, reqArgs, err := sq.Update("proof_requests").
		Set("state", StateLocked).
		Where(sq.Eq{"task_id": taskID}).
		Where(sq.NotEq{"state": StateLocked}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := exec.ExecContext(ctx, reqQuery, reqArgs...); err != nil {
		return err
	}

	subQuery, subArgs, err := sq.Update("proof_submissions").
		Set("state", StateLocked).
		Where(sq.Eq{"task_id": taskID}).
		Where(sq.NotEq{"state": StateLocked}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, subQuery, subArgs...)

	return err
}

// Analyzer assigns a heuristic confidence score and flags to a submission.
// Non-goal per spec §18: no ML model training — this is a deterministic
// point-scoring function, mirroring the Policy Gate's own shadow score.
type Analyzer interface {
	Analyze(ctx context.Context, sub ProofSubmission, meta Metadata) (confidence float64, flags []string, err error)
}

// HeuristicAnalyzer is the default Analyzer: simple, explainable rules
// over the forensics metadata rather than a model.
type HeuristicAnalyzer struct{}

const verifiedConfidenceThreshold = 0.6

func (HeuristicAnalyzer) Analyze(_ context.Context, sub ProofSubmission, meta Metadata) (float64, []string, error) {
	confidence := 1.0
	var flags []string

	if len(meta.EXIF) == 0 && meta.CaptureTime == nil {
		flags = append(flags, FlagLikelyAI)
		confidence -= 0.4
	}

	if isCommonScreenResolution(meta.Resolution) {
		flags = append(flags, FlagScreenshot)
		confidence -= 0.3
	}

	if meta.CaptureTime != nil {
		age := sub.SubmittedAt.Sub(*meta.CaptureTime)
		if age < 0 || age > 30*24*time.Hour {
			flags = append(flags, FlagTimestampAnomaly)
			confidence -= 0.3
		}
	}

	if confidence < 0 {
		confidence = 0
	}

	return confidence, flags, nil
}

func isCommonScreenResolution(resolution string) bool {
	switch resolution {
	case "1920x1080", "1366x768", "2560x1440", "1440x3120", "1080x2340":
		return true
	default:
		return false
	}
}

// Engine is the Proof Engine UseCase.
type Engine struct {
	Repository         Repository
	Forensics          ForensicsRepository
	Analyzer           Analyzer
	MaxRequestsPerTask int
}

// NewEngine builds an Engine with the default analyzer and a 3-request
// per-task ceiling.
func NewEngine(repo Repository, forensics ForensicsRepository) *Engine {
	return &Engine{Repository: repo, Forensics: forensics, Analyzer: HeuristicAnalyzer{}, MaxRequestsPerTask: 3}
}

// RequestProof opens a new ProofRequest for taskID, enforcing the
// configured per-task request ceiling.
func (e *Engine) RequestProof(ctx context.Context, taskID, requestedBy uuid.UUID, proofType, reason string) (ProofRequest, error) {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "proof.RequestProof")
	defer span.End()

	count, err := e.Repository.CountRequests(ctx, taskID)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to count existing proof requests", err)
		return ProofRequest{}, err
	}

	if count >= e.MaxRequestsPerTask {
		return ProofRequest{}, platerrors.ErrProofRequestLimitReached
	}

	return e.Repository.CreateRequest(ctx, ProofRequest{TaskID: taskID, RequestedBy: requestedBy, ProofType: proofType, Reason: reason, State: StateRequested})
}

// Submit files a ProofSubmission against requestID. A file hash already
// bound to a different task auto-escalates the submission rather than
// ever reaching analysis.
func (e *Engine) Submit(ctx context.Context, requestID uuid.UUID, fileHash, mime string, sizeBytes int64, meta Metadata) (ProofSubmission, error) {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "proof.Submit")
	defer span.End()

	req, err := e.Repository.GetRequest(ctx, requestID)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "proof request not found", err)
		return ProofSubmission{}, err
	}

	if !canTransition(req.State, StateSubmitted) {
		return ProofSubmission{}, platerrors.ErrProofInvalidTransition
	}

	sub := ProofSubmission{RequestID: requestID, TaskID: req.TaskID, FileHash: fileHash, MIME: mime, SizeBytes: sizeBytes, State: StateSubmitted}

	binding, found, err := e.Repository.FindHashBinding(ctx, fileHash)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "hash binding lookup failed", err)
		return ProofSubmission{}, err
	}

	if found && binding.TaskID != req.TaskID {
		sub.State = StateEscalated
		sub.Flags = []string{"hash_reused_across_tasks"}
	} else if !found {
		if err := e.Repository.CreateHashBinding(ctx, HashBinding{FileHash: fileHash, TaskID: req.TaskID}); err != nil {
			mopentelemetry.HandleSpanError(&span, "failed to bind file hash", err)
			return ProofSubmission{}, err
		}
	}

	sub, err = e.Repository.CreateSubmission(ctx, sub)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to persist submission", err)
		return ProofSubmission{}, err
	}

	if err := e.Forensics.SaveMetadata(ctx, sub.ID, meta); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to persist forensics metadata", err)
		return ProofSubmission{}, err
	}

	if err := e.Repository.UpdateRequestState(ctx, requestID, StateSubmitted); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to advance request state", err)
		return ProofSubmission{}, err
	}

	return sub, nil
}

// Analyze runs the configured Analyzer against a submitted submission and
// records the resulting confidence, flags, and verdict.
func (e *Engine) Analyze(ctx context.Context, submissionID uuid.UUID) (ProofSubmission, error) {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "proof.Analyze")
	defer span.End()

	sub, err := e.Repository.GetSubmission(ctx, submissionID)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "submission not found", err)
		return ProofSubmission{}, err
	}

	if !canTransition(sub.State, StateAnalyzing) {
		return ProofSubmission{}, platerrors.ErrProofInvalidTransition
	}

	if err := e.Repository.UpdateSubmissionState(ctx, submissionID, StateAnalyzing, sub.ConfidenceScore, nil); err != nil {
		return ProofSubmission{}, err
	}

	meta, _, err := e.Forensics.GetMetadata(ctx, submissionID)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to load forensics metadata", err)
		return ProofSubmission{}, err
	}

	confidence, flags, err := e.Analyzer.Analyze(ctx, sub, meta)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "analyzer failed", err)
		return ProofSubmission{}, err
	}

	verdict := StateRejected
	if confidence >= verifiedConfidenceThreshold {
		verdict = StateVerified
	}

	if err := e.Repository.UpdateSubmissionState(ctx, submissionID, verdict, confidence, flags); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to record verdict", err)
		return ProofSubmission{}, err
	}

	if verdict == StateVerified {
		if err := e.Repository.UpdateRequestState(ctx, sub.RequestID, StateVerified); err != nil {
			return ProofSubmission{}, err
		}
	}

	sub.State = verdict
	sub.ConfidenceScore = confidence
	sub.Flags = flags

	return sub, nil
}

// Lock transitions a verified submission to its terminal locked state. The
// Money Engine's release pre-checks do not consult it.
func (e *Engine) Lock(ctx context.Context, submissionID uuid.UUID) error {
	sub, err := e.Repository.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}

	if !canTransition(sub.State, StateLocked) {
		return platerrors.ErrProofInvalidTransition
	}

	return e.Repository.UpdateSubmissionState(ctx, submissionID, StateLocked, sub.ConfidenceScore, sub.Flags)
}

// SnapshotForDispute freezes every non-terminal proof request and
// submission for taskID into an immutable locked state, called when a
// dispute opens (§4.6, §3).
func (e *Engine) SnapshotForDispute(ctx context.Context, taskID uuid.UUID) error {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "proof.SnapshotForDispute")
	defer span.End()

	if err := e.Repository.LockAllForTask(ctx, taskID); err != nil {
		mopentelemetry.HandleSpanError(&span, "failed to snapshot proof state for dispute", err)
		return err
	}

	return nil
}

// Package monitoring implements the Health/Alerting substrate (§2 row 14):
// a fixed battery of reconciliation checks over the kernel's own tables
// (ledger double-entry balance, orphaned pending transactions, DLQ depth,
// outbound-mirror/processed-event drift), run on demand and on an
// interval, with a pluggable Alerter fanned out to on a non-healthy
// report. Grounded on the teacher's reconciliation component — every type
// and operation name here (Checker, CheckerConfig, StatusThresholds,
// DetermineStatus, ReconciliationEngine's report/health shape) mirrors its
// test-only internal/domain, internal/engine, and internal/adapters/postgres
// packages, since the teacher ships no production build of this component.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/hustlexp/escrow-kernel/internal/platform/mopentelemetry"
)

// Status is the severity of a single check or an overall report.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// worse reports whether b is a strictly worse status than a.
func worse(a, b Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusWarning: 1, StatusCritical: 2}
	return rank[b] > rank[a]
}

// StatusThresholds configures DetermineStatus's count-to-severity mapping.
type StatusThresholds struct {
	// WarningThreshold is the count above which status becomes Critical.
	WarningThreshold int
	// WarningThresholdExclusive, when true, makes a count equal to
	// WarningThreshold already Critical rather than Warning.
	WarningThresholdExclusive bool
	// CriticalOnAny makes any nonzero count Critical, ignoring the
	// threshold entirely — for checks with no acceptable middle ground
	// (an unbalanced ledger transaction, a drifted mirror record).
	CriticalOnAny bool
}

// DetermineStatus maps a defect count to a Status per thresholds. Zero is
// always Healthy.
func DetermineStatus(count int, thresholds StatusThresholds) Status {
	if count == 0 {
		return StatusHealthy
	}

	if thresholds.CriticalOnAny {
		return StatusCritical
	}

	if thresholds.WarningThresholdExclusive {
		if count >= thresholds.WarningThreshold {
			return StatusCritical
		}

		return StatusWarning
	}

	if count > thresholds.WarningThreshold {
		return StatusCritical
	}

	return StatusWarning
}

// DetermineStatusWithPartial combines a count of full (critical-worthy)
// defects with a count of partial (warning-worthy) ones: any full defect
// makes the result Critical outright, regardless of how many partials
// there are.
func DetermineStatusWithPartial(criticalCount, warningCount int) Status {
	if criticalCount > 0 {
		return StatusCritical
	}

	if warningCount > 0 {
		return StatusWarning
	}

	return StatusHealthy
}

// CheckerConfig bounds the work a single Check call does.
type CheckerConfig struct {
	// LookbackWindow bounds how far back a check scans (double-entry,
	// drift). Zero means "use the checker's own default".
	LookbackWindow time.Duration
	// PendingAge is the orphan check's "how long in prepared is too long"
	// threshold.
	PendingAge time.Duration
	// MaxResults caps how many offending rows a check returns detail for;
	// <=0 means "summary counts only, no detail rows".
	MaxResults int
}

// Report is one run's results across every check.
type Report struct {
	GeneratedAt time.Time
	DoubleEntry *DoubleEntryResult
	Orphan      *OrphanResult
	DLQ         *DLQResult
	Drift       *DriftResult
	Status      Status
}

// DetermineOverallStatus sets r.Status to the worst of its non-nil checks;
// an all-nil or all-healthy Report is Healthy.
func (r *Report) DetermineOverallStatus() {
	status := StatusHealthy

	consider := func(s Status) {
		if worse(status, s) {
			status = s
		}
	}

	if r.DoubleEntry != nil {
		consider(r.DoubleEntry.Status)
	}

	if r.Orphan != nil {
		consider(r.Orphan.Status)
	}

	if r.DLQ != nil {
		consider(r.DLQ.Status)
	}

	if r.Drift != nil {
		consider(r.Drift.Status)
	}

	r.Status = status
}

// Alerter is fanned out to when a Report is not Healthy. The default
// LogAlerter just logs; production deployments plug in a paging or Slack
// sink instead.
type Alerter interface {
	Alert(ctx context.Context, report *Report) error
}

// LogAlerter is the console/log-sink default Alerter.
type LogAlerter struct{}

// Alert logs a warning or error line depending on report.Status.
func (LogAlerter) Alert(ctx context.Context, report *Report) error {
	logger := mlog.NewLoggerFromContext(ctx)

	if report.Status == StatusCritical {
		logger.Errorf("monitoring: CRITICAL report at %s", report.GeneratedAt)
	} else {
		logger.Warnf("monitoring: %s report at %s", report.Status, report.GeneratedAt)
	}

	return nil
}

// Engine runs the fixed check battery on demand and on an interval,
// caching the last report and fanning out to Alerter when it is not
// Healthy. Grounded on the teacher's ReconciliationEngine (GetLastReport,
// IsHealthy) plus internal/worker and internal/sweepers' ticker-loop shape.
type Engine struct {
	DoubleEntry *DoubleEntryChecker
	Orphan      *OrphanChecker
	DLQ         *DLQChecker
	Drift       *DriftChecker
	Alerter     Alerter
	Config      CheckerConfig
	Interval    time.Duration

	mu         sync.RWMutex
	lastReport *Report
}

// NewEngine builds an Engine with the spec's default check configuration.
func NewEngine(doubleEntry *DoubleEntryChecker, orphan *OrphanChecker, dlq *DLQChecker, drift *DriftChecker) *Engine {
	return &Engine{
		DoubleEntry: doubleEntry,
		Orphan:      orphan,
		DLQ:         dlq,
		Drift:       drift,
		Alerter:     LogAlerter{},
		Config: CheckerConfig{
			LookbackWindow: 24 * time.Hour,
			PendingAge:     5 * time.Minute,
			MaxResults:     25,
		},
		Interval: 5 * time.Minute,
	}
}

// Run executes RunOnce on Interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	logger := mlog.NewLoggerFromContext(ctx)

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				logger.Errorf("monitoring: check pass failed: %v", err)
			}
		}
	}
}

// RunOnce runs every check, assembles and caches the Report, and alerts if
// it is not Healthy.
func (e *Engine) RunOnce(ctx context.Context) (*Report, error) {
	tracer := mopentelemetry.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "monitoring.RunOnce")
	defer span.End()

	report := &Report{GeneratedAt: time.Now()}

	doubleEntry, err := e.DoubleEntry.Check(ctx, e.Config)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "double-entry check failed", err)
		return nil, err
	}

	report.DoubleEntry = doubleEntry

	orphan, err := e.Orphan.Check(ctx, e.Config)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "orphan check failed", err)
		return nil, err
	}

	report.Orphan = orphan

	dlq, err := e.DLQ.Check(ctx, e.Config)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "dlq check failed", err)
		return nil, err
	}

	report.DLQ = dlq

	drift, err := e.Drift.Check(ctx, e.Config)
	if err != nil {
		mopentelemetry.HandleSpanError(&span, "drift check failed", err)
		return nil, err
	}

	report.Drift = drift

	report.DetermineOverallStatus()

	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()

	if report.Status != StatusHealthy && e.Alerter != nil {
		if err := e.Alerter.Alert(ctx, report); err != nil {
			logger := mlog.NewLoggerFromContext(ctx)
			logger.Errorf("monitoring: alerter failed: %v", err)
		}
	}

	return report, nil
}

// GetLastReport returns the most recent cached Report, or nil if RunOnce
// has never completed.
func (e *Engine) GetLastReport() *Report {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.lastReport
}

// IsHealthy reports whether the last report exists and is not Critical — a
// Warning report still counts as healthy, matching the teacher's
// "warning is not critical" convention.
func (e *Engine) IsHealthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.lastReport == nil {
		return false
	}

	return e.lastReport.Status != StatusCritical
}

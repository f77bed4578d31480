package monitoring_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/escrow-kernel/internal/ledger"
	"github.com/hustlexp/escrow-kernel/internal/monitoring"
)

func TestDetermineStatus_Healthy(t *testing.T) {
	assert.Equal(t, monitoring.StatusHealthy, monitoring.DetermineStatus(0, monitoring.StatusThresholds{WarningThreshold: 10}))
}

func TestDetermineStatus_Warning(t *testing.T) {
	assert.Equal(t, monitoring.StatusWarning, monitoring.DetermineStatus(5, monitoring.StatusThresholds{WarningThreshold: 10}))
}

func TestDetermineStatus_Critical(t *testing.T) {
	assert.Equal(t, monitoring.StatusCritical, monitoring.DetermineStatus(15, monitoring.StatusThresholds{WarningThreshold: 10}))
}

func TestDetermineStatus_CriticalOnAny(t *testing.T) {
	assert.Equal(t, monitoring.StatusCritical, monitoring.DetermineStatus(1, monitoring.StatusThresholds{CriticalOnAny: true}))
	assert.Equal(t, monitoring.StatusHealthy, monitoring.DetermineStatus(0, monitoring.StatusThresholds{CriticalOnAny: true}))
}

func TestDetermineStatus_ExclusiveThreshold(t *testing.T) {
	assert.Equal(t, monitoring.StatusCritical, monitoring.DetermineStatus(10, monitoring.StatusThresholds{WarningThreshold: 10, WarningThresholdExclusive: true}))
	assert.Equal(t, monitoring.StatusWarning, monitoring.DetermineStatus(10, monitoring.StatusThresholds{WarningThreshold: 10, WarningThresholdExclusive: false}))
}

func TestDetermineStatusWithPartial(t *testing.T) {
	assert.Equal(t, monitoring.StatusHealthy, monitoring.DetermineStatusWithPartial(0, 0))
	assert.Equal(t, monitoring.StatusWarning, monitoring.DetermineStatusWithPartial(0, 5))
	assert.Equal(t, monitoring.StatusCritical, monitoring.DetermineStatusWithPartial(3, 5))
}

func TestReport_DetermineOverallStatus_CriticalOverridesWarning(t *testing.T) {
	report := &monitoring.Report{
		DoubleEntry: &monitoring.DoubleEntryResult{Status: monitoring.StatusWarning},
		Orphan:      &monitoring.OrphanResult{Status: monitoring.StatusCritical},
		DLQ:         &monitoring.DLQResult{Status: monitoring.StatusWarning},
		Drift:       &monitoring.DriftResult{Status: monitoring.StatusWarning},
	}

	report.DetermineOverallStatus()

	assert.Equal(t, monitoring.StatusCritical, report.Status)
}

func TestReport_DetermineOverallStatus_NilChecksAreHealthy(t *testing.T) {
	report := &monitoring.Report{}
	report.DetermineOverallStatus()
	assert.Equal(t, monitoring.StatusHealthy, report.Status)
}

func entriesJSON(t *testing.T, entries []ledger.Entry) []byte {
	t.Helper()

	raw, err := json.Marshal(entries)
	require.NoError(t, err)

	return raw
}

func TestDoubleEntryChecker_Check_AllBalanced(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	acc := uuid.New()
	entries := entriesJSON(t, []ledger.Entry{{AccountID: acc, DebitCents: 500, CreditCents: 0}, {AccountID: uuid.New(), DebitCents: 0, CreditCents: 500}})

	mock.ExpectQuery("SELECT id, entries_json FROM ledger_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "entries_json"}).AddRow(uuid.New(), entries))

	checker := monitoring.NewDoubleEntryChecker(db)
	result, err := checker.Check(context.Background(), monitoring.CheckerConfig{})

	require.NoError(t, err)
	assert.Equal(t, monitoring.StatusHealthy, result.Status)
	assert.Equal(t, 1, result.TotalTransactions)
	assert.Equal(t, 0, result.UnbalancedTransactions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDoubleEntryChecker_Check_Unbalanced(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	txID := uuid.New()
	entries := entriesJSON(t, []ledger.Entry{{AccountID: uuid.New(), DebitCents: 500, CreditCents: 0}, {AccountID: uuid.New(), DebitCents: 0, CreditCents: 400}})

	mock.ExpectQuery("SELECT id, entries_json FROM ledger_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "entries_json"}).AddRow(txID, entries))

	checker := monitoring.NewDoubleEntryChecker(db)
	result, err := checker.Check(context.Background(), monitoring.CheckerConfig{})

	require.NoError(t, err)
	assert.Equal(t, monitoring.StatusCritical, result.Status, "any unbalanced transaction is critical")
	assert.Equal(t, 1, result.UnbalancedTransactions)
	require.Len(t, result.Imbalances, 1)
	assert.Equal(t, txID, result.Imbalances[0].TransactionID)
	assert.Equal(t, int64(100), result.Imbalances[0].NetCents)
}

func TestOrphanChecker_Check_WarningBand(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id"})
	for i := 0; i < 3; i++ {
		rows.AddRow(uuid.New())
	}

	mock.ExpectQuery("SELECT id FROM ledger_transactions").WillReturnRows(rows)

	checker := monitoring.NewOrphanChecker(db)
	result, err := checker.Check(context.Background(), monitoring.CheckerConfig{PendingAge: time.Minute})

	require.NoError(t, err)
	assert.Equal(t, monitoring.StatusWarning, result.Status)
	assert.Equal(t, 3, result.OrphanCount)
	assert.Len(t, result.OrphanedTxIDs, 3)
}

func TestDLQChecker_Check_NoEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	checker := monitoring.NewDLQChecker(db)
	result, err := checker.Check(context.Background(), monitoring.CheckerConfig{MaxResults: 10})

	require.NoError(t, err)
	assert.Equal(t, monitoring.StatusHealthy, result.Status)
	assert.Equal(t, int64(0), result.Total)
	assert.Empty(t, result.Entries)
}

func TestDLQChecker_Check_Critical(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))
	mock.ExpectQuery("SELECT id, event_type").
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "attempts", "created_at"}).
			AddRow(uuid.New(), "escrow.funded", 10, time.Now()))

	checker := monitoring.NewDLQChecker(db)
	result, err := checker.Check(context.Background(), monitoring.CheckerConfig{MaxResults: 10})

	require.NoError(t, err)
	assert.Equal(t, monitoring.StatusCritical, result.Status)
	assert.Equal(t, int64(25), result.Total)
	require.Len(t, result.Entries, 1)
}

func TestDriftChecker_Check_AnyDriftIsCritical(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT m.id").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))

	checker := monitoring.NewDriftChecker(db)
	result, err := checker.Check(context.Background(), monitoring.CheckerConfig{})

	require.NoError(t, err)
	assert.Equal(t, monitoring.StatusCritical, result.Status)
	assert.Equal(t, 1, result.DriftCount)
}

func TestEngine_RunOnce_CachesReportAndReportsHealth(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, entries_json FROM ledger_transactions").WillReturnRows(sqlmock.NewRows([]string{"id", "entries_json"}))
	mock.ExpectQuery("SELECT id FROM ledger_transactions").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT m.id").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	engine := monitoring.NewEngine(
		monitoring.NewDoubleEntryChecker(db),
		monitoring.NewOrphanChecker(db),
		monitoring.NewDLQChecker(db),
		monitoring.NewDriftChecker(db),
	)

	assert.False(t, engine.IsHealthy(), "no report yet means not healthy")

	report, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, monitoring.StatusHealthy, report.Status)
	assert.Same(t, report, engine.GetLastReport())
	assert.True(t, engine.IsHealthy())
}

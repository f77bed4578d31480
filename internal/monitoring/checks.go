package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hustlexp/escrow-kernel/internal/ledger"
)

const (
	dlqWarningThreshold = 10
	defaultLookback     = 24 * time.Hour
	defaultPendingAge   = 5 * time.Minute
)

// Imbalance records a single committed ledger transaction whose entries do
// not sum to zero.
type Imbalance struct {
	TransactionID uuid.UUID
	NetCents      int64
}

// DoubleEntryResult is the DoubleEntryChecker's report.
type DoubleEntryResult struct {
	Status                 Status
	TotalTransactions      int
	UnbalancedTransactions int
	Imbalances             []Imbalance
}

// DoubleEntryChecker verifies every recently committed ledger transaction's
// entries still sum to zero debits-against-credits. Grounded on the
// teacher's double_entry_check (WITH transaction_balance AS ... query
// shape), adapted to scan entries_json in Go rather than SQL-side
// aggregation, since this kernel stores entries as a JSON blob per
// transaction rather than one row per operation.
type DoubleEntryChecker struct {
	db *sql.DB
}

// NewDoubleEntryChecker builds a DoubleEntryChecker over db.
func NewDoubleEntryChecker(db *sql.DB) *DoubleEntryChecker {
	return &DoubleEntryChecker{db: db}
}

func (c *DoubleEntryChecker) Check(ctx context.Context, cfg CheckerConfig) (*DoubleEntryResult, error) {
	lookback := cfg.LookbackWindow
	if lookback <= 0 {
		lookback = defaultLookback
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, entries_json FROM ledger_transactions WHERE status = $1 AND created_at > $2`,
		ledger.TxCommitted, time.Now().Add(-lookback))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &DoubleEntryResult{}

	for rows.Next() {
		var (
			id         uuid.UUID
			entriesRaw []byte
		)

		if err := rows.Scan(&id, &entriesRaw); err != nil {
			return nil, err
		}

		result.TotalTransactions++

		var entries []ledger.Entry
		if err := json.Unmarshal(entriesRaw, &entries); err != nil {
			return nil, err
		}

		if !ledger.Balance(entries) {
			var net int64
			for _, e := range entries {
				net += e.DebitCents - e.CreditCents
			}

			result.UnbalancedTransactions++

			if cfg.MaxResults <= 0 || len(result.Imbalances) < cfg.MaxResults {
				result.Imbalances = append(result.Imbalances, Imbalance{TransactionID: id, NetCents: net})
			}
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Any unbalanced transaction is a ledger-integrity emergency, not a
	// matter of degree.
	result.Status = DetermineStatus(result.UnbalancedTransactions, StatusThresholds{CriticalOnAny: true})

	return result, nil
}

// OrphanResult is the OrphanChecker's report.
type OrphanResult struct {
	Status         Status
	OrphanCount    int
	OrphanedTxIDs  []uuid.UUID
}

// OrphanChecker counts ledger transactions still in TxPrepared older than
// PendingAge — the same population the Saga Sweepers' Pending-transaction
// Reaper acts on, surfaced here as a read-only health signal rather than a
// corrective action. Grounded on the teacher's orphan_check.
type OrphanChecker struct {
	db *sql.DB
}

// NewOrphanChecker builds an OrphanChecker over db.
func NewOrphanChecker(db *sql.DB) *OrphanChecker {
	return &OrphanChecker{db: db}
}

func (c *OrphanChecker) Check(ctx context.Context, cfg CheckerConfig) (*OrphanResult, error) {
	age := cfg.PendingAge
	if age <= 0 {
		age = defaultPendingAge
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM ledger_transactions WHERE status = $1 AND created_at < $2`,
		ledger.TxPrepared, time.Now().Add(-age))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &OrphanResult{}

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		result.OrphanCount++

		if cfg.MaxResults <= 0 || len(result.OrphanedTxIDs) < cfg.MaxResults {
			result.OrphanedTxIDs = append(result.OrphanedTxIDs, id)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A handful of transactions mid-flight is expected churn; a pile of
	// them past the reaper's own age threshold means the reaper itself is
	// stuck or has fallen behind.
	result.Status = DetermineStatus(result.OrphanCount, StatusThresholds{WarningThreshold: 5})

	return result, nil
}

// DLQEntry is a single dead-lettered outbox row.
type DLQEntry struct {
	ID        uuid.UUID
	EventType string
	Attempts  int
	CreatedAt time.Time
}

// DLQResult is the DLQChecker's report.
type DLQResult struct {
	Status  Status
	Total   int64
	Entries []DLQEntry
}

// DLQChecker counts outbox rows that exhausted retries and moved to
// StatusDead. Grounded on the teacher's dlq_check.
type DLQChecker struct {
	db *sql.DB
}

// NewDLQChecker builds a DLQChecker over db.
func NewDLQChecker(db *sql.DB) *DLQChecker {
	return &DLQChecker{db: db}
}

func (c *DLQChecker) Check(ctx context.Context, cfg CheckerConfig) (*DLQResult, error) {
	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM outbox_events WHERE status = 'dead'`).Scan(&total); err != nil {
		return nil, err
	}

	result := &DLQResult{Total: total}

	if cfg.MaxResults > 0 && total > 0 {
		rows, err := c.db.QueryContext(ctx,
			`SELECT id, event_type, attempts, created_at FROM outbox_events WHERE status = 'dead' ORDER BY created_at DESC LIMIT $1`,
			cfg.MaxResults)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var e DLQEntry
			if err := rows.Scan(&e.ID, &e.EventType, &e.Attempts, &e.CreatedAt); err != nil {
				return nil, err
			}

			result.Entries = append(result.Entries, e)
		}

		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	result.Status = DetermineStatus(int(total), StatusThresholds{WarningThreshold: dlqWarningThreshold})

	return result, nil
}

// DriftResult is the DriftChecker's report.
type DriftResult struct {
	Status      Status
	DriftCount  int
	DriftedIDs  []uuid.UUID
}

// DriftChecker cross-checks resolved Outbound Mirror records against the
// Money Engine's processed-event table — the same query the Saga
// Sweepers' Reality-mirror Backfill runs, surfaced here as a counted,
// alertable health signal. Grounded on the teacher's sync_check.
type DriftChecker struct {
	db *sql.DB
}

// NewDriftChecker builds a DriftChecker over db.
func NewDriftChecker(db *sql.DB) *DriftChecker {
	return &DriftChecker{db: db}
}

func (c *DriftChecker) Check(ctx context.Context, cfg CheckerConfig) (*DriftResult, error) {
	lookback := cfg.LookbackWindow
	if lookback <= 0 {
		lookback = defaultLookback
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT m.id
		FROM outbound_mirror m
		WHERE m.outcome = 'success' AND m.resolved_at > $1
		  AND NOT EXISTS (
		      SELECT 1 FROM money_events_processed p
		      WHERE p.external_event_id = m.idempotency_key
		  )`, time.Now().Add(-lookback))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &DriftResult{}

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		result.DriftCount++

		if cfg.MaxResults <= 0 || len(result.DriftedIDs) < cfg.MaxResults {
			result.DriftedIDs = append(result.DriftedIDs, id)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A resolved external effect with no durable record of it ever having
	// been processed is always an emergency — there is no acceptable rate
	// of this.
	result.Status = DetermineStatus(result.DriftCount, StatusThresholds{CriticalOnAny: true})

	return result, nil
}

// Package dbtx carries a *sql.Tx through context.Context so that repository
// methods can participate transparently in a caller-managed transaction
// (the Prepare/Commit phases of the money engine's saga) without threading
// a tx argument through every signature. Grounded on the teacher's
// pkg/dbtx package (API reconstructed from its test suite: ContextWithTx,
// TxFromContext, GetExecutor, RunInTransaction).
package dbtx

import (
	"context"
	"database/sql"
)

type txContextKey string

const txKey = txContextKey("sql_tx")

// ContextWithTx returns a context carrying tx. A nil tx is a no-op: the
// returned context behaves as if ContextWithTx was never called.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}

	return context.WithValue(ctx, txKey, tx)
}

// TxFromContext returns the *sql.Tx stored in ctx, or nil if none.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey).(*sql.Tx)
	return tx
}

// Executor is satisfied by both *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetExecutor returns the transaction in ctx if present, otherwise db.
//
//nolint:ireturn
func GetExecutor(ctx context.Context, db *sql.DB) Executor {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return db
}

// RunInTransaction begins a transaction on db, runs fn with a context
// carrying that transaction, and commits on success or rolls back on error
// or panic (re-panicking after rollback).
func RunInTransaction(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(ContextWithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err = tx.Commit(); err != nil {
		_ = tx.Rollback()
		return err
	}

	return nil
}

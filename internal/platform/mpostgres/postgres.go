// Package mpostgres owns the primary/replica Postgres connection pair and
// runs schema migrations on startup. Grounded on common/mpostgres/postgres.go
// from the teacher, adapted to a single-component kernel (one migrations
// directory, no per-component DB names).
package mpostgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
)

// Connection is a hub that deals with primary/replica Postgres connections.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	MigrationsPath          string
	Logger                  mlog.Logger

	resolver  *dbresolver.DB
	connected bool
}

// Connect opens the primary and replica pools, routes reads to the replica
// and writes to the primary via dbresolver, and applies pending migrations
// against the primary.
func (c *Connection) Connect() error {
	c.Logger.Info("Connecting to primary and replica postgres...")

	primary, err := sql.Open("pgx", c.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("opening primary: %w", err)
	}

	replicaDSN := c.ConnectionStringReplica
	if replicaDSN == "" {
		replicaDSN = c.ConnectionStringPrimary
	}

	replica, err := sql.Open("pgx", replicaDSN)
	if err != nil {
		return fmt.Errorf("opening replica: %w", err)
	}

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if c.MigrationsPath != "" {
		if err := c.migrate(primary); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	}

	if err := resolver.Ping(); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}

	c.resolver = &resolver
	c.connected = true

	c.Logger.Info("Connected to postgres")

	return nil
}

func (c *Connection) migrate(primary *sql.DB) error {
	driver, err := postgres.WithInstance(primary, &postgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+c.MigrationsPath, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// DB returns the primary *sql.DB, connecting lazily if necessary. Kernel
// adapters use this directly (rather than the dbresolver.DB façade) so that
// dbtx.RunInTransaction — which needs a concrete *sql.DB to BeginTx on — can
// pin every statement in a saga phase to the primary.
func (c *Connection) DB() (*sql.DB, error) {
	if !c.connected {
		if err := c.Connect(); err != nil {
			return nil, err
		}
	}

	db, err := (*c.resolver).Primary()
	if err != nil {
		return nil, err
	}

	sqlDB, ok := db.(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("mpostgres: primary connection is not *sql.DB")
	}

	return sqlDB, nil
}

// ReadDB returns a connection suitable for read-only reporting queries
// (balance reports, sweeper scans), load-balanced across replicas.
func (c *Connection) ReadDB() (dbresolver.DB, error) {
	if !c.connected {
		if err := c.Connect(); err != nil {
			return nil, err
		}
	}

	return *c.resolver, nil
}

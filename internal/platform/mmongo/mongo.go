// Package mmongo owns the Mongo connection used to store schemaless proof
// forensics metadata (EXIF, GPS, resolution — fields that vary per file
// type and don't belong in a fixed-shape Postgres row). Grounded on
// common/mmongo/mongo.go from the teacher.
package mmongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
)

// Connection is a hub which deals with mongo connections.
type Connection struct {
	ConnectionStringSource string
	Database               string
	Logger                 mlog.Logger

	client    *mongo.Client
	connected bool
}

// Connect opens a singleton connection to mongo.
func (c *Connection) Connect(ctx context.Context) error {
	c.Logger.Info("Connecting to mongo...")

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.ConnectionStringSource))
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("pinging mongo: %w", err)
	}

	c.client = client
	c.connected = true

	c.Logger.Info("Connected to mongo")

	return nil
}

// Database returns the configured database handle, connecting lazily.
func (c *Connection) DB(ctx context.Context) (*mongo.Database, error) {
	if !c.connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.client.Database(c.Database), nil
}

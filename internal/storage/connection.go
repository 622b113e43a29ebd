// Package storage implements the document store gateway: typed collections,
// guarded operations (circuit breaker + retry), indexed queries, aggregations,
// cascading deletes, and the health check.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/spindle-io/spindle/internal/breaker"
	"github.com/spindle-io/spindle/internal/retry"
)

// BreakerName is the registry name of the circuit breaker guarding the
// document store connection.
const BreakerName = "document-store"

// HealthStatus is the result of a store health check.
type HealthStatus struct {
	Status        string `json:"status"` // "healthy" or "unhealthy"
	LatencyMillis int64  `json:"latency_ms"`
	Database      string `json:"database"`
	Error         string `json:"error,omitempty"`
}

// Connection owns the client, the store circuit breaker and the retry
// policy for transient failures. All collection access goes through it.
type Connection struct {
	client      *mongo.Client
	database    *mongo.Database
	config      *Config
	logger      *slog.Logger
	breaker     *breaker.Breaker
	retryPolicy retry.Policy
}

// Connect establishes a verified connection to the document store. The
// breaker guarding the connection is registered under BreakerName in the
// given registry.
func Connect(
	ctx context.Context,
	config *Config,
	logger *slog.Logger,
	breakers *breaker.Registry,
) (*Connection, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := options.Client().
		ApplyURI(config.databaseURL).
		SetMaxPoolSize(config.MaxPoolSize).
		SetMinPoolSize(config.MinPoolSize).
		SetConnectTimeout(config.ConnectTimeout).
		SetServerSelectionTimeout(config.SelectionTimeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrConnection, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())

		return nil, fmt.Errorf("%w: ping: %w", ErrConnection, err)
	}

	policy := retry.DefaultPolicy()
	policy.RetryIf = IsRetryable

	conn := &Connection{
		client:      client,
		database:    client.Database(config.DatabaseName),
		config:      config,
		logger:      logger,
		breaker:     breakers.GetOrCreate(BreakerName, breaker.DefaultConfig()),
		retryPolicy: policy,
	}

	logger.Info("document store connected",
		slog.String("url", config.MaskDatabaseURL()),
		slog.String("database", config.DatabaseName),
	)

	return conn, nil
}

// Collection returns a guarded handle for the named collection.
func (c *Connection) Collection(name string) *Collection {
	return &Collection{
		name: name,
		coll: c.database.Collection(name),
		conn: c,
	}
}

// ListCollectionNames returns the names of collections matching the filter.
func (c *Connection) ListCollectionNames(ctx context.Context, filter any) ([]string, error) {
	if filter == nil {
		filter = bson.M{}
	}

	names, err := c.database.ListCollectionNames(ctx, filter)
	if err != nil {
		return nil, classifyError("list_collection_names", err)
	}

	return names, nil
}

// HealthCheck executes a ping round-trip. It never panics; failures are
// reported in the returned status, not as an error.
func (c *Connection) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()

	pingCtx, cancel := context.WithTimeout(ctx, c.config.SelectionTimeout)
	defer cancel()

	err := c.client.Ping(pingCtx, readpref.Primary())
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return HealthStatus{
			Status:        "unhealthy",
			LatencyMillis: latency,
			Database:      c.config.DatabaseName,
			Error:         err.Error(),
		}
	}

	return HealthStatus{
		Status:        "healthy",
		LatencyMillis: latency,
		Database:      c.config.DatabaseName,
	}
}

// BreakerSnapshot exposes the store breaker state for observability.
func (c *Connection) BreakerSnapshot() breaker.Snapshot {
	return c.breaker.Snapshot()
}

// DatabaseName returns the connected database name.
func (c *Connection) DatabaseName() string {
	return c.config.DatabaseName
}

// Close disconnects from the store.
func (c *Connection) Close(ctx context.Context) error {
	if err := c.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	c.logger.Info("document store disconnected")

	return nil
}

// Package config provides configuration and shared test utilities for the Spindle control plane.
package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/golang-migrate/migrate/v4"
	migratemongo "github.com/golang-migrate/migrate/v4/database/mongodb"
	_ "github.com/golang-migrate/migrate/v4/source/file" // used to run migrations using source files
)

const (
	// TestDatabaseName is the database integration tests migrate and operate on.
	TestDatabaseName = "spindle_test"

	startUpTimeOut = 120 * time.Second
)

// TestDatabase encapsulates test database resources for cleanup.
// Used by integration tests across multiple packages to maintain consistent test infrastructure.
type TestDatabase struct {
	Container *mongodb.MongoDBContainer
	Client    *mongo.Client
	URL       string
	Database  string
}

// SetupTestDatabase creates a MongoDB container and runs migrations.
// This is the standard way to set up integration test databases across all packages.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		ctx := context.Background()
//		testDB := config.SetupTestDatabase(ctx, t)
//		conn, err := storage.Connect(ctx, storage.NewConfig(testDB.URL, testDB.Database), logger, breakers)
//		// ... your test code
//	}
//
// The function automatically:
//   - Creates a MongoDB 7 container
//   - Waits for the database to be ready
//   - Runs all migrations from the migrations/ directory
//   - Registers cleanup of the client and container via t.Cleanup
//
// Packages open their own storage connections from URL and Database; the raw
// Client is available for direct document assertions.
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	// Create MongoDB container
	mongoContainer, err := mongodb.Run(ctx,
		"mongo:7",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(startUpTimeOut),
		),
	)
	require.NoError(t, err, "Failed to start mongodb container")
	require.NotNil(t, mongoContainer, "mongodb container is nil")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(mongoContainer)
	})

	// Get connection string
	connStr, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get connection string")

	// Create raw client for migrations and direct assertions
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connStr))
	require.NoError(t, err, "Failed to open database")
	require.NoError(t, client.Ping(ctx, readpref.Primary()), "Failed to ping database")

	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	// Run migrations
	if err := RunTestMigrations(client, TestDatabaseName); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &TestDatabase{
		Container: mongoContainer,
		Client:    client,
		URL:       connStr,
		Database:  TestDatabaseName,
	}
}

// RunTestMigrations applies all migrations from the migrations directory using golang-migrate.
// This function uses file:// source pointing to actual migrations directory (no duplication).
//
// The migration path is relative to the package calling this function:
//   - internal/config:     ../../migrations
//   - internal/storage:    ../../migrations
//   - internal/registry:   ../../migrations
//   - internal/monitoring: ../../migrations
//
// This works because all these packages are at the same depth relative to the project root.
// The source skips files in the directory that are not named like migrations, so the
// migrator's Go sources are ignored.
//
// Returns:
//   - nil if migrations succeed or no changes needed
//   - error if migrations fail
func RunTestMigrations(client *mongo.Client, databaseName string) error {
	// Create database driver
	driver, err := migratemongo.WithInstance(client, &migratemongo.Config{
		DatabaseName: databaseName,
	})
	if err != nil {
		return err
	}

	// Use file source pointing to migrations directory
	// Path is relative to project root: internal/config -> ../../migrations
	m, err := migrate.NewWithDatabaseInstance(
		"file://../../migrations",
		databaseName,
		driver,
	)
	if err != nil {
		return err
	}

	// Run all migrations up
	// ErrNoChange is not an error - it means migrations are already applied
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

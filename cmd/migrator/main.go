// Package main provides the database migration CLI tool for Spindle.
//
// The CLI wraps the migrations package: embedded JSON migrations with
// startup validation, applied through golang-migrate's mongodb driver.
// Supports up/down/status/version/drop commands for zero-config deployment.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/spindle-io/spindle/migrations"
)

// Build-time version information
// These variables are set at build time using -ldflags
var (
	Version   = "1.0.0-dev" // Version of the migrator
	GitCommit = "unknown"   // Git commit hash
	BuildTime = "unknown"   // Build timestamp
	name      = "migrator"  // Application name
)

func main() {
	// Command line flags
	var (
		configHelp  = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Handle version flag
	if *showVersion {
		printVersionInfo()
		os.Exit(0)
	}

	// Handle help flag or no arguments
	if *configHelp || len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	// Parse command from arguments
	command := os.Args[1]

	// Load configuration from environment
	config, err := migrations.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create migration runner
	runner, err := migrations.NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}
	defer func() {
		_ = runner.Close()
	}()

	// Drop is destructive; confirm before dispatching
	if command == "drop" && !confirmDrop() {
		fmt.Println("Operation cancelled.")

		return
	}

	// Execute command
	if err := migrations.Execute(command, runner); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// confirmDrop prompts for interactive confirmation before dropping all collections.
func confirmDrop() bool {
	fmt.Print("WARNING: This will drop all collections. Are you sure? (y/N): ")

	var response string
	_, _ = fmt.Scanln(&response)

	return response == "y" || response == "Y"
}

// printVersionInfo displays comprehensive version information
func printVersionInfo() {
	fmt.Printf("%s v%s\n", name, Version)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Database Migration Tool for Spindle\n")
}

// printUsage displays usage information
func printUsage() {
	fmt.Printf(`%s v%s - Database Migration Tool for Spindle

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show migration status
    version Show current migration version
    drop    Drop all collections (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    MongoDB connection string (REQUIRED)

    DATABASE_NAME   Database the migrations run against
                   (default: spindle)

    MIGRATION_COLLECTION Name of migration tracking collection
                   (default: schema_migrations)

EXAMPLES:
    %s up                    # Apply all pending migrations
    %s status               # Show current migration status
    %s down                 # Rollback last migration
    %s --version           # Show version information

For zero-config deployment, run without environment variables to use defaults.
`, name, Version, name, name, name, name, name)
}

package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/spindle-io/spindle/internal/config"
)

const (
	defaultDatabaseName       = "spindle"
	defaultMaxPoolSize        = 100
	defaultMinPoolSize        = 5
	defaultConnectTimeout     = 10 * time.Second
	defaultSelectionTimeout   = 5 * time.Second
	defaultOperationTimeout   = 30 * time.Second
	defaultSlowQueryThreshold = 500 * time.Millisecond
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrDatabaseNameEmpty is returned when the database name is an empty string.
	ErrDatabaseNameEmpty = errors.New("database name cannot be empty")
)

// Config holds document store connection configuration with production-ready defaults.
type Config struct {
	databaseURL        string
	DatabaseName       string
	MaxPoolSize        uint64        // Maximum number of pooled connections
	MinPoolSize        uint64        // Minimum number of pooled connections
	ConnectTimeout     time.Duration // Dial timeout for new connections
	SelectionTimeout   time.Duration // Server selection timeout
	OperationTimeout   time.Duration // Default per-operation deadline
	SlowQueryThreshold time.Duration // Queries slower than this are logged at warn
}

// LoadConfig loads document store configuration from environment variables
// with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:        config.GetEnvStr("DATABASE_URL", ""), // databaseURL is private for obvious reasons.
		DatabaseName:       config.GetEnvStr("DATABASE_NAME", defaultDatabaseName),
		MaxPoolSize:        uint64(config.GetEnvInt64("DATABASE_MAX_POOL_SIZE", defaultMaxPoolSize)),
		MinPoolSize:        uint64(config.GetEnvInt64("DATABASE_MIN_POOL_SIZE", defaultMinPoolSize)),
		ConnectTimeout:     config.GetEnvDuration("DATABASE_CONNECT_TIMEOUT", defaultConnectTimeout),
		SelectionTimeout:   config.GetEnvDuration("DATABASE_SELECTION_TIMEOUT", defaultSelectionTimeout),
		OperationTimeout:   config.GetEnvDuration("DATABASE_OPERATION_TIMEOUT", defaultOperationTimeout),
		SlowQueryThreshold: config.GetEnvDuration("DATABASE_SLOW_QUERY_THRESHOLD", defaultSlowQueryThreshold),
	}
}

// NewConfig builds a Config for an explicit URL and database name, applying
// the same defaults as LoadConfig. Used by tests and the container harness.
func NewConfig(databaseURL, databaseName string) *Config {
	return &Config{
		databaseURL:        databaseURL,
		DatabaseName:       databaseName,
		MaxPoolSize:        defaultMaxPoolSize,
		MinPoolSize:        defaultMinPoolSize,
		ConnectTimeout:     defaultConnectTimeout,
		SelectionTimeout:   defaultSelectionTimeout,
		OperationTimeout:   defaultOperationTimeout,
		SlowQueryThreshold: defaultSlowQueryThreshold,
	}
}

// Validate checks if the document store configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if strings.TrimSpace(c.DatabaseName) == "" {
		return ErrDatabaseNameEmpty
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	// Find the scheme separator
	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	// Find the last @ which separates userinfo from host
	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No @ found, no userinfo
		return c.databaseURL
	}

	// Extract userinfo
	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password
		return c.databaseURL
	}

	// Found username:password
	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		// Empty password, don't mask
		return c.databaseURL
	}

	// Build masked URL
	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}

package storage

import (
	"log/slog"

	"github.com/spindle-io/spindle/internal/keylock"
)

// Store exposes typed operations over the core entity collections: sources,
// crawlers, crawler history, crawl results, and error logs. Domain services
// own their collections separately on the same Connection.
type Store struct {
	conn   *Connection
	logger *slog.Logger

	sources        *Collection
	crawlers       *Collection
	crawlerHistory *Collection
	crawlResults   *Collection
	errorLogs      *Collection

	// crawlerLocks serializes crawler version assignment per source.
	crawlerLocks *keylock.KeyedMutex
}

// NewStore creates the core entity store over an established connection.
func NewStore(conn *Connection, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		conn:           conn,
		logger:         logger,
		sources:        conn.Collection(CollSources),
		crawlers:       conn.Collection(CollCrawlers),
		crawlerHistory: conn.Collection(CollCrawlerHistory),
		crawlResults:   conn.Collection(CollCrawlResults),
		errorLogs:      conn.Collection(CollErrorLogs),
		crawlerLocks:   keylock.New(),
	}
}

// Connection returns the underlying guarded connection.
func (s *Store) Connection() *Connection {
	return s.conn
}

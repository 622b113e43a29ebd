package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// Error kinds surfaced by the store. Adapters map these onto their own
// error codes; everything else in the control plane tests them with
// errors.Is.
var (
	// ErrInvalidID marks an id string that is not 24 lowercase hex characters.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrDuplicateKey marks a write rejected by a unique index.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound marks a single-document lookup with no match. List
	// queries return empty results instead.
	ErrNotFound = errors.New("document not found")

	// ErrConnection marks transient connection-level failures. These are
	// retried by the store's retry policy before being surfaced.
	ErrConnection = errors.New("database connection error")

	// ErrOperation marks a non-transient failure executing an operation.
	ErrOperation = errors.New("database operation error")
)

// connectionErrorMarkers identify transient driver failures when the typed
// checks fall short. Matches the engine's connection-class error names.
var connectionErrorMarkers = []string{
	"connection refused",
	"connection reset",
	"no reachable servers",
	"server selection",
	"socket was unexpectedly closed",
	"network timeout",
	"i/o timeout",
	"broken pipe",
	"client is disconnected",
}

// isConnectionError reports whether err is a transient connection-level
// failure worth retrying.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

// classifyError wraps a driver error into the store taxonomy. op names the
// operation for the message ("sources.find_one").
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %s", ErrNotFound, op)

	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %s: %w", ErrDuplicateKey, op, err)

	case isConnectionError(err):
		return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)

	default:
		return fmt.Errorf("%w: %s: %w", ErrOperation, op, err)
	}
}

// IsRetryable reports whether an error returned by the store is safe to
// retry. Only connection-level failures qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection)
}

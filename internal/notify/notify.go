// Package notify defines the notification capability the control plane
// dispatches alerts through. The core treats the sink as opaque: adapters
// fan out to mail, chat, or webhook transports behind the Notifier
// interface.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSendTimeout bounds one notification dispatch.
const DefaultSendTimeout = 10 * time.Second

// Severity ranks how urgent a notification is.
type Severity string

// Notification severities, ascending.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// IsValid returns true when the severity is a known level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}

// rank orders severities for comparison and escalation.
func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast returns true when the severity is at or above the floor.
func (s Severity) AtLeast(floor Severity) bool {
	return s.rank() >= floor.rank()
}

// Escalate returns the next severity tier up. Critical stays critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityInfo:
		return SeverityWarning
	case SeverityWarning:
		return SeverityError
	case SeverityError, SeverityCritical:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

type (
	// Notification is one message for operators.
	Notification struct {
		Title        string         `json:"title"`
		Message      string         `json:"message"`
		Severity     Severity       `json:"severity"`
		SourceID     string         `json:"source_id,omitempty"`
		Metadata     map[string]any `json:"metadata,omitempty"`
		SkipThrottle bool           `json:"skip_throttle,omitempty"`
	}

	// Receipt reports what a sink did with a notification. Receipts are
	// persisted on alert triggers, hence the bson tags.
	Receipt struct {
		Sent     bool            `bson:"sent"               json:"sent"`
		Channels map[string]bool `bson:"channels,omitempty" json:"channels,omitempty"`
		AlertID  string          `bson:"alert_id,omitempty" json:"alert_id,omitempty"`
	}

	// Notifier is the opaque notification sink. Implementations must be
	// safe for concurrent use and should honor ctx cancellation; callers
	// bound dispatches with DefaultSendTimeout.
	Notifier interface {
		Send(ctx context.Context, n Notification) (*Receipt, error)
	}
)

// SlogNotifier writes notifications to a structured logger. It is the
// default sink when no external transport is configured, and the fallback
// examples wire behind throttling in development.
type SlogNotifier struct {
	logger *slog.Logger
}

// NewSlogNotifier builds a logging notification sink.
func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &SlogNotifier{logger: logger}
}

// Send logs the notification at a level matching its severity.
func (s *SlogNotifier) Send(ctx context.Context, n Notification) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("title", n.Title),
		slog.String("severity", string(n.Severity)),
	}

	if n.SourceID != "" {
		attrs = append(attrs, slog.String("source_id", n.SourceID))
	}

	if len(n.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", n.Metadata))
	}

	switch n.Severity {
	case SeverityCritical, SeverityError:
		s.logger.Error(n.Message, attrs...)
	case SeverityWarning:
		s.logger.Warn(n.Message, attrs...)
	default:
		s.logger.Info(n.Message, attrs...)
	}

	return &Receipt{Sent: true, Channels: map[string]bool{"log": true}}, nil
}

// compile-time interface checks.
var (
	_ Notifier = (*SlogNotifier)(nil)
	_ Notifier = (*Throttled)(nil)
)

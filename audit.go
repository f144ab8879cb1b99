package sessionkit

import (
	"context"
	"errors"
	"io"
	"log/slog"

	internalaudit "github.com/futurebazaar/sessionkit/internal/audit"
)

// AuditEvent is one session lifecycle event.
type AuditEvent = internalaudit.Event

// AuditSink receives session events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

// NoOpSink discards events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink forwards events into a buffered channel.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// SlogSink logs events through a *slog.Logger.
type SlogSink = internalaudit.SlogSink

// AuditStats counts delivered, dropped and pending session events.
type AuditStats = internalaudit.Stats

// Event types emitted by the manager.
const (
	EventLoginSuccess           = internalaudit.EventLoginSuccess
	EventLoginFailure           = internalaudit.EventLoginFailure
	EventVerifyNetwork          = internalaudit.EventVerifyNetwork
	EventVerifyCached           = internalaudit.EventVerifyCached
	EventVerifyFailure          = internalaudit.EventVerifyFailure
	EventSessionExpired         = internalaudit.EventSessionExpired
	EventStaleResponseDiscarded = internalaudit.EventStaleResponseDiscarded
	EventLogout                 = internalaudit.EventLogout
	EventSessionCleared         = internalaudit.EventSessionCleared
	EventUnauthorizedResponse   = internalaudit.EventUnauthorizedResponse
	EventExternalChange         = internalaudit.EventExternalChange
	EventPasswordResetRequest   = internalaudit.EventPasswordResetRequest
)

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewSlogSink logs events at info, or warn for failures. A nil logger uses
// slog.Default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return internalaudit.NewSlogSink(logger)
}

// emitAudit builds and dispatches one event. It is a no-op when auditing is
// disabled.
func (m *Manager) emitAudit(ctx context.Context, eventType string, success bool, userID string, generation uint64, err error, metadata map[string]string) {
	if m == nil || m.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp:  m.now().UTC(),
		EventType:  eventType,
		UserID:     userID,
		Generation: generation,
		Success:    success,
		Metadata:   metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = code
	}
	m.audit.Emit(ctx, event)
}

func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrStaleResponse):
		return "stale_response"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrNoToken):
		return "no_token"
	case errors.Is(err, ErrNoUser):
		return "no_user"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal_error"
	}
}

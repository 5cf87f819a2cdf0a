// Package audit implements the append-only event sink of spec.md §7: every
// security-relevant action (login, registration, admin mutation, OTP
// change) gets one AuditEvent, and a failure to record one must never fail
// the operation that produced it — the sink logs its own storage error via
// slog and does not return it (there is no retry), the way dexidp/dex's
// metrics recorders are fire-and-forget
// rather than part of the request's error path.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/darkauth/darkauth/storage"
)

// Sink accepts audit events. Implementations must not block the caller for
// long or propagate transient storage errors as request failures.
type Sink interface {
	Record(ctx context.Context, e storage.AuditEvent)
}

// StorageSink persists events straight to storage.Storage.AppendAuditEvent.
type StorageSink struct {
	storage storage.Storage
	logger  *slog.Logger
}

// NewStorageSink builds a StorageSink.
func NewStorageSink(store storage.Storage, logger *slog.Logger) *StorageSink {
	return &StorageSink{storage: store, logger: logger}
}

// Record appends e, logging (not returning) any storage failure.
func (s *StorageSink) Record(ctx context.Context, e storage.AuditEvent) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := s.storage.AppendAuditEvent(ctx, e); err != nil {
		s.logger.Error("audit: failed to record event",
			"err", err, "event_type", e.EventType, "actor_id", e.ActorID)
	}
}

// Event is a small builder for the common case, reducing the field-by-field
// struct literal noise at call sites spread across server/.
func Event(eventType string, actorKind storage.ActorKind, actorID string) storage.AuditEvent {
	return storage.AuditEvent{
		EventType: eventType,
		ActorKind: string(actorKind),
		ActorID:   actorID,
		Success:   true,
	}
}

// WithResource sets the resource fields and returns e for chaining.
func WithResource(e storage.AuditEvent, resourceType, resourceID string) storage.AuditEvent {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithRequest sets the HTTP context fields and returns e for chaining.
func WithRequest(e storage.AuditEvent, method, path string, statusCode int, ip, userAgent string) storage.AuditEvent {
	e.Method = method
	e.Path = path
	e.StatusCode = statusCode
	e.IPAddress = ip
	e.UserAgent = userAgent
	return e
}

// WithError marks e as a failed action and returns e for chaining.
func WithError(e storage.AuditEvent, err error) storage.AuditEvent {
	e.Success = false
	e.ErrorMessage = err.Error()
	return e
}

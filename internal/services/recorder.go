package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mwhitford/bulwark/internal/models"
	pkglogger "github.com/mwhitford/bulwark/pkg/logger"
)

// AuditSink persists audit events durably.
type AuditSink interface {
	Create(ctx context.Context, event *models.AuditEvent) error
}

// SecurityRecorder fans one security event out to the structured log stream
// and the durable audit trail. Recording never fails the caller: an auth
// decision that has already been made must not be rolled back because the
// audit write misfired, so sink errors are logged and swallowed.
type SecurityRecorder struct {
	sink   AuditSink
	audit  *pkglogger.AuditLogger
	logger *slog.Logger
}

// NewSecurityRecorder creates a new SecurityRecorder
func NewSecurityRecorder(sink AuditSink, audit *pkglogger.AuditLogger, logger *slog.Logger) *SecurityRecorder {
	return &SecurityRecorder{
		sink:   sink,
		audit:  audit,
		logger: logger,
	}
}

// Record emits one event to both outputs.
func (r *SecurityRecorder) Record(ctx context.Context, event *models.AuditEvent) {
	r.audit.Log(toLogEvent(event))

	if err := r.sink.Create(ctx, event); err != nil {
		r.logger.Error("failed to persist audit event",
			slog.String("event_type", event.EventType),
			slog.Any("error", err))
	}
}

// RecordDenial is shorthand for a failed event with a reason.
func (r *SecurityRecorder) RecordDenial(ctx context.Context, eventType string, actorID, ip, reason string) {
	event := &models.AuditEvent{
		EventType:     eventType,
		Success:       false,
		FailureReason: &reason,
	}
	if actorID != "" {
		event.ActorID = &actorID
	}
	if ip != "" {
		event.IPAddress = &ip
	}
	r.Record(ctx, event)
}

func toLogEvent(event *models.AuditEvent) pkglogger.AuditEvent {
	le := pkglogger.AuditEvent{
		EventType: event.EventType,
		Success:   event.Success,
	}
	if event.ActorID != nil {
		le.ActorID = *event.ActorID
	}
	if event.TargetID != nil {
		le.TargetID = *event.TargetID
	}
	if event.IPAddress != nil {
		le.IPAddress = *event.IPAddress
	}
	if event.FailureReason != nil {
		le.FailureReason = *event.FailureReason
	}
	if len(event.Metadata) > 0 {
		le.Metadata = make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			le.Metadata[k] = fmt.Sprintf("%v", v)
		}
	}
	return le
}

package repositories

import (
	"context"
	"time"

	"github.com/mwhitford/bulwark/internal/database"
	"github.com/mwhitford/bulwark/internal/models"
)

// AuditLogRepository appends security events to the audit trail. The table is
// append-only; nothing in this service updates or reads it back except the
// retention cleanup and operator queries.
type AuditLogRepository struct {
	db *database.DB
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

// Create appends one event.
func (r *AuditLogRepository) Create(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_log (event_type, actor_id, target_id, success, failure_reason, ip_address, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		event.EventType,
		event.ActorID,
		event.TargetID,
		event.Success,
		event.FailureReason,
		event.IPAddress,
		event.Metadata,
	)
	return database.MapPostgresError(err)
}

// GetRecentByEventType returns the newest events of one type, for operator
// review.
func (r *AuditLogRepository) GetRecentByEventType(ctx context.Context, eventType string, limit int) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, event_type, actor_id, target_id, success, failure_reason, ip_address, metadata, created_at
		FROM audit_log
		WHERE event_type = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, eventType, limit)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		err := rows.Scan(&e.ID, &e.EventType, &e.ActorID, &e.TargetID,
			&e.Success, &e.FailureReason, &e.IPAddress, &e.Metadata, &e.CreatedAt)
		if err != nil {
			return nil, database.MapPostgresError(err)
		}
		events = append(events, &e)
	}
	return events, database.MapPostgresError(rows.Err())
}

// Cleanup deletes events older than the retention window.
func (r *AuditLogRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

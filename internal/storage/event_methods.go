package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleettrack/device-gateway/internal/models"
)

// ========== Event Log Methods ==========

// CreateEventLog creates a new event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO event_logs (
            id, created_at, device_id, type, level, description, details
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.DeviceID, event.Type,
		event.Level, event.Description, event.Details,
	)
	return err
}

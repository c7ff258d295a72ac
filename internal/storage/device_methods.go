package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/fleettrack/device-gateway/internal/models"
)

// ========== Device Methods ==========

const deviceColumns = `
        id, created_at, updated_at, imei, name, protocol,
        is_active, status, last_seen_at, is_subscription_active, subscription_expiry`

func scanDevice(row *sql.Row) (*models.Device, error) {
	device := &models.Device{}
	err := row.Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.IMEI,
		&device.Name, &device.Protocol, &device.IsActive, &device.Status,
		&device.LastSeenAt, &device.SubscriptionActive, &device.SubscriptionExpiry,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// GetDeviceByIMEI gets a device by its IMEI
func (s *PostgresStore) GetDeviceByIMEI(ctx context.Context, imei string) (*models.Device, error) {
	query := `SELECT` + deviceColumns + `
        FROM devices
        WHERE imei = $1`

	return scanDevice(s.getDB().QueryRowContext(ctx, query, imei))
}

// GetDevice gets a device by id
func (s *PostgresStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT` + deviceColumns + `
        FROM devices
        WHERE id = $1`

	return scanDevice(s.getDB().QueryRowContext(ctx, query, id))
}

// UpdateDeviceStatus sets the online/offline status and last seen time
func (s *PostgresStore) UpdateDeviceStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus) error {
	query := `
        UPDATE devices
        SET status = $1, last_seen_at = NOW(), updated_at = NOW()
        WHERE id = $2`

	result, err := s.getDB().ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeviceLastSeen refreshes the last seen timestamp
func (s *PostgresStore) UpdateDeviceLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
        UPDATE devices
        SET last_seen_at = $1
        WHERE id = $2`

	_, err := s.getDB().ExecContext(ctx, query, at, id)
	return err
}

package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/fleettrack/device-gateway/internal/models"
)

// ========== Position Methods ==========

// UpsertLivePosition writes the single authoritative live row per device
func (s *PostgresStore) UpsertLivePosition(ctx context.Context, pos *models.Position) error {
	query := `
        INSERT INTO gps_live_data (
            device_id, latitude, longitude, speed, heading, satellites,
            ignition, charging, gsm_signal, device_time, raw_data, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
        ON CONFLICT (device_id) DO UPDATE SET
            latitude = EXCLUDED.latitude,
            longitude = EXCLUDED.longitude,
            speed = EXCLUDED.speed,
            heading = EXCLUDED.heading,
            satellites = EXCLUDED.satellites,
            ignition = EXCLUDED.ignition,
            charging = EXCLUDED.charging,
            gsm_signal = EXCLUDED.gsm_signal,
            device_time = EXCLUDED.device_time,
            raw_data = EXCLUDED.raw_data,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		pos.DeviceID, pos.Latitude, pos.Longitude, pos.Speed, pos.Heading,
		pos.Satellites, pos.Ignition, pos.Charging, pos.GSMSignal,
		pos.DeviceTime, pos.Raw,
	)
	return err
}

// AppendPositionHistory appends to the partitioned history table
func (s *PostgresStore) AppendPositionHistory(ctx context.Context, pos *models.Position) error {
	query := `
        INSERT INTO gps_history (
            id, device_id, latitude, longitude, speed, heading, satellites,
            ignition, charging, gsm_signal, device_time, raw_data, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`

	_, err := s.getDB().ExecContext(ctx, query,
		uuid.New(), pos.DeviceID, pos.Latitude, pos.Longitude, pos.Speed,
		pos.Heading, pos.Satellites, pos.Ignition, pos.Charging,
		pos.GSMSignal, pos.DeviceTime, pos.Raw,
	)
	return err
}

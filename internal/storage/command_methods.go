package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleettrack/device-gateway/internal/models"
)

// ========== Command Methods ==========

// CreateCommandLog creates a new command log entry
func (s *PostgresStore) CreateCommandLog(ctx context.Context, cmd *models.CommandLog) error {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	cmd.CreatedAt = time.Now()

	query := `
        INSERT INTO command_logs (
            id, created_at, device_id, command_text, status, attempt_count,
            sent_at, completed_at, response, error_message
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.getDB().ExecContext(ctx, query,
		cmd.ID, cmd.CreatedAt, cmd.DeviceID, cmd.Command, cmd.Status,
		cmd.AttemptCount, cmd.SentAt, cmd.CompletedAt, cmd.Response, cmd.ErrorMessage,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

// GetCommandLog gets a command log by id
func (s *PostgresStore) GetCommandLog(ctx context.Context, id uuid.UUID) (*models.CommandLog, error) {
	query := `
        SELECT id, created_at, device_id, command_text, status, attempt_count,
               sent_at, completed_at, response, error_message
        FROM command_logs
        WHERE id = $1`

	cmd := &models.CommandLog{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&cmd.ID, &cmd.CreatedAt, &cmd.DeviceID, &cmd.Command, &cmd.Status,
		&cmd.AttemptCount, &cmd.SentAt, &cmd.CompletedAt, &cmd.Response, &cmd.ErrorMessage,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// MarkCommandSent transitions a command to SENT and counts the attempt
func (s *PostgresStore) MarkCommandSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
        UPDATE command_logs
        SET status = $1, sent_at = $2, attempt_count = attempt_count + 1
        WHERE id = $3`

	_, err := s.getDB().ExecContext(ctx, query, models.CommandStatusSent, at, id)
	return err
}

// CompleteCommand records a terminal state
func (s *PostgresStore) CompleteCommand(ctx context.Context, id uuid.UUID, status models.CommandStatus, response, errMessage string) error {
	query := `
        UPDATE command_logs
        SET status = $1, response = $2, error_message = $3, completed_at = NOW()
        WHERE id = $4`

	_, err := s.getDB().ExecContext(ctx, query, status, response, errMessage, id)
	return err
}

// IsCommandQueued reports whether the same command text is already
// waiting for the device to come online
func (s *PostgresStore) IsCommandQueued(ctx context.Context, deviceID uuid.UUID, command string) (bool, error) {
	query := `
        SELECT EXISTS (
            SELECT 1 FROM command_logs
            WHERE device_id = $1 AND command_text = $2 AND status = $3
        )`

	var queued bool
	err := s.getDB().QueryRowContext(ctx, query, deviceID, command, models.CommandStatusQueued).Scan(&queued)
	return queued, err
}

// ListQueuedCommands returns queued commands for a device, oldest
// first, created after the staleness horizon
func (s *PostgresStore) ListQueuedCommands(ctx context.Context, deviceID uuid.UUID, since time.Time, limit int) ([]*models.CommandLog, error) {
	query := `
        SELECT id, created_at, device_id, command_text, status, attempt_count,
               sent_at, completed_at, response, error_message
        FROM command_logs
        WHERE device_id = $1 AND status = $2 AND created_at > $3
        ORDER BY created_at ASC
        LIMIT $4`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID, models.CommandStatusQueued, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []*models.CommandLog
	for rows.Next() {
		cmd := &models.CommandLog{}
		err := rows.Scan(
			&cmd.ID, &cmd.CreatedAt, &cmd.DeviceID, &cmd.Command, &cmd.Status,
			&cmd.AttemptCount, &cmd.SentAt, &cmd.CompletedAt, &cmd.Response, &cmd.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

// FailStaleQueued fails queued commands whose device never came back
func (s *PostgresStore) FailStaleQueued(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
        UPDATE command_logs
        SET status = $1, error_message = 'device offline beyond staleness horizon', completed_at = NOW()
        WHERE status = $2 AND created_at < $3`

	result, err := s.getDB().ExecContext(ctx, query,
		models.CommandStatusFailed, models.CommandStatusQueued, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteTerminalCommandsBefore deletes terminal commands past retention
func (s *PostgresStore) DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
        DELETE FROM command_logs
        WHERE created_at < $1 AND status IN ($2, $3, $4)`

	result, err := s.getDB().ExecContext(ctx, query, cutoff,
		models.CommandStatusSucceeded, models.CommandStatusFailed, models.CommandStatusTimedOut)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

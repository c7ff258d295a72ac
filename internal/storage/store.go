package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fleettrack/device-gateway/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the persistence interface the gateway depends on. The
// tables behind it are owned by the platform services; the gateway
// reads the device registry and writes telemetry, command state and
// event logs.
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Device registry methods
	GetDeviceByIMEI(ctx context.Context, imei string) (*models.Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
	UpdateDeviceStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus) error
	UpdateDeviceLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error

	// Position methods
	UpsertLivePosition(ctx context.Context, pos *models.Position) error
	AppendPositionHistory(ctx context.Context, pos *models.Position) error

	// Command methods
	CreateCommandLog(ctx context.Context, cmd *models.CommandLog) error
	GetCommandLog(ctx context.Context, id uuid.UUID) (*models.CommandLog, error)
	MarkCommandSent(ctx context.Context, id uuid.UUID, at time.Time) error
	CompleteCommand(ctx context.Context, id uuid.UUID, status models.CommandStatus, response, errMessage string) error
	IsCommandQueued(ctx context.Context, deviceID uuid.UUID, command string) (bool, error)
	ListQueuedCommands(ctx context.Context, deviceID uuid.UUID, since time.Time, limit int) ([]*models.CommandLog, error)
	FailStaleQueued(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error

	// Close the store
	Close() error
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// CommandStatus represents the delivery state of an outbound command.
type CommandStatus string

const (
	CommandStatusQueued    CommandStatus = "QUEUED"
	CommandStatusSent      CommandStatus = "SENT"
	CommandStatusSucceeded CommandStatus = "SUCCESS"
	CommandStatusFailed    CommandStatus = "FAILED"
	CommandStatusTimedOut  CommandStatus = "TIMEOUT"
)

// Terminal reports whether no further transitions are possible.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandStatusSucceeded, CommandStatusFailed, CommandStatusTimedOut:
		return true
	}
	return false
}

// CommandLog tracks one outbound command through its delivery
// lifecycle. The dispatcher is the only writer of Status and
// AttemptCount; external callers poll by ID.
type CommandLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DeviceID uuid.UUID `json:"deviceId" db:"device_id"`
	Command  string    `json:"command" db:"command_text"`

	Status       CommandStatus `json:"status" db:"status"`
	AttemptCount int           `json:"attemptCount" db:"attempt_count"`
	SentAt       *time.Time    `json:"sentAt,omitempty" db:"sent_at"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty" db:"completed_at"`
	Response     string        `json:"response,omitempty" db:"response"`
	ErrorMessage string        `json:"errorMessage,omitempty" db:"error_message"`
}

// CommandResult is published to the fan-out layer when a command
// reaches a terminal state.
type CommandResult struct {
	CommandID    uuid.UUID     `json:"commandId"`
	DeviceID     uuid.UUID     `json:"deviceId"`
	Status       CommandStatus `json:"status"`
	Response     string        `json:"response,omitempty"`
	AttemptCount int           `json:"attemptCount"`
	Timestamp    time.Time     `json:"timestamp"`
}

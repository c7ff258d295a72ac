// Package sink is the gateway's boundary to external persistence and
// pub/sub fan-out. Every write here is best-effort: failures are
// logged and never propagate back into protocol processing.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/models"
	"github.com/fleettrack/device-gateway/internal/storage"
)

// EventSink is what the connection handler, session registry and
// command dispatcher publish through.
type EventSink interface {
	LookupDevice(ctx context.Context, imei string) (*models.Device, error)
	DeviceOnline(ctx context.Context, device *models.Device, ip string)
	DeviceOffline(ctx context.Context, deviceID uuid.UUID, imei, reason string)
	LoginRejected(ctx context.Context, imei, ip, reason string)
	PersistFix(ctx context.Context, device *models.Device, pos *models.Position)
	Heartbeat(ctx context.Context, device *models.Device, ignition, charging bool, gsmSignal int)
	PublishCommandResult(ctx context.Context, result *models.CommandResult)
}

// Service implements EventSink on top of the platform store and NATS.
type Service struct {
	store storage.Store
	nc    *nats.Conn

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cachedDevice
}

type cachedDevice struct {
	device  *models.Device
	expires time.Time
}

// New creates a sink service. cacheTTL bounds how long device registry
// rows are served from memory before the store is asked again.
func New(store storage.Store, nc *nats.Conn, cacheTTL time.Duration) *Service {
	return &Service{
		store:    store,
		nc:       nc,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedDevice),
	}
}

// LookupDevice resolves an IMEI against the device registry, serving
// from the in-process cache within its TTL.
func (s *Service) LookupDevice(ctx context.Context, imei string) (*models.Device, error) {
	s.mu.Lock()
	if entry, ok := s.cache[imei]; ok && time.Now().Before(entry.expires) {
		s.mu.Unlock()
		return entry.device, nil
	}
	s.mu.Unlock()

	device, err := s.store.GetDeviceByIMEI(ctx, imei)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[imei] = cachedDevice{device: device, expires: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()

	return device, nil
}

// DeviceOnline marks the device online and publishes the transition.
func (s *Service) DeviceOnline(ctx context.Context, device *models.Device, ip string) {
	if err := s.store.UpdateDeviceStatus(ctx, device.ID, models.DeviceStatusOnline); err != nil {
		log.Error().Err(err).Str("imei", device.IMEI).Msg("Failed to mark device online")
	}

	s.publish(fmt.Sprintf("device.%s.status", device.ID), map[string]interface{}{
		"deviceId":  device.ID.String(),
		"imei":      device.IMEI,
		"status":    models.DeviceStatusOnline,
		"ip":        ip,
		"timestamp": time.Now().UTC(),
	})
}

// DeviceOffline marks the device offline, records the offline alert
// event and publishes the transition.
func (s *Service) DeviceOffline(ctx context.Context, deviceID uuid.UUID, imei, reason string) {
	if err := s.store.UpdateDeviceStatus(ctx, deviceID, models.DeviceStatusOffline); err != nil {
		log.Error().Err(err).Str("imei", imei).Msg("Failed to mark device offline")
	}

	event := &models.EventLog{
		DeviceID:    &deviceID,
		Type:        models.EventTypeDeviceOffline,
		Level:       models.EventLevelWarning,
		Description: "Device went offline",
		Details: models.Variables{
			"imei":   imei,
			"reason": reason,
		},
	}
	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Str("imei", imei).Msg("Failed to create offline event")
	}

	s.publish(fmt.Sprintf("device.%s.status", deviceID), map[string]interface{}{
		"deviceId":  deviceID.String(),
		"imei":      imei,
		"status":    models.DeviceStatusOffline,
		"reason":    reason,
		"timestamp": time.Now().UTC(),
	})
}

// LoginRejected records a login attempt that was turned away, either
// because the IMEI is not registered or its subscription lapsed.
func (s *Service) LoginRejected(ctx context.Context, imei, ip, reason string) {
	event := &models.EventLog{
		Type:        models.EventTypeLoginRejected,
		Level:       models.EventLevelWarning,
		Description: "Device login rejected",
		Details: models.Variables{
			"imei":   imei,
			"ip":     ip,
			"reason": reason,
		},
	}
	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Str("imei", imei).Msg("Failed to create login rejected event")
	}
}

// PersistFix writes the live row, appends history and fans the fix out
// to the live-map subscribers.
func (s *Service) PersistFix(ctx context.Context, device *models.Device, pos *models.Position) {
	if err := s.store.UpsertLivePosition(ctx, pos); err != nil {
		log.Error().Err(err).Str("imei", device.IMEI).Msg("Failed to upsert live position")
	}
	if err := s.store.AppendPositionHistory(ctx, pos); err != nil {
		log.Error().Err(err).Str("imei", device.IMEI).Msg("Failed to append position history")
	}
	if err := s.store.UpdateDeviceLastSeen(ctx, device.ID, pos.ReceivedAt); err != nil {
		log.Error().Err(err).Str("imei", device.IMEI).Msg("Failed to update last seen")
	}

	s.publish(fmt.Sprintf("gps.data.%s", device.ID), map[string]interface{}{
		"deviceId": device.ID.String(),
		"imei":     device.IMEI,
		"position": pos,
	})
}

// Heartbeat refreshes last-seen and publishes the terminal status bits.
func (s *Service) Heartbeat(ctx context.Context, device *models.Device, ignition, charging bool, gsmSignal int) {
	if err := s.store.UpdateDeviceLastSeen(ctx, device.ID, time.Now()); err != nil {
		log.Error().Err(err).Str("imei", device.IMEI).Msg("Failed to update last seen")
	}

	s.publish(fmt.Sprintf("device.%s.heartbeat", device.ID), map[string]interface{}{
		"deviceId":  device.ID.String(),
		"imei":      device.IMEI,
		"ignition":  ignition,
		"charging":  charging,
		"gsmSignal": gsmSignal,
		"timestamp": time.Now().UTC(),
	})
}

// PublishCommandResult fans a terminal command state out to pollers.
func (s *Service) PublishCommandResult(ctx context.Context, result *models.CommandResult) {
	event := &models.EventLog{
		DeviceID:    &result.DeviceID,
		Type:        models.EventTypeCommandResult,
		Level:       models.EventLevelInfo,
		Description: fmt.Sprintf("Command %s completed with %s", result.CommandID, result.Status),
		Details: models.Variables{
			"commandId": result.CommandID.String(),
			"status":    result.Status,
			"attempts":  result.AttemptCount,
		},
	}
	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Str("commandId", result.CommandID.String()).Msg("Failed to create command result event")
	}

	s.publish("command.result", result)
}

func (s *Service) publish(subject string, payload interface{}) {
	if s.nc == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}

	if err := s.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

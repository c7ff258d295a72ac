// Package server hosts the NATS-facing side of the gateway: platform
// services submit device commands over the bus instead of the REST API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/dispatch"
	"github.com/fleettrack/device-gateway/internal/models"
	"github.com/fleettrack/device-gateway/internal/storage"
	"github.com/fleettrack/device-gateway/internal/validation"
)

// CommandSubmitter accepts commands for delivery.
type CommandSubmitter interface {
	Submit(ctx context.Context, device *models.Device, command string) (*models.CommandLog, error)
}

// NATSSubscriber NATS subscriber
type NATSSubscriber struct {
	nc       *nats.Conn
	store    storage.Store
	commands CommandSubmitter
	subs     []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, store storage.Store, commands CommandSubmitter) *NATSSubscriber {
	return &NATSSubscriber{
		nc:       nc,
		store:    store,
		commands: commands,
		subs:     make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until the context is done.
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe("command.submit", s.handleCommandSubmit)
	if err != nil {
		return fmt.Errorf("subscribe command submit: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleCommandSubmit handles command submissions from the bus. The
// device may be addressed by registry ID or by IMEI. When the message
// carries a reply subject the command ID is sent back for polling.
func (s *NATSSubscriber) handleCommandSubmit(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received command submission")

	var req struct {
		DeviceID string `json:"deviceId"`
		IMEI     string `json:"imei"`
		Command  string `json:"command"`
	}

	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal command submission")
		s.reply(msg, nil, "invalid payload")
		return
	}
	command, err := validation.ValidateCommand(req.Command)
	if err != nil {
		s.reply(msg, nil, err.Error())
		return
	}
	if req.IMEI != "" && !validation.ValidIMEI(req.IMEI) {
		s.reply(msg, nil, "invalid imei")
		return
	}

	ctx := context.Background()
	device, err := s.resolveDevice(ctx, req.DeviceID, req.IMEI)
	if err != nil {
		log.Warn().Err(err).
			Str("deviceId", req.DeviceID).
			Str("imei", req.IMEI).
			Msg("Command submission for unknown device")
		s.reply(msg, nil, "device not found")
		return
	}

	cmd, err := s.commands.Submit(ctx, device, command)
	if err != nil {
		if errors.Is(err, dispatch.ErrAlreadyQueued) {
			s.reply(msg, nil, "command already queued for device")
			return
		}
		log.Error().Err(err).Str("imei", device.IMEI).Msg("Failed to submit command")
		s.reply(msg, nil, "submit failed")
		return
	}

	log.Info().
		Str("commandId", cmd.ID.String()).
		Str("imei", device.IMEI).
		Str("status", string(cmd.Status)).
		Msg("Command submitted via NATS")
	s.reply(msg, cmd, "")
}

func (s *NATSSubscriber) resolveDevice(ctx context.Context, deviceID, imei string) (*models.Device, error) {
	if deviceID != "" {
		id, err := uuid.Parse(deviceID)
		if err != nil {
			return nil, fmt.Errorf("invalid device id: %w", err)
		}
		return s.store.GetDevice(ctx, id)
	}
	if imei != "" {
		return s.store.GetDeviceByIMEI(ctx, imei)
	}
	return nil, fmt.Errorf("deviceId or imei is required")
}

func (s *NATSSubscriber) reply(msg *nats.Msg, cmd *models.CommandLog, errMessage string) {
	if msg.Reply == "" {
		return
	}

	resp := map[string]interface{}{}
	if cmd != nil {
		resp["commandId"] = cmd.ID.String()
		resp["status"] = cmd.Status
	}
	if errMessage != "" {
		resp["error"] = errMessage
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Msg("Failed to respond to command submission")
	}
}

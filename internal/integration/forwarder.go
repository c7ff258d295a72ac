// Package integration pushes the gateway's event stream to external
// systems. Consumers that cannot join the NATS bus get positions and
// status transitions over an HTTP webhook or an MQTT broker instead.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/config"
)

// forwardedSubjects is the set of bus subjects mirrored to external
// systems.
var forwardedSubjects = []string{
	"gps.data.*",
	"device.*.status",
	"device.*.heartbeat",
	"command.result",
}

// ForwarderService mirrors bus traffic to the configured endpoints.
type ForwarderService struct {
	cfg config.IntegrationConfig
	nc  *nats.Conn

	httpClient *http.Client
	mqttClient mqtt.Client

	subs []*nats.Subscription
}

// NewForwarderService creates a forwarder.
func NewForwarderService(cfg config.IntegrationConfig, nc *nats.Conn) *ForwarderService {
	return &ForwarderService{
		cfg: cfg,
		nc:  nc,
		httpClient: &http.Client{
			Timeout: cfg.HTTP.Timeout,
		},
	}
}

// Enabled reports whether any external endpoint is configured.
func (s *ForwarderService) Enabled() bool {
	return s.cfg.HTTP.Enabled || s.cfg.MQTT.Enabled
}

// Start connects the MQTT client if configured, subscribes to the bus
// and blocks until the context is done.
func (s *ForwarderService) Start(ctx context.Context) error {
	if s.cfg.MQTT.Enabled {
		if err := s.connectMQTT(); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
	}

	for _, subject := range forwardedSubjects {
		sub, err := s.nc.Subscribe(subject, s.handleMessage)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	log.Info().
		Bool("http", s.cfg.HTTP.Enabled).
		Bool("mqtt", s.cfg.MQTT.Enabled).
		Int("subscriptions", len(s.subs)).
		Msg("Integration forwarder started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect(250)
	}

	return ctx.Err()
}

func (s *ForwarderService) connectMQTT() error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.MQTT.Broker).
		SetClientID(s.cfg.MQTT.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if s.cfg.MQTT.Username != "" {
		opts.SetUsername(s.cfg.MQTT.Username)
		opts.SetPassword(s.cfg.MQTT.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", s.cfg.MQTT.Broker).Msg("Connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	s.mqttClient = client
	return nil
}

// handleMessage mirrors one bus message to every configured endpoint.
// Delivery is best effort; a failing endpoint never blocks the bus.
func (s *ForwarderService) handleMessage(msg *nats.Msg) {
	if s.cfg.HTTP.Enabled {
		if err := s.forwardHTTP(msg.Subject, msg.Data); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("HTTP forward failed")
		}
	}
	if s.cfg.MQTT.Enabled && s.mqttClient != nil {
		s.forwardMQTT(msg.Subject, msg.Data)
	}
}

func (s *ForwarderService) forwardHTTP(subject string, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, s.cfg.HTTP.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Subject", subject)
	for k, v := range s.cfg.HTTP.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (s *ForwarderService) forwardMQTT(subject string, payload []byte) {
	topic := s.topicFor(subject)
	token := s.mqttClient.Publish(topic, s.cfg.MQTT.QOS, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT forward failed")
		}
	}()
}

// topicFor maps a bus subject to an MQTT topic under the configured
// prefix, e.g. gps.data.<id> becomes fleet/gps/data/<id>.
func (s *ForwarderService) topicFor(subject string) string {
	topic := strings.ReplaceAll(subject, ".", "/")
	if s.cfg.MQTT.TopicPrefix != "" {
		topic = strings.TrimSuffix(s.cfg.MQTT.TopicPrefix, "/") + "/" + topic
	}
	return topic
}

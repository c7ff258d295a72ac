// Package gateway runs the device-facing TCP listener and the
// per-connection protocol handlers.
package gateway

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/config"
	"github.com/fleettrack/device-gateway/internal/metrics"
	"github.com/fleettrack/device-gateway/internal/models"
	"github.com/fleettrack/device-gateway/internal/session"
	"github.com/fleettrack/device-gateway/internal/sink"
)

// CommandDelivery is the slice of the command dispatcher the
// connection handlers drive.
type CommandDelivery interface {
	FlushQueued(ctx context.Context, device *models.Device, conn net.Conn)
	HandleResponse(ctx context.Context, imei, body string)
	DropSession(imei string)
}

// serverBusy is written to connections turned away at capacity before
// the socket is closed, so devices back off instead of retrying hot.
var serverBusy = []byte("SERVER_BUSY")

// Server accepts tracker connections and hands each one to a handler.
type Server struct {
	cfg      config.ServerConfig
	sessions *session.Registry
	events   sink.EventSink
	commands CommandDelivery
	metrics  *metrics.Collector

	wg sync.WaitGroup
}

// NewServer creates the TCP front end.
func NewServer(cfg config.ServerConfig, sessions *session.Registry, events sink.EventSink, commands CommandDelivery, collector *metrics.Collector) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		events:   events,
		commands: commands,
		metrics:  collector,
	}
}

// Run listens on the configured bind address until the context is
// cancelled, then waits for in-flight handlers to drain.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: s.cfg.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Bind)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Info().
		Str("bind", s.cfg.Bind).
		Int("maxConnections", s.cfg.MaxConnections).
		Msg("Device gateway listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Error().Err(err).Msg("Accept failed")
			continue
		}
		s.Serve(ctx, conn)
	}

	s.wg.Wait()
	log.Info().Msg("Device gateway stopped")
	return nil
}

// Serve starts a handler for one accepted connection. Capacity is
// checked up front so an overloaded gateway spends nothing on protocol
// state for connections it cannot keep.
func (s *Server) Serve(ctx context.Context, conn net.Conn) {
	s.metrics.ConnectionOpened()

	if s.sessions.AtCapacity() {
		s.sessions.RecordRejected()
		log.Warn().
			Str("remote", conn.RemoteAddr().String()).
			Msg("Connection rejected at capacity")
		conn.Write(serverBusy)
		conn.Close()
		return
	}

	h := newConnHandler(conn, s.cfg.IdleTimeout, s.sessions, s.events, s.commands, s.metrics)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.run(ctx)
	}()
}

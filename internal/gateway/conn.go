package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/metrics"
	"github.com/fleettrack/device-gateway/internal/models"
	"github.com/fleettrack/device-gateway/internal/session"
	"github.com/fleettrack/device-gateway/internal/sink"
	"github.com/fleettrack/device-gateway/internal/storage"
	"github.com/fleettrack/device-gateway/pkg/gt06"
)

const (
	readBufferSize = 2048
	chunkBacklog   = 64
)

// connHandler owns one device connection: a reader goroutine feeds raw
// chunks through a bounded channel to the drain loop, which decodes and
// processes them. The channel decouples socket reads from store and
// pub/sub latency; when processing stalls the channel fills and reads
// block, pushing backpressure into the device's TCP window.
type connHandler struct {
	conn        net.Conn
	remoteIP    string
	idleTimeout time.Duration
	sessions    *session.Registry
	events      sink.EventSink
	commands    CommandDelivery
	metrics     *metrics.Collector

	device *models.Device
}

func newConnHandler(conn net.Conn, idleTimeout time.Duration, sessions *session.Registry, events sink.EventSink, commands CommandDelivery, collector *metrics.Collector) *connHandler {
	ip := ""
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ip = addr.IP.String()
	} else if addr := conn.RemoteAddr(); addr != nil {
		ip = addr.String()
	}
	return &connHandler{
		conn:        conn,
		remoteIP:    ip,
		idleTimeout: idleTimeout,
		sessions:    sessions,
		events:      events,
		commands:    commands,
		metrics:     collector,
	}
}

func (h *connHandler) run(ctx context.Context) {
	defer h.teardown(ctx)

	log.Debug().Str("remote", h.remoteIP).Msg("Connection opened")

	chunks := make(chan []byte, chunkBacklog)
	go h.readLoop(ctx, chunks)

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if err := h.processChunk(ctx, chunk); err != nil {
				return
			}
		}
	}
}

// readLoop reads raw chunks off the socket until error or idle
// timeout and hands them to the drain loop.
func (h *connHandler) readLoop(ctx context.Context, chunks chan<- []byte) {
	defer close(chunks)

	buf := make([]byte, readBufferSize)
	for {
		if err := h.conn.SetReadDeadline(time.Now().Add(h.idleTimeout)); err != nil {
			return
		}
		n, err := h.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("remote", h.remoteIP).Msg("Read ended")
			}
			return
		}
	}
}

func (h *connHandler) processChunk(ctx context.Context, chunk []byte) error {
	now := time.Now()
	for _, frame := range gt06.Split(chunk) {
		h.metrics.FrameReceived(len(frame))
		if err := h.handleEvent(ctx, gt06.Decode(frame, now)); err != nil {
			return err
		}
	}
	return nil
}

func (h *connHandler) handleEvent(ctx context.Context, ev gt06.Event) error {
	switch ev := ev.(type) {
	case *gt06.Login:
		return h.handleLogin(ctx, ev)
	case *gt06.GpsFix:
		h.handleFix(ctx, ev)
	case *gt06.Heartbeat:
		return h.handleHeartbeat(ctx, ev)
	case *gt06.CommandResponse:
		h.handleCommandResponse(ctx, ev)
	case *gt06.Unknown:
		h.touch()
		log.Debug().
			Str("remote", h.remoteIP).
			Uint8("protocol", ev.Protocol).
			Str("payload", ev.Payload).
			Msg("Unhandled frame type")
	case *gt06.Malformed:
		// One bad frame does not condemn the connection. Cheap
		// trackers interleave garbage with valid traffic.
		h.metrics.FrameMalformed()
		log.Warn().
			Str("remote", h.remoteIP).
			Str("reason", ev.Reason).
			Str("raw", hex.EncodeToString(ev.Raw)).
			Msg("Malformed frame")
	}
	return nil
}

func (h *connHandler) handleLogin(ctx context.Context, ev *gt06.Login) error {
	if h.device != nil {
		if h.device.IMEI == ev.IMEI {
			h.touch()
			return h.writeAck(gt06.TypeLogin, gt06.AckLoginOK)
		}
		// Same socket re-identifying as a different device. Drop the
		// old binding and treat it as a fresh login.
		h.sessions.Remove(h.device.IMEI, h.conn)
		h.commands.DropSession(h.device.IMEI)
		h.device = nil
	}

	device, err := h.events.LookupDevice(ctx, ev.IMEI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Str("imei", ev.IMEI).Str("remote", h.remoteIP).Msg("Login from unregistered IMEI")
			h.events.LoginRejected(ctx, ev.IMEI, h.remoteIP, "unknown imei")
		} else {
			log.Error().Err(err).Str("imei", ev.IMEI).Msg("Device lookup failed")
		}
		h.writeAck(gt06.TypeLogin, gt06.AckLoginInvalid)
		return errors.New("login rejected")
	}

	if !device.IsActive {
		log.Warn().Str("imei", ev.IMEI).Msg("Login from deactivated device")
		h.events.LoginRejected(ctx, ev.IMEI, h.remoteIP, "device deactivated")
		h.writeAck(gt06.TypeLogin, gt06.AckLoginInvalid)
		return errors.New("login rejected")
	}

	if !device.SubscriptionValid(time.Now()) {
		log.Warn().Str("imei", ev.IMEI).Msg("Login with lapsed subscription")
		h.events.LoginRejected(ctx, ev.IMEI, h.remoteIP, "subscription expired")
		h.writeAck(gt06.TypeLogin, gt06.AckLoginExpired)
		return errors.New("login rejected")
	}

	if _, err := h.sessions.Create(device, h.conn, h.remoteIP); err != nil {
		log.Warn().Err(err).Str("imei", ev.IMEI).Msg("Session create failed")
		return err
	}
	h.device = device

	if err := h.writeAck(gt06.TypeLogin, gt06.AckLoginOK); err != nil {
		return err
	}

	log.Info().
		Str("imei", device.IMEI).
		Str("remote", h.remoteIP).
		Msg("Device logged in")

	h.events.DeviceOnline(ctx, device, h.remoteIP)
	h.commands.FlushQueued(ctx, device, h.conn)
	return nil
}

func (h *connHandler) handleFix(ctx context.Context, ev *gt06.GpsFix) {
	if h.device == nil {
		log.Warn().Str("remote", h.remoteIP).Msg("Position frame before login, dropped")
		return
	}
	h.touch()

	pos := &models.Position{
		DeviceID:   h.device.ID,
		Latitude:   ev.Latitude,
		Longitude:  ev.Longitude,
		Speed:      ev.Speed,
		Heading:    ev.Heading,
		Satellites: ev.Satellites,
		Ignition:   ev.Ignition,
		Charging:   ev.Charging,
		GSMSignal:  ev.GSMSignal,
		DeviceTime: ev.DeviceTime,
		ReceivedAt: ev.ReceivedAt,
		Raw:        hex.EncodeToString(ev.Raw),
	}
	h.events.PersistFix(ctx, h.device, pos)
}

func (h *connHandler) handleHeartbeat(ctx context.Context, ev *gt06.Heartbeat) error {
	if h.device == nil {
		log.Warn().Str("remote", h.remoteIP).Msg("Heartbeat before login, dropped")
		return nil
	}
	h.touch()

	h.events.Heartbeat(ctx, h.device, ev.Ignition, ev.Charging, ev.GSMSignal)
	return h.writeAck(gt06.TypeHeartbeat, 0x01)
}

func (h *connHandler) handleCommandResponse(ctx context.Context, ev *gt06.CommandResponse) {
	if h.device == nil {
		log.Warn().Str("remote", h.remoteIP).Msg("Command response before login, dropped")
		return
	}
	h.touch()
	h.commands.HandleResponse(ctx, h.device.IMEI, ev.Body)
}

func (h *connHandler) touch() {
	if h.device != nil {
		h.sessions.Touch(h.device.IMEI)
	}
}

func (h *connHandler) writeAck(typ, serial byte) error {
	if _, err := h.conn.Write(gt06.EncodeAck(typ, serial)); err != nil {
		log.Debug().Err(err).Str("remote", h.remoteIP).Msg("Ack write failed")
		return err
	}
	return nil
}

// teardown releases the session only if this connection still owns it.
// A handler evicted by a newer login must not mark the device offline.
func (h *connHandler) teardown(ctx context.Context) {
	h.conn.Close()

	if h.device == nil {
		log.Debug().Str("remote", h.remoteIP).Msg("Connection closed before login")
		return
	}

	if h.sessions.Remove(h.device.IMEI, h.conn) {
		h.commands.DropSession(h.device.IMEI)
		h.events.DeviceOffline(ctx, h.device.ID, h.device.IMEI, "connection closed")
		log.Info().Str("imei", h.device.IMEI).Msg("Device disconnected")
	} else {
		log.Debug().Str("imei", h.device.IMEI).Msg("Connection closed, session already replaced")
	}
}

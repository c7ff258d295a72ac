// Package session maintains the authoritative mapping between device
// identity and live TCP connection. The core invariant is that at most
// one session exists per IMEI at any instant; a newer login always wins.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/metrics"
	"github.com/fleettrack/device-gateway/internal/models"
	"github.com/fleettrack/device-gateway/internal/sink"
)

// ErrCapacityExceeded is returned when the registry is at its
// configured connection ceiling.
var ErrCapacityExceeded = errors.New("connection ceiling reached")

// Session ties one IMEI to exactly one live connection.
type Session struct {
	DeviceID    uuid.UUID
	IMEI        string
	RemoteIP    string
	ConnectedAt time.Time

	conn         net.Conn
	lastActivity time.Time
	frameCount   uint64
}

// Info is a point-in-time copy of a session for reporting.
type Info struct {
	DeviceID     uuid.UUID `json:"deviceId"`
	IMEI         string    `json:"imei"`
	RemoteIP     string    `json:"remoteIp"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	FrameCount   uint64    `json:"frameCount"`
}

// Stats are the registry's lifetime counters.
type Stats struct {
	Active   int    `json:"active"`
	Total    uint64 `json:"total"`
	Peak     int    `json:"peak"`
	Rejected uint64 `json:"rejected"`
	Evicted  uint64 `json:"evicted"`
}

// Config controls eviction behaviour.
type Config struct {
	Capacity         int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	StatsInterval    time.Duration
}

// Registry is safe for concurrent use by all connection handlers.
type Registry struct {
	cfg     Config
	events  sink.EventSink
	metrics *metrics.Collector

	mu       sync.Mutex
	sessions map[string]*Session
	total    uint64
	peak     int
	rejected uint64
	evicted  uint64
}

// NewRegistry creates a session registry.
func NewRegistry(cfg Config, events sink.EventSink, collector *metrics.Collector) *Registry {
	return &Registry{
		cfg:      cfg,
		events:   events,
		metrics:  collector,
		sessions: make(map[string]*Session),
	}
}

// Create registers a session for the device, forcibly terminating any
// existing session for the same IMEI (last login wins).
func (r *Registry) Create(device *models.Device, conn net.Conn, remoteIP string) (*Session, error) {
	now := time.Now()

	r.mu.Lock()
	old, replacing := r.sessions[device.IMEI]
	if !replacing && len(r.sessions) >= r.cfg.Capacity {
		r.rejected++
		r.mu.Unlock()
		r.metrics.ConnectionRejected()
		return nil, ErrCapacityExceeded
	}

	s := &Session{
		DeviceID:     device.ID,
		IMEI:         device.IMEI,
		RemoteIP:     remoteIP,
		ConnectedAt:  now,
		conn:         conn,
		lastActivity: now,
	}
	r.sessions[device.IMEI] = s
	r.total++
	if len(r.sessions) > r.peak {
		r.peak = len(r.sessions)
	}
	if replacing {
		r.evicted++
	}
	active, peak := len(r.sessions), r.peak
	r.mu.Unlock()

	if replacing {
		log.Warn().
			Str("imei", device.IMEI).
			Str("oldIP", old.RemoteIP).
			Str("newIP", remoteIP).
			Msg("Duplicate login, evicting previous session")
		old.conn.Close()
	}

	r.metrics.SetActiveSessions(active)
	r.metrics.SetPeakSessions(peak)
	return s, nil
}

// Touch refreshes last-activity and counts the frame. A late frame
// from an already-removed session is a no-op.
func (r *Registry) Touch(imei string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[imei]; ok {
		s.lastActivity = time.Now()
		s.frameCount++
	}
}

// Remove drops the session if it is still bound to conn. Passing a nil
// conn removes unconditionally. The bound check prevents a stale
// handler, whose session was already replaced by a newer login, from
// tearing down its successor. Remove is idempotent.
func (r *Registry) Remove(imei string, conn net.Conn) bool {
	r.mu.Lock()
	s, ok := r.sessions[imei]
	if ok && (conn == nil || s.conn == conn) {
		delete(r.sessions, imei)
	} else {
		ok = false
	}
	active := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(active)
	return ok
}

// Conn returns the live connection for an IMEI, if any.
func (r *Registry) Conn(imei string) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[imei]; ok {
		return s.conn, true
	}
	return nil, false
}

// Get returns a copy of the session state for an IMEI.
func (r *Registry) Get(imei string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[imei]
	if !ok {
		return Info{}, false
	}
	return infoOf(s), true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// AtCapacity reports whether a new connection should be rejected
// before any further state is allocated.
func (r *Registry) AtCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) >= r.cfg.Capacity
}

// Stats returns the lifetime counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Active:   len(r.sessions),
		Total:    r.total,
		Peak:     r.peak,
		Rejected: r.rejected,
		Evicted:  r.evicted,
	}
}

// Snapshot returns a copy of all live sessions.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, infoOf(s))
	}
	return infos
}

// RecordRejected counts a connection turned away before a session was
// ever created.
func (r *Registry) RecordRejected() {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
	r.metrics.ConnectionRejected()
}

// Run drives the staleness sweep and the periodic stats report until
// the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	stats := time.NewTicker(r.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			r.sweepStale(ctx)
		case <-stats.C:
			s := r.Stats()
			log.Info().
				Int("active", s.Active).
				Uint64("total", s.Total).
				Int("peak", s.Peak).
				Uint64("rejected", s.Rejected).
				Uint64("evicted", s.Evicted).
				Msg("Session registry stats")
		}
	}
}

// sweepStale evicts sessions idle beyond the heartbeat timeout. Mobile
// networks leave TCP connections half-open without any disconnect
// notification, so staleness is detected by elapsed time.
func (r *Registry) sweepStale(ctx context.Context) {
	deadline := time.Now().Add(-r.cfg.HeartbeatTimeout)

	r.mu.Lock()
	var stale []*Session
	for imei, s := range r.sessions {
		if s.lastActivity.Before(deadline) {
			delete(r.sessions, imei)
			r.evicted++
			stale = append(stale, s)
		}
	}
	active := len(r.sessions)
	r.mu.Unlock()

	for _, s := range stale {
		log.Warn().
			Str("imei", s.IMEI).
			Time("lastActivity", s.lastActivity).
			Msg("Evicting stale session")
		s.conn.Close()
		if r.events != nil {
			r.events.DeviceOffline(ctx, s.DeviceID, s.IMEI, "heartbeat timeout")
		}
	}
	if len(stale) > 0 {
		r.metrics.SetActiveSessions(active)
		log.Info().Int("count", len(stale)).Msg("Stale session sweep complete")
	}
}

func infoOf(s *Session) Info {
	return Info{
		DeviceID:     s.DeviceID,
		IMEI:         s.IMEI,
		RemoteIP:     s.RemoteIP,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.lastActivity,
		FrameCount:   s.frameCount,
	}
}

// Package dispatch delivers platform commands to devices and tracks
// each one through its lifecycle: queued while the device is offline,
// sent over the live connection, then acknowledged, failed or timed
// out after retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/metrics"
	"github.com/fleettrack/device-gateway/internal/models"
	"github.com/fleettrack/device-gateway/pkg/gt06"
)

// ErrAlreadyQueued is returned by Submit when the same command text is
// already waiting for the offline device.
var ErrAlreadyQueued = errors.New("command already queued for device")

// ConnProvider resolves the live connection for an IMEI.
type ConnProvider interface {
	Conn(imei string) (net.Conn, bool)
}

// ResultSink receives terminal command outcomes for fan-out.
type ResultSink interface {
	PublishCommandResult(ctx context.Context, result *models.CommandResult)
}

// commandStore is the slice of the platform store the dispatcher needs.
type commandStore interface {
	CreateCommandLog(ctx context.Context, cmd *models.CommandLog) error
	GetCommandLog(ctx context.Context, id uuid.UUID) (*models.CommandLog, error)
	MarkCommandSent(ctx context.Context, id uuid.UUID, at time.Time) error
	CompleteCommand(ctx context.Context, id uuid.UUID, status models.CommandStatus, response, errMessage string) error
	IsCommandQueued(ctx context.Context, deviceID uuid.UUID, command string) (bool, error)
	ListQueuedCommands(ctx context.Context, deviceID uuid.UUID, since time.Time, limit int) ([]*models.CommandLog, error)
	FailStaleQueued(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls retry and queue behaviour.
type Config struct {
	AckTimeout       time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	OfflineQueueTTL  time.Duration
	CommandRetention time.Duration
	FlushLimit       int
	SweepInterval    time.Duration
}

// Dispatcher owns every in-flight command. It is safe for concurrent
// use by the API, the NATS subscriber and all connection handlers.
type Dispatcher struct {
	cfg     Config
	store   commandStore
	conns   ConnProvider
	results ResultSink
	metrics *metrics.Collector

	timers *timerQueue
	serial uint32

	mu       sync.Mutex
	pending  map[uuid.UUID]*pendingCommand
	lastSent map[string]uuid.UUID
}

// pendingCommand is a command waiting for a device acknowledgement or,
// with retryWait set, for its backoff to elapse.
type pendingCommand struct {
	cmd       *models.CommandLog
	imei      string
	sentAt    time.Time
	retryWait bool
}

// New creates a dispatcher.
func New(cfg Config, store commandStore, conns ConnProvider, results ResultSink, collector *metrics.Collector) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		conns:    conns,
		results:  results,
		metrics:  collector,
		pending:  make(map[uuid.UUID]*pendingCommand),
		lastSent: make(map[string]uuid.UUID),
	}
	d.timers = newTimerQueue(d.onDeadline)
	return d
}

// Run drives the timer queue and the periodic queue maintenance until
// the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.timers.Run(ctx.Done())

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// Submit records the command and delivers it immediately when the
// device has a live session, otherwise leaves it queued for the next
// login. The returned log carries the ID callers poll with.
func (d *Dispatcher) Submit(ctx context.Context, device *models.Device, command string) (*models.CommandLog, error) {
	conn, online := d.conns.Conn(device.IMEI)
	if !online {
		queued, err := d.store.IsCommandQueued(ctx, device.ID, command)
		if err != nil {
			log.Error().Err(err).Str("imei", device.IMEI).Msg("Queued-command lookup failed")
		} else if queued {
			return nil, ErrAlreadyQueued
		}
	}

	cmd := &models.CommandLog{
		DeviceID: device.ID,
		Command:  command,
		Status:   models.CommandStatusQueued,
	}
	if err := d.store.CreateCommandLog(ctx, cmd); err != nil {
		return nil, fmt.Errorf("create command log: %w", err)
	}

	if !online {
		d.metrics.CommandQueued()
		log.Info().
			Str("commandId", cmd.ID.String()).
			Str("imei", device.IMEI).
			Msg("Device offline, command queued")
		return cmd, nil
	}

	d.send(ctx, cmd, device.IMEI, conn)
	return cmd, nil
}

// Status returns the current command log row.
func (d *Dispatcher) Status(ctx context.Context, id uuid.UUID) (*models.CommandLog, error) {
	return d.store.GetCommandLog(ctx, id)
}

// PendingCount returns how many commands await acknowledgement.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// FlushQueued pushes the device's queued backlog, oldest first, over
// its freshly established connection. Called by the connection handler
// right after a successful login.
func (d *Dispatcher) FlushQueued(ctx context.Context, device *models.Device, conn net.Conn) {
	since := time.Now().Add(-d.cfg.OfflineQueueTTL)
	cmds, err := d.store.ListQueuedCommands(ctx, device.ID, since, d.cfg.FlushLimit)
	if err != nil {
		log.Error().Err(err).Str("imei", device.IMEI).Msg("Failed to list queued commands")
		return
	}
	if len(cmds) == 0 {
		return
	}

	log.Info().
		Str("imei", device.IMEI).
		Int("count", len(cmds)).
		Msg("Flushing queued commands")
	for _, cmd := range cmds {
		d.send(ctx, cmd, device.IMEI, conn)
	}
}

// HandleResponse correlates a device command response with the most
// recently sent command on that session. The wire format carries no
// command identifier, so this is the strongest correlation available.
func (d *Dispatcher) HandleResponse(ctx context.Context, imei, body string) {
	d.mu.Lock()
	id, ok := d.lastSent[imei]
	var p *pendingCommand
	if ok {
		p = d.pending[id]
	}
	d.mu.Unlock()

	if p == nil {
		log.Debug().
			Str("imei", imei).
			Str("body", body).
			Msg("Command response with no pending command, ignored")
		return
	}

	if gt06.IsSuccessResponse(body) {
		d.finishPending(ctx, p, models.CommandStatusSucceeded, body, "")
	} else {
		d.finishPending(ctx, p, models.CommandStatusFailed, body, "device rejected command")
	}
}

// DropSession abandons retry scheduling for a disconnected device. Its
// SENT commands stay pending until their deadlines resolve them.
func (d *Dispatcher) DropSession(imei string) {
	d.mu.Lock()
	delete(d.lastSent, imei)
	d.mu.Unlock()
}

// send writes the command frame and arms the acknowledgement deadline.
// A write failure fails the command immediately: the connection is
// known broken and the caller's read loop will tear it down.
func (d *Dispatcher) send(ctx context.Context, cmd *models.CommandLog, imei string, conn net.Conn) {
	frame, err := gt06.EncodeCommand(cmd.Command, d.nextSerial())
	if err != nil {
		d.complete(ctx, cmd, models.CommandStatusFailed, "", err.Error())
		return
	}

	if _, err := conn.Write(frame); err != nil {
		log.Warn().Err(err).
			Str("commandId", cmd.ID.String()).
			Str("imei", imei).
			Msg("Command write failed")
		d.complete(ctx, cmd, models.CommandStatusFailed, "", fmt.Sprintf("write: %v", err))
		return
	}

	now := time.Now()
	cmd.Status = models.CommandStatusSent
	cmd.AttemptCount++
	cmd.SentAt = &now
	if err := d.store.MarkCommandSent(ctx, cmd.ID, now); err != nil {
		log.Error().Err(err).Str("commandId", cmd.ID.String()).Msg("Failed to mark command sent")
	}

	d.mu.Lock()
	d.pending[cmd.ID] = &pendingCommand{cmd: cmd, imei: imei, sentAt: now}
	d.lastSent[imei] = cmd.ID
	d.mu.Unlock()

	d.timers.Schedule(cmd.ID, now.Add(d.cfg.AckTimeout))
	d.metrics.CommandSent()

	log.Debug().
		Str("commandId", cmd.ID.String()).
		Str("imei", imei).
		Int("attempt", cmd.AttemptCount).
		Msg("Command sent")
}

// onDeadline handles a fired timer: either the acknowledgement window
// expired or a retry backoff elapsed.
func (d *Dispatcher) onDeadline(id uuid.UUID) {
	ctx := context.Background()

	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return
	}

	if p.retryWait {
		p.retryWait = false
		imei := p.imei
		d.mu.Unlock()

		conn, online := d.conns.Conn(imei)
		if !online {
			d.finishPending(ctx, p, models.CommandStatusTimedOut, "",
				"device went offline before retry")
			return
		}
		d.removePending(p)
		d.send(ctx, p.cmd, imei, conn)
		return
	}

	if p.cmd.AttemptCount > d.cfg.MaxRetries {
		d.mu.Unlock()
		d.finishPending(ctx, p, models.CommandStatusTimedOut, "",
			fmt.Sprintf("no acknowledgement after %d attempts", p.cmd.AttemptCount))
		return
	}

	p.retryWait = true
	attempts := p.cmd.AttemptCount
	d.mu.Unlock()

	backoff := time.Duration(1<<uint(attempts)) * d.cfg.RetryBackoff
	log.Warn().
		Str("commandId", id.String()).
		Str("imei", p.imei).
		Int("attempt", attempts).
		Dur("backoff", backoff).
		Msg("Command acknowledgement timed out, retrying")
	d.timers.Schedule(id, time.Now().Add(backoff))
}

// finishPending resolves a pending command into a terminal state.
func (d *Dispatcher) finishPending(ctx context.Context, p *pendingCommand, status models.CommandStatus, response, errMessage string) {
	d.timers.Cancel(p.cmd.ID)
	d.removePending(p)

	if status == models.CommandStatusSucceeded {
		d.metrics.CommandSucceeded(time.Since(p.sentAt).Seconds())
	} else {
		d.metrics.CommandFailed()
	}
	d.completeStore(ctx, p.cmd, status, response, errMessage)
}

// complete resolves a command that never reached the pending table.
func (d *Dispatcher) complete(ctx context.Context, cmd *models.CommandLog, status models.CommandStatus, response, errMessage string) {
	d.metrics.CommandFailed()
	d.completeStore(ctx, cmd, status, response, errMessage)
}

func (d *Dispatcher) completeStore(ctx context.Context, cmd *models.CommandLog, status models.CommandStatus, response, errMessage string) {
	cmd.Status = status
	cmd.Response = response
	cmd.ErrorMessage = errMessage
	now := time.Now()
	cmd.CompletedAt = &now

	if err := d.store.CompleteCommand(ctx, cmd.ID, status, response, errMessage); err != nil {
		log.Error().Err(err).Str("commandId", cmd.ID.String()).Msg("Failed to complete command")
	}

	if d.results != nil {
		d.results.PublishCommandResult(ctx, &models.CommandResult{
			CommandID:    cmd.ID,
			DeviceID:     cmd.DeviceID,
			Status:       status,
			Response:     response,
			AttemptCount: cmd.AttemptCount,
			Timestamp:    now,
		})
	}

	log.Info().
		Str("commandId", cmd.ID.String()).
		Str("status", string(status)).
		Int("attempts", cmd.AttemptCount).
		Msg("Command completed")
}

func (d *Dispatcher) removePending(p *pendingCommand) {
	d.mu.Lock()
	delete(d.pending, p.cmd.ID)
	if d.lastSent[p.imei] == p.cmd.ID {
		delete(d.lastSent, p.imei)
	}
	d.mu.Unlock()
}

// sweep fails queued commands past the offline horizon and prunes
// terminal rows past retention.
func (d *Dispatcher) sweep(ctx context.Context) {
	if n, err := d.store.FailStaleQueued(ctx, time.Now().Add(-d.cfg.OfflineQueueTTL)); err != nil {
		log.Error().Err(err).Msg("Failed to expire stale queued commands")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("Expired stale queued commands")
	}

	if n, err := d.store.DeleteTerminalCommandsBefore(ctx, time.Now().Add(-d.cfg.CommandRetention)); err != nil {
		log.Error().Err(err).Msg("Failed to prune command history")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("Pruned command history")
	}
}

func (d *Dispatcher) nextSerial() byte {
	return byte(atomic.AddUint32(&d.serial, 1))
}

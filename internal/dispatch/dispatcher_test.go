package dispatch

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleettrack/device-gateway/internal/models"
	"github.com/fleettrack/device-gateway/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	cmds map[uuid.UUID]*models.CommandLog
}

func newMemStore() *memStore {
	return &memStore{cmds: make(map[uuid.UUID]*models.CommandLog)}
}

func (s *memStore) CreateCommandLog(ctx context.Context, cmd *models.CommandLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	cp := *cmd
	s.cmds[cmd.ID] = &cp
	return nil
}

func (s *memStore) GetCommandLog(ctx context.Context, id uuid.UUID) (*models.CommandLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.cmds[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *cmd
	return &cp, nil
}

func (s *memStore) MarkCommandSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd, ok := s.cmds[id]; ok {
		cmd.Status = models.CommandStatusSent
		cmd.SentAt = &at
		cmd.AttemptCount++
	}
	return nil
}

func (s *memStore) CompleteCommand(ctx context.Context, id uuid.UUID, status models.CommandStatus, response, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd, ok := s.cmds[id]; ok {
		cmd.Status = status
		cmd.Response = response
		cmd.ErrorMessage = errMessage
		now := time.Now()
		cmd.CompletedAt = &now
	}
	return nil
}

func (s *memStore) IsCommandQueued(ctx context.Context, deviceID uuid.UUID, command string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range s.cmds {
		if cmd.DeviceID == deviceID && cmd.Command == command && cmd.Status == models.CommandStatusQueued {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ListQueuedCommands(ctx context.Context, deviceID uuid.UUID, since time.Time, limit int) ([]*models.CommandLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CommandLog
	for _, cmd := range s.cmds {
		if cmd.DeviceID == deviceID && cmd.Status == models.CommandStatusQueued && cmd.CreatedAt.After(since) {
			cp := *cmd
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) FailStaleQueued(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, cmd := range s.cmds {
		if cmd.Status == models.CommandStatusQueued && cmd.CreatedAt.Before(cutoff) {
			cmd.Status = models.CommandStatusFailed
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, cmd := range s.cmds {
		if cmd.Status.Terminal() && cmd.CreatedAt.Before(cutoff) {
			delete(s.cmds, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) get(id uuid.UUID) *models.CommandLog {
	cmd, _ := s.GetCommandLog(context.Background(), id)
	return cmd
}

// recordConn captures writes without needing a peer.
type recordConn struct {
	mu        sync.Mutex
	writes    [][]byte
	failWrite bool
}

func (c *recordConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return 0, fmt.Errorf("broken pipe")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	c.writes = append(c.writes, cp)
	return len(b), nil
}

func (c *recordConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *recordConn) Read(b []byte) (int, error)         { return 0, fmt.Errorf("not readable") }
func (c *recordConn) Close() error                       { return nil }
func (c *recordConn) LocalAddr() net.Addr                { return nil }
func (c *recordConn) RemoteAddr() net.Addr               { return nil }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

type connTable struct {
	mu    sync.Mutex
	conns map[string]net.Conn
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[string]net.Conn)}
}

func (t *connTable) set(imei string, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[imei] = conn
}

func (t *connTable) drop(imei string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, imei)
}

func (t *connTable) Conn(imei string) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[imei]
	return c, ok
}

type resultRecorder struct {
	ch chan *models.CommandResult
}

func newResultRecorder() *resultRecorder {
	return &resultRecorder{ch: make(chan *models.CommandResult, 16)}
}

func (r *resultRecorder) PublishCommandResult(ctx context.Context, res *models.CommandResult) {
	r.ch <- res
}

func (r *resultRecorder) wait(t *testing.T) *models.CommandResult {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no command result published in time")
		return nil
	}
}

func testConfig() Config {
	return Config{
		AckTimeout:       30 * time.Millisecond,
		MaxRetries:       2,
		RetryBackoff:     5 * time.Millisecond,
		OfflineQueueTTL:  24 * time.Hour,
		CommandRetention: 30 * 24 * time.Hour,
		FlushLimit:       10,
		SweepInterval:    time.Hour,
	}
}

const testIMEI = "358899051245876"

func testDevice() *models.Device {
	return &models.Device{ID: uuid.New(), IMEI: testIMEI}
}

func startDispatcher(t *testing.T, cfg Config, store commandStore, conns ConnProvider, results ResultSink) *Dispatcher {
	t.Helper()
	d := New(cfg, store, conns, results, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d
}

func TestSubmitOfflineQueuesWithoutTouchingSocket(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	d := startDispatcher(t, testConfig(), store, conns, newResultRecorder())

	cmd, err := d.Submit(context.Background(), testDevice(), "RELAY,1#")
	require.NoError(t, err)

	assert.Equal(t, models.CommandStatusQueued, cmd.Status)
	assert.Equal(t, 0, cmd.AttemptCount)
	assert.Equal(t, 0, d.PendingCount())
	assert.Equal(t, models.CommandStatusQueued, store.get(cmd.ID).Status)
}

func TestSubmitOfflineDuplicateRejected(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	d := startDispatcher(t, testConfig(), store, conns, newResultRecorder())
	device := testDevice()

	_, err := d.Submit(context.Background(), device, "RELAY,1#")
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), device, "RELAY,1#")
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	// A different command for the same device still queues.
	_, err = d.Submit(context.Background(), device, "STATUS#")
	assert.NoError(t, err)
}

func TestSubmitOnlineSendsAndSucceedsOnAck(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	conn := &recordConn{}
	conns.set(testIMEI, conn)
	results := newResultRecorder()
	d := startDispatcher(t, testConfig(), store, conns, results)

	cmd, err := d.Submit(context.Background(), testDevice(), "RELAY,1#")
	require.NoError(t, err)
	assert.Equal(t, models.CommandStatusSent, cmd.Status)
	assert.Equal(t, 1, conn.writeCount())
	assert.Equal(t, 1, d.PendingCount())

	d.HandleResponse(context.Background(), testIMEI, "RELAY OK")

	res := results.wait(t)
	assert.Equal(t, cmd.ID, res.CommandID)
	assert.Equal(t, models.CommandStatusSucceeded, res.Status)
	assert.Equal(t, "RELAY OK", res.Response)
	assert.Equal(t, 0, d.PendingCount())
	assert.Equal(t, models.CommandStatusSucceeded, store.get(cmd.ID).Status)
}

func TestNegativeResponseFailsCommand(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	conns.set(testIMEI, &recordConn{})
	results := newResultRecorder()
	d := startDispatcher(t, testConfig(), store, conns, results)

	cmd, err := d.Submit(context.Background(), testDevice(), "CUTOFF#")
	require.NoError(t, err)

	d.HandleResponse(context.Background(), testIMEI, "UNSUPPORTED")

	res := results.wait(t)
	assert.Equal(t, models.CommandStatusFailed, res.Status)
	assert.Equal(t, "UNSUPPORTED", res.Response)
	assert.Equal(t, models.CommandStatusFailed, store.get(cmd.ID).Status)
}

func TestResponseWithoutPendingCommandIsIgnored(t *testing.T) {
	store := newMemStore()
	d := startDispatcher(t, testConfig(), store, newConnTable(), newResultRecorder())

	// Must not panic or publish anything.
	d.HandleResponse(context.Background(), testIMEI, "OK")
	assert.Equal(t, 0, d.PendingCount())
}

func TestWriteFailureFailsImmediately(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	conns.set(testIMEI, &recordConn{failWrite: true})
	results := newResultRecorder()
	d := startDispatcher(t, testConfig(), store, conns, results)

	cmd, err := d.Submit(context.Background(), testDevice(), "RELAY,1#")
	require.NoError(t, err)

	res := results.wait(t)
	assert.Equal(t, models.CommandStatusFailed, res.Status)
	assert.Equal(t, 0, d.PendingCount())
	assert.Contains(t, store.get(cmd.ID).ErrorMessage, "write")
}

func TestSilentDeviceRetriesThenTimesOut(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	conn := &recordConn{}
	conns.set(testIMEI, conn)
	results := newResultRecorder()
	d := startDispatcher(t, testConfig(), store, conns, results)

	cmd, err := d.Submit(context.Background(), testDevice(), "STATUS#")
	require.NoError(t, err)

	res := results.wait(t)
	assert.Equal(t, models.CommandStatusTimedOut, res.Status)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, res.AttemptCount)
	assert.Equal(t, 3, conn.writeCount())
	assert.Equal(t, 0, d.PendingCount())

	final := store.get(cmd.ID)
	assert.Equal(t, models.CommandStatusTimedOut, final.Status)
	assert.Equal(t, 3, final.AttemptCount)
}

func TestAckDuringRetryWindowSucceeds(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	conn := &recordConn{}
	conns.set(testIMEI, conn)
	results := newResultRecorder()
	cfg := testConfig()
	cfg.AckTimeout = 40 * time.Millisecond
	d := startDispatcher(t, cfg, store, conns, results)

	_, err := d.Submit(context.Background(), testDevice(), "STATUS#")
	require.NoError(t, err)

	// Let at least one retry happen, then answer.
	require.Eventually(t, func() bool { return conn.writeCount() >= 2 },
		2*time.Second, 5*time.Millisecond)
	d.HandleResponse(context.Background(), testIMEI, "STATUS done")

	res := results.wait(t)
	assert.Equal(t, models.CommandStatusSucceeded, res.Status)
	assert.GreaterOrEqual(t, res.AttemptCount, 2)
}

func TestRetryStopsWhenDeviceDisconnects(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	conn := &recordConn{}
	conns.set(testIMEI, conn)
	results := newResultRecorder()
	d := startDispatcher(t, testConfig(), store, conns, results)

	_, err := d.Submit(context.Background(), testDevice(), "STATUS#")
	require.NoError(t, err)
	conns.drop(testIMEI)
	d.DropSession(testIMEI)

	res := results.wait(t)
	assert.Equal(t, models.CommandStatusTimedOut, res.Status)
	assert.Equal(t, 1, conn.writeCount(), "no retry writes after disconnect")
}

func TestFlushQueuedSendsOldestFirstUpToLimit(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	conn := &recordConn{}
	device := testDevice()
	conns.set(device.IMEI, conn)
	cfg := testConfig()
	cfg.FlushLimit = 3
	cfg.AckTimeout = time.Hour
	d := startDispatcher(t, cfg, store, conns, newResultRecorder())

	base := time.Now().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		cmd := &models.CommandLog{
			ID:        uuid.New(),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			DeviceID:  device.ID,
			Command:   fmt.Sprintf("CMD%d#", i),
			Status:    models.CommandStatusQueued,
		}
		store.mu.Lock()
		store.cmds[cmd.ID] = cmd
		store.mu.Unlock()
		ids = append(ids, cmd.ID)
	}

	d.FlushQueued(context.Background(), device, conn)

	assert.Equal(t, 3, conn.writeCount())
	for i, id := range ids {
		want := models.CommandStatusQueued
		if i < 3 {
			want = models.CommandStatusSent
		}
		assert.Equal(t, want, store.get(id).Status, "command %d", i)
	}
}

func TestFlushSkipsCommandsPastOfflineHorizon(t *testing.T) {
	store := newMemStore()
	conns := newConnTable()
	conn := &recordConn{}
	device := testDevice()
	cfg := testConfig()
	cfg.AckTimeout = time.Hour
	d := startDispatcher(t, cfg, store, conns, newResultRecorder())

	stale := &models.CommandLog{
		ID:        uuid.New(),
		CreatedAt: time.Now().Add(-25 * time.Hour),
		DeviceID:  device.ID,
		Command:   "OLD#",
		Status:    models.CommandStatusQueued,
	}
	store.mu.Lock()
	store.cmds[stale.ID] = stale
	store.mu.Unlock()

	d.FlushQueued(context.Background(), device, conn)

	assert.Equal(t, 0, conn.writeCount())
	assert.Equal(t, models.CommandStatusQueued, store.get(stale.ID).Status)
}

func TestSweepExpiresStaleQueuedAndPrunesHistory(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	d := New(cfg, store, newConnTable(), nil, nil)
	device := testDevice()

	stale := &models.CommandLog{
		ID:        uuid.New(),
		CreatedAt: time.Now().Add(-25 * time.Hour),
		DeviceID:  device.ID,
		Command:   "OLD#",
		Status:    models.CommandStatusQueued,
	}
	ancient := &models.CommandLog{
		ID:        uuid.New(),
		CreatedAt: time.Now().Add(-31 * 24 * time.Hour),
		DeviceID:  device.ID,
		Command:   "ANCIENT#",
		Status:    models.CommandStatusSucceeded,
	}
	store.mu.Lock()
	store.cmds[stale.ID] = stale
	store.cmds[ancient.ID] = ancient
	store.mu.Unlock()

	d.sweep(context.Background())

	assert.Equal(t, models.CommandStatusFailed, store.get(stale.ID).Status)
	assert.Nil(t, store.get(ancient.ID))
}

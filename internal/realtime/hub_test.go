package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu        sync.Mutex
	open      bool
	frames    [][]byte
	pings     int
	closeCode int
	writeErr  error
}

func newFakeConn() *fakeConn { return &fakeConn{open: true} }

func (c *fakeConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.closeCode = code
	return nil
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func TestSendToOwnerFansOutIdenticalFrames(t *testing.T) {
	hub := NewHub(time.Minute, zap.NewNop())
	a, b, closed, stranger := newFakeConn(), newFakeConn(), newFakeConn(), newFakeConn()
	closed.open = false
	hub.Register("owner-1", a)
	hub.Register("owner-1", b)
	hub.Register("owner-1", closed)
	hub.Register("owner-2", stranger)

	msg := DatasetStatus(uuid.New(), uuid.New(), "ready", "")
	require.NoError(t, hub.SendToOwner(context.Background(), "owner-1", msg))

	require.Len(t, a.received(), 1)
	require.Len(t, b.received(), 1)
	assert.Equal(t, a.received()[0], b.received()[0])
	assert.Empty(t, closed.received())
	assert.Empty(t, stranger.received())

	var frame map[string]any
	require.NoError(t, json.Unmarshal(a.received()[0], &frame))
	assert.Equal(t, TypeDatasetStatus, frame["type"])
	assert.Equal(t, "ready", frame["status"])
	assert.NotContains(t, frame, "message")
}

func TestSendToOwnerKeepsConnectionOnWriteError(t *testing.T) {
	hub := NewHub(time.Minute, zap.NewNop())
	broken := newFakeConn()
	broken.writeErr = errors.New("broken pipe")
	hub.Register("owner-1", broken)

	require.NoError(t, hub.SendToOwner(context.Background(), "owner-1", DatasetStatus(uuid.New(), uuid.New(), "failed", "boom")))
	assert.Equal(t, 1, hub.Connections("owner-1"))
}

func TestSendToUnknownOwnerIsNoop(t *testing.T) {
	hub := NewHub(time.Minute, zap.NewNop())
	assert.NoError(t, hub.Notify(context.Background(), "nobody", DatasetStatus(uuid.New(), uuid.New(), "ready", "")))
}

func TestSendToOwnerRejectsUnencodable(t *testing.T) {
	hub := NewHub(time.Minute, zap.NewNop())
	assert.Error(t, hub.SendToOwner(context.Background(), "o", make(chan int)))
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(time.Minute, zap.NewNop())
	c := newFakeConn()

	hub.Register("o", c)
	hub.Register("o", c)
	assert.Equal(t, 1, hub.Connections("o"))

	hub.Unregister("o", c)
	hub.Unregister("o", c)
	assert.Equal(t, 0, hub.Connections("o"))
}

func TestHeartbeatPingsOpenConnections(t *testing.T) {
	hub := NewHub(5*time.Millisecond, zap.NewNop())
	c := newFakeConn()
	hub.Register("o", c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.pings >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownClosesAndClears(t *testing.T) {
	hub := NewHub(time.Minute, zap.NewNop())
	a, b := newFakeConn(), newFakeConn()
	hub.Register("o1", a)
	hub.Register("o2", b)

	hub.Shutdown(context.Background())

	assert.Equal(t, websocket.CloseGoingAway, a.closeCode)
	assert.Equal(t, websocket.CloseGoingAway, b.closeCode)
	assert.Equal(t, 0, hub.Connections("o1"))

	late := newFakeConn()
	hub.Register("o1", late)
	assert.False(t, late.Open())
	assert.Equal(t, 0, hub.Connections("o1"))
}

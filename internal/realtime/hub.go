// Package realtime pushes status changes to connected browsers. A Hub keeps
// the process-local owner to connection registry; workers in other processes
// reach it through the Redis relay.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/pkg/metrics"
)

// Conn is one client socket as seen by the hub.
type Conn interface {
	Write(data []byte) error
	Ping() error
	Close(code int, reason string) error
	Open() bool
}

type Hub struct {
	mu        sync.RWMutex
	owners    map[string]map[Conn]struct{}
	closed    bool
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewHub(heartbeat time.Duration, logger *zap.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		owners:    make(map[string]map[Conn]struct{}),
		heartbeat: heartbeat,
		logger:    logger.Named("realtime"),
	}
}

// Register adds conn under ownerID. After Shutdown the connection is closed
// immediately instead.
func (h *Hub) Register(ownerID string, conn Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	set, ok := h.owners[ownerID]
	if !ok {
		set = make(map[Conn]struct{})
		h.owners[ownerID] = set
	}
	_, dup := set[conn]
	set[conn] = struct{}{}
	h.mu.Unlock()
	if !dup {
		metrics.AddConnections(1)
	}
}

func (h *Hub) Unregister(ownerID string, conn Conn) {
	h.mu.Lock()
	set, ok := h.owners[ownerID]
	if !ok {
		h.mu.Unlock()
		return
	}
	_, present := set[conn]
	delete(set, conn)
	if len(set) == 0 {
		delete(h.owners, ownerID)
	}
	h.mu.Unlock()
	if present {
		metrics.AddConnections(-1)
	}
}

// Connections returns how many sockets ownerID has registered.
func (h *Hub) Connections(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners[ownerID])
}

func (h *Hub) snapshot(ownerID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.owners[ownerID]
	conns := make([]Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// SendToOwner encodes msg once and writes it to every open connection of
// ownerID. Connections that are not open are skipped; write failures are
// logged and the connection stays registered until its reader exits.
func (h *Hub) SendToOwner(_ context.Context, ownerID string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	h.broadcast(ownerID, data)
	return nil
}

// Notify lets the hub serve as an in-process Notifier.
func (h *Hub) Notify(ctx context.Context, ownerID string, msg any) error {
	return h.SendToOwner(ctx, ownerID, msg)
}

func (h *Hub) broadcast(ownerID string, data []byte) {
	for _, c := range h.snapshot(ownerID) {
		if !c.Open() {
			metrics.IncFrame("skipped")
			continue
		}
		if err := c.Write(data); err != nil {
			metrics.IncFrame("error")
			h.logger.Warn("write frame", zap.String("owner_id", ownerID), zap.Error(err))
			continue
		}
		metrics.IncFrame("sent")
	}
}

// Run pings every registered connection on the heartbeat interval until ctx
// is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ping()
		}
	}
}

func (h *Hub) ping() {
	h.mu.RLock()
	var conns []Conn
	for _, set := range h.owners {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.Open() {
			continue
		}
		if err := c.Ping(); err != nil {
			h.logger.Debug("heartbeat ping", zap.Error(err))
		}
	}
}

// Shutdown closes every socket with 1001 and empties the registry.
func (h *Hub) Shutdown(context.Context) {
	h.mu.Lock()
	owners := h.owners
	h.owners = make(map[string]map[Conn]struct{})
	h.closed = true
	h.mu.Unlock()

	n := 0
	for _, set := range owners {
		for c := range set {
			_ = c.Close(websocket.CloseGoingAway, "server shutting down")
			n++
		}
	}
	metrics.AddConnections(-n)
	h.logger.Info("realtime hub stopped", zap.Int("closed", n))
}

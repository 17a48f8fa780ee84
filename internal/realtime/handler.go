package realtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/your-org/tileflow/internal/auth"
	"github.com/your-org/tileflow/pkg/metrics"
)

const maxInboundBytes = 4096

type HandlerOptions struct {
	Heartbeat      time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Handler upgrades /ws requests and registers authenticated sockets with the
// hub. Authentication happens after the upgrade so the browser sees a
// close code rather than an opaque handshake failure.
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	upgrader websocket.Upgrader
	opts     HandlerOptions
	logger   *zap.Logger
}

func NewHandler(hub *Hub, verifier auth.Verifier, opts HandlerOptions, logger *zap.Logger) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	h := &Handler{
		hub:      hub,
		verifier: verifier,
		opts:     opts,
		logger:   logger.Named("realtime.ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	conn := newWSConn(ws, h.opts.WriteTimeout)

	principal, err := h.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		code, reason := CloseInvalidToken, "invalid token"
		if errors.Is(err, auth.ErrMissingToken) {
			code, reason = CloseMissingToken, "missing token"
		}
		h.logger.Info("rejecting socket", zap.Int("code", code), zap.Error(err))
		_ = conn.Close(code, reason)
		return
	}

	owner := principal.Subject
	h.hub.Register(owner, conn)
	defer h.hub.Unregister(owner, conn)
	h.logger.Debug("socket registered", zap.String("owner_id", owner))

	h.readLoop(ws, conn)
}

// readLoop drains inbound frames so pongs and close frames are processed. The
// server never acts on client messages.
func (h *Handler) readLoop(ws *websocket.Conn, conn *wsConn) {
	defer conn.markClosed()
	ws.SetReadLimit(maxInboundBytes)
	deadline := func() time.Time { return time.Now().Add(2 * h.opts.Heartbeat) }
	_ = ws.SetReadDeadline(deadline())
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(deadline())
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// NewRouter mounts the socket endpoint alongside health and metrics.
func NewRouter(ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws", ws)
	return r
}

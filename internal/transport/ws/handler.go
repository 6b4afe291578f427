// Package ws carries lobby traffic over WebSocket: each connection gets a
// reader goroutine feeding the lobby and a writer goroutine draining its outbox.
package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlobby/internal/config"
	"github.com/cory-johannsen/matchlobby/internal/game/session"
	"github.com/cory-johannsen/matchlobby/internal/lobby"
)

// Lobby is the authority the handler forwards connections and frames to.
type Lobby interface {
	Connect() (session.ConnectionID, *session.Outbox, error)
	Disconnect(conn session.ConnectionID) error
	Dispatch(conn session.ConnectionID, frame []byte) error
}

// Handler upgrades HTTP requests to WebSocket lobby connections.
type Handler struct {
	lobby    Lobby
	cfg      config.WebSocketConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler.
//
// Precondition: l and logger must be non-nil.
// Postcondition: Non-positive timeouts fall back to 60s (read) and 5s (write).
func NewHandler(l Lobby, cfg config.WebSocketConfig, logger *zap.Logger) *Handler {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Handler{
		lobby:  l,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Game clients are not browsers bound to an origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and attaches the connection to the lobby.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	id, out, err := h.lobby.Connect()
	if err != nil {
		h.logger.Info("lobby unavailable, closing connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(h.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}
	h.logger.Debug("websocket connected", zap.Uint64("conn", uint64(id)), zap.String("remote", r.RemoteAddr))

	go h.writePump(conn, out)
	go h.readPump(conn, id)
}

const (
	minPingInterval     = time.Second
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// pingInterval keeps pings inside the peer's read deadline, never below
// minPingInterval.
func (h *Handler) pingInterval() time.Duration {
	return max(h.cfg.ReadTimeout*9/10, minPingInterval)
}

func (h *Handler) writePump(conn *websocket.Conn, out *session.Outbox) {
	ticker := time.NewTicker(h.pingInterval())
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-out.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				// The lobby closed the outbox: disconnect.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", zap.Uint64("conn", uint64(out.ID())), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, id session.ConnectionID) {
	defer func() {
		_ = conn.Close()
		if err := h.lobby.Disconnect(id); err != nil && !errors.Is(err, lobby.ErrClosed) {
			h.logger.Warn("disconnecting from lobby", zap.Uint64("conn", uint64(id)), zap.Error(err))
		}
	}()

	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", zap.Uint64("conn", uint64(id)), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		err = h.lobby.Dispatch(id, frame)
		switch {
		case err == nil:
		case errors.Is(err, lobby.ErrMalformedMessage):
			h.logger.Debug("ignoring malformed frame", zap.Uint64("conn", uint64(id)), zap.Error(err))
		default:
			h.logger.Info("dropping connection", zap.Uint64("conn", uint64(id)), zap.Error(err))
			return
		}
	}
}

// Package websocket carries the worldsync protocol over a persistent
// WebSocket channel.
//
// Clients connect to:
//
//	GET /ws?user=<id>
//
// and exchange the world.* JSON frames defined in pkg/world. Each connection
// gets a read pump (this handler's goroutine) feeding the protocol handler
// one frame at a time, and a write pump draining the hub's per-connection
// outbound queue, so hub broadcasts never block on a slow socket.
package websocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/meshviz/worldsync/internal/config"
	"github.com/meshviz/worldsync/internal/protocol"
	"github.com/meshviz/worldsync/internal/registry"
)

const (
	// maxFrameBytes bounds one inbound frame; subscribe/ping frames are tiny.
	maxFrameBytes = 64 << 10

	writeTimeout = 10 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the /ws endpoint.
type Handler struct {
	hub      *registry.Hub
	protocol *protocol.Handler
	limits   config.LimitsConfig
}

// New builds the WebSocket handler.
func New(hub *registry.Hub, proto *protocol.Handler, limits config.LimitsConfig) *Handler {
	return &Handler{hub: hub, protocol: proto, limits: limits}
}

// ServeHTTP upgrades the connection, registers it with the hub, and runs the
// read pump until the client disconnects or the hub drops the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = r.Header.Get("X-User-Id")
	}
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "user", userID, "err", err)
		return
	}

	conn, err := h.hub.Add(userID)
	if err != nil {
		slog.Error("register connection", "user", userID, "err", err)
		ws.Close()
		return
	}
	defer h.hub.Remove(conn)

	slog.Info("websocket connected", "user", userID, "conn", conn.ID())

	// Write pump: drains the hub's outbound queue. Owns ws writes and the
	// socket close, so a hub-side drop (replacement, slow consumer, shutdown)
	// also unblocks the read pump below.
	go func() {
		defer ws.Close()
		for {
			select {
			case frame := <-conn.Outbound():
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteMessage(gorillaws.TextMessage, frame); err != nil {
					return
				}
			case <-conn.Done():
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				ws.WriteMessage(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "connection replaced"))
				return
			}
		}
	}()

	// Read pump: one frame at a time, run to completion, rate limited.
	limiter := rate.NewLimiter(rate.Limit(h.limits.WSFramesPerSec), h.limits.WSBurst)
	ws.SetReadLimit(maxFrameBytes)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			slog.Info("websocket disconnected", "user", userID, "conn", conn.ID(), "err", err)
			return
		}
		if !limiter.Allow() {
			slog.Warn("websocket frame rate exceeded", "user", userID, "conn", conn.ID())
			return
		}
		h.protocol.HandleFrame(conn, raw)
	}
}

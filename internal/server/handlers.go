// Package server exposes HTTP handlers, including the WebSocket upgrade into
// the chat, a health check, and a stats endpoint.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const healthBody = "Chat server is running!"

// Gateway serves browser clients over WebSocket and reports server health.
// Upgraded connections join the same chat as stream clients.
type Gateway struct {
	chat     *ChatServer
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewGateway creates the HTTP front of chat, allowing WebSocket upgrades
// from the configured origins.
func NewGateway(chat *ChatServer, log zerolog.Logger) *Gateway {
	cfg := chat.Config()
	log = withComponent(log, "gateway")
	policy := newOriginPolicy(cfg.Origins(), log)
	return &Gateway{
		chat: chat,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.MaxFrameSize,
			WriteBufferSize: cfg.MaxFrameSize,
			CheckOrigin:     policy.checkOrigin,
		},
		log: log,
	}
}

// WebSocketHandler upgrades GET requests and hands the connection to the
// dispatcher, which sends the handshake frame and runs the session.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("remote", g.cfg.logAddr(r.RemoteAddr)).Msg("WebSocket upgrade failed")
		return
	}

	wsConn := NewWebSocketConnection(conn, r.RemoteAddr, g.cfg.StreamOptions())
	if err := g.chat.Dispatcher().Serve(wsConn); err != nil && !errors.Is(err, ErrServerFull) {
		g.log.Debug().Err(err).Str("remote", g.cfg.logAddr(r.RemoteAddr)).Msg("WebSocket connection not served")
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (g *Gateway) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, healthBody)
}

// StatsHandler reports connected clients as JSON.
func (g *Gateway) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.chat.Stats()); err != nil {
		g.log.Error().Err(err).Msg("Error writing stats response")
	}
}

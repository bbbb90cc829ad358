// Package websocket carries terminal ingestion over persistent connections.
// Each text frame is one JSON request; every request gets exactly one reply.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"track-record-engine/auth"
	"track-record-engine/handlers"
	"track-record-engine/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 1 << 20
)

// TerminalGateway upgrades authenticated terminals and routes their frames
// through a HandlerManager.
type TerminalGateway struct {
	auth     *auth.TerminalAuth
	handlers *handlers.HandlerManager
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	conns map[*websocket.Conn]string
}

// NewTerminalGateway creates a gateway.
func NewTerminalGateway(a *auth.TerminalAuth, hm *handlers.HandlerManager, logger zerolog.Logger, m *metrics.Metrics) *TerminalGateway {
	return &TerminalGateway{
		auth:     a,
		handlers: hm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// terminals are not browsers; the token is the credential
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "terminal_gateway").Logger(),
		metrics: m,
		conns:   make(map[*websocket.Conn]string),
	}
}

// ServeHTTP authenticates before upgrading, so bad tokens get a plain 401.
func (g *TerminalGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instanceID, err := g.auth.Resolve(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("websocket upgrade failed")
		return
	}
	g.track(conn, instanceID)
	defer g.untrack(conn)

	g.logger.Info().Str("instance_id", instanceID).Str("remote", r.RemoteAddr).Msg("terminal connected")
	g.serve(r.Context(), conn, instanceID)
	g.logger.Info().Str("instance_id", instanceID).Msg("terminal disconnected")
}

func (g *TerminalGateway) serve(ctx context.Context, conn *websocket.Conn, instanceID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("terminal connection lost")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		reply := g.handlers.HandleMessage(ctx, instanceID, data)
		g.metrics.ObserveTerminalFrame(reply.Type)
		out, err := json.Marshal(reply)
		if err != nil {
			g.logger.Error().Err(err).Msg("marshal reply")
			return
		}
		if err := write(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func (g *TerminalGateway) track(conn *websocket.Conn, instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[conn] = instanceID
}

func (g *TerminalGateway) untrack(conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[conn]; ok {
		delete(g.conns, conn)
		conn.Close()
	}
}

// Connections returns the number of open terminal connections.
func (g *TerminalGateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close drops every open connection. Used on shutdown, since hijacked
// connections are not closed by http.Server.Shutdown.
func (g *TerminalGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for conn := range g.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(g.conns, conn)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/coordinator"
)

// ConnectionManager owns the WebSocket connection pools, one per
// session, and fans frames out to them.
type ConnectionManager struct {
	sessionConnections map[string]map[*Connection]bool
	mu                 sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan Frame
}

// Connection is one client's WebSocket link.
type Connection struct {
	ID        string
	UserID    string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	ConnectedAt time.Time
}

// ConnectionConfig holds WebSocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns defaults suitable for development.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		sessionConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan Frame, 1000),
	}
}

// Start processes broadcast frames until the context ends.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case frame := <-cm.broadcastCh:
			cm.deliver(frame)
		}
	}
}

// Publish implements coordinator.Sink: coordinator events ride the
// same broadcast path as state frames.
func (cm *ConnectionManager) Publish(ev coordinator.Event) {
	cm.Broadcast(eventFrame(ev, time.Now()))
}

// Broadcast queues a frame for every connection in its session.
func (cm *ConnectionManager) Broadcast(frame Frame) {
	select {
	case cm.broadcastCh <- frame:
	default:
		log.Warn().Str("session_id", frame.SessionID).Msg("broadcast channel full, dropping frame")
	}
}

func (cm *ConnectionManager) deliver(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("encode frame")
		return
	}

	cm.mu.RLock()
	conns := cm.sessionConnections[frame.SessionID]
	targets := make([]*Connection, 0, len(conns))
	for conn := range conns {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Slow consumer; drop the connection rather than block
			// everyone else.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("session_id", conn.SessionID).
				Msg("send buffer full, closing connection")
			cm.removeConnection(conn)
		}
	}
}

// UpgradeConnection upgrades an HTTP request and registers the client
// in its session pool.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, sessionID string) (*Connection, error) {
	wsConn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		SessionID:   sessionID,
		Conn:        wsConn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	cm.mu.Lock()
	if cm.sessionConnections[sessionID] == nil {
		cm.sessionConnections[sessionID] = make(map[*Connection]bool)
	}
	cm.sessionConnections[sessionID][conn] = true
	count := len(cm.sessionConnections[sessionID])
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("session_connections", count).
		Msg("WebSocket connection established")

	go conn.writePump()
	go conn.readPump()
	return conn, nil
}

// ConnectionCount returns how many clients a session has attached.
func (cm *ConnectionManager) ConnectionCount(sessionID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.sessionConnections[sessionID])
}

func (cm *ConnectionManager) removeConnection(conn *Connection) {
	cm.mu.Lock()
	if conns, ok := cm.sessionConnections[conn.SessionID]; ok {
		if _, present := conns[conn]; !present {
			cm.mu.Unlock()
			return
		}
		delete(conns, conn)
		if len(conns) == 0 {
			delete(cm.sessionConnections, conn.SessionID)
		}
	}
	cm.mu.Unlock()

	close(conn.Send)
	if err := conn.Conn.Close(); err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("close connection")
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID).
		Msg("WebSocket connection removed")
}

// readPump consumes client messages; the bridge is push-only, so
// anything but control frames is discarded.
func (c *Connection) readPump() {
	defer c.Manager.removeConnection(c)

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close")
			}
			return
		}
	}
}

// writePump drains the send channel and keeps the connection alive
// with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("write frame")
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

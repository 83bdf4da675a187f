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
)

// CommandHandler executes commands sent by websocket clients
type CommandHandler interface {
	HandleCommand(ctx context.Context, sessionID string, msg ClientMessage) CommandResultPayload
}

// ConnectionManager manages WebSocket connections for meter sessions
type ConnectionManager struct {
	// Connection pools organized by session ID
	sessionConnections map[string]map[*Connection]bool
	mu                 sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	// Event broadcasting
	broadcastCh chan BroadcastMessage

	commands CommandHandler
	ctx      context.Context
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID        string
	UserID    string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	// Connection metadata
	ConnectedAt time.Time
	LastPing    time.Time

	onClose   func()
	closeOnce sync.Once
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	CommandTimeout  time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage represents a message to broadcast to connections
type BroadcastMessage struct {
	SessionID    string
	Event        *MeterEvent
	ConnectionID string // Optional: if set, only send to this connection
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		CommandTimeout:  10 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		sessionConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000), // Buffer for high throughput
		ctx:         context.Background(),
	}
}

// SetCommandHandler installs the handler for client commands
func (cm *ConnectionManager) SetCommandHandler(h CommandHandler) {
	cm.commands = h
}

// Start begins processing broadcast messages
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	cm.mu.Lock()
	cm.ctx = ctx
	cm.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket. onClose runs
// once when the connection goes away.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, sessionID string, onClose func()) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		SessionID:   sessionID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		onClose:     onClose,
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Str("session_id", sessionID).
		Msg("WebSocket connection established")

	return connection, nil
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.sessionConnections[conn.SessionID] == nil {
		cm.sessionConnections[conn.SessionID] = make(map[*Connection]bool)
	}
	cm.sessionConnections[conn.SessionID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID).
		Int("total_connections", len(cm.sessionConnections[conn.SessionID])).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	removed := false
	if connections, exists := cm.sessionConnections[conn.SessionID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)
			removed = true

			// Clean up empty session connection pools
			if len(connections) == 0 {
				delete(cm.sessionConnections, conn.SessionID)
			}
		}
	}
	cm.mu.Unlock()

	if !removed {
		return
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("session_id", conn.SessionID).
		Msg("connection unregistered")

	conn.closeOnce.Do(func() {
		if conn.onClose != nil {
			conn.onClose()
		}
	})
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.sessionConnections {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// BroadcastToSession sends an event to all connections for a session
func (cm *ConnectionManager) BroadcastToSession(sessionID string, event *MeterEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{SessionID: sessionID, Event: event}:
	default:
		log.Warn().Str("session_id", sessionID).Msg("broadcast channel full, dropping message")
	}
}

// SendToConnection sends an event to a single connection of a session
func (cm *ConnectionManager) SendToConnection(sessionID, connectionID string, event *MeterEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{SessionID: sessionID, Event: event, ConnectionID: connectionID}:
	default:
		log.Warn().
			Str("session_id", sessionID).
			Str("connection_id", connectionID).
			Msg("broadcast channel full, dropping connection message")
	}
}

// handleBroadcast processes a broadcast message
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.sessionConnections[message.SessionID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	// Create a snapshot of connections to avoid holding lock during broadcast
	var targetConnections []*Connection
	for conn := range connections {
		if message.ConnectionID != "" && conn.ID != message.ConnectionID {
			continue
		}
		targetConnections = append(targetConnections, conn)
	}

	// Marshal the event once
	eventData, err := json.Marshal(message.Event)
	if err != nil {
		cm.mu.RUnlock()
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	var slow []*Connection
	for _, conn := range targetConnections {
		select {
		case conn.Send <- eventData:
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		// Connection is slow/dead, close it
		log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("session_id", message.SessionID).
		Int("connections", len(targetConnections)).
		Msg("event broadcasted")
}

// ConnectionStats is the payload of /ws/stats
type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveSessions     int            `json:"active_sessions"`
	SessionConnections map[string]int `json:"session_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveSessions:     len(cm.sessionConnections),
		SessionConnections: make(map[string]int),
	}
	for sessionID, connections := range cm.sessionConnections {
		stats.TotalConnections += len(connections)
		stats.SessionConnections[sessionID] = len(connections)
	}
	return stats
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage runs a client command and answers on this connection
// only; the resulting state change reaches every client through the next
// reading.
func (c *Connection) handleClientMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("ignoring malformed client message")
		c.reply(CommandResultPayload{Error: "malformed message", ErrorKind: "validation"})
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Str("command", string(msg.Type)).
		Msg("received client command")

	if c.Manager.commands == nil {
		c.reply(CommandResultPayload{RequestID: msg.RequestID, Command: msg.Type, Error: "commands disabled", ErrorKind: "internal"})
		return
	}

	c.Manager.mu.RLock()
	parent := c.Manager.ctx
	c.Manager.mu.RUnlock()
	ctx, cancel := context.WithTimeout(parent, c.Manager.config.CommandTimeout)
	defer cancel()

	result := c.Manager.commands.HandleCommand(ctx, c.SessionID, msg)
	result.RequestID = msg.RequestID
	result.Command = msg.Type
	c.reply(result)
}

func (c *Connection) reply(result CommandResultPayload) {
	event, err := NewMeterEvent(c.SessionID, EventTypeCommandResult, result)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to build command result")
		return
	}
	c.Manager.SendToConnection(c.SessionID, c.ID, event)
}

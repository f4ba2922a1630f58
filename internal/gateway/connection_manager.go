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

	"github.com/gavelhq/gavel/internal/engine"
)

// Engine is what the gateway needs from the auction engine.
type Engine interface {
	Attach(ctx context.Context, auctionID uuid.UUID, connID string) (*engine.Event, error)
	Detach(auctionID uuid.UUID, connID string)
	PlaceBid(ctx context.Context, req engine.BidRequest)
}

// ConnectionManager owns every WebSocket connection and fans auction events
// out to the observers of each auction. It implements engine.Broadcaster.
type ConnectionManager struct {
	auctionConnections map[uuid.UUID]map[*Connection]bool
	connections        map[string]*Connection
	mu                 sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	engine   Engine

	broadcastCh chan broadcastMessage
}

// Connection is one observer's WebSocket connection, attached to a single
// auction for its lifetime.
type Connection struct {
	ID        string
	UserID    string
	AuctionID uuid.UUID
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	// closed is guarded by Manager.mu. It is set before Send is closed so
	// senders holding the read lock never write to a closed channel.
	closed bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// broadcastMessage is a queued delivery: to a whole auction group, or to a
// single connection when ConnID is set (rejection replies).
type broadcastMessage struct {
	AuctionID uuid.UUID
	ConnID    string
	Event     *engine.Event
}

// DefaultConnectionConfig returns default WebSocket configuration.
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

// NewConnectionManager creates a connection manager bound to the engine.
func NewConnectionManager(config ConnectionConfig, eng Engine) *ConnectionManager {
	return &ConnectionManager{
		auctionConnections: make(map[uuid.UUID]map[*Connection]bool),
		connections:        make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		engine:      eng,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket observer of the
// given auction. The engine attach snapshot is delivered as the first frame.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string, auctionID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		AuctionID:   auctionID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	snapshot, err := cm.engine.Attach(r.Context(), auctionID, connection.ID)
	if err != nil {
		cm.unregisterConnection(connection)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auction not found"),
			time.Now().Add(cm.config.WriteTimeout))
		conn.Close()
		return fmt.Errorf("failed to attach observer: %w", err)
	}

	if data, merr := json.Marshal(snapshot); merr == nil {
		cm.trySend(connection, data)
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("conn_id", connection.ID).
		Str("user_id", userID).
		Str("auction_id", auctionID.String()).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.auctionConnections[conn.AuctionID] == nil {
		cm.auctionConnections[conn.AuctionID] = make(map[*Connection]bool)
	}
	cm.auctionConnections[conn.AuctionID][conn] = true
	cm.connections[conn.ID] = conn
}

// unregisterConnection removes a connection and detaches its observer.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.auctionConnections[conn.AuctionID]
	if !exists || !connections[conn] {
		cm.mu.Unlock()
		return
	}
	delete(connections, conn)
	delete(cm.connections, conn.ID)
	conn.closed = true
	close(conn.Send)
	if len(connections) == 0 {
		delete(cm.auctionConnections, conn.AuctionID)
	}
	cm.mu.Unlock()

	cm.engine.Detach(conn.AuctionID, conn.ID)

	log.Info().
		Str("conn_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("auction_id", conn.AuctionID.String()).
		Msg("connection unregistered")
}

// BroadcastToAuction sends an event to every observer of an auction.
func (cm *ConnectionManager) BroadcastToAuction(auctionID uuid.UUID, event *engine.Event) {
	select {
	case cm.broadcastCh <- broadcastMessage{AuctionID: auctionID, Event: event}:
	default:
		log.Warn().Str("auction_id", auctionID.String()).Msg("broadcast channel full, dropping message")
	}
}

// SendToConnection delivers an event to a single connection.
func (cm *ConnectionManager) SendToConnection(connID string, event *engine.Event) {
	select {
	case cm.broadcastCh <- broadcastMessage{ConnID: connID, Event: event}:
	default:
		log.Warn().Str("conn_id", connID).Msg("broadcast channel full, dropping reply")
	}
}

func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	var targets []*Connection

	cm.mu.RLock()
	if message.ConnID != "" {
		if conn, ok := cm.connections[message.ConnID]; ok {
			targets = append(targets, conn)
		}
	} else {
		for conn := range cm.auctionConnections[message.AuctionID] {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	// Send under the read lock: unregisterConnection closes Send under the
	// write lock, so a target that disconnects mid-broadcast is observed as
	// closed instead of panicking the broadcast loop. Sends are non-blocking,
	// so holding the lock never stalls on a full buffer.
	var slow []*Connection
	cm.mu.RLock()
	for _, conn := range targets {
		if conn.closed {
			continue
		}
		select {
		case conn.Send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		// Slow or dead connection: drop it rather than stall the room.
		log.Warn().
			Str("conn_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		// Conn is nil for bare test connections; production connections
		// always carry the upgraded websocket.
		if conn.Conn != nil {
			conn.Conn.Close()
		}
	}
}

// trySend queues data for a connection unless it has already been
// unregistered. Reports whether the frame was queued.
func (cm *ConnectionManager) trySend(conn *Connection, data []byte) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if conn.closed {
		return false
	}
	select {
	case conn.Send <- data:
		return true
	default:
		return false
	}
}

// Stats summarizes active connections for the /ws/stats endpoint.
type Stats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveAuctions     int            `json:"active_auctions"`
	AuctionConnections map[string]int `json:"auction_connections"`
}

// GetStats returns statistics about active connections.
func (cm *ConnectionManager) GetStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{
		ActiveAuctions:     len(cm.auctionConnections),
		AuctionConnections: make(map[string]int),
	}
	for auctionID, connections := range cm.auctionConnections {
		stats.TotalConnections += len(connections)
		stats.AuctionConnections[auctionID.String()] = len(connections)
	}
	return stats
}

// writePump handles sending messages to the WebSocket connection.
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
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("conn_id", c.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("conn_id", c.ID).Msg("unexpected WebSocket close")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

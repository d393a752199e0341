// Package gateway is the realtime edge: it owns the websocket connections
// for requesters and responders, frames the typed JSON envelopes, and routes
// inbound client messages to the dispatch components.
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

// Envelope is the wire framing for every gateway message, in both
// directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessageHandler receives every inbound client message.
type MessageHandler interface {
	Handle(ctx context.Context, conn *Connection, raw []byte)
}

// ConnectionConfig holds websocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

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

// outbound is one delivery order for the broadcast loop. Exactly one of
// userID or requestID is set.
type outbound struct {
	userID    *uuid.UUID
	requestID *uuid.UUID
	exclude   *Connection
	payload   []byte
}

// ConnectionManager tracks live connections per user and per request room.
// A user may hold several connections (phone plus dispatch console); a
// request room holds the requester and the connected responder for live
// tracking.
type ConnectionManager struct {
	userConns map[uuid.UUID]map[*Connection]bool
	rooms     map[uuid.UUID]map[*Connection]bool
	mu        sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  MessageHandler

	broadcastCh chan outbound
}

// Connection is one websocket client. Send stays open for the connection's
// whole life; teardown is signalled by closing done, so a concurrent
// delivery select never races a channel close.
type Connection struct {
	ID      string
	UserID  uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	rooms map[uuid.UUID]bool // guarded by Manager.mu
	done  chan struct{}      // closed once, under Manager.mu

	ConnectedAt time.Time
	LastPing    time.Time
}

func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		userConns: make(map[uuid.UUID]map[*Connection]bool),
		rooms:     make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan outbound, 1000),
	}
}

// SetHandler wires the inbound message handler. Must be called before the
// first upgrade.
func (cm *ConnectionManager) SetHandler(h MessageHandler) {
	cm.handler = h
}

// Start runs the broadcast loop until ctx is done.
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

// UpgradeConnection upgrades an HTTP request to a websocket and registers
// the connection under userID.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		rooms:       make(map[uuid.UUID]bool),
		done:        make(chan struct{}),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump(r.Context())

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID.String()).
		Msg("websocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.userConns[conn.UserID] == nil {
		cm.userConns[conn.UserID] = make(map[*Connection]bool)
	}
	cm.userConns[conn.UserID][conn] = true
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, exists := cm.userConns[conn.UserID]
	if !exists || !connections[conn] {
		return
	}
	delete(connections, conn)
	close(conn.done)
	if len(connections) == 0 {
		delete(cm.userConns, conn.UserID)
	}

	for requestID := range conn.rooms {
		if room, ok := cm.rooms[requestID]; ok {
			delete(room, conn)
			if len(room) == 0 {
				delete(cm.rooms, requestID)
			}
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Msg("connection unregistered")
}

// JoinRoom adds all of a user's live connections to a request's room.
func (cm *ConnectionManager) JoinRoom(requestID, userID uuid.UUID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for conn := range cm.userConns[userID] {
		if cm.rooms[requestID] == nil {
			cm.rooms[requestID] = make(map[*Connection]bool)
		}
		cm.rooms[requestID][conn] = true
		conn.rooms[requestID] = true
	}
}

// CloseRoom drops a request's room, leaving the connections themselves up.
func (cm *ConnectionManager) CloseRoom(requestID uuid.UUID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for conn := range cm.rooms[requestID] {
		delete(conn.rooms, requestID)
	}
	delete(cm.rooms, requestID)
}

// IsOnline reports whether the user has at least one live connection.
func (cm *ConnectionManager) IsOnline(userID uuid.UUID) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.userConns[userID]) > 0
}

// SendToUser queues a typed message for every connection of one user.
func (cm *ConnectionManager) SendToUser(userID uuid.UUID, messageType string, data any) error {
	payload, err := encode(messageType, data)
	if err != nil {
		return err
	}
	select {
	case cm.broadcastCh <- outbound{userID: &userID, payload: payload}:
		return nil
	default:
		log.Warn().Str("user_id", userID.String()).Msg("broadcast channel full, dropping message")
		return fmt.Errorf("broadcast channel full")
	}
}

// SendToRoom queues a typed message for every member of a request's room,
// optionally excluding the sender's connection.
func (cm *ConnectionManager) SendToRoom(requestID uuid.UUID, exclude *Connection, messageType string, data any) error {
	payload, err := encode(messageType, data)
	if err != nil {
		return err
	}
	select {
	case cm.broadcastCh <- outbound{requestID: &requestID, exclude: exclude, payload: payload}:
		return nil
	default:
		log.Warn().Str("request_id", requestID.String()).Msg("broadcast channel full, dropping message")
		return fmt.Errorf("broadcast channel full")
	}
}

func encode(messageType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", messageType, err)
	}
	payload, err := json.Marshal(Envelope{Type: messageType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", messageType, err)
	}
	return payload, nil
}

func (cm *ConnectionManager) handleBroadcast(message outbound) {
	cm.mu.RLock()
	var pool map[*Connection]bool
	switch {
	case message.userID != nil:
		pool = cm.userConns[*message.userID]
	case message.requestID != nil:
		pool = cm.rooms[*message.requestID]
	}
	targets := make([]*Connection, 0, len(pool))
	for conn := range pool {
		if conn == message.exclude {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		cm.deliver(conn, message.payload)
	}
}

// deliver hands one payload to a connection's write pump. The target set was
// snapshotted before this send, so the connection may have been torn down in
// between; the done case discards the payload rather than racing the
// teardown.
func (cm *ConnectionManager) deliver(conn *Connection, payload []byte) {
	select {
	case conn.Send <- payload:
	case <-conn.done:
	default:
		log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID.String()).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// Stats reports active connection counts, for the health endpoint.
func (cm *ConnectionManager) Stats() map[string]any {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	for _, conns := range cm.userConns {
		total += len(conns)
	}
	return map[string]any{
		"total_connections": total,
		"online_users":      len(cm.userConns),
		"active_rooms":      len(cm.rooms),
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
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
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump(ctx context.Context) {
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
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		if c.Manager.handler != nil {
			c.Manager.handler.Handle(ctx, c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

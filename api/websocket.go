package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ericfitz/tmcollab/dfd"
	"github.com/ericfitz/tmcollab/internal/slogging"
	"github.com/ericfitz/tmcollab/internal/uuidgen"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// HubConfig holds the tunables for server-side session handling
type HubConfig struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	InactivityTimeout time.Duration
	HandshakeTimeout  time.Duration
	MaxMessageBytes   int64
	SendBufferSize    int
}

// DefaultHubConfig returns the hub defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		InactivityTimeout: 15 * time.Minute,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageBytes:   65536,
		SendBufferSize:    256,
	}
}

// WebSocketHub maintains active diagram sessions and upgrades connections
type WebSocketHub struct {
	// Registered sessions by diagram ID
	Diagrams map[string]*DiagramSession

	validator   *TokenValidator
	rateLimiter *OperationRateLimiter
	snapshots   *SnapshotCache
	metrics     *Metrics
	config      HubConfig

	// Mutex for thread safety
	mu sync.RWMutex
}

// broadcastEnvelope carries an outbound frame plus an optional excluded client
type broadcastEnvelope struct {
	data    []byte
	exclude *WebSocketClient
}

// DiagramSession represents a collaborative editing session for one diagram
type DiagramSession struct {
	// Session ID
	ID string
	// Diagram ID
	DiagramID string
	// Connected clients
	Clients map[*WebSocketClient]bool
	// Outbound fan-out
	Broadcast chan broadcastEnvelope
	// Register requests
	Register chan *WebSocketClient
	// Unregister requests
	Unregister chan *WebSocketClient
	// Last activity timestamp
	LastActivity time.Time

	// Authoritative document copy for snapshots and late joiners
	doc *dfd.Document
	// Server-assigned sequence number of the last relayed operation
	seq uint64
	// Presence in join order
	presence      map[string]*Presence
	presenceOrder []string
	// Operations parked on a reported conflict, keyed by operation id
	pendingConflicts map[string]*Operation
	// Closed when the hub retires the session
	quit chan struct{}

	hub    *WebSocketHub
	router *MessageRouter

	// Mutex for thread safety
	mu sync.RWMutex
}

// WebSocketClient represents a connected client
type WebSocketClient struct {
	Hub     *WebSocketHub
	Session *DiagramSession
	Conn    *websocket.Conn
	UserID  string
	Name    string
	// Buffered channel of outbound messages
	Send chan []byte
}

// Upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development; restrict in production
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(validator *TokenValidator, rateLimiter *OperationRateLimiter, snapshots *SnapshotCache, metrics *Metrics, config HubConfig) *WebSocketHub {
	return &WebSocketHub{
		Diagrams:    make(map[string]*DiagramSession),
		validator:   validator,
		rateLimiter: rateLimiter,
		snapshots:   snapshots,
		metrics:     metrics,
		config:      config,
	}
}

// GetOrCreateSession returns an existing session or creates a new one
func (h *WebSocketHub) GetOrCreateSession(diagramID string) *DiagramSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	if session, ok := h.Diagrams[diagramID]; ok {
		session.touch()
		return session
	}

	session := &DiagramSession{
		ID:               uuidgen.MustNewForEntity(uuidgen.EntityTypeSession).String(),
		DiagramID:        diagramID,
		Clients:          make(map[*WebSocketClient]bool),
		Broadcast:        make(chan broadcastEnvelope, 64),
		Register:         make(chan *WebSocketClient),
		Unregister:       make(chan *WebSocketClient),
		LastActivity:     time.Now().UTC(),
		doc:              dfd.NewDocument(),
		presence:         make(map[string]*Presence),
		pendingConflicts: make(map[string]*Operation),
		quit:             make(chan struct{}),
		hub:              h,
		router:           NewMessageRouter(),
	}

	h.Diagrams[diagramID] = session
	if h.metrics != nil {
		h.metrics.ActiveSessions.Inc()
	}
	go session.Run()

	return session
}

// GetSession returns the session for a diagram, or nil
func (h *WebSocketHub) GetSession(diagramID string) *DiagramSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Diagrams[diagramID]
}

// CleanupInactiveSessions removes sessions that have been idle past the
// inactivity timeout or have no clients left
func (h *WebSocketHub) CleanupInactiveSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().UTC().Add(-h.config.InactivityTimeout)
	for diagramID, session := range h.Diagrams {
		session.mu.Lock()
		stale := session.LastActivity.Before(cutoff) || len(session.Clients) == 0
		if stale {
			for client := range session.Clients {
				close(client.Send)
			}
			session.Clients = make(map[*WebSocketClient]bool)
			close(session.quit)
		}
		session.mu.Unlock()

		if stale {
			delete(h.Diagrams, diagramID)
			if h.metrics != nil {
				h.metrics.ActiveSessions.Dec()
			}
			slogging.Get().Info("Cleaned up inactive session - Session: %s, Diagram: %s", session.ID, diagramID)
		}
	}
}

// StartCleanupTimer starts a periodic cleanup timer
func (h *WebSocketHub) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CleanupInactiveSessions()
		case <-ctx.Done():
			return
		}
	}
}

func (s *DiagramSession) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// nextSeq returns the next server-assigned sequence number
func (s *DiagramSession) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// currentSeq returns the last assigned sequence number
func (s *DiagramSession) currentSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// joinPresence registers or replaces a user's presence entry. A rejoin for
// the same user id replaces the prior entry so reconnects don't leave ghosts.
func (s *DiagramSession) joinPresence(user User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presence[user.UserID]; !ok {
		s.presenceOrder = append(s.presenceOrder, user.UserID)
	}
	s.presence[user.UserID] = &Presence{User: user, JoinedAt: time.Now().UTC()}
}

// leavePresence drops a user's presence entry; no-op if absent
func (s *DiagramSession) leavePresence(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presence[userID]; !ok {
		return
	}
	delete(s.presence, userID)
	for i, id := range s.presenceOrder {
		if id == userID {
			s.presenceOrder = append(s.presenceOrder[:i], s.presenceOrder[i+1:]...)
			break
		}
	}
}

// presenceList returns presence entries in join order
func (s *DiagramSession) presenceList() []Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Presence, 0, len(s.presenceOrder))
	for _, id := range s.presenceOrder {
		if p, ok := s.presence[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// snapshot returns the session document's snapshot, via the cache when warm
func (s *DiagramSession) snapshot(ctx context.Context) dfd.Snapshot {
	if s.hub != nil && s.hub.snapshots != nil {
		if snap, ok := s.hub.snapshots.Get(ctx, s.DiagramID); ok {
			return snap
		}
	}
	s.mu.RLock()
	snap := s.doc.Snapshot()
	s.mu.RUnlock()
	if s.hub != nil && s.hub.snapshots != nil {
		if err := s.hub.snapshots.Put(ctx, s.DiagramID, snap); err != nil {
			slogging.Get().Warn("Failed to cache snapshot - Diagram: %s, Error: %v", s.DiagramID, err)
		}
	}
	return snap
}

// Run processes registration and fan-out for a diagram session
func (s *DiagramSession) Run() {
	for {
		select {
		case client := <-s.Register:
			s.mu.Lock()
			s.Clients[client] = true
			s.LastActivity = time.Now().UTC()
			s.mu.Unlock()
			if s.hub != nil && s.hub.metrics != nil {
				s.hub.metrics.ConnectedClients.Inc()
			}

			s.joinPresence(User{UserID: client.UserID, Name: client.Name})

			msg := ParticipantJoinedMessage{
				MessageType: MessageTypeParticipantJoined,
				User:        User{UserID: client.UserID, Name: client.Name},
				Timestamp:   time.Now().UTC(),
			}
			if data, err := MarshalMessage(msg); err == nil {
				s.fanOut(broadcastEnvelope{data: data, exclude: client})
			}

		case client := <-s.Unregister:
			s.mu.Lock()
			_, ok := s.Clients[client]
			if ok {
				delete(s.Clients, client)
				close(client.Send)
				s.LastActivity = time.Now().UTC()
			}
			s.mu.Unlock()
			if !ok {
				continue
			}
			if s.hub != nil && s.hub.metrics != nil {
				s.hub.metrics.ConnectedClients.Dec()
			}

			s.leavePresence(client.UserID)

			msg := ParticipantLeftMessage{
				MessageType: MessageTypeParticipantLeft,
				User:        User{UserID: client.UserID, Name: client.Name},
				Timestamp:   time.Now().UTC(),
			}
			if data, err := MarshalMessage(msg); err == nil {
				s.fanOut(broadcastEnvelope{data: data})
			}

		case envelope := <-s.Broadcast:
			s.touch()
			s.fanOut(envelope)

		case <-s.quit:
			return
		}
	}
}

// fanOut sends a frame to every registered client except the excluded one.
// Clients with a full send buffer are dropped, as a slow consumer must not
// stall the session.
func (s *DiagramSession) fanOut(envelope broadcastEnvelope) {
	var start time.Time
	if s.hub != nil && s.hub.metrics != nil {
		start = time.Now()
	}
	s.mu.Lock()
	for client := range s.Clients {
		if client == envelope.exclude {
			continue
		}
		select {
		case client.Send <- envelope.data:
		default:
			close(client.Send)
			delete(s.Clients, client)
		}
	}
	s.mu.Unlock()
	if s.hub != nil && s.hub.metrics != nil {
		s.hub.metrics.BroadcastSeconds.Observe(time.Since(start).Seconds())
	}
}

// sendTo delivers a frame to a single client
func (s *DiagramSession) sendTo(client *WebSocketClient, msg Message) {
	data, err := MarshalMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal %s message - Session: %s, Error: %v", msg.GetMessageType(), s.ID, err)
		return
	}
	select {
	case client.Send <- data:
	default:
		slogging.Get().Warn("Dropping %s message to slow client - Session: %s, User: %s", msg.GetMessageType(), s.ID, client.UserID)
	}
}

// sendErrorMessage reports a recoverable protocol error to one client
func (s *DiagramSession) sendErrorMessage(client *WebSocketClient, code, message string) {
	s.sendTo(client, ErrorMessage{
		MessageType: MessageTypeError,
		Error:       code,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	})
}

// HandleWS upgrades the connection and runs the authenticate/join handshake
// before admitting the client to a session
func (h *WebSocketHub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Error("Failed to upgrade connection: %v", err)
		return
	}

	client, session, err := h.handshake(conn)
	if err != nil {
		slogging.Get().Info("WebSocket handshake failed: %v", err)
		_ = conn.Close()
		return
	}

	session.Register <- client

	// Deliver the initial presence list and snapshot once registered
	session.sendTo(client, RoomJoinedMessage{
		MessageType:    MessageTypeRoomJoined,
		DiagramID:      session.DiagramID,
		Users:          session.presenceList(),
		Snapshot:       session.snapshot(c.Request.Context()),
		SequenceNumber: session.currentSeq(),
	})

	go client.ReadPump()
	go client.WritePump()
}

// handshake reads the authenticate and join_room messages, in that order,
// within the handshake timeout. Authentication must succeed before a room
// join is permitted.
func (h *WebSocketHub) handshake(conn *websocket.Conn) (*WebSocketClient, *DiagramSession, error) {
	deadline := time.Now().Add(h.config.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}

	// First message: authenticate
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	msg, err := ParseMessage(raw)
	if err != nil {
		return nil, nil, err
	}
	authMsg, ok := msg.(*AuthenticateMessage)
	if !ok {
		writeHandshakeError(conn, "authentication_required", "first message must be authenticate")
		return nil, nil, ErrTokenInvalid
	}

	name, err := h.validator.ValidateToken(authMsg.Token, authMsg.UserID)
	if err != nil {
		reply := AuthenticatedMessage{MessageType: MessageTypeAuthenticated, Success: false, Error: err.Error()}
		if data, merr := MarshalMessage(reply); merr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		return nil, nil, err
	}
	reply := AuthenticatedMessage{MessageType: MessageTypeAuthenticated, Success: true}
	data, err := MarshalMessage(reply)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, nil, err
	}

	// Second message: join_room
	_, raw, err = conn.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	msg, err = ParseMessage(raw)
	if err != nil {
		return nil, nil, err
	}
	joinMsg, ok := msg.(*JoinRoomMessage)
	if !ok {
		writeHandshakeError(conn, "join_required", "expected join_room after authentication")
		return nil, nil, ErrTokenInvalid
	}

	session := h.GetOrCreateSession(joinMsg.DiagramID)
	client := &WebSocketClient{
		Hub:     h,
		Session: session,
		Conn:    conn,
		UserID:  authMsg.UserID,
		Name:    name,
		Send:    make(chan []byte, h.config.SendBufferSize),
	}
	return client, session, nil
}

func writeHandshakeError(conn *websocket.Conn, code, message string) {
	msg := ErrorMessage{
		MessageType: MessageTypeError,
		Error:       code,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
	if data, err := MarshalMessage(msg); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// ReadPump pumps messages from the WebSocket through the message router
func (c *WebSocketClient) ReadPump() {
	defer func() {
		select {
		case c.Session.Unregister <- c:
		case <-c.Session.quit:
			// Session already retired by the hub
		}
		_ = c.Conn.Close()
	}()

	cfg := c.Hub.config
	c.Conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slogging.Get().Info("WebSocket read error - Session: %s, User: %s, Error: %v", c.Session.ID, c.UserID, err)
			}
			break
		}

		if err := c.Session.router.RouteMessage(c.Session, c, message); err != nil {
			slogging.Get().Warn("Message routing error - Session: %s, User: %s, Error: %v", c.Session.ID, c.UserID, err)
		}
	}
}

// WritePump pumps messages from the session to the WebSocket
func (c *WebSocketClient) WritePump() {
	cfg := c.Hub.config
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				// Session closed the channel
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ericfitz/tmcollab/api"
	"github.com/ericfitz/tmcollab/internal/config"
	"github.com/ericfitz/tmcollab/internal/slogging"
	"github.com/gorilla/websocket"
)

// SessionState is the lifecycle state of a collaboration session
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateJoining       SessionState = "joining"
	StateSynced        SessionState = "synced"
	StateReconciling   SessionState = "reconciling"
	StateDisconnected  SessionState = "disconnected"
	StateReconnecting  SessionState = "reconnecting"
	StateTerminated    SessionState = "terminated"
)

// legalTransitions enumerates the allowed state edges
var legalTransitions = map[SessionState][]SessionState{
	StateUninitialized: {StateJoining, StateTerminated},
	StateJoining:       {StateSynced, StateDisconnected, StateTerminated},
	StateSynced:        {StateReconciling, StateDisconnected, StateTerminated},
	StateReconciling:   {StateSynced, StateDisconnected, StateTerminated},
	StateDisconnected:  {StateReconnecting, StateTerminated},
	StateReconnecting:  {StateSynced, StateDisconnected, StateTerminated},
	StateTerminated:    {},
}

// Session errors
var (
	ErrSessionTerminated   = errors.New("session is terminated")
	ErrSessionNotSynced    = errors.New("session is not synced")
	ErrHandshakeRejected   = errors.New("handshake rejected")
	ErrHandshakeUnexpected = errors.New("unexpected handshake reply")
	ErrSessionExpired      = errors.New("session expired")
	ErrInvalidTransition   = errors.New("invalid session state transition")
)

// wireConn is the minimal connection surface the session needs. The real
// implementation wraps a gorilla WebSocket; tests substitute an in-memory
// pipe to drive the state machine with synthetic messages.
type wireConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc establishes a wire connection
type DialFunc func(ctx context.Context) (wireConn, error)

// gorillaConn adapts *websocket.Conn to wireConn
type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteMessage(data []byte) error {
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}

// WebSocketDialer returns a DialFunc that connects to the given URL
func WebSocketDialer(url string) DialFunc {
	return func(ctx context.Context) (wireConn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return &gorillaConn{conn: conn}, nil
	}
}

// TokenProvider supplies a fresh credential token; called on every connect
// attempt so reconnects never replay an expired token
type TokenProvider func(ctx context.Context) (string, error)

// SessionConfig configures a collaboration session
type SessionConfig struct {
	UserID    string
	DiagramID string
	Token     TokenProvider
	Dial      DialFunc

	AuthTimeout       time.Duration
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	// PongTimeout is how long the session tolerates total silence from the
	// server before treating the connection as half-open and reconnecting
	PongTimeout time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	BatchWindow time.Duration
	// DisableBatching makes every enqueued operation flush synchronously
	// instead of waiting out the batch window
	DisableBatching bool
	MaxFlushRetries int
	DeletePolicy    DeletePolicy
}

func (c *SessionConfig) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 2 * c.HeartbeatInterval
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
}

// Session drives one client's participation in a diagram collaboration. It
// owns the connection lifecycle, routes incoming messages to the presence
// registry and synchronizer, and flushes the operation queue over the wire.
type Session struct {
	cfg SessionConfig

	Presence     *PresenceRegistry
	Synchronizer *Synchronizer
	Queue        *OperationQueue
	detector     *Detector

	mu       sync.Mutex
	state    SessionState
	conn     wireConn
	onState  func(from, to SessionState)
	termErr  error
	readDone chan struct{}
	// Last time any frame arrived on the current connection
	lastRead time.Time
	// Conflicts the server parked and reported; resolution goes over the wire
	serverConflicts map[string]api.ConflictInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a session in the uninitialized state
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if cfg.DiagramID == "" {
		return nil, fmt.Errorf("diagram id is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if cfg.Dial == nil {
		return nil, fmt.Errorf("dial func is required")
	}
	cfg.applyDefaults()

	detector := NewDetector(cfg.DeletePolicy)
	s := &Session{
		cfg:             cfg,
		Presence:        NewPresenceRegistry(),
		Synchronizer:    NewSynchronizer(cfg.UserID, detector),
		detector:        detector,
		state:           StateUninitialized,
		serverConflicts: make(map[string]api.ConflictInfo),
	}
	s.Queue = NewOperationQueue(QueueConfig{
		OriginUserID:    cfg.UserID,
		BatchWindow:     cfg.BatchWindow,
		DisableBatching: cfg.DisableBatching,
		MaxFlushRetries: cfg.MaxFlushRetries,
		Flush:           s.sendBatch,
	})
	return s, nil
}

// SessionConfigFromCollab maps the shared collaboration settings onto a
// session config. Identity, token, and dial wiring still come from the
// caller before NewSession.
func SessionConfigFromCollab(cc config.CollabConfig) SessionConfig {
	policy := DeleteWins
	if cc.RejectDelete {
		policy = RejectDelete
	}
	return SessionConfig{
		AuthTimeout:          cc.AuthTimeout,
		JoinTimeout:          cc.JoinTimeout,
		ReconnectBaseDelay:   cc.ReconnectBaseDelay,
		ReconnectMaxDelay:    cc.ReconnectMaxDelay,
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
		BatchWindow:          cc.BatchWindow,
		DisableBatching:      !cc.BatchingEnabled,
		MaxFlushRetries:      cc.MaxFlushRetries,
		DeletePolicy:         policy,
	}
}

// State returns the current session state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetStateListener registers a transition callback, invoked synchronously
func (s *Session) SetStateListener(l func(from, to SessionState)) {
	s.mu.Lock()
	s.onState = l
	s.mu.Unlock()
}

// transition moves the state machine along a legal edge
func (s *Session) transition(to SessionState) error {
	s.mu.Lock()
	from := s.state
	allowed := false
	for _, next := range legalTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	listener := s.onState
	s.mu.Unlock()

	slogging.Get().Debug("Session state %s -> %s - Diagram: %s, User: %s", from, to, s.cfg.DiagramID, s.cfg.UserID)
	if listener != nil {
		listener(from, to)
	}
	return nil
}

// Connect establishes the session: dial, authenticate, join, and load the
// initial snapshot. On success the session is synced and the read and
// heartbeat loops are running.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() == StateTerminated {
		return ErrSessionTerminated
	}
	if err := s.transition(StateJoining); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.establish(s.ctx); err != nil {
		s.terminate(err)
		return err
	}
	if err := s.transition(StateSynced); err != nil {
		return err
	}

	s.startLoops()
	return nil
}

// establish dials and runs the authenticate/join handshake, then loads the
// snapshot from room_joined and rebases any in-flight operations
func (s *Session) establish(ctx context.Context) error {
	conn, err := s.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	token, err := s.cfg.Token(ctx)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("fetch token: %w", err)
	}

	// Authenticate
	auth := api.AuthenticateMessage{
		MessageType: api.MessageTypeAuthenticate,
		Token:       token,
		UserID:      s.cfg.UserID,
	}
	reply, err := roundTrip(conn, auth, s.cfg.AuthTimeout)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("authenticate: %w", err)
	}
	authReply, ok := reply.(*api.AuthenticatedMessage)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("%w: got %s, want %s", ErrHandshakeUnexpected, reply.GetMessageType(), api.MessageTypeAuthenticated)
	}
	if !authReply.Success {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, authReply.Error)
	}

	// Join
	join := api.JoinRoomMessage{
		MessageType: api.MessageTypeJoinRoom,
		DiagramID:   s.cfg.DiagramID,
	}
	reply, err = roundTrip(conn, join, s.cfg.JoinTimeout)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("join room: %w", err)
	}
	joined, ok := reply.(*api.RoomJoinedMessage)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("%w: got %s, want %s", ErrHandshakeUnexpected, reply.GetMessageType(), api.MessageTypeRoomJoined)
	}

	s.Presence.Reset(joined.Users)
	survivors, err := s.Synchronizer.LoadSnapshot(joined.Snapshot, joined.SequenceNumber)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("load snapshot: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	// Resend operations that survived the rebase
	if len(survivors) > 0 {
		if err := s.sendBatch(survivors); err != nil {
			slogging.Get().Warn("Failed to resend %d rebased operations: %v", len(survivors), err)
		}
	}
	return nil
}

// roundTrip sends one message and reads one reply within the timeout
func roundTrip(conn wireConn, msg api.Message, timeout time.Duration) (api.Message, error) {
	data, err := api.MarshalMessage(msg)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(data); err != nil {
		return nil, err
	}

	type result struct {
		msg api.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := conn.ReadMessage()
		if err != nil {
			ch <- result{err: err}
			return
		}
		parsed, err := api.ParseMessage(raw)
		ch <- result{msg: parsed, err: err}
	}()

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for %s reply", msg.GetMessageType())
	}
}

func (s *Session) startLoops() {
	s.mu.Lock()
	conn := s.conn
	done := s.readDone
	s.lastRead = time.Now()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn, done)
	go s.heartbeatLoop(conn, done)
}

// readLoop routes incoming frames until the connection fails or the
// session terminates. A read failure hands control to the reconnect loop.
func (s *Session) readLoop(conn wireConn, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil || s.State() == StateTerminated {
				return
			}
			slogging.Get().Info("Connection lost - Diagram: %s, User: %s, Error: %v", s.cfg.DiagramID, s.cfg.UserID, err)
			if terr := s.transition(StateDisconnected); terr != nil {
				return
			}
			s.wg.Add(1)
			go s.reconnectLoop()
			return
		}

		s.mu.Lock()
		s.lastRead = time.Now()
		s.mu.Unlock()

		if err := s.handleFrame(raw); err != nil {
			if errors.Is(err, ErrSessionExpired) {
				s.terminate(err)
				return
			}
			slogging.Get().Warn("Failed to handle message - Diagram: %s, Error: %v", s.cfg.DiagramID, err)
		}
	}
}

// handleFrame dispatches one parsed server message
func (s *Session) handleFrame(raw []byte) error {
	msg, err := api.ParseMessage(raw)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *api.OperationAppliedMessage:
		if err := s.transition(StateReconciling); err == nil {
			defer func() { _ = s.transition(StateSynced) }()
		}
		return s.Synchronizer.ApplyRemote(m.Operation, m.SequenceNumber)

	case *api.ConflictDetectedMessage:
		// The relay could not apply one of ours and parked it. Surface the
		// conflict for an explicit choice; the resolution itself happens
		// server-side through ResolveConflict.
		s.mu.Lock()
		s.serverConflicts[m.OperationID] = m.Conflict
		s.mu.Unlock()
		record := ConflictRecord{Info: m.Conflict}
		if local, ok := s.Synchronizer.InflightOp(m.OperationID); ok {
			record.Local = local
		}
		slogging.Get().Info("Server reported conflict - Op: %s, Type: %s", m.OperationID, m.Conflict.Type)
		s.Synchronizer.notifyConflict(record)
		return nil

	case *api.ConflictResolvedMessage:
		for i := range m.Result {
			if err := s.Synchronizer.ApplyRemote(m.Result[i], s.Synchronizer.Seq()); err != nil {
				return err
			}
		}
		return nil

	case *api.StateChangedMessage:
		survivors, err := s.Synchronizer.LoadSnapshot(m.Snapshot, m.SequenceNumber)
		if err != nil {
			return err
		}
		if len(survivors) > 0 {
			return s.sendBatch(survivors)
		}
		return nil

	case *api.RateLimitExceededMessage:
		s.Queue.PauseUntil(time.Now().Add(m.RetryAfter))
		slogging.Get().Info("Rate limited, pausing flushes for %s", m.RetryAfter)
		return nil

	case *api.OperationTimeoutMessage:
		slogging.Get().Warn("Server timed out operation %s", m.OperationID)
		return nil

	case *api.CursorUpdatedMessage:
		s.Presence.UpdateCursor(m.UserID, m.Position)
		return nil

	case *api.SelectionUpdatedMessage:
		s.Presence.UpdateSelection(m.UserID, m.ElementIDs, m.Action)
		return nil

	case *api.ParticipantJoinedMessage:
		s.Presence.Join(m.User)
		return nil

	case *api.ParticipantLeftMessage:
		s.Presence.Leave(m.User.UserID)
		return nil

	case *api.ParticipantsUpdateMessage:
		s.Presence.Reset(m.Participants)
		return nil

	case *api.HeartbeatMessage:
		// Server heartbeat echo; receipt alone refreshes liveness
		return nil

	case *api.CommentAddedMessage:
		slogging.Get().Debug("Comment added on %s by %s", m.Comment.ElementID, m.Comment.Author.UserID)
		return nil

	case *api.ErrorMessage:
		if m.Error == "session_expired" || m.Error == "authentication_required" {
			return fmt.Errorf("%w: %s", ErrSessionExpired, m.Message)
		}
		slogging.Get().Warn("Server error - Code: %s, Message: %s", m.Error, m.Message)
		return nil

	default:
		return fmt.Errorf("unexpected message type: %s", msg.GetMessageType())
	}
}

// heartbeatLoop sends periodic liveness pings while the connection is up.
// The server echoes each heartbeat; a connection that stays silent past the
// pong timeout is half-open and gets closed, which hands the read loop to
// the reconnect path.
func (s *Session) heartbeatLoop(conn wireConn, done chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			silence := time.Since(s.lastRead)
			s.mu.Unlock()
			if silence > s.cfg.PongTimeout {
				slogging.Get().Warn("No traffic from server in %s, dropping connection - Diagram: %s, User: %s", silence.Round(time.Millisecond), s.cfg.DiagramID, s.cfg.UserID)
				_ = conn.Close()
				return
			}

			msg := api.HeartbeatMessage{
				MessageType: api.MessageTypeHeartbeat,
				Timestamp:   time.Now().UTC(),
			}
			data, err := api.MarshalMessage(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(data); err != nil {
				return
			}
		case <-done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// reconnectLoop retries the connection with exponential backoff and jitter.
// Each attempt re-authenticates with a fresh token and reloads the snapshot,
// rebasing in-flight operations. The session terminates when the attempt
// budget is spent.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	delay := s.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		if s.ctx.Err() != nil || s.State() == StateTerminated {
			return
		}
		if err := s.transition(StateReconnecting); err != nil {
			return
		}

		// Full jitter keeps reconnect storms from synchronizing
		wait := time.Duration(rand.Int63n(int64(delay) + 1))
		slogging.Get().Info("Reconnect attempt %d/%d in %s - Diagram: %s", attempt, s.cfg.MaxReconnectAttempts, wait, s.cfg.DiagramID)
		select {
		case <-time.After(wait):
		case <-s.ctx.Done():
			return
		}

		err := s.establish(s.ctx)
		if err == nil {
			if terr := s.transition(StateSynced); terr != nil {
				return
			}
			s.startLoops()
			return
		}

		slogging.Get().Warn("Reconnect attempt %d failed: %v", attempt, err)
		if errors.Is(err, ErrHandshakeRejected) {
			s.terminate(fmt.Errorf("%w: %v", ErrSessionExpired, err))
			return
		}
		if terr := s.transition(StateDisconnected); terr != nil {
			return
		}

		delay *= 2
		if delay > s.cfg.ReconnectMaxDelay {
			delay = s.cfg.ReconnectMaxDelay
		}
	}

	s.terminate(fmt.Errorf("reconnect attempts exhausted after %d tries", s.cfg.MaxReconnectAttempts))
}

// SubmitOperation applies an operation locally and queues it for delivery.
// Returns the assigned operation id.
func (s *Session) SubmitOperation(op api.Operation) (string, error) {
	state := s.State()
	if state == StateTerminated {
		return "", ErrSessionTerminated
	}

	stamped, err := s.Queue.Enqueue(op)
	if err != nil {
		return "", err
	}
	if err := s.Synchronizer.ApplyLocal(stamped); err != nil {
		s.Queue.Cancel(stamped.ID)
		return "", err
	}
	return stamped.ID, nil
}

// sendBatch is the queue's flush target
func (s *Session) sendBatch(ops []api.Operation) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || (state != StateSynced && state != StateReconciling) {
		return ErrSessionNotSynced
	}

	msg := api.BatchOperationsMessage{
		MessageType: api.MessageTypeBatchOperations,
		Operations:  ops,
	}
	data, err := api.MarshalMessage(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// SendCursor broadcasts this user's cursor position, best effort
func (s *Session) SendCursor(pos api.CursorPosition) error {
	return s.sendMessage(api.CursorMoveMessage{
		MessageType: api.MessageTypeCursorMove,
		Position:    pos,
	})
}

// SendSelection broadcasts a selection change
func (s *Session) SendSelection(elementIDs []string, action api.SelectionAction) error {
	return s.sendMessage(api.SelectionChangeMessage{
		MessageType: api.MessageTypeSelectionChange,
		ElementIDs:  elementIDs,
		Action:      action,
	})
}

// RequestSnapshot asks the server for a fresh snapshot
func (s *Session) RequestSnapshot(threatModelID string) error {
	return s.sendMessage(api.RequestSnapshotMessage{
		MessageType:   api.MessageTypeRequestSnapshot,
		ThreatModelID: threatModelID,
	})
}

// ResolveConflict settles a surfaced conflict and resends any local
// operations the resolution kept. Conflicts the server parked are settled on
// the relay instead: the choice goes over the wire and a fresh snapshot
// reconciles whatever the optimistic apply left behind.
func (s *Session) ResolveConflict(operationID string, choice api.Resolution, mergeData []byte) error {
	if !choice.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidResolution, choice)
	}
	if s.takeServerConflict(operationID) {
		if choice != api.ResolutionAccept {
			// Accept comes back as our own sequenced echo and clears the
			// in-flight entry; any other choice orphans it
			s.Synchronizer.DiscardInflight(operationID, "conflict_"+string(choice))
		}
		if err := s.sendMessage(api.ResolveConflictMessage{
			MessageType: api.MessageTypeResolveConflict,
			OperationID: operationID,
			Resolution:  choice,
			MergeData:   mergeData,
		}); err != nil {
			return err
		}
		return s.RequestSnapshot(s.cfg.DiagramID)
	}

	resend, err := s.Synchronizer.ResolveConflict(operationID, choice, mergeData)
	if err != nil {
		return err
	}
	if err := s.sendMessage(api.ResolveConflictMessage{
		MessageType: api.MessageTypeResolveConflict,
		OperationID: operationID,
		Resolution:  choice,
		MergeData:   mergeData,
	}); err != nil {
		return err
	}
	if len(resend) > 0 {
		return s.sendBatch(resend)
	}
	return nil
}

// takeServerConflict removes a server-reported conflict record, reporting
// whether it existed
func (s *Session) takeServerConflict(operationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.serverConflicts[operationID]; !ok {
		return false
	}
	delete(s.serverConflicts, operationID)
	return true
}

func (s *Session) sendMessage(msg api.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionNotSynced
	}
	data, err := api.MarshalMessage(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// terminate moves to the terminal state and releases resources
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateTerminated
	s.termErr = cause
	conn := s.conn
	s.conn = nil
	listener := s.onState
	s.mu.Unlock()

	s.Queue.Close()
	if conn != nil {
		_ = conn.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if cause != nil {
		slogging.Get().Info("Session terminated - Diagram: %s, Cause: %v", s.cfg.DiagramID, cause)
	}
	if listener != nil {
		listener(from, StateTerminated)
	}
}

// TerminationCause returns why the session terminated, nil for a clean close
func (s *Session) TerminationCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Close flushes the queue and terminates the session
func (s *Session) Close() error {
	if s.State() != StateTerminated {
		s.Queue.Flush()
	}
	s.terminate(nil)
	s.wg.Wait()
	return nil
}

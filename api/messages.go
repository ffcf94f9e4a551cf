package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ericfitz/tmcollab/dfd"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Session establishment
	MessageTypeAuthenticate  MessageType = "authenticate"
	MessageTypeAuthenticated MessageType = "authenticated"
	MessageTypeJoinRoom      MessageType = "join_room"
	MessageTypeRoomJoined    MessageType = "room_joined"

	// Collaborative editing
	MessageTypeOperation         MessageType = "threat_model_operation"
	MessageTypeBatchOperations   MessageType = "batch_operations"
	MessageTypeOperationApplied  MessageType = "operation_applied"
	MessageTypeConflictDetected  MessageType = "conflict_detected"
	MessageTypeResolveConflict   MessageType = "resolve_conflict"
	MessageTypeConflictResolved  MessageType = "conflict_resolved"
	MessageTypeRequestSnapshot   MessageType = "request_snapshot"
	MessageTypeStateChanged      MessageType = "state_changed"
	MessageTypeOperationTimeout  MessageType = "operation_timeout"
	MessageTypeRateLimitExceeded MessageType = "rate_limit_exceeded"

	// Presence
	MessageTypeCursorMove         MessageType = "cursor_move"
	MessageTypeCursorUpdated      MessageType = "cursor_updated"
	MessageTypeSelectionChange    MessageType = "selection_change"
	MessageTypeSelectionUpdated   MessageType = "selection_updated"
	MessageTypeAddComment         MessageType = "add_comment"
	MessageTypeCommentAdded       MessageType = "comment_added"
	MessageTypeHeartbeat          MessageType = "heartbeat"
	MessageTypeParticipantJoined  MessageType = "participant_joined"
	MessageTypeParticipantLeft    MessageType = "participant_left"
	MessageTypeParticipantsUpdate MessageType = "participants_update"

	MessageTypeError MessageType = "error"
)

// Message is the base interface for all WebSocket messages
type Message interface {
	GetMessageType() MessageType
	Validate() error
}

// User identifies a collaborator
type User struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// CursorPosition is a cursor location, optionally anchored to an element
type CursorPosition struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"element_id,omitempty"`
}

// SelectionAction discriminates selection changes
type SelectionAction string

const (
	SelectionActionSelect   SelectionAction = "select"
	SelectionActionDeselect SelectionAction = "deselect"
)

// Presence is the wire form of one user's ephemeral session state
type Presence struct {
	User      User           `json:"user"`
	Cursor    CursorPosition `json:"cursor"`
	Selection []string       `json:"selection,omitempty"`
	JoinedAt  time.Time      `json:"joined_at"`
}

// Comment is a positional annotation on a diagram element
type Comment struct {
	ID            string          `json:"id"`
	ThreatModelID string          `json:"threat_model_id"`
	ElementID     string          `json:"element_id"`
	Text          string          `json:"text"`
	Author        User            `json:"author"`
	Position      *CursorPosition `json:"position,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AuthenticateMessage carries the credential token; must complete before
// join_room is permitted
type AuthenticateMessage struct {
	MessageType MessageType `json:"message_type"`
	Token       string      `json:"token"`
	UserID      string      `json:"user_id"`
}

func (m AuthenticateMessage) GetMessageType() MessageType { return m.MessageType }

func (m AuthenticateMessage) Validate() error {
	if m.MessageType != MessageTypeAuthenticate {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeAuthenticate, m.MessageType)
	}
	if m.Token == "" {
		return fmt.Errorf("token is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// AuthenticatedMessage is the server's verdict on an authenticate message
type AuthenticatedMessage struct {
	MessageType MessageType `json:"message_type"`
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
}

func (m AuthenticatedMessage) GetMessageType() MessageType { return m.MessageType }

func (m AuthenticatedMessage) Validate() error {
	if m.MessageType != MessageTypeAuthenticated {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeAuthenticated, m.MessageType)
	}
	if !m.Success && m.Error == "" {
		return fmt.Errorf("error is required when success is false")
	}
	return nil
}

// JoinRoomMessage requests entry to a diagram session
type JoinRoomMessage struct {
	MessageType MessageType `json:"message_type"`
	DiagramID   string      `json:"diagram_id"`
}

func (m JoinRoomMessage) GetMessageType() MessageType { return m.MessageType }

func (m JoinRoomMessage) Validate() error {
	if m.MessageType != MessageTypeJoinRoom {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeJoinRoom, m.MessageType)
	}
	if m.DiagramID == "" {
		return fmt.Errorf("diagram_id is required")
	}
	return nil
}

// RoomJoinedMessage delivers the initial presence list and state snapshot
type RoomJoinedMessage struct {
	MessageType    MessageType  `json:"message_type"`
	DiagramID      string       `json:"diagram_id"`
	Users          []Presence   `json:"users"`
	Snapshot       dfd.Snapshot `json:"snapshot"`
	SequenceNumber uint64       `json:"sequence_number"`
}

func (m RoomJoinedMessage) GetMessageType() MessageType { return m.MessageType }

func (m RoomJoinedMessage) Validate() error {
	if m.MessageType != MessageTypeRoomJoined {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeRoomJoined, m.MessageType)
	}
	if m.DiagramID == "" {
		return fmt.Errorf("diagram_id is required")
	}
	return nil
}

// OperationMessage carries a single diagram operation
type OperationMessage struct {
	MessageType MessageType `json:"message_type"`
	Operation   Operation   `json:"operation"`
}

func (m OperationMessage) GetMessageType() MessageType { return m.MessageType }

func (m OperationMessage) Validate() error {
	if m.MessageType != MessageTypeOperation {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeOperation, m.MessageType)
	}
	return m.Operation.Validate()
}

// BatchOperationsMessage carries a flushed batch; operations preserve the
// origin client's creation order
type BatchOperationsMessage struct {
	MessageType MessageType `json:"message_type"`
	Operations  []Operation `json:"operations"`
}

func (m BatchOperationsMessage) GetMessageType() MessageType { return m.MessageType }

func (m BatchOperationsMessage) Validate() error {
	if m.MessageType != MessageTypeBatchOperations {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeBatchOperations, m.MessageType)
	}
	if len(m.Operations) == 0 {
		return fmt.Errorf("at least one operation is required")
	}
	for i := range m.Operations {
		if err := m.Operations[i].Validate(); err != nil {
			return fmt.Errorf("operation %d invalid: %w", i, err)
		}
	}
	return nil
}

// OperationAppliedMessage relays an accepted operation to all session
// participants, stamped with the server-assigned sequence number
type OperationAppliedMessage struct {
	MessageType    MessageType `json:"message_type"`
	Operation      Operation   `json:"operation"`
	SequenceNumber uint64      `json:"sequence_number"`
}

func (m OperationAppliedMessage) GetMessageType() MessageType { return m.MessageType }

func (m OperationAppliedMessage) Validate() error {
	if m.MessageType != MessageTypeOperationApplied {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeOperationApplied, m.MessageType)
	}
	return m.Operation.Validate()
}

// ConflictDetectedMessage reports a conflict back to an operation's origin
type ConflictDetectedMessage struct {
	MessageType MessageType  `json:"message_type"`
	OperationID string       `json:"operation_id"`
	Conflict    ConflictInfo `json:"conflict"`
	Suggestions []Resolution `json:"suggestions,omitempty"`
}

func (m ConflictDetectedMessage) GetMessageType() MessageType { return m.MessageType }

func (m ConflictDetectedMessage) Validate() error {
	if m.MessageType != MessageTypeConflictDetected {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeConflictDetected, m.MessageType)
	}
	if m.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	return m.Conflict.Validate()
}

// ResolveConflictMessage carries an explicit resolution choice; merge_data is
// required when the resolution is merge and the conflict has divergent edits
type ResolveConflictMessage struct {
	MessageType MessageType     `json:"message_type"`
	OperationID string          `json:"operation_id"`
	Resolution  Resolution      `json:"resolution"`
	MergeData   json.RawMessage `json:"merge_data,omitempty"`
}

func (m ResolveConflictMessage) GetMessageType() MessageType { return m.MessageType }

func (m ResolveConflictMessage) Validate() error {
	if m.MessageType != MessageTypeResolveConflict {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeResolveConflict, m.MessageType)
	}
	if m.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	if !m.Resolution.IsValid() {
		return fmt.Errorf("invalid resolution: %s", m.Resolution)
	}
	return nil
}

// ConflictResolvedMessage reports the outcome of a resolution
type ConflictResolvedMessage struct {
	MessageType MessageType `json:"message_type"`
	OperationID string      `json:"operation_id"`
	Resolution  Resolution  `json:"resolution"`
	Result      []Operation `json:"result,omitempty"`
}

func (m ConflictResolvedMessage) GetMessageType() MessageType { return m.MessageType }

func (m ConflictResolvedMessage) Validate() error {
	if m.MessageType != MessageTypeConflictResolved {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeConflictResolved, m.MessageType)
	}
	if m.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	if !m.Resolution.IsValid() {
		return fmt.Errorf("invalid resolution: %s", m.Resolution)
	}
	return nil
}

// RequestSnapshotMessage asks the server for a fresh full snapshot
type RequestSnapshotMessage struct {
	MessageType   MessageType `json:"message_type"`
	ThreatModelID string      `json:"threat_model_id"`
}

func (m RequestSnapshotMessage) GetMessageType() MessageType { return m.MessageType }

func (m RequestSnapshotMessage) Validate() error {
	if m.MessageType != MessageTypeRequestSnapshot {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeRequestSnapshot, m.MessageType)
	}
	if m.ThreatModelID == "" {
		return fmt.Errorf("threat_model_id is required")
	}
	return nil
}

// StateChangedMessage delivers a full snapshot, for late joiners and
// post-reconnect recovery
type StateChangedMessage struct {
	MessageType    MessageType  `json:"message_type"`
	Snapshot       dfd.Snapshot `json:"snapshot"`
	SequenceNumber uint64       `json:"sequence_number"`
}

func (m StateChangedMessage) GetMessageType() MessageType { return m.MessageType }

func (m StateChangedMessage) Validate() error {
	if m.MessageType != MessageTypeStateChanged {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeStateChanged, m.MessageType)
	}
	return nil
}

// OperationTimeoutMessage reports that the server gave up on an operation
type OperationTimeoutMessage struct {
	MessageType MessageType `json:"message_type"`
	OperationID string      `json:"operation_id"`
}

func (m OperationTimeoutMessage) GetMessageType() MessageType { return m.MessageType }

func (m OperationTimeoutMessage) Validate() error {
	if m.MessageType != MessageTypeOperationTimeout {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeOperationTimeout, m.MessageType)
	}
	if m.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	return nil
}

// RateLimitExceededMessage is server-driven backpressure; clients must pause
// operation flushing until retry_after elapses, queuing locally
type RateLimitExceededMessage struct {
	MessageType MessageType   `json:"message_type"`
	Message     string        `json:"message"`
	RetryAfter  time.Duration `json:"retry_after"`
}

func (m RateLimitExceededMessage) GetMessageType() MessageType { return m.MessageType }

func (m RateLimitExceededMessage) Validate() error {
	if m.MessageType != MessageTypeRateLimitExceeded {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeRateLimitExceeded, m.MessageType)
	}
	if m.RetryAfter <= 0 {
		return fmt.Errorf("retry_after must be positive")
	}
	return nil
}

// CursorMoveMessage is a client's cursor broadcast; best-effort and
// loss-tolerant, only the latest position matters
type CursorMoveMessage struct {
	MessageType MessageType    `json:"message_type"`
	Position    CursorPosition `json:"position"`
}

func (m CursorMoveMessage) GetMessageType() MessageType { return m.MessageType }

func (m CursorMoveMessage) Validate() error {
	if m.MessageType != MessageTypeCursorMove {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeCursorMove, m.MessageType)
	}
	return nil
}

// CursorUpdatedMessage is the server's fan-out of a cursor move
type CursorUpdatedMessage struct {
	MessageType MessageType    `json:"message_type"`
	UserID      string         `json:"user_id"`
	Position    CursorPosition `json:"position"`
}

func (m CursorUpdatedMessage) GetMessageType() MessageType { return m.MessageType }

func (m CursorUpdatedMessage) Validate() error {
	if m.MessageType != MessageTypeCursorUpdated {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeCursorUpdated, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// SelectionChangeMessage is a client's selection change
type SelectionChangeMessage struct {
	MessageType MessageType     `json:"message_type"`
	ElementIDs  []string        `json:"element_ids"`
	Action      SelectionAction `json:"action"`
}

func (m SelectionChangeMessage) GetMessageType() MessageType { return m.MessageType }

func (m SelectionChangeMessage) Validate() error {
	if m.MessageType != MessageTypeSelectionChange {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeSelectionChange, m.MessageType)
	}
	if m.Action != SelectionActionSelect && m.Action != SelectionActionDeselect {
		return fmt.Errorf("action must be 'select' or 'deselect', got: %s", m.Action)
	}
	return nil
}

// SelectionUpdatedMessage is the server's fan-out of a selection change
type SelectionUpdatedMessage struct {
	MessageType MessageType     `json:"message_type"`
	UserID      string          `json:"user_id"`
	ElementIDs  []string        `json:"element_ids"`
	Action      SelectionAction `json:"action"`
}

func (m SelectionUpdatedMessage) GetMessageType() MessageType { return m.MessageType }

func (m SelectionUpdatedMessage) Validate() error {
	if m.MessageType != MessageTypeSelectionUpdated {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeSelectionUpdated, m.MessageType)
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Action != SelectionActionSelect && m.Action != SelectionActionDeselect {
		return fmt.Errorf("action must be 'select' or 'deselect', got: %s", m.Action)
	}
	return nil
}

// AddCommentMessage attaches an annotation to a diagram element
type AddCommentMessage struct {
	MessageType   MessageType     `json:"message_type"`
	ThreatModelID string          `json:"threat_model_id"`
	ElementID     string          `json:"element_id"`
	Comment       string          `json:"comment"`
	Position      *CursorPosition `json:"position,omitempty"`
}

func (m AddCommentMessage) GetMessageType() MessageType { return m.MessageType }

func (m AddCommentMessage) Validate() error {
	if m.MessageType != MessageTypeAddComment {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeAddComment, m.MessageType)
	}
	if m.ThreatModelID == "" {
		return fmt.Errorf("threat_model_id is required")
	}
	if m.ElementID == "" {
		return fmt.Errorf("element_id is required")
	}
	if m.Comment == "" {
		return fmt.Errorf("comment is required")
	}
	return nil
}

// CommentAddedMessage is the server's fan-out of a new comment
type CommentAddedMessage struct {
	MessageType MessageType `json:"message_type"`
	Comment     Comment     `json:"comment"`
}

func (m CommentAddedMessage) GetMessageType() MessageType { return m.MessageType }

func (m CommentAddedMessage) Validate() error {
	if m.MessageType != MessageTypeCommentAdded {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeCommentAdded, m.MessageType)
	}
	if m.Comment.ID == "" {
		return fmt.Errorf("comment.id is required")
	}
	if m.Comment.Text == "" {
		return fmt.Errorf("comment.text is required")
	}
	return nil
}

// HeartbeatMessage is the client liveness ping
type HeartbeatMessage struct {
	MessageType MessageType `json:"message_type"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m HeartbeatMessage) GetMessageType() MessageType { return m.MessageType }

func (m HeartbeatMessage) Validate() error {
	if m.MessageType != MessageTypeHeartbeat {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeHeartbeat, m.MessageType)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// ParticipantJoinedMessage notifies when a participant joins a session
type ParticipantJoinedMessage struct {
	MessageType MessageType `json:"message_type"`
	User        User        `json:"user"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m ParticipantJoinedMessage) GetMessageType() MessageType { return m.MessageType }

func (m ParticipantJoinedMessage) Validate() error {
	if m.MessageType != MessageTypeParticipantJoined {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeParticipantJoined, m.MessageType)
	}
	if m.User.UserID == "" {
		return fmt.Errorf("user.user_id is required")
	}
	return nil
}

// ParticipantLeftMessage notifies when a participant leaves a session
type ParticipantLeftMessage struct {
	MessageType MessageType `json:"message_type"`
	User        User        `json:"user"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m ParticipantLeftMessage) GetMessageType() MessageType { return m.MessageType }

func (m ParticipantLeftMessage) Validate() error {
	if m.MessageType != MessageTypeParticipantLeft {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeParticipantLeft, m.MessageType)
	}
	if m.User.UserID == "" {
		return fmt.Errorf("user.user_id is required")
	}
	return nil
}

// ParticipantsUpdateMessage provides the complete participant list in join
// order
type ParticipantsUpdateMessage struct {
	MessageType  MessageType `json:"message_type"`
	Participants []Presence  `json:"participants"`
}

func (m ParticipantsUpdateMessage) GetMessageType() MessageType { return m.MessageType }

func (m ParticipantsUpdateMessage) Validate() error {
	if m.MessageType != MessageTypeParticipantsUpdate {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeParticipantsUpdate, m.MessageType)
	}
	for i, p := range m.Participants {
		if p.User.UserID == "" {
			return fmt.Errorf("participant[%d].user.user_id is required", i)
		}
	}
	return nil
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	MessageType MessageType `json:"message_type"`
	Error       string      `json:"error"`
	Message     string      `json:"message"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (m ErrorMessage) GetMessageType() MessageType { return m.MessageType }

func (m ErrorMessage) Validate() error {
	if m.MessageType != MessageTypeError {
		return fmt.Errorf("invalid message_type: expected %s, got %s", MessageTypeError, m.MessageType)
	}
	if m.Error == "" {
		return fmt.Errorf("error is required")
	}
	if m.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// ParseMessage parses an incoming WebSocket message into its concrete type
func ParseMessage(data []byte) (Message, error) {
	var base struct {
		MessageType MessageType `json:"message_type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to parse base message: %w", err)
	}

	var msg Message
	switch base.MessageType {
	case MessageTypeAuthenticate:
		msg = &AuthenticateMessage{}
	case MessageTypeAuthenticated:
		msg = &AuthenticatedMessage{}
	case MessageTypeJoinRoom:
		msg = &JoinRoomMessage{}
	case MessageTypeRoomJoined:
		msg = &RoomJoinedMessage{}
	case MessageTypeOperation:
		msg = &OperationMessage{}
	case MessageTypeBatchOperations:
		msg = &BatchOperationsMessage{}
	case MessageTypeOperationApplied:
		msg = &OperationAppliedMessage{}
	case MessageTypeConflictDetected:
		msg = &ConflictDetectedMessage{}
	case MessageTypeResolveConflict:
		msg = &ResolveConflictMessage{}
	case MessageTypeConflictResolved:
		msg = &ConflictResolvedMessage{}
	case MessageTypeRequestSnapshot:
		msg = &RequestSnapshotMessage{}
	case MessageTypeStateChanged:
		msg = &StateChangedMessage{}
	case MessageTypeOperationTimeout:
		msg = &OperationTimeoutMessage{}
	case MessageTypeRateLimitExceeded:
		msg = &RateLimitExceededMessage{}
	case MessageTypeCursorMove:
		msg = &CursorMoveMessage{}
	case MessageTypeCursorUpdated:
		msg = &CursorUpdatedMessage{}
	case MessageTypeSelectionChange:
		msg = &SelectionChangeMessage{}
	case MessageTypeSelectionUpdated:
		msg = &SelectionUpdatedMessage{}
	case MessageTypeAddComment:
		msg = &AddCommentMessage{}
	case MessageTypeCommentAdded:
		msg = &CommentAddedMessage{}
	case MessageTypeHeartbeat:
		msg = &HeartbeatMessage{}
	case MessageTypeParticipantJoined:
		msg = &ParticipantJoinedMessage{}
	case MessageTypeParticipantLeft:
		msg = &ParticipantLeftMessage{}
	case MessageTypeParticipantsUpdate:
		msg = &ParticipantsUpdateMessage{}
	case MessageTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.MessageType)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to parse %s message: %w", base.MessageType, err)
	}
	return msg, msg.Validate()
}

// MarshalMessage validates and serializes a message for the wire
func MarshalMessage(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("message validation failed: %w", err)
	}
	return json.Marshal(msg)
}

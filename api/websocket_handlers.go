package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfitz/tmcollab/dfd"
	"github.com/ericfitz/tmcollab/internal/slogging"
	"github.com/ericfitz/tmcollab/internal/uuidgen"
)

// MessageHandler processes one incoming message type
type MessageHandler interface {
	HandleMessage(session *DiagramSession, client *WebSocketClient, message []byte) error
}

// MessageRouter routes parsed messages to their handlers
type MessageRouter struct {
	handlers map[MessageType]MessageHandler
}

// NewMessageRouter creates a router with all in-session handlers registered
func NewMessageRouter() *MessageRouter {
	r := &MessageRouter{handlers: make(map[MessageType]MessageHandler)}
	r.handlers[MessageTypeOperation] = &OperationHandler{}
	r.handlers[MessageTypeBatchOperations] = &BatchOperationsHandler{}
	r.handlers[MessageTypeResolveConflict] = &ResolveConflictHandler{}
	r.handlers[MessageTypeRequestSnapshot] = &RequestSnapshotHandler{}
	r.handlers[MessageTypeCursorMove] = &CursorMoveHandler{}
	r.handlers[MessageTypeSelectionChange] = &SelectionChangeHandler{}
	r.handlers[MessageTypeAddComment] = &AddCommentHandler{}
	r.handlers[MessageTypeHeartbeat] = &HeartbeatHandler{}
	return r
}

// RouteMessage dispatches a raw frame to the registered handler. Handler
// panics are contained so one malformed message cannot take down the session
// goroutine.
func (r *MessageRouter) RouteMessage(session *DiagramSession, client *WebSocketClient, raw []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in message handler: %v", rec)
			slogging.Get().Error("Recovered from handler panic - Session: %s, User: %s, Panic: %v", session.ID, client.UserID, rec)
		}
	}()

	var base struct {
		MessageType MessageType `json:"message_type"`
	}
	if jsonErr := json.Unmarshal(raw, &base); jsonErr != nil {
		session.sendErrorMessage(client, "invalid_message", "message is not valid JSON")
		return jsonErr
	}

	handler, ok := r.handlers[base.MessageType]
	if !ok {
		session.sendErrorMessage(client, "unsupported_message", fmt.Sprintf("message type %q is not accepted in-session", base.MessageType))
		return fmt.Errorf("no handler for message type: %s", base.MessageType)
	}
	return handler.HandleMessage(session, client, raw)
}

// OperationHandler handles single threat_model_operation messages
type OperationHandler struct{}

func (h *OperationHandler) HandleMessage(session *DiagramSession, client *WebSocketClient, raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		session.sendErrorMessage(client, "invalid_operation", err.Error())
		return err
	}
	opMsg := msg.(*OperationMessage)

	if !checkRateLimit(session, client, 1) {
		return nil
	}
	processOperation(session, client, opMsg.Operation)
	return nil
}

// BatchOperationsHandler handles flushed operation batches. Operations are
// processed in the order the origin client created them.
type BatchOperationsHandler struct{}

func (h *BatchOperationsHandler) HandleMessage(session *DiagramSession, client *WebSocketClient, raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		session.sendErrorMessage(client, "invalid_batch", err.Error())
		return err
	}
	batch := msg.(*BatchOperationsMessage)

	if !checkRateLimit(session, client, len(batch.Operations)) {
		return nil
	}
	for i := range batch.Operations {
		processOperation(session, client, batch.Operations[i])
	}
	return nil
}

// checkRateLimit consumes count from the user's operation budget. On
// exhaustion it sends rate_limit_exceeded and reports false; the client is
// expected to pause flushing, not drop operations.
func checkRateLimit(session *DiagramSession, client *WebSocketClient, count int) bool {
	hub := session.hub
	if hub == nil || hub.rateLimiter == nil {
		return true
	}
	ok, retryAfter := hub.rateLimiter.Allow(context.Background(), client.UserID, count)
	if ok {
		return true
	}
	if hub.metrics != nil {
		hub.metrics.RateLimitedTotal.Inc()
	}
	session.sendTo(client, RateLimitExceededMessage{
		MessageType: MessageTypeRateLimitExceeded,
		Message:     "operation rate limit exceeded, pause and retry",
		RetryAfter:  retryAfter,
	})
	return false
}

// processOperation applies one operation to the session document and relays
// the outcome. Failures caused by a missing referent are reported as
// conflicts and the operation is parked for resolution; structural failures
// are rejected outright.
func processOperation(session *DiagramSession, client *WebSocketClient, op Operation) {
	if op.OriginUserID != client.UserID {
		session.sendErrorMessage(client, "origin_mismatch", "operation origin_user_id must match the authenticated user")
		countOperation(session, op, "rejected")
		return
	}

	session.mu.Lock()
	err := op.Apply(session.doc)
	session.mu.Unlock()

	if err != nil {
		if isReferentMissing(err) {
			reportConflict(session, client, op, err)
			return
		}
		session.sendErrorMessage(client, "operation_rejected", err.Error())
		countOperation(session, op, "rejected")
		return
	}

	relayApplied(session, op)
}

// relayApplied stamps an applied operation with the next sequence number,
// invalidates the cached snapshot, and fans it out to every participant.
// The origin receives it too and treats it as the acknowledgement.
func relayApplied(session *DiagramSession, op Operation) {
	seq := session.nextSeq()
	if session.hub != nil && session.hub.snapshots != nil {
		session.hub.snapshots.Invalidate(context.Background(), session.DiagramID)
	}

	msg := OperationAppliedMessage{
		MessageType:    MessageTypeOperationApplied,
		Operation:      op,
		SequenceNumber: seq,
	}
	data, err := MarshalMessage(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal operation_applied - Session: %s, Op: %s, Error: %v", session.ID, op.ID, err)
		return
	}
	session.Broadcast <- broadcastEnvelope{data: data}
	countOperation(session, op, "applied")
}

// reportConflict parks the failed operation and notifies its origin. The op
// stays parked until the origin resolves it or the session is cleaned up.
func reportConflict(session *DiagramSession, client *WebSocketClient, op Operation, cause error) {
	session.mu.Lock()
	stored := op
	session.pendingConflicts[op.ID] = &stored
	session.mu.Unlock()

	conflictType := ConflictOrderingAmbiguous
	if op.IsUpdate() {
		conflictType = ConflictDeleteVsUpdate
	}
	if session.hub != nil && session.hub.metrics != nil {
		session.hub.metrics.ConflictsTotal.WithLabelValues(string(conflictType)).Inc()
	}
	countOperation(session, op, "conflicted")

	session.sendTo(client, ConflictDetectedMessage{
		MessageType: MessageTypeConflictDetected,
		OperationID: op.ID,
		Conflict: ConflictInfo{
			OperationID:            op.ID,
			ConflictingOperationID: op.ID,
			Type:                   conflictType,
			Description:            cause.Error(),
			Suggestions:            []Resolution{ResolutionAccept, ResolutionReject},
		},
		Suggestions: []Resolution{ResolutionAccept, ResolutionReject},
	})
}

// isReferentMissing reports whether an apply failure means the operation's
// referent no longer exists, which is a conflict rather than a bad request
func isReferentMissing(err error) bool {
	return errors.Is(err, dfd.ErrNodeNotFound) ||
		errors.Is(err, dfd.ErrConnectionNotFound) ||
		errors.Is(err, dfd.ErrThreatNotFound) ||
		errors.Is(err, dfd.ErrDanglingEndpoint) ||
		errors.Is(err, dfd.ErrDanglingReference)
}

func countOperation(session *DiagramSession, op Operation, outcome string) {
	if session.hub != nil && session.hub.metrics != nil {
		session.hub.metrics.OperationsTotal.WithLabelValues(string(op.Type), outcome).Inc()
	}
}

// ResolveConflictHandler settles a parked conflict
type ResolveConflictHandler struct{}

func (h *ResolveConflictHandler) HandleMessage(session *DiagramSession, client *WebSocketClient, raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		session.sendErrorMessage(client, "invalid_resolution", err.Error())
		return err
	}
	resolve := msg.(*ResolveConflictMessage)

	session.mu.Lock()
	parked, ok := session.pendingConflicts[resolve.OperationID]
	if ok {
		delete(session.pendingConflicts, resolve.OperationID)
	}
	session.mu.Unlock()

	if !ok {
		session.sendErrorMessage(client, "unknown_conflict", fmt.Sprintf("no pending conflict for operation %s", resolve.OperationID))
		return nil
	}
	if parked.OriginUserID != client.UserID {
		session.sendErrorMessage(client, "origin_mismatch", "only the conflicted operation's origin may resolve it")
		// Re-park; someone else's conflict stays pending
		session.mu.Lock()
		session.pendingConflicts[resolve.OperationID] = parked
		session.mu.Unlock()
		return nil
	}

	var result []Operation
	switch resolve.Resolution {
	case ResolutionReject:
		// Drop the parked operation

	case ResolutionAccept:
		session.mu.Lock()
		err = parked.Apply(session.doc)
		session.mu.Unlock()
		if err != nil {
			session.sendErrorMessage(client, "resolution_failed", err.Error())
			return nil
		}
		result = append(result, *parked)

	case ResolutionMerge:
		if len(resolve.MergeData) == 0 {
			session.sendErrorMessage(client, "invalid_resolution", "merge resolution requires merge_data")
			session.mu.Lock()
			session.pendingConflicts[resolve.OperationID] = parked
			session.mu.Unlock()
			return nil
		}
		merged := *parked
		merged.ID = uuidgen.MustNewOperationID()
		merged.Timestamp = time.Now().UTC()
		merged.Patch = resolve.MergeData
		session.mu.Lock()
		err = merged.Apply(session.doc)
		session.mu.Unlock()
		if err != nil {
			session.sendErrorMessage(client, "resolution_failed", err.Error())
			return nil
		}
		result = append(result, merged)
	}

	resolved := ConflictResolvedMessage{
		MessageType: MessageTypeConflictResolved,
		OperationID: resolve.OperationID,
		Resolution:  resolve.Resolution,
		Result:      result,
	}
	if data, merr := MarshalMessage(resolved); merr == nil {
		session.Broadcast <- broadcastEnvelope{data: data}
	}
	for i := range result {
		relayApplied(session, result[i])
	}
	return nil
}

// RequestSnapshotHandler serves a full snapshot to the requester
type RequestSnapshotHandler struct{}

func (h *RequestSnapshotHandler) HandleMessage(session *DiagramSession, client *WebSocketClient, raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		session.sendErrorMessage(client, "invalid_request", err.Error())
		return err
	}
	_ = msg.(*RequestSnapshotMessage)

	session.sendTo(client, StateChangedMessage{
		MessageType:    MessageTypeStateChanged,
		Snapshot:       session.snapshot(context.Background()),
		SequenceNumber: session.currentSeq(),
	})
	return nil
}

// CursorMoveHandler updates the sender's presence and fans the cursor out to
// peers. Best-effort; stale positions are simply overwritten.
type CursorMoveHandler struct{}

func (h *CursorMoveHandler) HandleMessage(session *DiagramSession, client *WebSocketClient, raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		return err
	}
	move := msg.(*CursorMoveMessage)

	session.mu.Lock()
	if p, ok := session.presence[client.UserID]; ok {
		p.Cursor = move.Position
	}
	session.mu.Unlock()

	updated := CursorUpdatedMessage{
		MessageType: MessageTypeCursorUpdated,
		UserID:      client.UserID,
		Position:    move.Position,
	}
	if data, merr := MarshalMessage(updated); merr == nil {
		session.Broadcast <- broadcastEnvelope{data: data, exclude: client}
	}
	return nil
}

// SelectionChangeHandler updates the sender's selection set and fans it out
type SelectionChangeHandler struct{}

func (h *SelectionChangeHandler) HandleMessage(session *DiagramSession, client *WebSocketClient, raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		return err
	}
	change := msg.(*SelectionChangeMessage)

	session.mu.Lock()
	if p, ok := session.presence[client.UserID]; ok {
		p.Selection = applySelection(p.Selection, change.ElementIDs, change.Action)
	}
	session.mu.Unlock()

	updated := SelectionUpdatedMessage{
		MessageType: MessageTypeSelectionUpdated,
		UserID:      client.UserID,
		ElementIDs:  change.ElementIDs,
		Action:      change.Action,
	}
	if data, merr := MarshalMessage(updated); merr == nil {
		session.Broadcast <- broadcastEnvelope{data: data, exclude: client}
	}
	return nil
}

// applySelection merges a selection change into the current set, preserving
// selection order and ignoring duplicates
func applySelection(current, ids []string, action SelectionAction) []string {
	if action == SelectionActionDeselect {
		drop := make(map[string]bool, len(ids))
		for _, id := range ids {
			drop[id] = true
		}
		out := current[:0]
		for _, id := range current {
			if !drop[id] {
				out = append(out, id)
			}
		}
		return out
	}
	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
	}
	for _, id := range ids {
		if !have[id] {
			current = append(current, id)
			have[id] = true
		}
	}
	return current
}

// AddCommentHandler stamps and fans out a comment
type AddCommentHandler struct{}

func (h *AddCommentHandler) HandleMessage(session *DiagramSession, client *WebSocketClient, raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		session.sendErrorMessage(client, "invalid_comment", err.Error())
		return err
	}
	add := msg.(*AddCommentMessage)

	comment := Comment{
		ID:            uuidgen.MustNewForEntity(uuidgen.EntityTypeComment).String(),
		ThreatModelID: add.ThreatModelID,
		ElementID:     add.ElementID,
		Text:          add.Comment,
		Author:        User{UserID: client.UserID, Name: client.Name},
		Position:      add.Position,
		CreatedAt:     time.Now().UTC(),
	}
	added := CommentAddedMessage{
		MessageType: MessageTypeCommentAdded,
		Comment:     comment,
	}
	if data, merr := MarshalMessage(added); merr == nil {
		session.Broadcast <- broadcastEnvelope{data: data}
	}
	return nil
}

// HeartbeatHandler records client liveness and echoes the heartbeat so the
// client can tell a half-open connection from a quiet room
type HeartbeatHandler struct{}

func (h *HeartbeatHandler) HandleMessage(session *DiagramSession, client *WebSocketClient, raw []byte) error {
	if _, err := ParseMessage(raw); err != nil {
		return err
	}
	session.touch()
	session.sendTo(client, HeartbeatMessage{
		MessageType: MessageTypeHeartbeat,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

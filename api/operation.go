// Package api defines the wire protocol for collaborative threat-model
// editing sessions and the relay server that speaks it. Message types are
// manually implemented from the protocol description to provide type safety
// and validation for WebSocket messages.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfitz/tmcollab/dfd"
	"github.com/ericfitz/tmcollab/internal/uuidgen"
)

// OperationType discriminates the tagged union of diagram operations
type OperationType string

const (
	OpAddNode          OperationType = "add_node"
	OpUpdateNode       OperationType = "update_node"
	OpDeleteNode       OperationType = "delete_node"
	OpAddConnection    OperationType = "add_connection"
	OpUpdateConnection OperationType = "update_connection"
	OpDeleteConnection OperationType = "delete_connection"
	OpAddThreat        OperationType = "add_threat"
	OpUpdateThreat     OperationType = "update_threat"
	OpDeleteThreat     OperationType = "delete_threat"
)

// EntityKind is the class of document entity an operation targets
type EntityKind string

const (
	KindNode       EntityKind = "node"
	KindConnection EntityKind = "connection"
	KindThreat     EntityKind = "threat"
)

// ErrUnknownOperationType is returned for operation types outside the union
var ErrUnknownOperationType = errors.New("unknown operation type")

// Operation is an atomic, identified, timestamped intent to mutate the shared
// diagram document. Exactly one payload field is set, selected by Type: the
// entity for adds, TargetID+Patch for updates, TargetID for deletes.
// Operations are immutable once stamped; they are accepted, rejected, or
// merged, never mutated in place.
type Operation struct {
	ID           string        `json:"id"`
	Type         OperationType `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	OriginUserID string        `json:"origin_user_id"`

	Node       *dfd.Node       `json:"node,omitempty"`
	Connection *dfd.Connection `json:"connection,omitempty"`
	Threat     *dfd.Threat     `json:"threat,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Patch      json.RawMessage `json:"patch,omitempty"`
}

// Validate checks the operation envelope and that the payload matches the
// declared type
func (op *Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if err := uuidgen.ValidateOperationID(op.ID); err != nil {
		return err
	}
	if op.Timestamp.IsZero() {
		return fmt.Errorf("operation timestamp is required")
	}
	if op.OriginUserID == "" {
		return fmt.Errorf("operation origin_user_id is required")
	}

	switch op.Type {
	case OpAddNode:
		if op.Node == nil {
			return fmt.Errorf("%s operation requires node data", op.Type)
		}
		return op.Node.Validate()
	case OpAddConnection:
		if op.Connection == nil {
			return fmt.Errorf("%s operation requires connection data", op.Type)
		}
		return op.Connection.Validate()
	case OpAddThreat:
		if op.Threat == nil {
			return fmt.Errorf("%s operation requires threat data", op.Type)
		}
		return op.Threat.Validate()
	case OpUpdateNode, OpUpdateConnection, OpUpdateThreat:
		if op.TargetID == "" {
			return fmt.Errorf("%s operation requires target_id", op.Type)
		}
		if len(op.Patch) == 0 {
			return fmt.Errorf("%s operation requires a patch", op.Type)
		}
		if _, err := dfd.PatchKeys(op.Patch); err != nil {
			return fmt.Errorf("%s operation patch invalid: %w", op.Type, err)
		}
		return nil
	case OpDeleteNode, OpDeleteConnection, OpDeleteThreat:
		if op.TargetID == "" {
			return fmt.Errorf("%s operation requires target_id", op.Type)
		}
		if op.Patch != nil || op.Node != nil || op.Connection != nil || op.Threat != nil {
			return fmt.Errorf("%s operation should not include payload data", op.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOperationType, op.Type)
	}
}

// EntityID returns the id of the document entity the operation targets
func (op *Operation) EntityID() string {
	switch op.Type {
	case OpAddNode:
		if op.Node != nil {
			return op.Node.ID
		}
	case OpAddConnection:
		if op.Connection != nil {
			return op.Connection.ID
		}
	case OpAddThreat:
		if op.Threat != nil {
			return op.Threat.ID
		}
	default:
		return op.TargetID
	}
	return ""
}

// EntityKind returns the class of entity the operation targets
func (op *Operation) EntityKind() EntityKind {
	switch op.Type {
	case OpAddNode, OpUpdateNode, OpDeleteNode:
		return KindNode
	case OpAddConnection, OpUpdateConnection, OpDeleteConnection:
		return KindConnection
	default:
		return KindThreat
	}
}

// IsAdd reports whether the operation inserts a new entity
func (op *Operation) IsAdd() bool {
	return op.Type == OpAddNode || op.Type == OpAddConnection || op.Type == OpAddThreat
}

// IsUpdate reports whether the operation patches an existing entity
func (op *Operation) IsUpdate() bool {
	return op.Type == OpUpdateNode || op.Type == OpUpdateConnection || op.Type == OpUpdateThreat
}

// IsDelete reports whether the operation removes an entity
func (op *Operation) IsDelete() bool {
	return op.Type == OpDeleteNode || op.Type == OpDeleteConnection || op.Type == OpDeleteThreat
}

// TouchedKeys returns the patch paths an update operation touches; nil for
// non-updates
func (op *Operation) TouchedKeys() []string {
	if !op.IsUpdate() || len(op.Patch) == 0 {
		return nil
	}
	keys, err := dfd.PatchKeys(op.Patch)
	if err != nil {
		return nil
	}
	return keys
}

// Apply executes the operation against a document. Deletes of absent
// entities succeed silently (redelivery must be idempotent); every other
// validation failure is returned untouched for the caller to classify.
func (op *Operation) Apply(doc *dfd.Document) error {
	switch op.Type {
	case OpAddNode:
		return doc.AddNode(op.Node)
	case OpUpdateNode:
		return doc.UpdateNode(op.TargetID, op.Patch)
	case OpDeleteNode:
		doc.DeleteNode(op.TargetID)
		return nil
	case OpAddConnection:
		return doc.AddConnection(op.Connection)
	case OpUpdateConnection:
		return doc.UpdateConnection(op.TargetID, op.Patch)
	case OpDeleteConnection:
		doc.DeleteConnection(op.TargetID)
		return nil
	case OpAddThreat:
		return doc.AddThreat(op.Threat)
	case OpUpdateThreat:
		return doc.UpdateThreat(op.TargetID, op.Patch)
	case OpDeleteThreat:
		doc.DeleteThreat(op.TargetID)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOperationType, op.Type)
	}
}

// WinsOver reports whether op beats other under the deterministic
// last-writer policy: later timestamp wins, ties broken by lexicographically
// smaller origin user id. Every peer evaluates the same pair identically, so
// replicas converge without a central arbiter.
func (op *Operation) WinsOver(other *Operation) bool {
	if !op.Timestamp.Equal(other.Timestamp) {
		return op.Timestamp.After(other.Timestamp)
	}
	return op.OriginUserID < other.OriginUserID
}

// Package uuidgen centralizes identifier generation for the collaboration core.
package uuidgen

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// EntityType represents the different entity types in the system
type EntityType string

const (
	EntityTypeNode       EntityType = "node"
	EntityTypeConnection EntityType = "connection"
	EntityTypeThreat     EntityType = "threat"
	EntityTypeSession    EntityType = "session"
	EntityTypeComment    EntityType = "comment"
)

// NewForEntity generates a UUID appropriate for the given entity type.
// High-volume entities (threats) use UUIDv7 for better index locality.
// All other entities use UUIDv4 for compatibility and distribution.
func NewForEntity(entityType EntityType) (uuid.UUID, error) {
	switch entityType {
	case EntityTypeThreat:
		return uuid.NewV7()
	default:
		return uuid.NewRandom()
	}
}

// MustNewForEntity is like NewForEntity but panics on error.
// Should only be used in situations where UUID generation failure is unrecoverable.
func MustNewForEntity(entityType EntityType) uuid.UUID {
	id, err := NewForEntity(entityType)
	if err != nil {
		panic(fmt.Sprintf("failed to generate UUID for entity type %s: %v", entityType, err))
	}
	return id
}

// NewOperationID generates a ULID for an operation. Operation identifiers must
// be globally unique and sort by creation time so that an operation log reads
// in rough wall-clock order; ULIDs carry a millisecond timestamp plus 80 bits
// of randomness, which covers both.
func NewOperationID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate operation ULID: %w", err)
	}
	return id.String(), nil
}

// MustNewOperationID is like NewOperationID but panics on error
func MustNewOperationID() string {
	id, err := NewOperationID()
	if err != nil {
		panic(err)
	}
	return id
}

// ValidateOperationID reports whether s is a well-formed ULID
func ValidateOperationID(s string) error {
	if _, err := ulid.ParseStrict(s); err != nil {
		return fmt.Errorf("operation id must be a valid ULID: %w", err)
	}
	return nil
}

package api

import "fmt"

// ConflictType classifies a pair of operations whose effects cannot both be
// applied without a resolution policy
type ConflictType string

const (
	ConflictSameField          ConflictType = "concurrent_edit_same_field"
	ConflictDeleteVsUpdate     ConflictType = "delete_vs_update"
	ConflictDeleteVsDeleteNoop ConflictType = "delete_vs_delete_noop"
	ConflictOrderingAmbiguous  ConflictType = "ordering_ambiguous"
)

// IsValid reports whether the conflict type is known
func (t ConflictType) IsValid() bool {
	switch t {
	case ConflictSameField, ConflictDeleteVsUpdate, ConflictDeleteVsDeleteNoop, ConflictOrderingAmbiguous:
		return true
	}
	return false
}

// Resolution is a choice for settling a conflict
type Resolution string

const (
	ResolutionAccept Resolution = "accept"
	ResolutionReject Resolution = "reject"
	ResolutionMerge  Resolution = "merge"
)

// IsValid reports whether the resolution is known
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionAccept, ResolutionReject, ResolutionMerge:
		return true
	}
	return false
}

// ConflictInfo describes a detected conflict between an incoming operation
// and one already pending. Ephemeral; exists only during the resolution
// window.
type ConflictInfo struct {
	OperationID            string       `json:"operation_id"`
	ConflictingOperationID string       `json:"conflicting_operation_id"`
	Type                   ConflictType `json:"type"`
	Description            string       `json:"description"`
	Suggestions            []Resolution `json:"suggestions,omitempty"`
}

// Validate checks the conflict record for structural validity
func (c *ConflictInfo) Validate() error {
	if c.OperationID == "" {
		return fmt.Errorf("conflict operation_id is required")
	}
	if c.ConflictingOperationID == "" {
		return fmt.Errorf("conflict conflicting_operation_id is required")
	}
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid conflict type: %s", c.Type)
	}
	for _, s := range c.Suggestions {
		if !s.IsValid() {
			return fmt.Errorf("invalid suggested resolution: %s", s)
		}
	}
	return nil
}

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ericfitz/tmcollab/api"
	"github.com/ericfitz/tmcollab/dfd"
)

// Conflict resolution errors
var (
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrUnknownConflict   = errors.New("unknown conflict")
)

// DeletePolicy governs delete-versus-update conflicts
type DeletePolicy int

const (
	// DeleteWins discards updates that lost a race with a delete
	DeleteWins DeletePolicy = iota
	// RejectDelete revives the entity instead, favoring the update
	RejectDelete
)

// ConflictRecord binds a detected conflict to the two operations involved.
// Local is the operation this client had in flight; Remote is the operation
// that collided with it.
type ConflictRecord struct {
	Info   api.ConflictInfo
	Local  api.Operation
	Remote api.Operation
}

// Detector classifies pairs of operations that target overlapping state.
// Classification is pure and deterministic: every client examining the same
// pair reaches the same verdict.
type Detector struct {
	policy DeletePolicy

	mu      sync.Mutex
	pending map[string]ConflictRecord
}

// NewDetector creates a detector with the given delete policy
func NewDetector(policy DeletePolicy) *Detector {
	return &Detector{policy: policy, pending: make(map[string]ConflictRecord)}
}

// Policy returns the detector's delete policy
func (d *Detector) Policy() DeletePolicy { return d.policy }

// Classify examines a local/remote operation pair and returns a conflict
// description, or nil when the pair is compatible. Updates to the same
// entity with disjoint field sets are compatible: both patches can apply.
func (d *Detector) Classify(local, remote *api.Operation) *api.ConflictInfo {
	if local.ID == remote.ID {
		// Redelivery of our own operation, not a conflict
		return nil
	}

	if local.EntityKind() == remote.EntityKind() && local.EntityID() == remote.EntityID() {
		return d.classifySameEntity(local, remote)
	}
	return d.classifyCrossEntity(local, remote)
}

func (d *Detector) classifySameEntity(local, remote *api.Operation) *api.ConflictInfo {
	switch {
	case local.IsDelete() && remote.IsDelete():
		return &api.ConflictInfo{
			OperationID:            local.ID,
			ConflictingOperationID: remote.ID,
			Type:                   api.ConflictDeleteVsDeleteNoop,
			Description:            fmt.Sprintf("both %s and %s delete %s %s; the second is a no-op", local.ID, remote.ID, local.EntityKind(), local.EntityID()),
			Suggestions:            []api.Resolution{api.ResolutionAccept},
		}

	case local.IsDelete() != remote.IsDelete():
		suggestions := []api.Resolution{api.ResolutionAccept, api.ResolutionReject}
		return &api.ConflictInfo{
			OperationID:            local.ID,
			ConflictingOperationID: remote.ID,
			Type:                   api.ConflictDeleteVsUpdate,
			Description:            fmt.Sprintf("%s %s was deleted while an edit to it was in flight", local.EntityKind(), local.EntityID()),
			Suggestions:            suggestions,
		}

	case local.IsUpdate() && remote.IsUpdate():
		if !dfd.KeysOverlap(local.TouchedKeys(), remote.TouchedKeys()) {
			// Disjoint fields merge cleanly
			return nil
		}
		return &api.ConflictInfo{
			OperationID:            local.ID,
			ConflictingOperationID: remote.ID,
			Type:                   api.ConflictSameField,
			Description:            fmt.Sprintf("concurrent edits touch the same fields of %s %s", local.EntityKind(), local.EntityID()),
			Suggestions:            []api.Resolution{api.ResolutionAccept, api.ResolutionReject, api.ResolutionMerge},
		}

	case local.IsAdd() && remote.IsAdd():
		return &api.ConflictInfo{
			OperationID:            local.ID,
			ConflictingOperationID: remote.ID,
			Type:                   api.ConflictOrderingAmbiguous,
			Description:            fmt.Sprintf("two adds claim the same %s id %s", local.EntityKind(), local.EntityID()),
			Suggestions:            []api.Resolution{api.ResolutionAccept, api.ResolutionReject},
		}
	}
	return nil
}

// classifyCrossEntity catches operations whose referents another operation
// removed, such as a connection added to a node deleted in flight
func (d *Detector) classifyCrossEntity(local, remote *api.Operation) *api.ConflictInfo {
	if remote.Type == api.OpDeleteNode && referencesNode(local, remote.TargetID) {
		return &api.ConflictInfo{
			OperationID:            local.ID,
			ConflictingOperationID: remote.ID,
			Type:                   api.ConflictOrderingAmbiguous,
			Description:            fmt.Sprintf("operation %s references node %s which was deleted concurrently", local.ID, remote.TargetID),
			Suggestions:            []api.Resolution{api.ResolutionReject},
		}
	}
	if local.Type == api.OpDeleteNode && referencesNode(remote, local.TargetID) {
		return &api.ConflictInfo{
			OperationID:            local.ID,
			ConflictingOperationID: remote.ID,
			Type:                   api.ConflictOrderingAmbiguous,
			Description:            fmt.Sprintf("operation %s references node %s which operation %s deletes", remote.ID, local.TargetID, local.ID),
			Suggestions:            []api.Resolution{api.ResolutionAccept, api.ResolutionReject},
		}
	}
	return nil
}

// referencesNode reports whether an operation's payload points at nodeID
func referencesNode(op *api.Operation, nodeID string) bool {
	switch op.Type {
	case api.OpAddConnection:
		return op.Connection != nil && (op.Connection.Source == nodeID || op.Connection.Target == nodeID)
	case api.OpAddThreat:
		if op.Threat == nil {
			return false
		}
		for _, id := range op.Threat.AffectedComponents {
			if id == nodeID {
				return true
			}
		}
		for _, id := range op.Threat.AffectedFlows {
			if id == nodeID {
				return true
			}
		}
	}
	return false
}

// Detect compares a remote operation against every local pending operation
// and records the first conflict found. Returns nil when the remote op is
// compatible with everything in flight.
func (d *Detector) Detect(remote *api.Operation, pending []api.Operation) *ConflictRecord {
	for i := range pending {
		info := d.Classify(&pending[i], remote)
		if info == nil {
			continue
		}
		record := ConflictRecord{Info: *info, Local: pending[i], Remote: *remote}
		d.mu.Lock()
		d.pending[info.OperationID] = record
		d.mu.Unlock()
		return &record
	}
	return nil
}

// Take removes and returns a recorded conflict by its operation id
func (d *Detector) Take(operationID string) (ConflictRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.pending[operationID]
	if ok {
		delete(d.pending, operationID)
	}
	return record, ok
}

// PendingCount returns the number of unresolved conflicts
func (d *Detector) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// AutoResolve settles a conflict without user input where policy allows it.
// Returns the operations to keep, in apply order, and whether the conflict
// was settled. Ordering-ambiguous conflicts always need an explicit choice.
func (d *Detector) AutoResolve(record ConflictRecord) ([]api.Operation, bool) {
	local, remote := record.Local, record.Remote
	switch record.Info.Type {
	case api.ConflictDeleteVsDeleteNoop:
		// Either delete leaves the same end state; keep the remote so
		// sequencing matches the rest of the session
		return []api.Operation{remote}, true

	case api.ConflictDeleteVsUpdate:
		deleteOp, updateOp := local, remote
		if remote.IsDelete() {
			deleteOp, updateOp = remote, local
		}
		if d.policy == RejectDelete {
			return []api.Operation{updateOp}, true
		}
		return []api.Operation{deleteOp}, true

	case api.ConflictSameField:
		if local.WinsOver(&remote) {
			return []api.Operation{local}, true
		}
		return []api.Operation{remote}, true
	}
	return nil, false
}

// Resolve settles a recorded conflict with an explicit choice. Accept keeps
// the local operation, reject keeps the remote one, and merge combines both
// via the caller-supplied merged patch. Merge without mergeData is invalid
// for same-field conflicts since there is no deterministic way to combine
// the divergent values.
func (d *Detector) Resolve(operationID string, choice api.Resolution, mergeData json.RawMessage) ([]api.Operation, error) {
	record, ok := d.Take(operationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConflict, operationID)
	}

	switch choice {
	case api.ResolutionAccept:
		return []api.Operation{record.Local}, nil

	case api.ResolutionReject:
		return []api.Operation{record.Remote}, nil

	case api.ResolutionMerge:
		if record.Info.Type != api.ConflictSameField {
			// Re-park so the caller can pick a valid choice
			d.mu.Lock()
			d.pending[operationID] = record
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: merge only applies to %s conflicts", ErrInvalidResolution, api.ConflictSameField)
		}
		if len(mergeData) == 0 {
			d.mu.Lock()
			d.pending[operationID] = record
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: merge requires merge data", ErrInvalidResolution)
		}
		merged := record.Local
		merged.Patch = mergeData
		return []api.Operation{merged}, nil

	default:
		d.mu.Lock()
		d.pending[operationID] = record
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidResolution, choice)
	}
}

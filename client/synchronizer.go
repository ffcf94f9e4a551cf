package client

import (
	"fmt"
	"sync"

	"github.com/ericfitz/tmcollab/api"
	"github.com/ericfitz/tmcollab/dfd"
	"github.com/ericfitz/tmcollab/internal/slogging"
)

// ConflictListener is notified when a remote operation conflicts with a
// local in-flight one and the conflict needs an explicit resolution
type ConflictListener func(ConflictRecord)

// DropListener is notified when a local operation is discarded, either by
// policy during reconciliation or because it no longer applies after a
// snapshot reload
type DropListener func(op api.Operation, reason string)

// Synchronizer owns the client's replica of the shared document and keeps
// it converged with the session. Local operations apply optimistically and
// stay tracked as in-flight until the server echoes them back; remote
// operations reconcile against that in-flight set before applying. All
// reconciliation decisions are deterministic so replicas that see the same
// operations converge to byte-identical snapshots.
type Synchronizer struct {
	mu sync.Mutex

	doc      *dfd.Document
	detector *Detector
	userID   string

	// Locally applied operations not yet echoed by the server
	inflight []api.Operation
	// Last server sequence number observed
	seq uint64

	onConflict ConflictListener
	onDropped  DropListener
}

// NewSynchronizer creates a synchronizer over an empty document
func NewSynchronizer(userID string, detector *Detector) *Synchronizer {
	return &Synchronizer{
		doc:      dfd.NewDocument(),
		detector: detector,
		userID:   userID,
	}
}

// SetConflictListener registers the manual-resolution callback
func (s *Synchronizer) SetConflictListener(l ConflictListener) {
	s.mu.Lock()
	s.onConflict = l
	s.mu.Unlock()
}

// SetDropListener registers the dropped-operation callback
func (s *Synchronizer) SetDropListener(l DropListener) {
	s.mu.Lock()
	s.onDropped = l
	s.mu.Unlock()
}

// Seq returns the last observed server sequence number
func (s *Synchronizer) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// InflightCount returns the number of unacknowledged local operations
func (s *Synchronizer) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// ApplyLocal applies a stamped local operation optimistically and tracks it
// until the server acknowledges it. The operation must already carry its id,
// timestamp, and origin.
func (s *Synchronizer) ApplyLocal(op api.Operation) error {
	if op.OriginUserID != s.userID {
		return fmt.Errorf("local operation origin %q does not match synchronizer user %q", op.OriginUserID, s.userID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := op.Apply(s.doc); err != nil {
		return err
	}
	s.inflight = append(s.inflight, op)
	return nil
}

// ApplyRemote reconciles one server-sequenced operation. Operations from
// this client are acknowledgements: they clear the matching in-flight entry
// and the document is already in the right state. Operations from peers are
// checked against the in-flight set; conflicts resolve deterministically
// where policy allows, dropping the losing side, and surface to the
// conflict listener when they need a human.
func (s *Synchronizer) ApplyRemote(op api.Operation, seq uint64) error {
	s.mu.Lock()
	if seq > s.seq {
		s.seq = seq
	}

	if op.OriginUserID == s.userID {
		s.removeInflightLocked(op.ID)
		s.mu.Unlock()
		return nil
	}

	inflight := append([]api.Operation(nil), s.inflight...)
	s.mu.Unlock()

	record := s.detector.Detect(&op, inflight)
	if record == nil {
		return s.applyRemoteOp(op)
	}

	kept, settled := s.detector.AutoResolve(*record)
	if !settled {
		// Needs an explicit choice; the server already sequenced the remote
		// op so it applies regardless, and the local op waits on resolution.
		// Detect left the record parked for ResolveConflict.
		s.notifyConflict(*record)
		return s.applyRemoteOp(op)
	}
	// Settled automatically, no parked record to keep
	s.detector.Take(record.Info.OperationID)

	localWins := len(kept) > 0 && kept[0].ID == record.Local.ID
	if localWins {
		if record.Info.Type == api.ConflictSameField {
			// The losing patch may still carry fields the winner never
			// touches. Apply loser then winner so every replica settles on
			// the same merged state no matter which side it saw first.
			if err := s.applyRemoteOp(op); err != nil {
				return err
			}
			s.mu.Lock()
			err := record.Local.Apply(s.doc)
			s.mu.Unlock()
			return err
		}
		slogging.Get().Debug("Remote operation %s lost to in-flight local %s, skipping", op.ID, record.Local.ID)
		return nil
	}

	s.dropInflight(record.Local, string(record.Info.Type))
	return s.applyRemoteOp(op)
}

func (s *Synchronizer) applyRemoteOp(op api.Operation) error {
	s.mu.Lock()
	err := op.Apply(s.doc)
	s.mu.Unlock()
	if err != nil {
		slogging.Get().Warn("Remote operation %s failed to apply: %v", op.ID, err)
	}
	return err
}

// InflightOp returns an unacknowledged local operation by id
func (s *Synchronizer) InflightOp(opID string) (api.Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.inflight {
		if s.inflight[i].ID == opID {
			return s.inflight[i], true
		}
	}
	return api.Operation{}, false
}

// DiscardInflight stops tracking an unacknowledged local operation and
// notifies the drop listener. Used when an operation's fate is decided
// elsewhere, such as a conflict the server parked and resolved.
func (s *Synchronizer) DiscardInflight(opID, reason string) bool {
	s.mu.Lock()
	var dropped api.Operation
	found := false
	for i := range s.inflight {
		if s.inflight[i].ID == opID {
			dropped = s.inflight[i]
			found = true
			break
		}
	}
	if found {
		s.removeInflightLocked(opID)
	}
	listener := s.onDropped
	s.mu.Unlock()

	if found && listener != nil {
		listener(dropped, reason)
	}
	return found
}

func (s *Synchronizer) removeInflightLocked(opID string) bool {
	for i := range s.inflight {
		if s.inflight[i].ID == opID {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Synchronizer) dropInflight(op api.Operation, reason string) {
	s.mu.Lock()
	removed := s.removeInflightLocked(op.ID)
	listener := s.onDropped
	s.mu.Unlock()
	if removed && listener != nil {
		listener(op, reason)
	}
}

func (s *Synchronizer) notifyConflict(record ConflictRecord) {
	s.mu.Lock()
	listener := s.onConflict
	s.mu.Unlock()
	if listener != nil {
		listener(record)
	}
}

// ResolveConflict settles a surfaced conflict. Operations kept by the
// resolution that are local re-enter the in-flight set and are returned so
// the caller can resend them.
func (s *Synchronizer) ResolveConflict(operationID string, choice api.Resolution, mergeData []byte) ([]api.Operation, error) {
	kept, err := s.detector.Resolve(operationID, choice, mergeData)
	if err != nil {
		return nil, err
	}

	var resend []api.Operation
	keptLocal := false
	for _, op := range kept {
		if op.OriginUserID != s.userID {
			continue
		}
		keptLocal = true
		s.mu.Lock()
		s.removeInflightLocked(op.ID)
		applyErr := op.Apply(s.doc)
		if applyErr == nil {
			s.inflight = append(s.inflight, op)
		}
		s.mu.Unlock()
		if applyErr != nil {
			slogging.Get().Warn("Resolved operation %s no longer applies: %v", op.ID, applyErr)
			continue
		}
		resend = append(resend, op)
	}
	if !keptLocal {
		// The resolution discarded our operation; stop tracking it
		s.mu.Lock()
		s.removeInflightLocked(operationID)
		s.mu.Unlock()
	}
	return resend, nil
}

// Snapshot returns the document's canonical snapshot
func (s *Synchronizer) Snapshot() dfd.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot()
}

// LoadSnapshot replaces the replica with a server-provided snapshot, then
// rebases the in-flight operations on top of it. Operations that no longer
// apply, typically because their referent vanished while disconnected, are
// dropped with notification. Returns the surviving operations for resend.
func (s *Synchronizer) LoadSnapshot(snap dfd.Snapshot, seq uint64) ([]api.Operation, error) {
	s.mu.Lock()
	if err := s.doc.LoadSnapshot(snap); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.seq = seq
	pending := s.inflight
	s.inflight = nil
	s.mu.Unlock()

	var survivors []api.Operation
	for _, op := range pending {
		s.mu.Lock()
		err := op.Apply(s.doc)
		if err == nil {
			s.inflight = append(s.inflight, op)
		}
		listener := s.onDropped
		s.mu.Unlock()

		if err != nil {
			slogging.Get().Info("Dropping in-flight operation %s after snapshot reload: %v", op.ID, err)
			if listener != nil {
				listener(op, "stale_after_resync")
			}
			continue
		}
		survivors = append(survivors, op)
	}
	return survivors, nil
}

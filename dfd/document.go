package dfd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors for document mutations
var (
	ErrNodeExists         = errors.New("node already exists")
	ErrNodeNotFound       = errors.New("node not found")
	ErrConnectionExists   = errors.New("connection already exists")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrThreatExists       = errors.New("threat already exists")
	ErrThreatNotFound     = errors.New("threat not found")
	ErrDanglingEndpoint   = errors.New("connection endpoint does not exist")
	ErrDanglingReference  = errors.New("threat references nonexistent element")
	ErrSelfLoop           = errors.New("connection source and target must differ")
)

// Document is the authoritative collection of nodes, connections, and threats
// for one diagram. It is owned by exactly one component (the client's state
// synchronizer, or the server session); all mutation goes through its methods
// so the referential-integrity and cascade invariants hold at every step.
type Document struct {
	nodes       map[string]*Node
	connections map[string]*Connection
	threats     map[string]*Threat
}

// NewDocument returns an empty document
func NewDocument() *Document {
	return &Document{
		nodes:       make(map[string]*Node),
		connections: make(map[string]*Connection),
		threats:     make(map[string]*Threat),
	}
}

// Node returns the node with the given id, or nil
func (d *Document) Node(id string) *Node { return d.nodes[id] }

// Connection returns the connection with the given id, or nil
func (d *Document) Connection(id string) *Connection { return d.connections[id] }

// Threat returns the threat with the given id, or nil
func (d *Document) Threat(id string) *Threat { return d.threats[id] }

// Counts returns the number of nodes, connections, and threats
func (d *Document) Counts() (nodes, connections, threats int) {
	return len(d.nodes), len(d.connections), len(d.threats)
}

// AddNode inserts a new node
func (d *Document) AddNode(n *Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if _, ok := d.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.ID)
	}
	d.nodes[n.ID] = n.Clone()
	return nil
}

// UpdateNode applies a merge patch to an existing node's patchable document
// (position and data; id and type are immutable)
func (d *Document) UpdateNode(id string, patch json.RawMessage) error {
	node, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	doc := nodePatchDoc{Position: node.Position, Data: node.Data.Clone()}
	merged, err := mergeInto(doc, patch)
	if err != nil {
		return fmt.Errorf("invalid node patch for %s: %w", id, err)
	}
	patched := node.Clone()
	patched.Position = merged.Position
	patched.Data = merged.Data
	d.nodes[id] = patched
	return nil
}

// DeleteNode removes a node and cascades: every connection touching it is
// deleted and the node is pruned from every threat's affected components.
// Deleting an absent node is a no-op so redelivered deletes stay idempotent.
// Returns true if the node existed.
func (d *Document) DeleteNode(id string) bool {
	if _, ok := d.nodes[id]; !ok {
		return false
	}
	delete(d.nodes, id)

	for connID, conn := range d.connections {
		if conn.Source == id || conn.Target == id {
			delete(d.connections, connID)
			d.pruneFlowFromThreats(connID)
		}
	}
	for _, threat := range d.threats {
		threat.AffectedComponents = removeString(threat.AffectedComponents, id)
	}
	return true
}

// AddConnection inserts a new connection after checking both endpoints exist
func (d *Document) AddConnection(c *Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, ok := d.connections[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrConnectionExists, c.ID)
	}
	if _, ok := d.nodes[c.Source]; !ok {
		return fmt.Errorf("%w: source %s", ErrDanglingEndpoint, c.Source)
	}
	if _, ok := d.nodes[c.Target]; !ok {
		return fmt.Errorf("%w: target %s", ErrDanglingEndpoint, c.Target)
	}
	d.connections[c.ID] = c.Clone()
	return nil
}

// UpdateConnection applies a merge patch to an existing connection's data.
// Endpoints and type are immutable; retargeting is a delete + add.
func (d *Document) UpdateConnection(id string, patch json.RawMessage) error {
	conn, ok := d.connections[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	doc := connectionPatchDoc{Data: conn.Data.Clone()}
	merged, err := mergeInto(doc, patch)
	if err != nil {
		return fmt.Errorf("invalid connection patch for %s: %w", id, err)
	}
	patched := conn.Clone()
	patched.Data = merged.Data
	d.connections[id] = patched
	return nil
}

// DeleteConnection removes a connection and prunes it from every threat's
// affected flows. Idempotent; returns true if the connection existed.
func (d *Document) DeleteConnection(id string) bool {
	if _, ok := d.connections[id]; !ok {
		return false
	}
	delete(d.connections, id)
	d.pruneFlowFromThreats(id)
	return true
}

// AddThreat inserts a new threat after checking every referenced element exists
func (d *Document) AddThreat(t *Threat) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := d.threats[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrThreatExists, t.ID)
	}
	if err := d.checkThreatReferences(t); err != nil {
		return err
	}
	d.threats[t.ID] = t.Clone()
	return nil
}

// UpdateThreat applies a merge patch to an existing threat (id is immutable)
func (d *Document) UpdateThreat(id string, patch json.RawMessage) error {
	threat, ok := d.threats[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreatNotFound, id)
	}
	merged, err := mergeInto(*threat.Clone(), patch)
	if err != nil {
		return fmt.Errorf("invalid threat patch for %s: %w", id, err)
	}
	patched := &merged
	patched.ID = id
	if err := patched.Validate(); err != nil {
		return fmt.Errorf("threat patch for %s produced invalid threat: %w", id, err)
	}
	if err := d.checkThreatReferences(patched); err != nil {
		return err
	}
	d.threats[id] = patched
	return nil
}

// DeleteThreat removes a threat. Idempotent; returns true if it existed.
func (d *Document) DeleteThreat(id string) bool {
	if _, ok := d.threats[id]; !ok {
		return false
	}
	delete(d.threats, id)
	return true
}

func (d *Document) checkThreatReferences(t *Threat) error {
	for _, nodeID := range t.AffectedComponents {
		if _, ok := d.nodes[nodeID]; !ok {
			return fmt.Errorf("%w: component %s", ErrDanglingReference, nodeID)
		}
	}
	for _, connID := range t.AffectedFlows {
		if _, ok := d.connections[connID]; !ok {
			return fmt.Errorf("%w: flow %s", ErrDanglingReference, connID)
		}
	}
	return nil
}

func (d *Document) pruneFlowFromThreats(connID string) {
	for _, threat := range d.threats {
		threat.AffectedFlows = removeString(threat.AffectedFlows, connID)
	}
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Snapshot is a full, internally consistent copy of a document's state,
// ordered deterministically so two converged replicas serialize identically
type Snapshot struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Threats     []Threat     `json:"threats"`
}

// Snapshot returns a deep-copied, deterministically ordered snapshot
func (d *Document) Snapshot() Snapshot {
	snap := Snapshot{
		Nodes:       make([]Node, 0, len(d.nodes)),
		Connections: make([]Connection, 0, len(d.connections)),
		Threats:     make([]Threat, 0, len(d.threats)),
	}
	for _, n := range d.nodes {
		snap.Nodes = append(snap.Nodes, *n.Clone())
	}
	for _, c := range d.connections {
		snap.Connections = append(snap.Connections, *c.Clone())
	}
	for _, t := range d.threats {
		snap.Threats = append(snap.Threats, *t.Clone())
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Connections, func(i, j int) bool { return snap.Connections[i].ID < snap.Connections[j].ID })
	sort.Slice(snap.Threats, func(i, j int) bool { return snap.Threats[i].ID < snap.Threats[j].ID })
	return snap
}

// LoadSnapshot replaces the document's contents with the snapshot's.
// The snapshot is validated for internal consistency first; a document is
// never left holding a half-loaded state.
func (d *Document) LoadSnapshot(snap Snapshot) error {
	loaded := NewDocument()
	for i := range snap.Nodes {
		if err := loaded.AddNode(&snap.Nodes[i]); err != nil {
			return fmt.Errorf("snapshot node %s: %w", snap.Nodes[i].ID, err)
		}
	}
	for i := range snap.Connections {
		if err := loaded.AddConnection(&snap.Connections[i]); err != nil {
			return fmt.Errorf("snapshot connection %s: %w", snap.Connections[i].ID, err)
		}
	}
	for i := range snap.Threats {
		if err := loaded.AddThreat(&snap.Threats[i]); err != nil {
			return fmt.Errorf("snapshot threat %s: %w", snap.Threats[i].ID, err)
		}
	}
	d.nodes = loaded.nodes
	d.connections = loaded.connections
	d.threats = loaded.threats
	return nil
}

// CheckIntegrity verifies no connection or threat references a missing
// element. A healthy document always passes; this exists for tests and for
// guarding snapshots received from the wire.
func (d *Document) CheckIntegrity() error {
	for id, conn := range d.connections {
		if _, ok := d.nodes[conn.Source]; !ok {
			return fmt.Errorf("connection %s: %w: source %s", id, ErrDanglingEndpoint, conn.Source)
		}
		if _, ok := d.nodes[conn.Target]; !ok {
			return fmt.Errorf("connection %s: %w: target %s", id, ErrDanglingEndpoint, conn.Target)
		}
	}
	for id, threat := range d.threats {
		if err := d.checkThreatReferences(threat); err != nil {
			return fmt.Errorf("threat %s: %w", id, err)
		}
	}
	return nil
}

package dfd

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, nodeType NodeType, label string) *Node {
	t.Helper()
	return &Node{
		ID:       uuid.New().String(),
		Type:     nodeType,
		Position: Position{X: 10, Y: 20},
		Data:     ElementData{Label: label, Properties: map[string]string{}},
	}
}

func newTestConnection(t *testing.T, source, target string) *Connection {
	t.Helper()
	return &Connection{
		ID:     uuid.New().String(),
		Source: source,
		Target: target,
		Type:   ConnectionTypeDataflow,
		Data:   ElementData{Label: "flow"},
	}
}

func newTestThreat(t *testing.T, name string) *Threat {
	t.Helper()
	return &Threat{
		ID:         uuid.New().String(),
		Name:       name,
		Category:   CategoryTampering,
		Severity:   SeverityHigh,
		Likelihood: LikelihoodLikely,
	}
}

func TestAddNode(t *testing.T) {
	doc := NewDocument()
	node := newTestNode(t, NodeTypeProcess, "API")

	require.NoError(t, doc.AddNode(node))
	assert.NotNil(t, doc.Node(node.ID))

	t.Run("DuplicateRejected", func(t *testing.T) {
		err := doc.AddNode(node)
		assert.ErrorIs(t, err, ErrNodeExists)
	})

	t.Run("InvalidTypeRejected", func(t *testing.T) {
		bad := newTestNode(t, NodeType("widget"), "X")
		assert.Error(t, doc.AddNode(bad))
	})

	t.Run("NonUUIDRejected", func(t *testing.T) {
		bad := newTestNode(t, NodeTypeActor, "X")
		bad.ID = "n1"
		assert.Error(t, doc.AddNode(bad))
	})
}

func TestAddConnection(t *testing.T) {
	doc := NewDocument()
	a := newTestNode(t, NodeTypeProcess, "A")
	b := newTestNode(t, NodeTypeStore, "B")
	require.NoError(t, doc.AddNode(a))
	require.NoError(t, doc.AddNode(b))

	t.Run("Valid", func(t *testing.T) {
		conn := newTestConnection(t, a.ID, b.ID)
		require.NoError(t, doc.AddConnection(conn))
		assert.NotNil(t, doc.Connection(conn.ID))
	})

	t.Run("DanglingSourceRejected", func(t *testing.T) {
		conn := newTestConnection(t, uuid.New().String(), b.ID)
		assert.ErrorIs(t, doc.AddConnection(conn), ErrDanglingEndpoint)
	})

	t.Run("DanglingTargetRejected", func(t *testing.T) {
		conn := newTestConnection(t, a.ID, uuid.New().String())
		assert.ErrorIs(t, doc.AddConnection(conn), ErrDanglingEndpoint)
	})

	t.Run("SelfLoopRejected", func(t *testing.T) {
		conn := newTestConnection(t, a.ID, a.ID)
		assert.ErrorIs(t, doc.AddConnection(conn), ErrSelfLoop)
	})
}

func TestUpdateNodePatch(t *testing.T) {
	doc := NewDocument()
	node := newTestNode(t, NodeTypeProcess, "API")
	node.Data.Properties["protocol"] = "HTTP"
	require.NoError(t, doc.AddNode(node))

	t.Run("LabelOnly", func(t *testing.T) {
		patch := json.RawMessage(`{"data":{"label":"Gateway"}}`)
		require.NoError(t, doc.UpdateNode(node.ID, patch))
		got := doc.Node(node.ID)
		assert.Equal(t, "Gateway", got.Data.Label)
		assert.Equal(t, "HTTP", got.Data.Properties["protocol"])
	})

	t.Run("DisjointPropertyMergesWithPriorEdit", func(t *testing.T) {
		patch := json.RawMessage(`{"data":{"properties":{"protocol":"HTTPS"}}}`)
		require.NoError(t, doc.UpdateNode(node.ID, patch))
		got := doc.Node(node.ID)
		assert.Equal(t, "Gateway", got.Data.Label)
		assert.Equal(t, "HTTPS", got.Data.Properties["protocol"])
	})

	t.Run("PositionMove", func(t *testing.T) {
		patch := json.RawMessage(`{"position":{"x":99.5,"y":-3}}`)
		require.NoError(t, doc.UpdateNode(node.ID, patch))
		assert.Equal(t, Position{X: 99.5, Y: -3}, doc.Node(node.ID).Position)
	})

	t.Run("NullRemovesProperty", func(t *testing.T) {
		patch := json.RawMessage(`{"data":{"properties":{"protocol":null}}}`)
		require.NoError(t, doc.UpdateNode(node.ID, patch))
		_, ok := doc.Node(node.ID).Data.Properties["protocol"]
		assert.False(t, ok)
	})

	t.Run("MissingNode", func(t *testing.T) {
		err := doc.UpdateNode(uuid.New().String(), json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})
}

func TestDeleteNodeCascade(t *testing.T) {
	doc := NewDocument()
	a := newTestNode(t, NodeTypeProcess, "A")
	b := newTestNode(t, NodeTypeStore, "B")
	c := newTestNode(t, NodeTypeActor, "C")
	require.NoError(t, doc.AddNode(a))
	require.NoError(t, doc.AddNode(b))
	require.NoError(t, doc.AddNode(c))

	ab := newTestConnection(t, a.ID, b.ID)
	cb := newTestConnection(t, c.ID, b.ID)
	require.NoError(t, doc.AddConnection(ab))
	require.NoError(t, doc.AddConnection(cb))

	threat := newTestThreat(t, "SQL injection")
	threat.AffectedComponents = []string{b.ID, c.ID}
	threat.AffectedFlows = []string{ab.ID, cb.ID}
	require.NoError(t, doc.AddThreat(threat))

	// Deleting b must remove both connections and prune b plus both flows
	// from the threat, in one step.
	assert.True(t, doc.DeleteNode(b.ID))

	assert.Nil(t, doc.Node(b.ID))
	assert.Nil(t, doc.Connection(ab.ID))
	assert.Nil(t, doc.Connection(cb.ID))

	got := doc.Threat(threat.ID)
	assert.Equal(t, []string{c.ID}, got.AffectedComponents)
	assert.Empty(t, got.AffectedFlows)

	require.NoError(t, doc.CheckIntegrity())
}

func TestDeleteIsIdempotent(t *testing.T) {
	doc := NewDocument()
	node := newTestNode(t, NodeTypeProcess, "A")
	require.NoError(t, doc.AddNode(node))

	assert.True(t, doc.DeleteNode(node.ID))
	before := doc.Snapshot()

	// Redelivered delete: no error, no state change
	assert.False(t, doc.DeleteNode(node.ID))
	after := doc.Snapshot()

	beforeJSON, err := json.Marshal(before)
	require.NoError(t, err)
	afterJSON, err := json.Marshal(after)
	require.NoError(t, err)
	assert.Equal(t, beforeJSON, afterJSON)

	assert.False(t, doc.DeleteConnection(uuid.New().String()))
	assert.False(t, doc.DeleteThreat(uuid.New().String()))
}

func TestThreatReferenceValidation(t *testing.T) {
	doc := NewDocument()
	node := newTestNode(t, NodeTypeProcess, "A")
	require.NoError(t, doc.AddNode(node))

	t.Run("UnknownComponentRejected", func(t *testing.T) {
		threat := newTestThreat(t, "spoof")
		threat.AffectedComponents = []string{uuid.New().String()}
		assert.ErrorIs(t, doc.AddThreat(threat), ErrDanglingReference)
	})

	t.Run("UnknownFlowRejected", func(t *testing.T) {
		threat := newTestThreat(t, "tamper")
		threat.AffectedFlows = []string{uuid.New().String()}
		assert.ErrorIs(t, doc.AddThreat(threat), ErrDanglingReference)
	})

	t.Run("UpdatePatch", func(t *testing.T) {
		threat := newTestThreat(t, "dos")
		require.NoError(t, doc.AddThreat(threat))

		patch := json.RawMessage(`{"severity":"critical","name":"DoS on API"}`)
		require.NoError(t, doc.UpdateThreat(threat.ID, patch))
		got := doc.Threat(threat.ID)
		assert.Equal(t, SeverityCritical, got.Severity)
		assert.Equal(t, "DoS on API", got.Name)

		bad := json.RawMessage(`{"severity":"apocalyptic"}`)
		assert.Error(t, doc.UpdateThreat(threat.ID, bad))
	})
}

func TestSnapshotDeterminism(t *testing.T) {
	doc1 := NewDocument()
	doc2 := NewDocument()
	n1 := &Node{ID: "11111111-1111-4111-8111-111111111111", Type: NodeTypeProcess, Data: ElementData{Label: "A"}}
	n2 := &Node{ID: "22222222-2222-4222-8222-222222222222", Type: NodeTypeStore, Data: ElementData{Label: "B"}}

	// Insert in opposite orders; snapshots must still serialize identically
	require.NoError(t, doc1.AddNode(n1))
	require.NoError(t, doc1.AddNode(n2))
	require.NoError(t, doc2.AddNode(n2))
	require.NoError(t, doc2.AddNode(n1))

	j1, err := json.Marshal(doc1.Snapshot())
	require.NoError(t, err)
	j2, err := json.Marshal(doc2.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, j1, j2)
}

func TestLoadSnapshot(t *testing.T) {
	doc := NewDocument()
	a := newTestNode(t, NodeTypeProcess, "A")
	b := newTestNode(t, NodeTypeStore, "B")
	require.NoError(t, doc.AddNode(a))
	require.NoError(t, doc.AddNode(b))
	require.NoError(t, doc.AddConnection(newTestConnection(t, a.ID, b.ID)))

	snap := doc.Snapshot()

	restored := NewDocument()
	require.NoError(t, restored.LoadSnapshot(snap))
	nodes, conns, threats := restored.Counts()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, conns)
	assert.Equal(t, 0, threats)

	t.Run("RejectsInconsistentSnapshot", func(t *testing.T) {
		bad := snap
		bad.Connections = []Connection{{
			ID:     uuid.New().String(),
			Source: uuid.New().String(),
			Target: uuid.New().String(),
			Type:   ConnectionTypeDataflow,
		}}
		victim := NewDocument()
		require.NoError(t, victim.AddNode(newTestNode(t, NodeTypeActor, "keep")))
		err := victim.LoadSnapshot(bad)
		require.Error(t, err)
		// Failed load must not clobber existing state
		nodes, _, _ := victim.Counts()
		assert.Equal(t, 1, nodes)
	})
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	doc := NewDocument()
	node := newTestNode(t, NodeTypeProcess, "A")
	node.Data.Properties["k"] = "v"
	require.NoError(t, doc.AddNode(node))

	snap := doc.Snapshot()
	snap.Nodes[0].Data.Properties["k"] = "mutated"

	assert.Equal(t, "v", doc.Node(node.ID).Data.Properties["k"])
}

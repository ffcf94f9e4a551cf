package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ericfitz/tmcollab/dfd"
	"github.com/ericfitz/tmcollab/internal/uuidgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(label string) *dfd.Node {
	return &dfd.Node{
		ID:       uuidgen.MustNewForEntity(uuidgen.EntityTypeNode).String(),
		Type:     dfd.NodeTypeProcess,
		Position: dfd.Position{X: 1, Y: 2},
		Data:     dfd.ElementData{Label: label},
	}
}

func validOp(opType OperationType) Operation {
	return Operation{
		ID:           uuidgen.MustNewOperationID(),
		Type:         opType,
		Timestamp:    time.Now().UTC(),
		OriginUserID: "alice",
	}
}

func TestOperationValidate(t *testing.T) {
	t.Run("add requires payload", func(t *testing.T) {
		op := validOp(OpAddNode)
		require.Error(t, op.Validate())

		op.Node = testNode("web")
		require.NoError(t, op.Validate())
	})

	t.Run("update requires target and patch", func(t *testing.T) {
		op := validOp(OpUpdateNode)
		op.TargetID = testNode("x").ID
		require.Error(t, op.Validate(), "missing patch")

		op.Patch = json.RawMessage(`{"data":{"label":"renamed"}}`)
		require.NoError(t, op.Validate())

		op.Patch = json.RawMessage(`[1,2]`)
		require.Error(t, op.Validate(), "patch must be a JSON object")
	})

	t.Run("delete must not carry payload", func(t *testing.T) {
		op := validOp(OpDeleteNode)
		op.TargetID = testNode("x").ID
		require.NoError(t, op.Validate())

		op.Node = testNode("extra")
		require.Error(t, op.Validate())
	})

	t.Run("id must be a ULID", func(t *testing.T) {
		op := validOp(OpDeleteNode)
		op.TargetID = testNode("x").ID
		op.ID = "not-a-ulid"
		require.Error(t, op.Validate())
	})

	t.Run("unknown type", func(t *testing.T) {
		op := validOp("explode_node")
		assert.ErrorIs(t, op.Validate(), ErrUnknownOperationType)
	})

	t.Run("origin is required", func(t *testing.T) {
		op := validOp(OpDeleteNode)
		op.TargetID = testNode("x").ID
		op.OriginUserID = ""
		require.Error(t, op.Validate())
	})
}

func TestOperationApply(t *testing.T) {
	doc := dfd.NewDocument()
	node := testNode("app")

	add := validOp(OpAddNode)
	add.Node = node
	require.NoError(t, add.Apply(doc))

	update := validOp(OpUpdateNode)
	update.TargetID = node.ID
	update.Patch = json.RawMessage(`{"data":{"label":"renamed"}}`)
	require.NoError(t, update.Apply(doc))

	snap := doc.Snapshot()
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "renamed", snap.Nodes[0].Data.Label)

	t.Run("delete of absent entity succeeds silently", func(t *testing.T) {
		del := validOp(OpDeleteNode)
		del.TargetID = testNode("never added").ID
		require.NoError(t, del.Apply(doc))

		// Deleting the real node twice is also fine
		del.TargetID = node.ID
		require.NoError(t, del.Apply(doc))
		require.NoError(t, del.Apply(doc))
		assert.Empty(t, doc.Snapshot().Nodes)
	})
}

func TestOperationWinsOver(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("later timestamp wins", func(t *testing.T) {
		early := Operation{Timestamp: base, OriginUserID: "zed"}
		late := Operation{Timestamp: base.Add(time.Millisecond), OriginUserID: "amy"}
		assert.True(t, late.WinsOver(&early))
		assert.False(t, early.WinsOver(&late))
	})

	t.Run("tie broken by smaller origin", func(t *testing.T) {
		a := Operation{Timestamp: base, OriginUserID: "amy"}
		b := Operation{Timestamp: base, OriginUserID: "zed"}
		assert.True(t, a.WinsOver(&b))
		assert.False(t, b.WinsOver(&a))
	})
}

func TestOperationAccessors(t *testing.T) {
	node := testNode("n")
	add := validOp(OpAddNode)
	add.Node = node
	assert.Equal(t, node.ID, add.EntityID())
	assert.Equal(t, KindNode, add.EntityKind())
	assert.True(t, add.IsAdd())
	assert.False(t, add.IsUpdate())
	assert.Nil(t, add.TouchedKeys())

	update := validOp(OpUpdateThreat)
	update.TargetID = "target"
	update.Patch = json.RawMessage(`{"severity":"critical","name":"renamed"}`)
	assert.Equal(t, "target", update.EntityID())
	assert.Equal(t, KindThreat, update.EntityKind())
	assert.Equal(t, []string{"name", "severity"}, update.TouchedKeys())
}

package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ericfitz/tmcollab/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySameEntity(t *testing.T) {
	d := NewDetector(DeleteWins)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	node := testNode("gateway")

	t.Run("delete vs delete is a noop conflict", func(t *testing.T) {
		local := opDeleteNode("alice", base, node.ID)
		remote := opDeleteNode("bob", base.Add(time.Millisecond), node.ID)

		info := d.Classify(&local, &remote)
		require.NotNil(t, info)
		assert.Equal(t, api.ConflictDeleteVsDeleteNoop, info.Type)
	})

	t.Run("delete vs update", func(t *testing.T) {
		local := opUpdateNode("alice", base, node.ID, `{"data":{"label":"renamed"}}`)
		remote := opDeleteNode("bob", base.Add(time.Millisecond), node.ID)

		info := d.Classify(&local, &remote)
		require.NotNil(t, info)
		assert.Equal(t, api.ConflictDeleteVsUpdate, info.Type)
	})

	t.Run("same field edits conflict", func(t *testing.T) {
		local := opUpdateNode("alice", base, node.ID, `{"data":{"label":"alpha"}}`)
		remote := opUpdateNode("bob", base.Add(time.Millisecond), node.ID, `{"data":{"label":"beta"}}`)

		info := d.Classify(&local, &remote)
		require.NotNil(t, info)
		assert.Equal(t, api.ConflictSameField, info.Type)
		assert.Contains(t, info.Suggestions, api.ResolutionMerge)
	})

	t.Run("disjoint field edits are compatible", func(t *testing.T) {
		local := opUpdateNode("alice", base, node.ID, `{"data":{"label":"alpha"}}`)
		remote := opUpdateNode("bob", base.Add(time.Millisecond), node.ID, `{"position":{"x":50,"y":60}}`)

		assert.Nil(t, d.Classify(&local, &remote))
	})

	t.Run("duplicate adds are ordering ambiguous", func(t *testing.T) {
		local := opAddNode("alice", base, node)
		remote := opAddNode("bob", base.Add(time.Millisecond), node)

		info := d.Classify(&local, &remote)
		require.NotNil(t, info)
		assert.Equal(t, api.ConflictOrderingAmbiguous, info.Type)
	})

	t.Run("redelivery of the same operation is not a conflict", func(t *testing.T) {
		local := opDeleteNode("alice", base, node.ID)
		assert.Nil(t, d.Classify(&local, &local))
	})
}

func TestClassifyCrossEntity(t *testing.T) {
	d := NewDetector(DeleteWins)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	source := testNode("source")
	target := testNode("target")

	t.Run("connection add referencing deleted node", func(t *testing.T) {
		local := opAddConnection("alice", base, testConnection(source.ID, target.ID))
		remote := opDeleteNode("bob", base.Add(time.Millisecond), target.ID)

		info := d.Classify(&local, &remote)
		require.NotNil(t, info)
		assert.Equal(t, api.ConflictOrderingAmbiguous, info.Type)
	})

	t.Run("unrelated entities do not conflict", func(t *testing.T) {
		other := testNode("other")
		local := opAddConnection("alice", base, testConnection(source.ID, target.ID))
		remote := opDeleteNode("bob", base.Add(time.Millisecond), other.ID)

		assert.Nil(t, d.Classify(&local, &remote))
	})
}

func TestAutoResolve(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	node := testNode("store")

	t.Run("delete wins over late update by default", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		update := opUpdateNode("alice", base.Add(time.Second), node.ID, `{"data":{"label":"late"}}`)
		del := opDeleteNode("bob", base, node.ID)

		record := d.Detect(&del, []api.Operation{update})
		require.NotNil(t, record)

		kept, settled := d.AutoResolve(*record)
		require.True(t, settled)
		require.Len(t, kept, 1)
		assert.Equal(t, del.ID, kept[0].ID, "delete beats the update even with a later update timestamp")
	})

	t.Run("reject delete policy keeps the update", func(t *testing.T) {
		d := NewDetector(RejectDelete)
		update := opUpdateNode("alice", base, node.ID, `{"data":{"label":"kept"}}`)
		del := opDeleteNode("bob", base.Add(time.Second), node.ID)

		record := d.Detect(&del, []api.Operation{update})
		require.NotNil(t, record)

		kept, settled := d.AutoResolve(*record)
		require.True(t, settled)
		require.Len(t, kept, 1)
		assert.Equal(t, update.ID, kept[0].ID)
	})

	t.Run("same field resolves by timestamp", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		early := opUpdateNode("alice", base, node.ID, `{"data":{"label":"early"}}`)
		late := opUpdateNode("bob", base.Add(time.Second), node.ID, `{"data":{"label":"late"}}`)

		record := d.Detect(&late, []api.Operation{early})
		require.NotNil(t, record)

		kept, settled := d.AutoResolve(*record)
		require.True(t, settled)
		require.Len(t, kept, 1)
		assert.Equal(t, late.ID, kept[0].ID)
	})

	t.Run("timestamp tie breaks by smaller origin user id", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		a := opUpdateNode("alice", base, node.ID, `{"data":{"label":"a"}}`)
		b := opUpdateNode("bob", base, node.ID, `{"data":{"label":"b"}}`)

		record := d.Detect(&b, []api.Operation{a})
		require.NotNil(t, record)

		kept, settled := d.AutoResolve(*record)
		require.True(t, settled)
		require.Len(t, kept, 1)
		assert.Equal(t, "alice", kept[0].OriginUserID)
	})

	t.Run("ordering ambiguous needs an explicit choice", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		addConn := opAddConnection("alice", base, testConnection(node.ID, testNode("peer").ID))
		del := opDeleteNode("bob", base.Add(time.Second), node.ID)

		record := d.Detect(&del, []api.Operation{addConn})
		require.NotNil(t, record)

		_, settled := d.AutoResolve(*record)
		assert.False(t, settled)
	})
}

func TestResolve(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	node := testNode("api")

	park := func(t *testing.T, d *Detector) ConflictRecord {
		t.Helper()
		local := opUpdateNode("alice", base, node.ID, `{"data":{"label":"mine"}}`)
		remote := opUpdateNode("bob", base.Add(time.Millisecond), node.ID, `{"data":{"label":"theirs"}}`)
		record := d.Detect(&remote, []api.Operation{local})
		require.NotNil(t, record)
		return *record
	}

	t.Run("accept keeps the local operation", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		record := park(t, d)

		kept, err := d.Resolve(record.Info.OperationID, api.ResolutionAccept, nil)
		require.NoError(t, err)
		require.Len(t, kept, 1)
		assert.Equal(t, record.Local.ID, kept[0].ID)
		assert.Zero(t, d.PendingCount())
	})

	t.Run("reject keeps the remote operation", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		record := park(t, d)

		kept, err := d.Resolve(record.Info.OperationID, api.ResolutionReject, nil)
		require.NoError(t, err)
		require.Len(t, kept, 1)
		assert.Equal(t, record.Remote.ID, kept[0].ID)
	})

	t.Run("merge produces a combined patch", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		record := park(t, d)
		merged := json.RawMessage(`{"data":{"label":"mine and theirs"}}`)

		kept, err := d.Resolve(record.Info.OperationID, api.ResolutionMerge, merged)
		require.NoError(t, err)
		require.Len(t, kept, 1)
		assert.JSONEq(t, string(merged), string(kept[0].Patch))
	})

	t.Run("merge without merge data is invalid and re-parks", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		record := park(t, d)

		_, err := d.Resolve(record.Info.OperationID, api.ResolutionMerge, nil)
		require.ErrorIs(t, err, ErrInvalidResolution)
		assert.Equal(t, 1, d.PendingCount(), "conflict stays pending after an invalid choice")
	})

	t.Run("merge on a delete conflict is invalid", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		local := opUpdateNode("alice", base, node.ID, `{"data":{"label":"mine"}}`)
		remote := opDeleteNode("bob", base.Add(time.Millisecond), node.ID)
		record := d.Detect(&remote, []api.Operation{local})
		require.NotNil(t, record)

		_, err := d.Resolve(record.Info.OperationID, api.ResolutionMerge, json.RawMessage(`{}`))
		require.ErrorIs(t, err, ErrInvalidResolution)
	})

	t.Run("unknown conflict id", func(t *testing.T) {
		d := NewDetector(DeleteWins)
		_, err := d.Resolve("01ARZ3NDEKTSV4RRFFQ69G5FAV", api.ResolutionAccept, nil)
		assert.ErrorIs(t, err, ErrUnknownConflict)
	})
}

package client

import (
	"testing"

	"github.com/ericfitz/tmcollab/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceJoinOrder(t *testing.T) {
	r := NewPresenceRegistry()
	r.Join(api.User{UserID: "carol", Name: "Carol"})
	r.Join(api.User{UserID: "alice", Name: "Alice"})
	r.Join(api.User{UserID: "bob", Name: "Bob"})

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "carol", list[0].User.UserID)
	assert.Equal(t, "alice", list[1].User.UserID)
	assert.Equal(t, "bob", list[2].User.UserID)

	t.Run("rejoin keeps position", func(t *testing.T) {
		r.Join(api.User{UserID: "carol", Name: "Carol R"})
		list := r.List()
		require.Len(t, list, 3)
		assert.Equal(t, "carol", list[0].User.UserID)
		assert.Equal(t, "Carol R", list[0].User.Name)
	})

	t.Run("leave compacts the order", func(t *testing.T) {
		r.Leave("alice")
		list := r.List()
		require.Len(t, list, 2)
		assert.Equal(t, "carol", list[0].User.UserID)
		assert.Equal(t, "bob", list[1].User.UserID)
	})
}

func TestPresenceUnknownUsersIgnored(t *testing.T) {
	r := NewPresenceRegistry()
	r.Join(api.User{UserID: "alice"})

	// None of these should panic or create entries
	r.Leave("ghost")
	r.UpdateCursor("ghost", api.CursorPosition{X: 1, Y: 2})
	r.UpdateSelection("ghost", []string{"el-1"}, api.SelectionActionSelect)

	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("ghost")
	assert.False(t, ok)
}

func TestPresenceCursor(t *testing.T) {
	r := NewPresenceRegistry()
	r.Join(api.User{UserID: "alice"})

	r.UpdateCursor("alice", api.CursorPosition{X: 5, Y: 6})
	r.UpdateCursor("alice", api.CursorPosition{X: 7, Y: 8, ElementID: "node-1"})

	p, ok := r.Get("alice")
	require.True(t, ok)
	assert.Equal(t, 7.0, p.Cursor.X)
	assert.Equal(t, "node-1", p.Cursor.ElementID, "only the latest position is retained")
}

func TestPresenceSelection(t *testing.T) {
	r := NewPresenceRegistry()
	r.Join(api.User{UserID: "alice"})

	r.UpdateSelection("alice", []string{"a", "b"}, api.SelectionActionSelect)
	r.UpdateSelection("alice", []string{"b", "c"}, api.SelectionActionSelect)

	p, _ := r.Get("alice")
	assert.Equal(t, []string{"a", "b", "c"}, p.Selection, "selects append without duplicates")

	r.UpdateSelection("alice", []string{"a", "c"}, api.SelectionActionDeselect)
	p, _ = r.Get("alice")
	assert.Equal(t, []string{"b"}, p.Selection)
}

func TestPresenceListener(t *testing.T) {
	r := NewPresenceRegistry()
	var events []PresenceEvent
	r.SetListener(func(e PresenceEvent) { events = append(events, e) })

	r.Join(api.User{UserID: "alice"})
	r.UpdateCursor("alice", api.CursorPosition{X: 1})
	r.UpdateSelection("alice", []string{"x"}, api.SelectionActionSelect)
	r.Leave("alice")
	r.Leave("alice") // no event for a user already gone

	require.Len(t, events, 4)
	assert.Equal(t, PresenceEventJoined, events[0].Type)
	assert.Equal(t, PresenceEventCursor, events[1].Type)
	assert.Equal(t, PresenceEventSelection, events[2].Type)
	assert.Equal(t, PresenceEventLeft, events[3].Type)
}

func TestPresenceReset(t *testing.T) {
	r := NewPresenceRegistry()
	r.Join(api.User{UserID: "old"})

	r.Reset([]api.Presence{
		{User: api.User{UserID: "alice"}},
		{User: api.User{UserID: "bob"}},
	})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].User.UserID)
	assert.Equal(t, "bob", list[1].User.UserID)
	_, ok := r.Get("old")
	assert.False(t, ok)
}

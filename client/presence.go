// Package client implements the collaboration engine that runs inside each
// editor: presence tracking, local operation queueing and batching, conflict
// detection and resolution, document synchronization, and the session
// transport that carries it all over a WebSocket.
package client

import (
	"sync"
	"time"

	"github.com/ericfitz/tmcollab/api"
	"github.com/ericfitz/tmcollab/internal/slogging"
)

// PresenceEventType discriminates presence change notifications
type PresenceEventType string

const (
	PresenceEventJoined    PresenceEventType = "joined"
	PresenceEventLeft      PresenceEventType = "left"
	PresenceEventCursor    PresenceEventType = "cursor"
	PresenceEventSelection PresenceEventType = "selection"
)

// PresenceEvent describes one change to the presence registry
type PresenceEvent struct {
	Type     PresenceEventType
	UserID   string
	Presence api.Presence
}

// PresenceListener receives presence change notifications. Listeners are
// invoked synchronously from the mutating call and must not block.
type PresenceListener func(PresenceEvent)

// PresenceRegistry tracks who is in the session and their ephemeral state.
// Entries are kept in join order. Updates for unknown users are logged and
// ignored; presence traffic may race join/leave notifications and is
// loss-tolerant.
type PresenceRegistry struct {
	mu       sync.RWMutex
	entries  map[string]*api.Presence
	order    []string
	listener PresenceListener
}

// NewPresenceRegistry creates an empty registry
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{entries: make(map[string]*api.Presence)}
}

// SetListener registers the change listener; pass nil to remove it
func (r *PresenceRegistry) SetListener(l PresenceListener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Join adds a user to the registry. Rejoining replaces the existing entry
// but keeps the original join position so the roster stays stable across
// reconnects.
func (r *PresenceRegistry) Join(user api.User) {
	r.mu.Lock()
	if _, ok := r.entries[user.UserID]; !ok {
		r.order = append(r.order, user.UserID)
	}
	entry := &api.Presence{User: user, JoinedAt: time.Now().UTC()}
	r.entries[user.UserID] = entry
	event := PresenceEvent{Type: PresenceEventJoined, UserID: user.UserID, Presence: *entry}
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener(event)
	}
}

// Leave removes a user; unknown users are a no-op
func (r *PresenceRegistry) Leave(userID string) {
	r.mu.Lock()
	entry, ok := r.entries[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	event := PresenceEvent{Type: PresenceEventLeft, UserID: userID, Presence: *entry}
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener(event)
	}
}

// UpdateCursor records a user's latest cursor position. Unknown users are
// ignored; only the most recent position is retained.
func (r *PresenceRegistry) UpdateCursor(userID string, pos api.CursorPosition) {
	r.mu.Lock()
	entry, ok := r.entries[userID]
	if !ok {
		r.mu.Unlock()
		slogging.Get().Debug("Ignoring cursor update for unknown user %s", userID)
		return
	}
	entry.Cursor = pos
	event := PresenceEvent{Type: PresenceEventCursor, UserID: userID, Presence: *entry}
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener(event)
	}
}

// UpdateSelection merges a selection change into a user's selection set.
// Selects append in order without duplicates; deselects remove. Unknown
// users are ignored.
func (r *PresenceRegistry) UpdateSelection(userID string, elementIDs []string, action api.SelectionAction) {
	r.mu.Lock()
	entry, ok := r.entries[userID]
	if !ok {
		r.mu.Unlock()
		slogging.Get().Debug("Ignoring selection update for unknown user %s", userID)
		return
	}
	entry.Selection = mergeSelection(entry.Selection, elementIDs, action)
	event := PresenceEvent{Type: PresenceEventSelection, UserID: userID, Presence: *entry}
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener(event)
	}
}

func mergeSelection(current, ids []string, action api.SelectionAction) []string {
	if action == api.SelectionActionDeselect {
		drop := make(map[string]bool, len(ids))
		for _, id := range ids {
			drop[id] = true
		}
		out := make([]string, 0, len(current))
		for _, id := range current {
			if !drop[id] {
				out = append(out, id)
			}
		}
		return out
	}
	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
	}
	out := append([]string(nil), current...)
	for _, id := range ids {
		if !have[id] {
			out = append(out, id)
			have[id] = true
		}
	}
	return out
}

// Get returns a copy of one user's presence entry
func (r *PresenceRegistry) Get(userID string) (api.Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	if !ok {
		return api.Presence{}, false
	}
	return *entry, true
}

// List returns presence entries in join order
func (r *PresenceRegistry) List() []api.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.Presence, 0, len(r.order))
	for _, id := range r.order {
		if entry, ok := r.entries[id]; ok {
			out = append(out, *entry)
		}
	}
	return out
}

// Count returns the number of present users
func (r *PresenceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reset replaces the registry contents with a server-provided roster, in
// the order given. Used when (re)joining a room.
func (r *PresenceRegistry) Reset(roster []api.Presence) {
	r.mu.Lock()
	r.entries = make(map[string]*api.Presence, len(roster))
	r.order = r.order[:0]
	for i := range roster {
		entry := roster[i]
		if _, ok := r.entries[entry.User.UserID]; ok {
			continue
		}
		r.entries[entry.User.UserID] = &entry
		r.order = append(r.order, entry.User.UserID)
	}
	r.mu.Unlock()
}

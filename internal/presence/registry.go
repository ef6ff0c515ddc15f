// Package presence tracks which session ids are currently connected to a
// room. It is advisory state: completion decisions prefer the round's
// authoritative participant total and only fall back to presence.
package presence

import (
	"sync"
	"time"
)

// StaleAfter is how long a connection record stays active without a
// heartbeat. The window is generous to tolerate client clock skew.
const StaleAfter = 45 * time.Second

// Connection is one session's latest heartbeat for a room.
type Connection struct {
	SessionID string
	UpdatedAt time.Time
	Offline   bool
}

// Registry keeps per-room connection records.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]Connection
	clock func() time.Time
}

// NewRegistry builds a presence registry. A nil clock uses time.Now.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		rooms: make(map[string]map[string]Connection),
		clock: clock,
	}
}

// Heartbeat records a session as connected to a room.
func (r *Registry) Heartbeat(roomID, sessionID string) {
	if roomID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.rooms[roomID]
	if !ok {
		conns = make(map[string]Connection)
		r.rooms[roomID] = conns
	}
	conns[sessionID] = Connection{SessionID: sessionID, UpdatedAt: r.clock()}
}

// MarkOffline flags a session as deliberately disconnected; it stops
// counting immediately instead of waiting out the staleness window.
func (r *Registry) MarkOffline(roomID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.rooms[roomID]
	if !ok {
		return
	}
	conn, ok := conns[sessionID]
	if !ok {
		return
	}
	conn.Offline = true
	conns[sessionID] = conn
}

// Active returns the session ids considered connected right now. A record is
// active if its heartbeat is within StaleAfter and it is not flagged
// offline. Heartbeats from the future (skewed clocks) count as fresh.
func (r *Registry) Active(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var active []string
	for _, conn := range r.rooms[roomID] {
		if conn.Offline {
			continue
		}
		if now.Sub(conn.UpdatedAt) > StaleAfter {
			continue
		}
		active = append(active, conn.SessionID)
	}
	return active
}

// ActiveCount returns the number of active sessions for a room.
func (r *Registry) ActiveCount(roomID string) int {
	return len(r.Active(roomID))
}

// Forget drops every record for a room.
func (r *Registry) Forget(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
}

package room

import (
	"log"
	"sync"
)

// Client is a connection handle the router can deliver events to. The
// websocket layer implements it; tests use fakes.
type Client interface {
	ConnectionID() string
	Send(event string, payload any) error
}

// Router maps whiteboard ids to rooms and fans events out to their members.
// Each room carries its own lock so traffic on one whiteboard never blocks
// another; the router-level lock only guards the room map itself.
type Router struct {
	mu    sync.RWMutex
	rooms map[int64]*room
}

type room struct {
	mu      sync.RWMutex
	members map[string]Client
}

// NewRouter creates an empty Router
func NewRouter() *Router {
	return &Router{
		rooms: make(map[int64]*room),
	}
}

// Join adds a connection to a whiteboard's room, creating the room on first
// join. Re-joining replaces the existing handle for that connection id.
// The router lock is held across the insert: a concurrent last-member Leave
// must not prune the room between lookup and insert, or the joiner would be
// left in an orphaned room.
func (r *Router) Join(whiteboardID int64, c Client) {
	r.mu.Lock()
	rm, ok := r.rooms[whiteboardID]
	if !ok {
		rm = &room{members: make(map[string]Client)}
		r.rooms[whiteboardID] = rm
	}

	rm.mu.Lock()
	rm.members[c.ConnectionID()] = c
	count := len(rm.members)
	rm.mu.Unlock()
	r.mu.Unlock()

	log.Printf("[Room %d] joined: %s, members: %d", whiteboardID, c.ConnectionID(), count)
}

// Leave removes a connection from a whiteboard's room. Leaving a room the
// connection is not in is a no-op. The last leave prunes the room.
func (r *Router) Leave(whiteboardID int64, connectionID string) {
	r.mu.Lock()
	rm, ok := r.rooms[whiteboardID]
	if !ok {
		r.mu.Unlock()
		return
	}

	rm.mu.Lock()
	delete(rm.members, connectionID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, whiteboardID)
	}
	r.mu.Unlock()

	log.Printf("[Room %d] left: %s", whiteboardID, connectionID)
}

// Broadcast delivers an event to every member of a whiteboard's room except
// the excluded connection (pass "" to include everyone). Delivery is
// fire-and-forget: a dead or slow member drops the event without blocking
// delivery to the rest.
func (r *Router) Broadcast(whiteboardID int64, event string, payload any, excludeConnectionID string) {
	r.mu.RLock()
	rm, ok := r.rooms[whiteboardID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.RLock()
	recipients := make([]Client, 0, len(rm.members))
	for id, member := range rm.members {
		if id == excludeConnectionID {
			continue
		}
		recipients = append(recipients, member)
	}
	rm.mu.RUnlock()

	// send outside the lock so one stalled socket cannot hold up the room
	for _, member := range recipients {
		if err := member.Send(event, payload); err != nil {
			log.Printf("[Room %d] dropped %s for %s: %v", whiteboardID, event, member.ConnectionID(), err)
		}
	}
}

// MemberCount returns the number of connections in a whiteboard's room
func (r *Router) MemberCount(whiteboardID int64) int {
	r.mu.RLock()
	rm, ok := r.rooms[whiteboardID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

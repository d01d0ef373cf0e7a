package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Room is the set of connections currently viewing one document.
//
// Concurrency guarantees:
// - add/remove are only called by Hub while it holds its write lock.
// - snapshot is safe under concurrent add/remove.
// - A connection appears at most once (keyed by Client.ID).
type Room struct {
	DocumentID uuid.UUID

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(docID uuid.UUID) *Room {
	return &Room{
		DocumentID: docID,
		members:    make(map[string]*Client),
	}
}

func (r *Room) add(c *Client) (added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[c.ID]; ok {
		return false
	}
	r.members[c.ID] = c
	return true
}

func (r *Room) remove(c *Client) (remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.members[c.ID]; ok && cur == c {
		delete(r.members, c.ID)
	}
	return len(r.members)
}

// snapshot returns the members except exclude.
func (r *Room) snapshot(exclude *Client) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.members))
	for _, m := range r.members {
		if m == nil || m == exclude {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Len returns the member count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

package realtime

import (
	"io"
	"log/slog"
	"sync"

	"noogle/cmd/internal/metrics"

	"github.com/google/uuid"
)

// Hub is the session registry: document id -> room of connections.
//
// Join and Leave run as one critical section under mu, so a room is created
// on first join and removed the instant it becomes empty. Broadcast only takes
// the read lock to find the room, then delivers outside any lock.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Collectors

	mu    sync.RWMutex
	rooms map[uuid.UUID]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, m *metrics.Collectors) *Hub {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		log:     log,
		metrics: m,
		rooms:   make(map[uuid.UUID]*Room),
	}
}

// Join adds c to the room for docID, creating the room if needed.
// Joining twice is a no-op for the second call.
func (h *Hub) Join(docID uuid.UUID, c *Client) {
	if c == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[docID]
	if !ok {
		r = newRoom(docID)
		h.rooms[docID] = r
		h.metrics.RoomCreated()
		h.log.Debug("registry.room.create", "doc_id", docID.String())
	}
	if r.add(c) {
		h.log.Info("registry.member.join", "doc_id", docID.String(), "conn_id", c.ID, "members", r.Len())
	}
}

// Leave removes c from the room for docID and returns how many members remain.
// An emptied room is removed. Absent rooms or members are not an error.
func (h *Hub) Leave(docID uuid.UUID, c *Client) (remaining int) {
	if c == nil {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[docID]
	if !ok {
		return 0
	}

	remaining = r.remove(c)
	if remaining == 0 {
		delete(h.rooms, docID)
		h.metrics.RoomRemoved()
		h.log.Debug("registry.room.remove", "doc_id", docID.String())
	}
	h.log.Info("registry.member.leave", "doc_id", docID.String(), "conn_id", c.ID, "members", remaining)
	return remaining
}

// Broadcast queues frame for every member of docID except exclude and returns
// the number of members it was queued for. Delivery never blocks: a member whose
// queue is full or closing misses this frame and nobody else is affected.
func (h *Hub) Broadcast(docID uuid.UUID, exclude *Client, frame []byte) (delivered int) {
	h.mu.RLock()
	r, ok := h.rooms[docID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	dropped := 0
	for _, m := range r.snapshot(exclude) {
		if m.Enqueue(frame) {
			delivered++
			continue
		}
		dropped++
	}

	if dropped > 0 {
		h.metrics.BroadcastDropped(dropped)
		h.log.Warn("registry.broadcast.drop", "doc_id", docID.String(), "dropped", dropped)
	}
	return delivered
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Members returns the member count of docID (0 when no room exists).
func (h *Hub) Members(docID uuid.UUID) int {
	h.mu.RLock()
	r, ok := h.rooms[docID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.Len()
}

// Room returns the room for docID, if one exists.
func (h *Hub) Room(docID uuid.UUID) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[docID]
	return r, ok
}

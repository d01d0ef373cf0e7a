package realtime

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"noogle/cmd/internal/metrics"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestHub(t *testing.T) (*Hub, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.New(reg)), reg
}

func assertRoomsGauge(t *testing.T, reg *prometheus.Registry, want int) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP noogle_rooms_active Number of documents with at least one connected member.
# TYPE noogle_rooms_active gauge
noogle_rooms_active %d
`, want)
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "noogle_rooms_active"); err != nil {
		t.Fatalf("rooms gauge: %v", err)
	}
}

func TestHub_JoinCreatesRoomAndLeaveRemovesIt(t *testing.T) {
	h, reg := newTestHub(t)
	doc := uuid.New()
	a := NewClient("a", 4)
	b := NewClient("b", 4)

	h.Join(doc, a)
	h.Join(doc, b)
	if h.Rooms() != 1 || h.Members(doc) != 2 {
		t.Fatalf("rooms=%d members=%d want 1/2", h.Rooms(), h.Members(doc))
	}
	assertRoomsGauge(t, reg, 1)

	if remaining := h.Leave(doc, a); remaining != 1 {
		t.Fatalf("remaining=%d want 1", remaining)
	}
	if remaining := h.Leave(doc, b); remaining != 0 {
		t.Fatalf("remaining=%d want 0", remaining)
	}
	if _, ok := h.Room(doc); ok {
		t.Fatalf("empty room must be removed")
	}
	assertRoomsGauge(t, reg, 0)
}

func TestHub_JoinTwiceKeepsOneMembership(t *testing.T) {
	h, _ := newTestHub(t)
	doc := uuid.New()
	a := NewClient("a", 4)

	h.Join(doc, a)
	h.Join(doc, a)
	if h.Members(doc) != 1 {
		t.Fatalf("members=%d want 1", h.Members(doc))
	}
}

func TestHub_LeaveUnknownIsNoop(t *testing.T) {
	h, _ := newTestHub(t)
	doc := uuid.New()

	if remaining := h.Leave(doc, NewClient("ghost", 1)); remaining != 0 {
		t.Fatalf("remaining=%d want 0", remaining)
	}

	h.Join(doc, NewClient("a", 1))
	if remaining := h.Leave(doc, NewClient("ghost", 1)); remaining != 1 {
		t.Fatalf("remaining=%d want 1", remaining)
	}
	if h.Rooms() != 1 {
		t.Fatalf("room must survive leave of non-member")
	}
}

func TestHub_BroadcastExcludesSenderAndOtherRooms(t *testing.T) {
	h, _ := newTestHub(t)
	doc := uuid.New()
	other := uuid.New()

	a := NewClient("a", 4)
	b := NewClient("b", 4)
	c := NewClient("c", 4)
	x := NewClient("x", 4)
	h.Join(doc, a)
	h.Join(doc, b)
	h.Join(doc, c)
	h.Join(other, x)

	if n := h.Broadcast(doc, a, []byte(`{"type":"t"}`)); n != 2 {
		t.Fatalf("delivered=%d want 2", n)
	}
	if len(a.Send) != 0 {
		t.Fatalf("sender must not receive its own broadcast")
	}
	if len(b.Send) != 1 || len(c.Send) != 1 {
		t.Fatalf("b=%d c=%d want 1/1", len(b.Send), len(c.Send))
	}
	if len(x.Send) != 0 {
		t.Fatalf("other room must not receive broadcast")
	}
}

func TestHub_BroadcastToMissingRoom(t *testing.T) {
	h, _ := newTestHub(t)
	if n := h.Broadcast(uuid.New(), nil, []byte(`{}`)); n != 0 {
		t.Fatalf("delivered=%d want 0", n)
	}
}

func TestHub_BroadcastSkipsFullQueue(t *testing.T) {
	h, reg := newTestHub(t)
	doc := uuid.New()

	slow := NewClient("slow", 1)
	fast := NewClient("fast", 4)
	closed := NewClient("closed", 4)
	closed.Close()
	h.Join(doc, slow)
	h.Join(doc, fast)
	h.Join(doc, closed)

	h.Broadcast(doc, nil, []byte("1"))
	n := h.Broadcast(doc, nil, []byte("2"))
	if n != 1 {
		t.Fatalf("delivered=%d want 1 (only fast)", n)
	}
	if len(fast.Send) != 2 {
		t.Fatalf("fast queue=%d want 2", len(fast.Send))
	}
	expected := `
# HELP noogle_broadcast_dropped_total Broadcast deliveries dropped because the member queue was full or closing.
# TYPE noogle_broadcast_dropped_total counter
noogle_broadcast_dropped_total 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "noogle_broadcast_dropped_total"); err != nil {
		t.Fatalf("dropped counter: %v", err)
	}
}

func TestHub_ConcurrentJoinLeave(t *testing.T) {
	h, _ := newTestHub(t)
	doc := uuid.New()

	const n = 64
	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = NewClient(fmt.Sprintf("c%d", i), 8)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			h.Join(doc, c)
			h.Broadcast(doc, c, []byte("x"))
		}(c)
	}
	wg.Wait()

	if h.Members(doc) != n {
		t.Fatalf("members=%d want %d", h.Members(doc), n)
	}

	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			h.Leave(doc, c)
		}(c)
	}
	wg.Wait()

	if h.Rooms() != 0 {
		t.Fatalf("rooms=%d want 0", h.Rooms())
	}
}

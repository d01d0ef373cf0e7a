// Package main provides a CI-friendly WebSocket smoke test for noogle.
//
// Two clients A and B run the collaboration scenario against a live server:
//   - A retrieves a fresh document and gets load-document {}
//   - B retrieves it; A sees new-cursor for B
//   - A sends updates; B gets them verbatim
//   - B moves its cursor; A sees received-cursor
//   - A saves; a third client C retrieving the document loads the saved state
//   - A disconnects; B sees remove-cursor for A
//
// Any deviation exits non-zero.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "noogle/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	defaultSubprotocol = "noogle.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Frame
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:4000/", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		docID   = flag.String("doc", "", "Document ID (random UUID when empty)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	doc := strings.TrimSpace(*docID)
	if doc == "" {
		doc = uuid.NewString()
	}

	root := context.Background()

	a := mustConnect(root, "A", "user-a", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", "user-b", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A B origin=%q doc=%s\n", *origin, doc)
	}

	if state := mustRetrieve(root, a, doc, *timeout); !jsonEqual(state, v1.EmptyState) {
		fatalf("A load-document: got=%s want={}", state)
	}
	_ = mustRetrieve(root, b, doc, *timeout)

	cur := a.mustReadUntilType(root, v1.TypeNewCursor, *timeout)
	mustCursor(a, cur, b.userID, b.name, nil)

	delta := json.RawMessage(`{"ops":[{"insert":"hello noogle\n"}]}`)
	mustWrite(root, a, v1.TypeSendUpdates, v1.SendUpdatesPayload{ID: doc, Delta: delta}, *timeout)
	upd := b.mustReadUntilType(root, v1.TypeReceivedUpdates, *timeout)
	if !jsonEqual(upd.Delta, delta) {
		fatalf("B received-updates: got=%s want=%s", upd.Delta, delta)
	}

	rng := json.RawMessage(`{"index":3,"length":2}`)
	mustWrite(root, b, v1.TypeSendCursor, v1.SendCursorPayload{ID: doc, UserID: b.userID, Name: b.name, Range: rng}, *timeout)
	rc := a.mustReadUntilType(root, v1.TypeReceivedCursor, *timeout)
	mustCursor(a, rc, b.userID, b.name, rng)

	mustWrite(root, a, v1.TypeSaveDocument, v1.SaveDocumentPayload{ID: doc, Delta: delta}, *timeout)
	mustLoadEventually(root, *wsURL, *origin, doc, delta, *timeout)

	// C joined and left the room; B sees its cursor come and go.
	mustDrainCursors(root, b, "user-c", *timeout)

	closeWS(a.conn)
	rm := b.mustReadUntilType(root, v1.TypeRemoveCursor, *timeout)
	mustCursor(b, rm, a.userID, a.name, nil)

	mustAssertSilent(root, b, 750*time.Millisecond)

	fmt.Printf("OK: doc=%s\n", doc)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Frame, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText {
				continue
			}

			var f v1.Frame
			if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
				select {
				case c.errCh <- fmt.Errorf("bad frame %q: %v", data, err):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustRetrieve(parent context.Context, c *smokeClient, doc string, stepTimeout time.Duration) json.RawMessage {
	mustWrite(parent, c, v1.TypeRetrieveDocument, v1.RetrieveDocumentPayload{ID: doc, UserID: c.userID, Name: c.name}, stepTimeout)
	f := c.mustReadUntilType(parent, v1.TypeLoadDocument, stepTimeout)
	return f.Delta
}

// mustLoadEventually retries with a fresh client until the saved state loads.
func mustLoadEventually(parent context.Context, wsURL, origin, doc string, want json.RawMessage, stepTimeout time.Duration) {
	deadline := time.Now().Add(stepTimeout)
	for {
		c := mustConnect(parent, "C", "user-c", wsURL, origin, stepTimeout)
		got := mustRetrieve(parent, c, doc, stepTimeout)
		closeWS(c.conn)
		if jsonEqual(got, want) {
			return
		}
		if time.Now().After(deadline) {
			fatalf("C load-document after save: got=%s want=%s", got, want)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func mustCursor(c *smokeClient, f v1.Frame, wantID, wantName string, wantRange json.RawMessage) {
	if f.Cursor == nil {
		fatalf("%s (%s): missing cursor", f.Type, c.name)
	}
	if f.Cursor.ID != wantID || f.Cursor.Name != wantName {
		fatalf("%s (%s): got id=%q name=%q want id=%q name=%q", f.Type, c.name, f.Cursor.ID, f.Cursor.Name, wantID, wantName)
	}
	if wantRange != nil && !jsonEqual(f.Cursor.Range, wantRange) {
		fatalf("%s (%s): range got=%s want=%s", f.Type, c.name, f.Cursor.Range, wantRange)
	}
}

// mustDrainCursors consumes the new-cursor/remove-cursor pairs userID
// produced until every join has been matched by a leave.
func mustDrainCursors(parent context.Context, c *smokeClient, userID string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	joins, leaves := 0, 0
	for joins == 0 || leaves < joins {
		select {
		case <-ctx.Done():
			fatalf("timeout draining cursors for %q (%s): joins=%d leaves=%d", userID, c.name, joins, leaves)
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if f.Cursor == nil || f.Cursor.ID != userID {
				fatalf("unexpected %s (%s): %+v", f.Type, c.name, f.Cursor)
			}
			switch f.Type {
			case v1.TypeNewCursor:
				joins++
			case v1.TypeRemoveCursor:
				leaves++
			default:
				fatalf("unexpected frame (%s): %q", c.name, f.Type)
			}
		}
	}
}

func mustAssertSilent(parent context.Context, c *smokeClient, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-c.errCh:
		fatalf("connection closed unexpectedly (%s): %v", c.name, err)
	case f, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed unexpectedly (%s)", c.name)
		}
		fatalf("unexpected frame (%s): %q", c.name, f.Type)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if f.Type == wantType {
				return f
			}
			if f.Type == v1.TypeInvalidDocument {
				fatalf("server rejected document (%s)", c.name)
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	msg, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s payload: %v", typ, err)
	}
	b, err := json.Marshal(v1.Envelope{Type: typ, Message: msg})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"noogle/cmd/internal/document"
	"noogle/cmd/internal/metrics"
	v1 "noogle/contracts/realtime/v1"

	"github.com/google/uuid"
)

// Documents is the persistence boundary the router needs.
type Documents interface {
	RetrieveOrCreate(ctx context.Context, id uuid.UUID) (json.RawMessage, error)
	SaveWithCoalescing(ctx context.Context, id uuid.UUID, state json.RawMessage) (document.SaveOutcome, error)
}

// Router parses inbound frames and drives the registry and persistence gateway.
// It is transport independent: the websocket gateway feeds it raw frames and
// calls Disconnect when a connection ends.
//
// Frames of one connection must be handled sequentially by the caller; frames
// of different connections may be handled concurrently.
type Router struct {
	log     *slog.Logger
	hub     *Hub
	docs    Documents
	metrics *metrics.Collectors
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, hub *Hub, docs Documents, m *metrics.Collectors) *Router {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if hub == nil {
		hub = NewHub(log, m)
	}
	return &Router{log: log, hub: hub, docs: docs, metrics: m}
}

// Hub returns the registry the router operates on.
func (r *Router) Hub() *Hub { return r.hub }

// HandleFrame processes one inbound text frame from c.
//
// The returned error describes why the frame was dropped; it is already logged
// and never affects other connections. Unknown types return nil.
func (r *Router) HandleFrame(ctx context.Context, c *Client, raw []byte) error {
	var env v1.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return r.reject(c, "", metrics.ResultMalformed, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}
	if strings.TrimSpace(env.Type) != "" && !v1.Known(env.Type) {
		r.metrics.Frame("unknown", metrics.ResultIgnored)
		r.log.Debug("router.frame.unknown", "conn_id", c.ID, "type", env.Type)
		return nil
	}
	if err := env.Validate(); err != nil {
		return r.reject(c, env.Type, metrics.ResultMalformed, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}

	var err error
	switch env.Type {
	case v1.TypeRetrieveDocument:
		err = r.onRetrieve(ctx, c, env.Message)
	case v1.TypeSendUpdates:
		err = r.onSendUpdates(c, env.Message)
	case v1.TypeSendCursor:
		err = r.onSendCursor(c, env.Message)
	case v1.TypeSaveDocument:
		err = r.onSave(ctx, c, env.Message)
	}

	if err != nil {
		return err
	}
	r.metrics.Frame(env.Type, metrics.ResultOK)
	return nil
}

// Disconnect runs the close path for c: leave its room and tell the remaining
// members to drop the departing cursor.
func (r *Router) Disconnect(c *Client) {
	id, ok := c.Session().Identity()
	if !ok {
		return
	}

	remaining := r.hub.Leave(id.DocumentID, c)
	if remaining == 0 {
		return
	}

	frame, err := v1.Frame{
		Type:   v1.TypeRemoveCursor,
		Cursor: &v1.Cursor{ID: id.UserID, Name: id.UserName},
	}.Encode()
	if err != nil {
		r.log.Error("router.encode.fail", "type", v1.TypeRemoveCursor, "err", err)
		return
	}
	r.hub.Broadcast(id.DocumentID, c, frame)
}

// ---- handlers ----

func (r *Router) onRetrieve(ctx context.Context, c *Client, msg json.RawMessage) error {
	var p v1.RetrieveDocumentPayload
	if err := json.Unmarshal(msg, &p); err != nil {
		return r.reject(c, v1.TypeRetrieveDocument, metrics.ResultMalformed, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}

	docID, err := parseDocumentID(p.ID)
	if err != nil {
		frame, encErr := v1.Frame{Type: v1.TypeInvalidDocument, Delta: v1.EmptyState}.Encode()
		if encErr == nil {
			r.send(c, frame)
		}
		return r.reject(c, v1.TypeRetrieveDocument, metrics.ResultRejected, err)
	}

	if _, joined := c.Session().Identity(); joined {
		return r.reject(c, v1.TypeRetrieveDocument, metrics.ResultRejected, ErrAlreadyJoined)
	}

	state, err := r.docs.RetrieveOrCreate(context.WithoutCancel(ctx), docID)
	if err != nil {
		r.log.Error("router.retrieve.fail", "conn_id", c.ID, "doc_id", docID.String(), "err", err)
		r.metrics.Frame(v1.TypeRetrieveDocument, metrics.ResultFailed)
		return fmt.Errorf("retrieve %s: %w", docID, err)
	}

	id := Identity{UserID: p.UserID, UserName: p.Name, DocumentID: docID}
	if err := c.Session().Bind(id); err != nil {
		return r.reject(c, v1.TypeRetrieveDocument, metrics.ResultRejected, err)
	}
	r.hub.Join(docID, c)

	load, err := v1.Frame{Type: v1.TypeLoadDocument, Delta: state}.Encode()
	if err != nil {
		r.log.Error("router.encode.fail", "type", v1.TypeLoadDocument, "doc_id", docID.String(), "err", err)
		return err
	}
	r.send(c, load)

	cursor, err := v1.Frame{
		Type:   v1.TypeNewCursor,
		Cursor: &v1.Cursor{ID: id.UserID, Name: id.UserName},
	}.Encode()
	if err != nil {
		return err
	}
	r.hub.Broadcast(docID, c, cursor)

	r.log.Info("router.retrieve", "conn_id", c.ID, "doc_id", docID.String(), "user_id", id.UserID)
	return nil
}

func (r *Router) onSendUpdates(c *Client, msg json.RawMessage) error {
	id, err := r.joined(c, v1.TypeSendUpdates)
	if err != nil {
		return err
	}

	var p v1.SendUpdatesPayload
	if err := json.Unmarshal(msg, &p); err != nil || len(p.Delta) == 0 {
		return r.reject(c, v1.TypeSendUpdates, metrics.ResultMalformed, fmt.Errorf("%w: missing delta", ErrMalformedEnvelope))
	}
	if err := sameDocument(id, p.ID); err != nil {
		return r.reject(c, v1.TypeSendUpdates, metrics.ResultRejected, err)
	}

	frame, err := v1.Frame{Type: v1.TypeReceivedUpdates, Delta: p.Delta}.Encode()
	if err != nil {
		return r.reject(c, v1.TypeSendUpdates, metrics.ResultMalformed, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}
	r.hub.Broadcast(id.DocumentID, c, frame)
	return nil
}

func (r *Router) onSendCursor(c *Client, msg json.RawMessage) error {
	id, err := r.joined(c, v1.TypeSendCursor)
	if err != nil {
		return err
	}

	var p v1.SendCursorPayload
	if err := json.Unmarshal(msg, &p); err != nil {
		return r.reject(c, v1.TypeSendCursor, metrics.ResultMalformed, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}
	if err := sameDocument(id, p.ID); err != nil {
		return r.reject(c, v1.TypeSendCursor, metrics.ResultRejected, err)
	}

	// Presence is keyed by the identity bound at retrieve time.
	rng := p.Range
	if len(rng) == 0 {
		rng = json.RawMessage("null")
	}
	frame, err := v1.Frame{
		Type:   v1.TypeReceivedCursor,
		Cursor: &v1.Cursor{ID: id.UserID, Name: id.UserName, Range: rng},
	}.Encode()
	if err != nil {
		return r.reject(c, v1.TypeSendCursor, metrics.ResultMalformed, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}
	r.hub.Broadcast(id.DocumentID, c, frame)
	return nil
}

func (r *Router) onSave(ctx context.Context, c *Client, msg json.RawMessage) error {
	id, err := r.joined(c, v1.TypeSaveDocument)
	if err != nil {
		return err
	}

	var p v1.SaveDocumentPayload
	if err := json.Unmarshal(msg, &p); err != nil || len(p.Delta) == 0 {
		return r.reject(c, v1.TypeSaveDocument, metrics.ResultMalformed, fmt.Errorf("%w: missing delta", ErrMalformedEnvelope))
	}
	if err := sameDocument(id, p.ID); err != nil {
		return r.reject(c, v1.TypeSaveDocument, metrics.ResultRejected, err)
	}

	// A closing connection must not abort an in-flight durable write.
	outcome, err := r.docs.SaveWithCoalescing(context.WithoutCancel(ctx), id.DocumentID, p.Delta)
	if err != nil {
		r.log.Error("router.save.fail", "conn_id", c.ID, "doc_id", id.DocumentID.String(), "err", err)
		r.metrics.Frame(v1.TypeSaveDocument, metrics.ResultFailed)
		return fmt.Errorf("save %s: %w", id.DocumentID, err)
	}
	r.log.Debug("router.save", "conn_id", c.ID, "doc_id", id.DocumentID.String(), "outcome", string(outcome))
	return nil
}

// ---- helpers ----

func (r *Router) joined(c *Client, typ string) (Identity, error) {
	id, ok := c.Session().Identity()
	if !ok {
		return Identity{}, r.reject(c, typ, metrics.ResultRejected, ErrNotJoined)
	}
	return id, nil
}

// reject logs and counts a dropped frame. The type label is limited to the
// known client types.
func (r *Router) reject(c *Client, typ, result string, err error) error {
	if !v1.Known(typ) {
		typ = "unknown"
	}
	r.metrics.Frame(typ, result)
	r.log.Warn("router.frame.drop", "conn_id", c.ID, "type", typ, "result", result, "err", err)
	return err
}

func (r *Router) send(c *Client, frame []byte) {
	if !c.Enqueue(frame) {
		r.log.Warn("router.send.drop", "conn_id", c.ID)
	}
}

func parseDocumentID(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	id, err := parseCanonicalUUID(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidDocumentID, raw)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: nil uuid", ErrInvalidDocumentID)
	}
	return id, nil
}

// sameDocument accepts an empty id (the joined document is implied) or one
// that names the joined document.
func sameDocument(id Identity, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	docID, err := parseCanonicalUUID(raw)
	if err != nil || docID != id.DocumentID {
		return fmt.Errorf("%w: joined=%s got=%q", ErrDocumentMismatch, id.DocumentID, raw)
	}
	return nil
}

// parseCanonicalUUID accepts only the 36-character hyphenated form; uuid.Parse
// alone also takes braced, urn and undashed variants.
func parseCanonicalUUID(raw string) (uuid.UUID, error) {
	if len(raw) != 36 {
		return uuid.Nil, fmt.Errorf("want 36 characters, got %d", len(raw))
	}
	return uuid.Parse(raw)
}

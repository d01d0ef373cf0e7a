// Package v1 defines the noogle realtime wire protocol.
//
// Clients send envelopes of the form {"type": ..., "message": {...}}.
// The server answers with flat frames: {"type": ..., "delta": ...} or
// {"type": ..., "cursor": {...}}. Deltas and cursor ranges are opaque and
// relayed without inspection.
package v1

import (
	"encoding/json"
	"errors"
	"strings"
)

// Client -> server types.
const (
	TypeRetrieveDocument = "retrieve-document"
	TypeSendUpdates      = "send-updates"
	TypeSendCursor       = "send-cursor"
	TypeSaveDocument     = "save-document"
)

// Server -> client types.
const (
	TypeLoadDocument    = "load-document"
	TypeReceivedUpdates = "received-updates"
	TypeReceivedCursor  = "received-cursor"
	TypeNewCursor       = "new-cursor"
	TypeRemoveCursor    = "remove-cursor"
	TypeInvalidDocument = "invalid-document"
)

// EmptyState is the state of a freshly created document.
var EmptyState = json.RawMessage(`{}`)

// Envelope is an inbound client frame.
type Envelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// Validate checks the envelope structure. It does not reject unknown types;
// those are ignored by the router.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if len(e.Message) == 0 || string(e.Message) == "null" {
		return errors.New("missing field: message")
	}
	return nil
}

// Known reports whether typ is a client -> server type handled by the server.
func Known(typ string) bool {
	switch typ {
	case TypeRetrieveDocument, TypeSendUpdates, TypeSendCursor, TypeSaveDocument:
		return true
	default:
		return false
	}
}

// ---- inbound payloads ----

// RetrieveDocumentPayload joins the sender to a document room.
type RetrieveDocumentPayload struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// SendUpdatesPayload carries an opaque delta for the rest of the room.
type SendUpdatesPayload struct {
	ID    string          `json:"id"`
	Delta json.RawMessage `json:"delta"`
}

// SendCursorPayload carries the sender's selection.
type SendCursorPayload struct {
	ID     string          `json:"id"`
	UserID string          `json:"userId"`
	Name   string          `json:"name"`
	Range  json.RawMessage `json:"range"`
}

// SaveDocumentPayload asks the server to persist the full document state.
type SaveDocumentPayload struct {
	ID    string          `json:"id"`
	Delta json.RawMessage `json:"delta"`
}

// ---- outbound frames ----

// Cursor identifies a remote participant, optionally with a selection range.
type Cursor struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Range json.RawMessage `json:"range,omitempty"`
}

// Frame is an outbound server frame.
type Frame struct {
	Type   string          `json:"type"`
	Delta  json.RawMessage `json:"delta,omitempty"`
	Cursor *Cursor         `json:"cursor,omitempty"`
}

// Encode marshals the frame once so it can be fanned out to many connections.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

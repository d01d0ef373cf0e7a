// Package document is the persistence gateway: durable document rows plus a
// short-lived write-coalescing cache in front of them.
package document

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no row exists for a document id.
	ErrNotFound = errors.New("document: not found")
	// ErrInvalidInput is returned for a nil id or a state that is not valid JSON.
	ErrInvalidInput = errors.New("document: invalid input")
)

// emptyState is the state of a document created on first retrieve.
var emptyState = json.RawMessage(`{}`)

// Document is one persisted document. Delta is opaque client JSON.
type Document struct {
	ID    uuid.UUID
	Delta json.RawMessage
}

// Store is durable document storage.
//
// Requirements:
//   - Create is insert-if-absent: a duplicate id is not an error, it reports created=false.
//   - Rows are never deleted.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Document, error)
	Create(ctx context.Context, doc Document) (created bool, err error)
	Update(ctx context.Context, doc Document) error
	Close() error
}

package document

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is the dev-only Store used when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]json.RawMessage
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[uuid.UUID]json.RawMessage)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	delta, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Delta: clone(delta)}, nil
}

func (s *MemoryStore) Create(ctx context.Context, doc Document) (bool, error) {
	if doc.ID == uuid.Nil || len(doc.Delta) == 0 {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; ok {
		return false, nil
	}
	s.docs[doc.ID] = clone(doc.Delta)
	return true, nil
}

func (s *MemoryStore) Update(ctx context.Context, doc Document) error {
	if doc.ID == uuid.Nil || len(doc.Delta) == 0 {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; !ok {
		return ErrNotFound
	}
	s.docs[doc.ID] = clone(doc.Delta)
	return nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func clone(b json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}

package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Identity is who a connection claims to be and which document it joined.
// It is self-declared and never authenticated.
type Identity struct {
	UserID     string
	UserName   string
	DocumentID uuid.UUID
}

// Session is the per-connection state. Its Identity is bound exactly once,
// at the first successful retrieve-document.
type Session struct {
	mu       sync.Mutex
	identity *Identity
}

// Bind attaches id to the session. A second call fails with ErrAlreadyJoined
// and leaves the first identity in place.
func (s *Session) Bind(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return ErrAlreadyJoined
	}
	s.identity = &id
	return nil
}

// Identity returns the bound identity, if any.
func (s *Session) Identity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

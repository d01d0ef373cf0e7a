package realtime

import "errors"

var (
	// ErrMalformedEnvelope is returned for frames that are not a valid envelope or payload.
	ErrMalformedEnvelope = errors.New("realtime: malformed envelope")
	// ErrInvalidDocumentID is returned when retrieve-document carries a non-UUID id.
	ErrInvalidDocumentID = errors.New("realtime: invalid document id")
	// ErrAlreadyJoined is returned when a connection tries to bind a second identity.
	ErrAlreadyJoined = errors.New("realtime: connection already joined a document")
	// ErrNotJoined is returned for room operations before a successful retrieve-document.
	ErrNotJoined = errors.New("realtime: connection has not joined a document")
	// ErrDocumentMismatch is returned when a frame names a document other than the joined one.
	ErrDocumentMismatch = errors.New("realtime: frame targets a different document")
)

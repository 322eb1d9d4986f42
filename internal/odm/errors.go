package odm

import "errors"

var (
	// ErrDocumentNotFound is returned when no stored document matches an identifier.
	ErrDocumentNotFound = errors.New("odm: document not found")
	// ErrNotManaged is returned for operations that require a managed document.
	ErrNotManaged = errors.New("odm: document is not managed")
	// ErrRepositoryNotRegistered is returned when a class names a custom repository that
	// was never registered with the document manager.
	ErrRepositoryNotRegistered = errors.New("odm: repository not registered")
	// ErrMissingIdentifier is returned when a document without a generated identifier is
	// persisted without one, or a referenced document has no identifier yet.
	ErrMissingIdentifier = errors.New("odm: missing identifier")
	// ErrEmbeddedDocument is returned when an embedded document is handed to an operation
	// that only accepts top-level documents.
	ErrEmbeddedDocument = errors.New("odm: embedded documents cannot be managed directly")
	// ErrPostFlushCallback is returned by Flush when the changes were written but post
	// callbacks could not be dispatched.
	ErrPostFlushCallback = errors.New("odm: flush written but post callbacks failed")
)

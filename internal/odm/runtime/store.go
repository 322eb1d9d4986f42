package runtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Document is the stored form of a mapped document: its normalised identifier
// and the encoded JSON body.
type Document struct {
	ID   string
	Body []byte
}

// DocumentStore is the persistence contract the unit of work flushes into.
// Implementations live in internal/odm/pg and internal/odm/sqlite.
type DocumentStore interface {
	Insert(ctx context.Context, collection string, docs []Document) error
	Update(ctx context.Context, collection string, docs []Document) error
	Delete(ctx context.Context, collection string, ids []string) error
	// Load returns the document stored under id. The boolean reports presence.
	Load(ctx context.Context, collection, id string) (Document, bool, error)
	Find(ctx context.Context, spec FindSpec) ([]Document, error)
}

// Transactor is implemented by stores that can apply a flush atomically. The store handed
// to fn writes inside the transaction, which commits when fn returns nil.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx DocumentStore) error) error
}

// ErrInvalidCollection is returned when a collection name cannot be used as a table name.
var ErrInvalidCollection = errors.New("runtime: invalid collection name")

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateCollection reports whether name is usable as a collection table name.
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

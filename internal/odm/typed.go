package odm

import (
	"context"
	"fmt"

	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/proxy"
)

func metadataOf[T any](ctx context.Context, dm *DocumentManager) (*mapping.ClassMetadata, error) {
	cm, err := dm.factory.MetadataForValue(ctx, (*T)(nil))
	if err != nil {
		return nil, err
	}
	return cm, documentClass(cm)
}

// Find returns the document of type T with the given identifier.
func Find[T any](ctx context.Context, dm *DocumentManager, ident any) (*T, error) {
	cm, err := metadataOf[T](ctx, dm)
	if err != nil {
		return nil, err
	}
	doc, err := dm.find(ctx, cm, ident)
	if err != nil {
		return nil, err
	}
	return as[T](doc)
}

// Reference returns a lazy reference to the document of type T.
func Reference[T any](ctx context.Context, dm *DocumentManager, ident any) (*proxy.Reference, error) {
	cm, err := metadataOf[T](ctx, dm)
	if err != nil {
		return nil, err
	}
	return dm.reference(cm, ident)
}

// Repository returns the default repository of T.
func Repository[T any](ctx context.Context, dm *DocumentManager) (*DocumentRepository, error) {
	cm, err := metadataOf[T](ctx, dm)
	if err != nil {
		return nil, err
	}
	return NewDocumentRepository(dm, cm), nil
}

// FindBy runs a repository query for T and returns typed results.
func FindBy[T any](ctx context.Context, dm *DocumentManager, criteria Criteria, opts ...FindOption) ([]*T, error) {
	repo, err := Repository[T](ctx, dm)
	if err != nil {
		return nil, err
	}
	docs, err := repo.FindBy(ctx, criteria, opts...)
	if err != nil {
		return nil, err
	}
	return All[T](docs)
}

// All converts untyped repository results.
func All[T any](docs []any) ([]*T, error) {
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		doc, err := as[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func as[T any](doc any) (*T, error) {
	typed, ok := proxy.Unwrap(doc).(*T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("odm: document is %T, not *%T", doc, zero)
	}
	return typed, nil
}

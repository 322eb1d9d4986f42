package odm

import (
	"context"
	"reflect"

	"github.com/deicod/odm/internal/odm/mapping"
)

// Lifecycle callbacks. Documents opt in by implementing any of these interfaces; embedded
// documents receive them when the embedding mapping cascades callbacks.
type (
	PrePersister interface {
		PrePersist(ctx context.Context) error
	}
	PostPersister interface {
		PostPersist(ctx context.Context)
	}
	PreUpdater interface {
		PreUpdate(ctx context.Context) error
	}
	PostUpdater interface {
		PostUpdate(ctx context.Context)
	}
	PreRemover interface {
		PreRemove(ctx context.Context) error
	}
	PostRemover interface {
		PostRemove(ctx context.Context)
	}
	PostLoader interface {
		PostLoad(ctx context.Context)
	}
)

type lifecycleEvent int

const (
	eventPrePersist lifecycleEvent = iota
	eventPostPersist
	eventPreUpdate
	eventPostUpdate
	eventPreRemove
	eventPostRemove
	eventPostLoad
)

func (e lifecycleEvent) String() string {
	return [...]string{"prePersist", "postPersist", "preUpdate", "postUpdate", "preRemove", "postRemove", "postLoad"}[e]
}

func invokeCallback(ctx context.Context, doc any, event lifecycleEvent) error {
	switch event {
	case eventPrePersist:
		if h, ok := doc.(PrePersister); ok {
			return h.PrePersist(ctx)
		}
	case eventPostPersist:
		if h, ok := doc.(PostPersister); ok {
			h.PostPersist(ctx)
		}
	case eventPreUpdate:
		if h, ok := doc.(PreUpdater); ok {
			return h.PreUpdate(ctx)
		}
	case eventPostUpdate:
		if h, ok := doc.(PostUpdater); ok {
			h.PostUpdate(ctx)
		}
	case eventPreRemove:
		if h, ok := doc.(PreRemover); ok {
			return h.PreRemove(ctx)
		}
	case eventPostRemove:
		if h, ok := doc.(PostRemover); ok {
			h.PostRemove(ctx)
		}
	case eventPostLoad:
		if h, ok := doc.(PostLoader); ok {
			h.PostLoad(ctx)
		}
	}
	return nil
}

// dispatch runs event on doc and then on every embedded value whose mapping cascades
// callbacks, depth first.
func (dm *DocumentManager) dispatch(ctx context.Context, cm *mapping.ClassMetadata, doc any, event lifecycleEvent) error {
	if err := invokeCallback(ctx, doc, event); err != nil {
		return err
	}
	rv := reflect.ValueOf(doc)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil
	}
	rv = rv.Elem()
	for _, name := range cm.FieldNames() {
		m := cm.FieldMappings[name]
		if !m.Embedded || !m.IsCascadeCallbacks {
			continue
		}
		fv := rv.FieldByName(m.FieldName)
		if !fv.IsValid() {
			continue
		}
		for _, embedded := range embeddedPointers(fv) {
			ecm, err := dm.factory.MetadataForValue(ctx, embedded)
			if err != nil {
				return err
			}
			if err := dm.dispatch(ctx, ecm, embedded, event); err != nil {
				return err
			}
		}
	}
	return nil
}

// embeddedPointers returns addressable pointers to the embedded documents held by fv.
func embeddedPointers(fv reflect.Value) []any {
	switch fv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if fv.IsNil() {
			return nil
		}
		inner := fv.Elem()
		if inner.Kind() == reflect.Pointer {
			return []any{inner.Interface()}
		}
		if fv.Kind() == reflect.Pointer {
			return []any{fv.Interface()}
		}
		return nil
	case reflect.Struct:
		if fv.CanAddr() {
			return []any{fv.Addr().Interface()}
		}
	case reflect.Slice, reflect.Array:
		out := make([]any, 0, fv.Len())
		for i := 0; i < fv.Len(); i++ {
			out = append(out, embeddedPointers(fv.Index(i))...)
		}
		return out
	}
	return nil
}

package odm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/deicod/odm/internal/observability/metrics"
	"github.com/deicod/odm/internal/observability/tracing"
	"github.com/deicod/odm/internal/odm/id"
	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/proxy"
	"github.com/deicod/odm/internal/odm/runtime"
)

// DocumentManager tracks documents in a unit of work and flushes their changes into a
// document store. A DocumentManager is not safe for concurrent use.
type DocumentManager struct {
	factory *mapping.Factory
	store   runtime.DocumentStore
	uow     *unitOfWork

	logger    Logger
	collector metrics.Collector
	tracer    tracing.Tracer

	repoFactories map[string]RepositoryFactory
	repos         map[string]any
}

// New returns a document manager resolving metadata through factory and persisting into store.
func New(factory *mapping.Factory, store runtime.DocumentStore, opts ...Option) *DocumentManager {
	dm := &DocumentManager{
		factory:       factory,
		store:         store,
		uow:           newUnitOfWork(),
		collector:     metrics.NoopCollector{},
		tracer:        tracing.NoopTracer{},
		repoFactories: make(map[string]RepositoryFactory),
		repos:         make(map[string]any),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(dm)
		}
	}
	return dm
}

// Factory returns the metadata factory.
func (dm *DocumentManager) Factory() *mapping.Factory { return dm.factory }

// Store returns the underlying document store.
func (dm *DocumentManager) Store() runtime.DocumentStore { return dm.store }

// GetClassMetadata returns the metadata of the named class.
func (dm *DocumentManager) GetClassMetadata(ctx context.Context, class string) (*mapping.ClassMetadata, error) {
	return dm.factory.MetadataFor(ctx, class)
}

func (dm *DocumentManager) documentMetadata(ctx context.Context, doc any) (*mapping.ClassMetadata, error) {
	if rv := reflect.ValueOf(doc); rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, fmt.Errorf("odm: expected a non-nil pointer to a document, got %T", doc)
	}
	cm, err := dm.factory.MetadataForValue(ctx, doc)
	if err != nil {
		return nil, err
	}
	return cm, documentClass(cm)
}

func documentClass(cm *mapping.ClassMetadata) error {
	if cm.IsEmbeddedDocument || cm.IsMappedSuperclass {
		return fmt.Errorf("%w: %s", ErrEmbeddedDocument, cm.Name)
	}
	return nil
}

// Persist schedules doc for insertion. Persisting a managed document is a no-op apart
// from cascading; persisting a removed document cancels its removal.
func (dm *DocumentManager) Persist(ctx context.Context, doc any) error {
	return dm.persist(ctx, doc, map[any]bool{})
}

func (dm *DocumentManager) persist(ctx context.Context, doc any, visited map[any]bool) error {
	if e := dm.uow.entryFor(doc); e != nil && !e.loaded {
		if e.state == stateRemoved {
			e.state = stateManaged
		}
		return nil
	}
	obj := proxy.Unwrap(doc)
	cm, err := dm.documentMetadata(ctx, obj)
	if err != nil {
		return err
	}
	if visited[obj] {
		return nil
	}
	visited[obj] = true

	e := dm.uow.entryFor(obj)
	switch {
	case e == nil:
		if err := dm.register(ctx, cm, obj); err != nil {
			return err
		}
	case e.state == stateRemoved:
		e.state = stateManaged
	}
	return dm.cascade(ctx, cm, obj, mapping.CascadePersist, func(target any) error {
		return dm.persist(ctx, target, visited)
	})
}

func (dm *DocumentManager) register(ctx context.Context, cm *mapping.ClassMetadata, doc any) error {
	ident, err := cm.GetIdentifierValue(doc)
	if err != nil {
		return err
	}
	if unassigned(ident) {
		gen, err := id.ForStrategy(string(cm.GeneratorType))
		if err != nil {
			return fmt.Errorf("odm: %s: %w", cm.Name, err)
		}
		if gen == nil {
			return fmt.Errorf("%w: %s uses strategy %q", ErrMissingIdentifier, cm.Name, cm.GeneratorType)
		}
		if ident, err = gen.Generate(); err != nil {
			return fmt.Errorf("odm: %s: generate identifier: %w", cm.Name, err)
		}
		if err := cm.SetIdentifierValue(doc, ident); err != nil {
			return err
		}
		if ident, err = cm.GetIdentifierValue(doc); err != nil {
			return err
		}
	}
	key := idKey(ident)
	if other := dm.uow.lookup(cm.Name, key); other != nil {
		return fmt.Errorf("odm: %s with identifier %s is already managed", cm.Name, key)
	}
	if err := dm.dispatch(ctx, cm, doc, eventPrePersist); err != nil {
		return fmt.Errorf("odm: %s: prePersist: %w", cm.Name, err)
	}
	dm.uow.add(&entry{cm: cm, doc: doc, id: ident, key: key, state: stateNew, loaded: true})
	return nil
}

// Remove schedules doc for deletion. New documents are simply forgotten.
func (dm *DocumentManager) Remove(ctx context.Context, doc any) error {
	return dm.remove(ctx, doc, map[any]bool{})
}

func (dm *DocumentManager) remove(ctx context.Context, doc any, visited map[any]bool) error {
	obj := proxy.Unwrap(doc)
	e := dm.uow.entryFor(obj)
	if e == nil {
		return fmt.Errorf("%w: %T", ErrNotManaged, obj)
	}
	if visited[obj] {
		return nil
	}
	visited[obj] = true
	if e.loaded {
		if err := dm.cascade(ctx, e.cm, obj, mapping.CascadeRemove, func(target any) error {
			return dm.remove(ctx, target, visited)
		}); err != nil {
			return err
		}
	}
	switch e.state {
	case stateNew:
		dm.uow.drop(e)
	case stateManaged:
		if e.loaded {
			if err := dm.dispatch(ctx, e.cm, obj, eventPreRemove); err != nil {
				return fmt.Errorf("odm: %s: preRemove: %w", e.cm.Name, err)
			}
		}
		e.state = stateRemoved
	}
	return nil
}

// Detach stops tracking doc. Changes made to it afterwards are not flushed.
func (dm *DocumentManager) Detach(ctx context.Context, doc any) error {
	return dm.detach(ctx, doc, map[any]bool{})
}

func (dm *DocumentManager) detach(ctx context.Context, doc any, visited map[any]bool) error {
	obj := proxy.Unwrap(doc)
	e := dm.uow.entryFor(obj)
	if e == nil || visited[obj] {
		return nil
	}
	visited[obj] = true
	dm.uow.drop(e)
	if !e.loaded {
		return nil
	}
	return dm.cascade(ctx, e.cm, obj, mapping.CascadeDetach, func(target any) error {
		return dm.detach(ctx, target, visited)
	})
}

// Refresh overwrites doc with its stored state.
func (dm *DocumentManager) Refresh(ctx context.Context, doc any) error {
	return dm.refresh(ctx, doc, map[any]bool{})
}

func (dm *DocumentManager) refresh(ctx context.Context, doc any, visited map[any]bool) error {
	obj := proxy.Unwrap(doc)
	e := dm.uow.entryFor(obj)
	if e == nil || e.state != stateManaged {
		return fmt.Errorf("%w: %T", ErrNotManaged, obj)
	}
	if visited[obj] {
		return nil
	}
	visited[obj] = true
	if !e.loaded {
		if e.ref != nil {
			return e.ref.Initialize(ctx)
		}
		return dm.initialize(ctx, e)
	}
	if err := dm.load(ctx, e); err != nil {
		return err
	}
	return dm.cascade(ctx, e.cm, obj, mapping.CascadeRefresh, func(target any) error {
		return dm.refresh(ctx, target, visited)
	})
}

// Merge copies the state of doc onto the managed document with the same identity and
// returns the managed document. Unknown documents are loaded from the store, or
// persisted as new copies when they were never stored.
func (dm *DocumentManager) Merge(ctx context.Context, doc any) (any, error) {
	return dm.merge(ctx, doc, map[any]any{})
}

func (dm *DocumentManager) merge(ctx context.Context, doc any, visited map[any]any) (any, error) {
	obj := proxy.Unwrap(doc)
	if merged, ok := visited[obj]; ok {
		return merged, nil
	}
	cm, err := dm.documentMetadata(ctx, obj)
	if err != nil {
		return nil, err
	}
	if e := dm.uow.entryFor(obj); e != nil {
		if e.state == stateRemoved {
			return nil, fmt.Errorf("odm: cannot merge removed document %s", e.label())
		}
		return obj, nil
	}

	ident, err := cm.GetIdentifierValue(obj)
	if err != nil {
		return nil, err
	}
	var managed any
	if !unassigned(ident) {
		managed, err = dm.find(ctx, cm, ident)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
	}
	fresh := managed == nil
	if fresh {
		if managed, err = cm.NewInstance(); err != nil {
			return nil, err
		}
	}
	visited[obj] = managed

	src := reflect.ValueOf(obj).Elem()
	dst := reflect.ValueOf(managed).Elem()
	for _, name := range cm.FieldNames() {
		m := cm.FieldMappings[name]
		if cm.IsIdentifier(name) && !fresh {
			continue
		}
		if m.IsInverseSide {
			continue
		}
		value := src.FieldByName(m.FieldName)
		if m.Reference && m.IsCascadeMerge && !isNilValue(value) {
			if value, err = dm.mergeReferences(ctx, value, visited); err != nil {
				return nil, err
			}
		}
		dst.FieldByName(m.FieldName).Set(value)
	}
	if fresh {
		if err := dm.persist(ctx, managed, map[any]bool{}); err != nil {
			return nil, err
		}
	}
	return managed, nil
}

func (dm *DocumentManager) mergeReferences(ctx context.Context, value reflect.Value, visited map[any]any) (reflect.Value, error) {
	mergeOne := func(v reflect.Value) (reflect.Value, error) {
		if isNilValue(v) {
			return v, nil
		}
		if p, ok := v.Interface().(proxy.Proxy); ok && !p.IsInitialized() {
			return v, nil
		}
		merged, err := dm.merge(ctx, v.Interface(), visited)
		if err != nil {
			return reflect.Value{}, err
		}
		if v.Type() == referencePtrType || v.Type() == proxyIfaceType {
			cm, err := dm.factory.MetadataForValue(ctx, merged)
			if err != nil {
				return reflect.Value{}, err
			}
			ident, _ := cm.GetIdentifierValue(merged)
			return reflect.ValueOf(dm.loadedReference(cm, ident, merged)).Convert(v.Type()), nil
		}
		return fitValue(reflect.ValueOf(merged), v.Type(), "merge")
	}
	if value.Kind() != reflect.Slice {
		return mergeOne(value)
	}
	out := reflect.MakeSlice(value.Type(), 0, value.Len())
	for i := 0; i < value.Len(); i++ {
		v, err := mergeOne(value.Index(i))
		if err != nil {
			return reflect.Value{}, err
		}
		out = reflect.Append(out, v)
	}
	return out, nil
}

// Clear detaches every document.
func (dm *DocumentManager) Clear() {
	dm.uow.clear()
}

// Contains reports whether doc is managed and not scheduled for removal.
func (dm *DocumentManager) Contains(doc any) bool {
	e := dm.uow.entryFor(doc)
	return e != nil && e.state != stateRemoved
}

// Size reports the number of tracked documents.
func (dm *DocumentManager) Size() int {
	return dm.uow.size()
}

// Find returns the document of class with identifier ident, from the identity map when
// it is already managed.
func (dm *DocumentManager) Find(ctx context.Context, class string, ident any) (any, error) {
	cm, err := dm.factory.MetadataFor(ctx, class)
	if err != nil {
		return nil, err
	}
	if err := documentClass(cm); err != nil {
		return nil, err
	}
	return dm.find(ctx, cm, ident)
}

func (dm *DocumentManager) find(ctx context.Context, cm *mapping.ClassMetadata, ident any) (any, error) {
	key := idKey(ident)
	if e := dm.uow.lookup(cm.Name, key); e != nil {
		if e.state == stateRemoved {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, e.label())
		}
		if !e.loaded && !e.loading {
			if err := e.ref.Initialize(ctx); err != nil {
				return nil, err
			}
		}
		return e.doc, nil
	}
	doc, ok, err := dm.store.Load(ctx, cm.Collection, key)
	if err != nil {
		return nil, fmt.Errorf("odm: find %s#%s: %w", cm.Name, key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s#%s", ErrDocumentNotFound, cm.Name, key)
	}
	return dm.materialize(ctx, cm, doc)
}

// materialize returns the managed document for a stored row, hydrating a new instance
// when the identity map does not hold it yet.
func (dm *DocumentManager) materialize(ctx context.Context, cm *mapping.ClassMetadata, d runtime.Document) (any, error) {
	cm, err := dm.concreteClass(ctx, cm, d.Body)
	if err != nil {
		return nil, err
	}
	if e := dm.uow.lookup(cm.Name, d.ID); e != nil {
		if !e.loaded && !e.loading {
			if err := dm.hydrate(ctx, e, d.Body); err != nil {
				return nil, err
			}
			if e.ref != nil {
				e.ref.MarkInitialized()
			}
		}
		return e.doc, nil
	}
	inst, err := cm.NewInstance()
	if err != nil {
		return nil, err
	}
	ident, err := decodeStoredID(cm, d)
	if err != nil {
		return nil, err
	}
	if err := cm.SetIdentifierValue(inst, ident); err != nil {
		return nil, err
	}
	e := &entry{cm: cm, doc: inst, id: ident, key: d.ID, state: stateManaged}
	dm.uow.add(e)
	if err := dm.hydrate(ctx, e, d.Body); err != nil {
		dm.uow.drop(e)
		return nil, err
	}
	return inst, nil
}

// concreteClass resolves single collection inheritance through the class discriminator.
func (dm *DocumentManager) concreteClass(ctx context.Context, cm *mapping.ClassMetadata, body []byte) (*mapping.ClassMetadata, error) {
	if cm.DiscriminatorField == "" || len(cm.DiscriminatorMap) == 0 {
		return cm, nil
	}
	value, ok := discriminatorOf(body, cm.DiscriminatorField)
	if !ok {
		return cm, nil
	}
	class, ok := cm.DiscriminatorMap[value]
	if !ok || class == cm.Name {
		return cm, nil
	}
	return dm.factory.MetadataFor(ctx, class)
}

// hydrate decodes body into the entry's document, then snapshots it and runs postLoad.
func (dm *DocumentManager) hydrate(ctx context.Context, e *entry, body []byte) error {
	e.loading = true
	defer func() { e.loading = false }()
	if err := dm.decode(ctx, e.cm, body, e.doc, true); err != nil {
		return err
	}
	_, snapshot, err := dm.encode(ctx, e.cm, e.doc)
	if err != nil {
		return err
	}
	e.snapshot = snapshot
	e.loaded = true
	return dm.dispatch(ctx, e.cm, e.doc, eventPostLoad)
}

func (dm *DocumentManager) load(ctx context.Context, e *entry) error {
	d, ok, err := dm.store.Load(ctx, e.cm.Collection, e.key)
	if err != nil {
		return fmt.Errorf("odm: load %s: %w", e.label(), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, e.label())
	}
	return dm.hydrate(ctx, e, d.Body)
}

// initialize loads the placeholder behind a proxy.
func (dm *DocumentManager) initialize(ctx context.Context, e *entry) (err error) {
	start := time.Now()
	ctx, span := tracing.StartDocument(ctx, dm.tracer, tracing.SpanProxyLoad, e.cm.Name, e.cm.Collection, e.key)
	defer func() {
		span.End(err)
		dm.collector.RecordProxyLoad(e.cm.Name, time.Since(start), err)
	}()
	if e.dropped {
		return fmt.Errorf("%w: %s was detached before it was loaded", ErrNotManaged, e.label())
	}
	return dm.load(ctx, e)
}

// GetReference returns a lazy reference to the document of class with identifier ident.
// Only the identifier is available until the reference is initialized.
func (dm *DocumentManager) GetReference(ctx context.Context, class string, ident any) (*proxy.Reference, error) {
	cm, err := dm.factory.MetadataFor(ctx, class)
	if err != nil {
		return nil, err
	}
	if err := documentClass(cm); err != nil {
		return nil, err
	}
	return dm.reference(cm, ident)
}

func (dm *DocumentManager) reference(cm *mapping.ClassMetadata, ident any) (*proxy.Reference, error) {
	key := idKey(ident)
	if e := dm.uow.lookup(cm.Name, key); e != nil {
		if e.ref != nil {
			return e.ref, nil
		}
		return dm.loadedReference(cm, e.id, e.doc), nil
	}
	inst, err := cm.NewInstance()
	if err != nil {
		return nil, err
	}
	if err := cm.SetIdentifierValue(inst, ident); err != nil {
		return nil, err
	}
	if ident, err = cm.GetIdentifierValue(inst); err != nil {
		return nil, err
	}
	e := &entry{cm: cm, doc: inst, id: ident, key: key, state: stateManaged}
	e.ref = proxy.NewReference(cm.Name, ident, inst, func(ctx context.Context, _ any) error {
		return dm.initialize(ctx, e)
	})
	dm.uow.add(e)
	return e.ref, nil
}

func (dm *DocumentManager) loadedReference(cm *mapping.ClassMetadata, ident any, doc any) *proxy.Reference {
	if e := dm.uow.entryFor(doc); e != nil && e.ref != nil {
		return e.ref
	}
	return proxy.Loaded(cm.Name, ident, doc)
}

// cascade applies fn to every document referenced by doc through mappings cascading op,
// including references held inside embedded documents.
func (dm *DocumentManager) cascade(ctx context.Context, cm *mapping.ClassMetadata, doc any, op string, fn func(any) error) error {
	rv := reflect.Indirect(reflect.ValueOf(doc))
	for _, name := range cm.FieldNames() {
		m := cm.FieldMappings[name]
		fv := rv.FieldByName(m.FieldName)
		if !fv.IsValid() || isNilValue(fv) {
			continue
		}
		switch {
		case m.Embedded:
			for _, embedded := range embeddedPointers(fv) {
				ecm, err := dm.factory.MetadataForValue(ctx, embedded)
				if err != nil {
					return err
				}
				if err := dm.cascade(ctx, ecm, embedded, op, fn); err != nil {
					return err
				}
			}
		case m.Reference && m.HasCascade(op):
			for _, target := range referencedValues(fv) {
				if err := fn(target); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func referencedValues(fv reflect.Value) []any {
	if fv.Kind() == reflect.Slice || fv.Kind() == reflect.Array {
		out := make([]any, 0, fv.Len())
		for i := 0; i < fv.Len(); i++ {
			if item := fv.Index(i); !isNilValue(item) {
				out = append(out, item.Interface())
			}
		}
		return out
	}
	if fv.Kind() == reflect.Struct {
		if fv.CanAddr() {
			return []any{fv.Addr().Interface()}
		}
		return nil
	}
	return []any{fv.Interface()}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound)
}

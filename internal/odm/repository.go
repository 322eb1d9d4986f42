package odm

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"

	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/proxy"
	"github.com/deicod/odm/internal/odm/runtime"
)

// RepositoryFactory builds a custom repository around the default one. Custom
// repositories usually embed *DocumentRepository.
type RepositoryFactory func(base *DocumentRepository) any

// Criteria filters documents by Go field name. Reference fields accept either a document,
// a proxy or a bare identifier.
type Criteria map[string]any

// FindOption customises FindBy.
type FindOption func(*findOptions)

type findOptions struct {
	sorts  []sortField
	limit  int
	offset int
}

type sortField struct {
	field string
	dir   runtime.SortDirection
}

// WithSort orders results by field. Repeated options add secondary orderings.
func WithSort(field string, dir runtime.SortDirection) FindOption {
	return func(o *findOptions) {
		o.sorts = append(o.sorts, sortField{field: field, dir: dir})
	}
}

// WithLimit caps the number of results.
func WithLimit(n int) FindOption {
	return func(o *findOptions) { o.limit = n }
}

// WithOffset skips the first n results.
func WithOffset(n int) FindOption {
	return func(o *findOptions) { o.offset = n }
}

// DocumentRepository queries the documents of one class.
type DocumentRepository struct {
	dm *DocumentManager
	cm *mapping.ClassMetadata
}

// NewDocumentRepository returns the default repository for cm.
func NewDocumentRepository(dm *DocumentManager, cm *mapping.ClassMetadata) *DocumentRepository {
	return &DocumentRepository{dm: dm, cm: cm}
}

// ClassName returns the class the repository serves.
func (r *DocumentRepository) ClassName() string { return r.cm.Name }

// Metadata returns the class metadata.
func (r *DocumentRepository) Metadata() *mapping.ClassMetadata { return r.cm }

// DocumentManager returns the owning document manager.
func (r *DocumentRepository) DocumentManager() *DocumentManager { return r.dm }

// Find returns the document with the given identifier.
func (r *DocumentRepository) Find(ctx context.Context, ident any) (any, error) {
	return r.dm.find(ctx, r.cm, ident)
}

// FindAll returns every document of the class.
func (r *DocumentRepository) FindAll(ctx context.Context) ([]any, error) {
	return r.FindBy(ctx, nil)
}

// FindBy returns the documents matching every criterion.
func (r *DocumentRepository) FindBy(ctx context.Context, criteria Criteria, opts ...FindOption) ([]any, error) {
	var o findOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	spec, err := r.findSpec(ctx, criteria, o)
	if err != nil {
		return nil, err
	}
	docs, err := r.dm.store.Find(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("odm: find %s: %w", r.cm.Name, err)
	}
	out := make([]any, 0, len(docs))
	for _, d := range docs {
		if e := r.dm.uow.lookup(r.cm.Name, d.ID); e != nil && e.state == stateRemoved {
			continue
		}
		doc, err := r.dm.materialize(ctx, r.cm, d)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// FindOneBy returns the first document matching criteria.
func (r *DocumentRepository) FindOneBy(ctx context.Context, criteria Criteria, opts ...FindOption) (any, error) {
	docs, err := r.FindBy(ctx, criteria, append(slices.Clone(opts), WithLimit(1))...)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s matching %v", ErrDocumentNotFound, r.cm.Name, criteria)
	}
	return docs[0], nil
}

func (r *DocumentRepository) findSpec(ctx context.Context, criteria Criteria, o findOptions) (runtime.FindSpec, error) {
	spec := runtime.FindSpec{Collection: r.cm.Collection, Limit: o.limit, Offset: o.offset}
	if r.cm.InheritanceType == mapping.InheritanceSingleCollection && r.cm.DiscriminatorField != "" && r.cm.DiscriminatorValue != "" {
		spec.Criteria = append(spec.Criteria, runtime.Criterion{
			Path:     []string{r.cm.DiscriminatorField},
			Operator: runtime.OpEqual,
			Value:    r.cm.DiscriminatorValue,
		})
	}
	fields := make([]string, 0, len(criteria))
	for field := range criteria {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		m, err := r.cm.GetFieldMapping(field)
		if err != nil {
			return spec, err
		}
		path, value, err := r.criterion(ctx, m, criteria[field])
		if err != nil {
			return spec, err
		}
		spec.Criteria = append(spec.Criteria, runtime.Criterion{Path: path, Operator: runtime.OpEqual, Value: value})
	}
	for _, s := range o.sorts {
		m, err := r.cm.GetFieldMapping(s.field)
		if err != nil {
			return spec, err
		}
		spec.Orders = append(spec.Orders, runtime.Order{Path: []string{m.Name}, Direction: s.dir})
	}
	return spec, nil
}

func (r *DocumentRepository) criterion(ctx context.Context, m mapping.FieldMapping, value any) ([]string, any, error) {
	if !m.Reference {
		return []string{m.Name}, value, nil
	}
	if m.NotSaved {
		return nil, nil, fmt.Errorf("odm: %s.%s is not stored and cannot be queried", r.cm.Name, m.FieldName)
	}
	ident := value
	if _, ok := value.(proxy.Proxy); ok || isDocumentPointer(value) {
		_, id, err := r.dm.referenceIdentity(ctx, value)
		if err != nil {
			return nil, nil, err
		}
		ident = id
	}
	if m.Simple {
		return []string{m.Name}, ident, nil
	}
	return []string{m.Name, RefIDKey}, ident, nil
}

func isDocumentPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct
}

// RegisterRepository installs the factory for a custom repository class name as it
// appears in class metadata.
func (dm *DocumentManager) RegisterRepository(name string, factory RepositoryFactory) {
	dm.repoFactories[name] = factory
	for class, repo := range dm.repos {
		if _, ok := repo.(*DocumentRepository); !ok {
			continue
		}
		delete(dm.repos, class)
	}
}

// GetRepository returns the repository of class: the registered custom repository when
// the class names one, the default DocumentRepository otherwise.
func (dm *DocumentManager) GetRepository(ctx context.Context, class string) (any, error) {
	cm, err := dm.factory.MetadataFor(ctx, class)
	if err != nil {
		return nil, err
	}
	if err := documentClass(cm); err != nil {
		return nil, err
	}
	if repo, ok := dm.repos[cm.Name]; ok {
		return repo, nil
	}
	base := NewDocumentRepository(dm, cm)
	var repo any = base
	if name := cm.CustomRepositoryClassName; name != "" {
		factory, ok := dm.repoFactories[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s (used by %s)", ErrRepositoryNotRegistered, name, cm.Name)
		}
		repo = factory(base)
	}
	dm.repos[cm.Name] = repo
	return repo, nil
}

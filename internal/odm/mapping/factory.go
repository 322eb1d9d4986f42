package mapping

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/deicod/odm/internal/odm/cache"
	"github.com/deicod/odm/internal/odm/proxy"
)

// Driver loads mapping information for a class into prepared metadata.
type Driver interface {
	// LoadMetadataForClass populates cm. Drivers return ErrClassNotRegistered for names
	// they do not know.
	LoadMetadataForClass(name string, cm *ClassMetadata) error
	// AllClassNames lists every class the driver can load.
	AllClassNames() []string
}

const cacheKeyPrefix = "odm.metadata."

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithCache stores loaded metadata in store.
func WithCache(store cache.Store) FactoryOption {
	return func(f *Factory) {
		if store != nil {
			f.cache = store
		}
	}
}

// Factory resolves class metadata through a driver and keeps the result.
type Factory struct {
	driver Driver
	cache  cache.Store

	mu     sync.RWMutex
	types  map[string]reflect.Type
	loaded map[string]*ClassMetadata
}

// NewFactory returns a factory reading mappings from driver.
func NewFactory(driver Driver, opts ...FactoryOption) *Factory {
	f := &Factory{
		driver: driver,
		cache:  cache.Nop(),
		types:  make(map[string]reflect.Type),
		loaded: make(map[string]*ClassMetadata),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Register records the Go types of the given sample documents so drivers can bind
// metadata to them. Samples may be values or pointers.
func (f *Factory) Register(samples ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range samples {
		t := indirectType(reflect.TypeOf(s))
		if t == nil || t.Kind() != reflect.Struct {
			continue
		}
		f.types[ClassName(t)] = t
	}
}

// TypeOf returns the registered Go type of a class.
func (f *Factory) TypeOf(name string) (reflect.Type, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.types[name]
	return t, ok
}

// SetMetadataFor installs metadata built outside of the driver.
func (f *Factory) SetMetadataFor(name string, cm *ClassMetadata) {
	f.mu.Lock()
	f.loaded[name] = cm
	if cm.Type != nil {
		f.types[name] = cm.Type
	}
	f.mu.Unlock()
}

// MetadataFor returns the metadata of the named class, loading it on first use.
// Unqualified names resolve when exactly one known class has that short name.
func (f *Factory) MetadataFor(ctx context.Context, name string) (*ClassMetadata, error) {
	name = f.resolve(name)
	f.mu.RLock()
	cm, ok := f.loaded[name]
	f.mu.RUnlock()
	if ok {
		return cm, nil
	}
	if cached, ok, err := f.cache.Get(ctx, cacheKeyPrefix+name); err != nil {
		return nil, fmt.Errorf("mapping: cache get %s: %w", name, err)
	} else if ok {
		if cm, ok := cached.(*ClassMetadata); ok {
			f.remember(name, cm)
			return cm, nil
		}
	}

	cm, err := f.load(name)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Set(ctx, cacheKeyPrefix+name, cm); err != nil {
		return nil, fmt.Errorf("mapping: cache set %s: %w", name, err)
	}
	f.remember(name, cm)
	return cm, nil
}

// MetadataForValue returns the metadata of doc's class. Proxies resolve to their class.
func (f *Factory) MetadataForValue(ctx context.Context, doc any) (*ClassMetadata, error) {
	if p, ok := doc.(proxy.Proxy); ok {
		return f.MetadataFor(ctx, p.ProxyClass())
	}
	t := indirectType(reflect.TypeOf(doc))
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("mapping: %T is not a document", doc)
	}
	name := ClassName(t)
	f.mu.Lock()
	if _, ok := f.types[name]; !ok {
		f.types[name] = t
	}
	f.mu.Unlock()
	return f.MetadataFor(ctx, name)
}

// AllMetadata loads every class known to the driver or registered on the factory,
// sorted by class name.
func (f *Factory) AllMetadata(ctx context.Context) ([]*ClassMetadata, error) {
	names := f.knownNames()
	out := make([]*ClassMetadata, 0, len(names))
	for _, name := range names {
		cm, err := f.MetadataFor(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	return out, nil
}

// Collections returns the sorted, distinct collections backing the known document
// classes. Embedded documents have none.
func (f *Factory) Collections(ctx context.Context) ([]string, error) {
	classes, err := f.AllMetadata(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(classes))
	var out []string
	for _, cm := range classes {
		if cm.IsEmbeddedDocument || cm.Collection == "" || seen[cm.Collection] {
			continue
		}
		seen[cm.Collection] = true
		out = append(out, cm.Collection)
	}
	sort.Strings(out)
	return out, nil
}

// Evict forgets loaded metadata so the next lookup consults the driver again. Names
// resolve like they do in MetadataFor.
func (f *Factory) Evict(ctx context.Context, names ...string) error {
	resolved := make([]string, len(names))
	for i, name := range names {
		resolved[i] = f.resolve(name)
	}
	f.mu.Lock()
	for _, name := range resolved {
		delete(f.loaded, name)
	}
	f.mu.Unlock()
	for _, name := range resolved {
		if err := f.cache.Delete(ctx, cacheKeyPrefix+name); err != nil {
			return fmt.Errorf("mapping: cache delete %s: %w", name, err)
		}
	}
	return nil
}

func (f *Factory) remember(name string, cm *ClassMetadata) {
	f.mu.Lock()
	f.loaded[name] = cm
	f.mu.Unlock()
}

func (f *Factory) load(name string) (*ClassMetadata, error) {
	if f.driver == nil {
		return nil, f.notRegistered(name)
	}
	var cm *ClassMetadata
	if t, ok := f.TypeOf(name); ok {
		cm = NewForType(t)
	} else {
		cm = New(name)
	}
	if err := f.driver.LoadMetadataForClass(name, cm); err != nil {
		if errors.Is(err, ErrClassNotRegistered) {
			return nil, f.notRegistered(name)
		}
		return nil, err
	}
	if err := cm.Validate(); err != nil {
		return nil, err
	}
	return cm, nil
}

func (f *Factory) notRegistered(name string) error {
	return MappingError{
		Class:      name,
		Detail:     "no mapping registered for class",
		Suggestion: Suggest(name, f.knownNames()),
		Kind:       ErrClassNotRegistered,
	}
}

func (f *Factory) knownNames() []string {
	seen := map[string]struct{}{}
	if f.driver != nil {
		for _, n := range f.driver.AllClassNames() {
			seen[n] = struct{}{}
		}
	}
	f.mu.RLock()
	for n := range f.loaded {
		seen[n] = struct{}{}
	}
	f.mu.RUnlock()
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *Factory) resolve(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	match := ""
	for _, candidate := range f.knownNames() {
		short := candidate
		if i := strings.LastIndex(candidate, "."); i >= 0 {
			short = candidate[i+1:]
		}
		if short != name {
			continue
		}
		if match != "" {
			return name
		}
		match = candidate
	}
	if match == "" {
		return name
	}
	return match
}

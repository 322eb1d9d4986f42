package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoLoader is returned when an uninitialized reference has nothing to load from.
var ErrNoLoader = errors.New("proxy: reference has no loader")

// Loader populates target, a pointer to the document placeholder, from storage.
type Loader func(ctx context.Context, target any) error

// Proxy is implemented by lazily loaded document references.
type Proxy interface {
	ProxyClass() string
	ProxyIdentifier() any
	IsInitialized() bool
	Initialize(ctx context.Context) error
	// Object returns the placeholder document. Only the identifier is populated until
	// the proxy is initialized.
	Object() any
}

// Reference is the Proxy handed out by the document manager for documents that were
// referenced by identifier but not yet loaded.
type Reference struct {
	class  string
	id     any
	object any

	mu          sync.Mutex
	loader      Loader
	initialized bool
	onLoad      func(error)
}

var _ Proxy = (*Reference)(nil)

// NewReference returns an uninitialized reference. object must be a pointer to the
// placeholder document whose identifier is already assigned.
func NewReference(class string, id any, object any, loader Loader) *Reference {
	return &Reference{class: class, id: id, object: object, loader: loader}
}

// Loaded wraps an already managed document in an initialized reference.
func Loaded(class string, id any, object any) *Reference {
	return &Reference{class: class, id: id, object: object, initialized: true}
}

// OnLoad registers a hook invoked after every initialization attempt.
func (r *Reference) OnLoad(fn func(error)) *Reference {
	r.mu.Lock()
	r.onLoad = fn
	r.mu.Unlock()
	return r
}

func (r *Reference) ProxyClass() string { return r.class }

func (r *Reference) ProxyIdentifier() any { return r.id }

func (r *Reference) Object() any { return r.object }

func (r *Reference) IsInitialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Initialize loads the document once. Concurrent callers wait for the same load; a
// failed load leaves the reference uninitialized so it can be retried.
func (r *Reference) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if r.loader == nil {
		return fmt.Errorf("%w: %s(%v)", ErrNoLoader, r.class, r.id)
	}
	err := r.loader(ctx, r.object)
	if r.onLoad != nil {
		r.onLoad(err)
	}
	if err != nil {
		return fmt.Errorf("proxy: initialize %s(%v): %w", r.class, r.id, err)
	}
	r.initialized = true
	r.loader = nil
	return nil
}

// MarkInitialized flags the reference as loaded when its object was populated by other
// means, such as a query that returned the same document.
func (r *Reference) MarkInitialized() {
	r.mu.Lock()
	r.initialized = true
	r.loader = nil
	r.mu.Unlock()
}

// String implements fmt.Stringer.
func (r *Reference) String() string {
	state := "uninitialized"
	if r.IsInitialized() {
		state = "initialized"
	}
	return fmt.Sprintf("%s(%v)[%s]", r.class, r.id, state)
}

// As initializes p and returns its document as *T.
func As[T any](ctx context.Context, p Proxy) (*T, error) {
	if p == nil {
		return nil, errors.New("proxy: nil proxy")
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}
	obj, ok := p.Object().(*T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("proxy: %s holds %T, not *%T", p.ProxyClass(), p.Object(), zero)
	}
	return obj, nil
}

// Unwrap returns the document behind v when v is a Proxy, and v otherwise.
func Unwrap(v any) any {
	if p, ok := v.(Proxy); ok {
		return p.Object()
	}
	return v
}

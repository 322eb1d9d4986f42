package proxy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type album struct {
	ID   string
	Name string
}

func TestReferenceInitializesOnce(t *testing.T) {
	var calls atomic.Int32
	placeholder := &album{ID: "a1"}
	ref := NewReference("documents.Album", "a1", placeholder, func(_ context.Context, target any) error {
		calls.Add(1)
		target.(*album).Name = "ten"
		return nil
	})

	if ref.IsInitialized() {
		t.Fatalf("expected reference to start uninitialized")
	}
	if ref.ProxyIdentifier() != "a1" || ref.ProxyClass() != "documents.Album" {
		t.Fatalf("unexpected identity %v/%s", ref.ProxyIdentifier(), ref.ProxyClass())
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ref.Initialize(context.Background()); err != nil {
				t.Errorf("initialize: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected a single load, got %d", calls.Load())
	}
	if !ref.IsInitialized() || placeholder.Name != "ten" {
		t.Fatalf("expected placeholder to be populated, got %+v", placeholder)
	}
}

func TestReferenceRetriesAfterFailure(t *testing.T) {
	attempts := 0
	var observed []error
	ref := NewReference("documents.Album", "a1", &album{ID: "a1"}, func(context.Context, any) error {
		attempts++
		if attempts == 1 {
			return errors.New("unavailable")
		}
		return nil
	}).OnLoad(func(err error) { observed = append(observed, err) })

	if err := ref.Initialize(context.Background()); err == nil {
		t.Fatalf("expected first initialization to fail")
	}
	if ref.IsInitialized() {
		t.Fatalf("failed load must leave the reference uninitialized")
	}
	if err := ref.Initialize(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 2 || len(observed) != 2 || observed[0] == nil || observed[1] != nil {
		t.Fatalf("unexpected attempts=%d observed=%v", attempts, observed)
	}
}

func TestReferenceWithoutLoader(t *testing.T) {
	ref := NewReference("documents.Album", "a1", &album{ID: "a1"}, nil)
	if err := ref.Initialize(context.Background()); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("expected ErrNoLoader, got %v", err)
	}
	if Loaded("documents.Album", "a1", &album{}).Initialize(context.Background()) != nil {
		t.Fatalf("loaded references must not need a loader")
	}
}

func TestAsAndUnwrap(t *testing.T) {
	doc := &album{ID: "a1", Name: "ten"}
	ref := Loaded("documents.Album", "a1", doc)

	got, err := As[album](context.Background(), ref)
	if err != nil {
		t.Fatalf("As: %v", err)
	}
	if got != doc {
		t.Fatalf("expected the wrapped document")
	}
	if _, err := As[struct{ X int }](context.Background(), ref); err == nil {
		t.Fatalf("expected type mismatch error")
	}
	if Unwrap(ref) != any(doc) || Unwrap(doc) != any(doc) {
		t.Fatalf("unwrap returned unexpected values")
	}
	if ref.String() != "documents.Album(a1)[initialized]" {
		t.Fatalf("unexpected string %q", ref.String())
	}
}

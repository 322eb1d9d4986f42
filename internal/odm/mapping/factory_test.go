package mapping

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/deicod/odm/internal/odm/cache"
)

type mapDriver struct {
	loads   map[string]int
	mapping map[string]func(*ClassMetadata) error
}

func (d *mapDriver) LoadMetadataForClass(name string, cm *ClassMetadata) error {
	fn, ok := d.mapping[name]
	if !ok {
		return ErrClassNotRegistered
	}
	d.loads[name]++
	return fn(cm)
}

func (d *mapDriver) AllClassNames() []string {
	names := make([]string, 0, len(d.mapping))
	for name := range d.mapping {
		names = append(names, name)
	}
	return names
}

func newMapDriver() *mapDriver {
	return &mapDriver{
		loads: map[string]int{},
		mapping: map[string]func(*ClassMetadata) error{
			"github.com/deicod/odm/internal/odm/mapping.album": func(cm *ClassMetadata) error {
				cm.SetCollection("albums")
				if err := cm.MapField(FieldMapping{FieldName: "ID", ID: true}); err != nil {
					return err
				}
				return cm.MapField(FieldMapping{FieldName: "Name"})
			},
			"documents.Broken": func(cm *ClassMetadata) error { return nil },
		},
	}
}

func TestFactoryLoadsOnce(t *testing.T) {
	driver := newMapDriver()
	store := cache.NewMemory()
	factory := NewFactory(driver, WithCache(store))
	factory.Register(album{})
	ctx := context.Background()

	cm, err := factory.MetadataForValue(ctx, &album{})
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if cm.Type == nil || cm.Collection != "albums" {
		t.Fatalf("expected typed metadata, got %+v", cm)
	}
	again, err := factory.MetadataFor(ctx, "album")
	if err != nil {
		t.Fatalf("short name lookup: %v", err)
	}
	if again != cm {
		t.Fatalf("expected same metadata instance")
	}
	if driver.loads[cm.Name] != 1 || store.Len() != 1 {
		t.Fatalf("expected a single load and cache entry, got %d/%d", driver.loads[cm.Name], store.Len())
	}

	if err := factory.Evict(ctx, cm.Name); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected cache entry removed")
	}
	if _, err := factory.MetadataFor(ctx, cm.Name); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if driver.loads[cm.Name] != 2 {
		t.Fatalf("expected reload through the driver")
	}
}

func TestFactoryUnknownClassSuggests(t *testing.T) {
	factory := NewFactory(newMapDriver())
	_, err := factory.MetadataFor(context.Background(), "documents.Brokn")
	if !errors.Is(err, ErrClassNotRegistered) {
		t.Fatalf("expected ErrClassNotRegistered, got %v", err)
	}
	if !strings.Contains(err.Error(), `did you mean "documents.Broken"?`) {
		t.Fatalf("expected suggestion, got %v", err)
	}
}

func TestFactoryValidatesLoadedMetadata(t *testing.T) {
	factory := NewFactory(newMapDriver())
	_, err := factory.MetadataFor(context.Background(), "documents.Broken")
	var list *MappingErrorList
	if !errors.As(err, &list) {
		t.Fatalf("expected validation errors, got %v", err)
	}
}

func TestFactorySetMetadataFor(t *testing.T) {
	factory := NewFactory(nil)
	cm := New("documents.Manual")
	factory.SetMetadataFor(cm.Name, cm)
	got, err := factory.MetadataFor(context.Background(), "Manual")
	if err != nil || got != cm {
		t.Fatalf("expected manual metadata, got %v %v", got, err)
	}
	all, err := factory.AllMetadata(context.Background())
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one class, got %v %v", all, err)
	}
}

func TestFactoryEvictResolvesShortNames(t *testing.T) {
	driver := newMapDriver()
	store := cache.NewMemory()
	factory := NewFactory(driver, WithCache(store))
	factory.Register(album{})
	ctx := context.Background()

	first, err := factory.MetadataFor(ctx, "album")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if err := factory.Evict(ctx, "album"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected short name eviction to clear the cache entry")
	}
	second, err := factory.MetadataFor(ctx, "album")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second == first || driver.loads[first.Name] != 2 {
		t.Fatalf("expected metadata to be reloaded through the driver, got %d loads", driver.loads[first.Name])
	}
}

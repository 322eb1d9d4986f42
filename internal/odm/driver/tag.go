package driver

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/proxy"
)

// TagName is the struct tag read by TagDriver.
const TagName = "odm"

var (
	documentMarker  = reflect.TypeOf(mapping.Document{})
	embeddedMarker  = reflect.TypeOf(mapping.EmbeddedDocument{})
	referenceType   = reflect.TypeOf(proxy.Reference{})
	timeType        = reflect.TypeOf(time.Time{})
	associationKind = map[string]func(*mapping.FieldMapping){
		"referenceOne":  func(m *mapping.FieldMapping) { m.Reference, m.Type = true, mapping.TypeOne },
		"referenceMany": func(m *mapping.FieldMapping) { m.Reference, m.Type = true, mapping.TypeMany },
		"embedOne":      func(m *mapping.FieldMapping) { m.Embedded, m.Type = true, mapping.TypeOne },
		"embedMany":     func(m *mapping.FieldMapping) { m.Embedded, m.Type = true, mapping.TypeMany },
	}
)

// TagDriver maps registered Go structs from their odm struct tags.
//
//	type Album struct {
//		_      mapping.Document `odm:"collection=albums,repository=AlbumRepository"`
//		ID     string           `odm:"id"`
//		Name   string
//		Artist *proxy.Reference `odm:"referenceOne,target=Artist,cascade=persist"`
//	}
type TagDriver struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewTagDriver returns a driver aware of the given sample documents.
func NewTagDriver(samples ...any) *TagDriver {
	d := &TagDriver{types: make(map[string]reflect.Type)}
	d.Register(samples...)
	return d
}

// Register adds sample documents to the driver.
func (d *TagDriver) Register(samples ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range samples {
		t := reflect.TypeOf(s)
		for t != nil && t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t == nil || t.Kind() != reflect.Struct {
			continue
		}
		d.types[mapping.ClassName(t)] = t
	}
}

// AllClassNames implements mapping.Driver.
func (d *TagDriver) AllClassNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.types))
	for name := range d.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadMetadataForClass implements mapping.Driver. Types that were not registered are
// still mapped when the factory already bound cm to a Go type.
func (d *TagDriver) LoadMetadataForClass(name string, cm *mapping.ClassMetadata) error {
	t := cm.Type
	if t == nil {
		d.mu.RLock()
		t = d.types[name]
		d.mu.RUnlock()
		if t == nil {
			return mapping.ErrClassNotRegistered
		}
		cm.Type = t
		cm.Namespace = t.PkgPath()
	}

	marked := false
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Name != "_" {
			continue
		}
		switch f.Type {
		case documentMarker:
		case embeddedMarker:
			cm.IsEmbeddedDocument = true
		default:
			continue
		}
		marked = true
		if err := applyClassTag(cm, f.Tag.Get(TagName)); err != nil {
			return err
		}
	}
	if !marked {
		return mapping.MappingError{
			Class:  name,
			Detail: "struct has no mapping.Document or mapping.EmbeddedDocument marker field",
			Kind:   mapping.ErrClassNotRegistered,
		}
	}

	fields, parents := mappedFields(t)
	cm.ParentClasses = parents
	var pending []reflect.StructField
	hasID := false
	for _, f := range fields {
		tag := f.Tag.Get(TagName)
		if tag == "-" {
			continue
		}
		if kind, _, _ := strings.Cut(tag, ","); kind == "id" {
			hasID = true
		}
		pending = append(pending, f)
	}
	for _, f := range pending {
		m, err := fieldFromTag(cm, f, hasID)
		if err != nil {
			return err
		}
		if err := cm.MapField(m); err != nil {
			return err
		}
	}
	return nil
}

// mappedFields lists the exported fields of t that are candidates for mapping. Fields
// promoted from embedded mapped superclasses come first, unless t shadows them. parents
// holds the superclass chain, nearest first.
func mappedFields(t reflect.Type) (fields []reflect.StructField, parents []string) {
	own := map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); !f.Anonymous {
			own[f.Name] = true
		}
	}
	seen := map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !isMappedSuperclass(f) {
			continue
		}
		parents = append(parents, mapping.ClassName(f.Type))
		inherited, grand := mappedFields(f.Type)
		parents = append(parents, grand...)
		for _, pf := range inherited {
			if own[pf.Name] || seen[pf.Name] {
				continue
			}
			seen[pf.Name] = true
			fields = append(fields, pf)
		}
	}
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.IsExported() && !f.Anonymous {
			fields = append(fields, f)
		}
	}
	return fields, parents
}

// isMappedSuperclass reports whether f embeds, by value, a struct marked with
// mapping.Document `odm:"mappedSuperclass"`.
func isMappedSuperclass(f reflect.StructField) bool {
	if !f.Anonymous || f.Type.Kind() != reflect.Struct {
		return false
	}
	for i := 0; i < f.Type.NumField(); i++ {
		marker := f.Type.Field(i)
		if marker.Name == "_" && marker.Type == documentMarker &&
			slices.Contains(splitTag(marker.Tag.Get(TagName)), "mappedSuperclass") {
			return true
		}
	}
	return false
}

func applyClassTag(cm *mapping.ClassMetadata, tag string) error {
	for _, opt := range splitTag(tag) {
		key, value, _ := strings.Cut(opt, "=")
		switch key {
		case "", "document", "embeddedDocument":
		case "mappedSuperclass":
			cm.IsMappedSuperclass = true
		case "collection":
			cm.SetCollection(value)
		case "repository":
			cm.SetCustomRepositoryClass(value)
		case "discriminatorField":
			cm.SetDiscriminatorField(value)
		case "discriminatorMap":
			dm, err := parseDiscriminatorMap(value)
			if err != nil {
				return classTagError(cm, err.Error())
			}
			cm.SetDiscriminatorMap(dm)
		case "inheritance":
			cm.SetInheritanceType(mapping.InheritanceType(value))
		default:
			return classTagError(cm, fmt.Sprintf("unknown class option %q", key))
		}
	}
	return nil
}

func classTagError(cm *mapping.ClassMetadata, detail string) error {
	return mapping.MappingError{Class: cm.Name, Detail: detail, Kind: mapping.ErrInvalidMapping}
}

func fieldFromTag(cm *mapping.ClassMetadata, f reflect.StructField, hasID bool) (mapping.FieldMapping, error) {
	m := mapping.FieldMapping{FieldName: f.Name}
	opts := splitTag(f.Tag.Get(TagName))
	kind := "field"
	if len(opts) > 0 && !strings.Contains(opts[0], "=") && isKind(opts[0]) {
		kind, opts = opts[0], opts[1:]
	}
	if kind == "field" && !hasID && f.Name == "ID" {
		kind = "id"
	}
	switch kind {
	case "id":
		m.ID = true
	case "field":
	default:
		associationKind[kind](&m)
	}

	for _, opt := range opts {
		key, value, _ := strings.Cut(opt, "=")
		switch key {
		case "name":
			m.Name = value
		case "type":
			m.Type = value
		case "strategy":
			m.Strategy = value
		case "target":
			m.TargetDocument = value
		case "cascade":
			m.Cascade = strings.Split(value, "|")
		case "discriminatorField":
			m.DiscriminatorField = value
		case "discriminatorMap":
			dm, err := parseDiscriminatorMap(value)
			if err != nil {
				return m, mapping.MappingError{Class: cm.Name, Field: f.Name, Detail: err.Error(), Kind: mapping.ErrInvalidMapping}
			}
			m.DiscriminatorMap = dm
		case "mappedBy":
			m.MappedBy = value
		case "inversedBy":
			m.InversedBy = value
		case "simple":
			m.Simple = true
		case "nullable":
			m.Nullable = true
		case "notSaved":
			m.NotSaved = true
		case "orphanRemoval":
			m.OrphanRemoval = true
		default:
			return m, mapping.MappingError{
				Class:      cm.Name,
				Field:      f.Name,
				Detail:     fmt.Sprintf("unknown tag option %q", key),
				Suggestion: mapping.Suggest(key, fieldOptions),
				Kind:       mapping.ErrInvalidMapping,
			}
		}
	}

	if m.Name == "" && !m.ID {
		m.Name = lowerCamel(f.Name)
	}
	if m.Reference || m.Embedded {
		if m.TargetDocument == "" && len(m.DiscriminatorMap) == 0 {
			m.TargetDocument = inferTarget(f.Type)
		}
	} else if m.Type == "" && !m.ID {
		m.Type = inferType(f.Type)
	}
	return m, nil
}

var fieldOptions = []string{
	"name", "type", "strategy", "target", "cascade", "discriminatorField", "discriminatorMap",
	"mappedBy", "inversedBy", "simple", "nullable", "notSaved", "orphanRemoval",
}

func isKind(s string) bool {
	if s == "id" || s == "field" {
		return true
	}
	_, ok := associationKind[s]
	return ok
}

func splitTag(tag string) []string {
	if tag == "" {
		return nil
	}
	parts := strings.Split(tag, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDiscriminatorMap(value string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(value, "|") {
		alias, class, ok := strings.Cut(pair, ":")
		if !ok || alias == "" || class == "" {
			return nil, fmt.Errorf("discriminator map entry %q must be alias:Class", pair)
		}
		out[alias] = class
	}
	return out, nil
}

// inferTarget returns the class of the struct a reference or embed field points at. Lazy
// reference fields carry no static type and return an empty target.
func inferTarget(t reflect.Type) string {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t == referenceType {
		return ""
	}
	return mapping.ClassName(t)
}

func inferType(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == timeType {
		return mapping.TypeDate
	}
	switch t.Kind() {
	case reflect.String:
		return mapping.TypeString
	case reflect.Bool:
		return mapping.TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return mapping.TypeInt
	case reflect.Float32, reflect.Float64:
		return mapping.TypeFloat
	case reflect.Slice, reflect.Array:
		return mapping.TypeCollection
	case reflect.Map:
		return mapping.TypeHash
	default:
		return mapping.TypeRaw
	}
}

// lowerCamel turns Go field names into stored keys: Name -> name, ID -> id, URLPath -> urlPath.
func lowerCamel(s string) string {
	runes := []rune(s)
	upper := 0
	for upper < len(runes) && unicode.IsUpper(runes[upper]) {
		upper++
	}
	switch {
	case upper == 0:
		return s
	case upper == len(runes):
		return strings.ToLower(s)
	case upper > 1:
		upper--
	}
	for i := 0; i < upper; i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

package mapping

import (
	"context"
	"fmt"
	"reflect"

	"github.com/deicod/odm/internal/odm/proxy"
)

// NewInstance allocates a zero document of the class and returns a pointer to it.
func (cm *ClassMetadata) NewInstance() (any, error) {
	if cm.Type == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoType, cm.Name)
	}
	return reflect.New(cm.Type).Interface(), nil
}

// GetFieldValue reads fieldName from doc. When doc is an uninitialized proxy, reading the
// identifier returns the proxy identifier without loading; any other field initializes
// the proxy first.
func (cm *ClassMetadata) GetFieldValue(ctx context.Context, doc any, fieldName string) (any, error) {
	if p, ok := doc.(proxy.Proxy); ok {
		if cm.IsIdentifier(fieldName) && !p.IsInitialized() {
			return p.ProxyIdentifier(), nil
		}
		if err := p.Initialize(ctx); err != nil {
			return nil, err
		}
		doc = p.Object()
	}
	fv, err := cm.field(doc, fieldName)
	if err != nil {
		return nil, err
	}
	return fv.Interface(), nil
}

// SetFieldValue assigns value to fieldName on doc. Proxies are always initialized before
// the write so the loaded state cannot overwrite it later.
func (cm *ClassMetadata) SetFieldValue(ctx context.Context, doc any, fieldName string, value any) error {
	if p, ok := doc.(proxy.Proxy); ok {
		if err := p.Initialize(ctx); err != nil {
			return err
		}
		doc = p.Object()
	}
	fv, err := cm.field(doc, fieldName)
	if err != nil {
		return err
	}
	return assign(fv, value, cm.Name, fieldName)
}

// GetIdentifierValue returns the identifier of doc without initializing proxies.
func (cm *ClassMetadata) GetIdentifierValue(doc any) (any, error) {
	if cm.Identifier == "" {
		return nil, invalid(cm.Name, "", "class has no identifier")
	}
	if p, ok := doc.(proxy.Proxy); ok {
		if !p.IsInitialized() {
			return p.ProxyIdentifier(), nil
		}
		doc = p.Object()
	}
	fv, err := cm.field(doc, cm.Identifier)
	if err != nil {
		return nil, err
	}
	return fv.Interface(), nil
}

// SetIdentifierValue assigns the identifier of doc.
func (cm *ClassMetadata) SetIdentifierValue(doc any, id any) error {
	if cm.Identifier == "" {
		return invalid(cm.Name, "", "class has no identifier")
	}
	doc = proxy.Unwrap(doc)
	fv, err := cm.field(doc, cm.Identifier)
	if err != nil {
		return err
	}
	return assign(fv, id, cm.Name, cm.Identifier)
}

func (cm *ClassMetadata) field(doc any, fieldName string) (reflect.Value, error) {
	if _, ok := cm.FieldMappings[fieldName]; !ok {
		return reflect.Value{}, cm.fieldNotFound(fieldName)
	}
	rv := reflect.ValueOf(doc)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, fmt.Errorf("mapping: %s: expected non-nil pointer, got %T", cm.Name, doc)
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("mapping: %s: expected pointer to struct, got %T", cm.Name, doc)
	}
	if cm.Type != nil && rv.Type() != cm.Type {
		return reflect.Value{}, fmt.Errorf("mapping: %s: document is %s", cm.Name, rv.Type())
	}
	fv := rv.FieldByName(fieldName)
	if !fv.IsValid() || !fv.CanSet() {
		return reflect.Value{}, fmt.Errorf("mapping: %s.%s: not an exported struct field", cm.Name, fieldName)
	}
	return fv, nil
}

func assign(dst reflect.Value, value any, class, fieldName string) error {
	if value == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(value)
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case src.Kind() == reflect.Pointer && !src.IsNil() && src.Elem().Type().AssignableTo(dst.Type()):
		dst.Set(src.Elem())
	case dst.Kind() == reflect.Pointer && src.Type().AssignableTo(dst.Type().Elem()):
		ptr := reflect.New(dst.Type().Elem())
		ptr.Elem().Set(src)
		dst.Set(ptr)
	case convertible(src.Type(), dst.Type()):
		dst.Set(src.Convert(dst.Type()))
	default:
		return fmt.Errorf("mapping: %s.%s: cannot assign %T to %s", class, fieldName, value, dst.Type())
	}
	return nil
}

// convertible limits conversions to numeric and string kinds so values never silently
// turn into runes or byte slices.
func convertible(src, dst reflect.Type) bool {
	if !src.ConvertibleTo(dst) {
		return false
	}
	numeric := func(k reflect.Kind) bool {
		return k >= reflect.Int && k <= reflect.Float64
	}
	switch {
	case numeric(src.Kind()) && numeric(dst.Kind()):
		return true
	case src.Kind() == reflect.String && dst.Kind() == reflect.String:
		return true
	}
	return false
}

// checkType reports mapped fields that do not exist as exported fields of the Go type.
func (cm *ClassMetadata) checkType(problems *MappingErrorList) {
	exported := make([]string, 0, cm.Type.NumField())
	for i := 0; i < cm.Type.NumField(); i++ {
		if f := cm.Type.Field(i); f.IsExported() {
			exported = append(exported, f.Name)
		}
	}
	for _, name := range cm.fieldOrder {
		f, ok := cm.Type.FieldByName(name)
		if ok && f.IsExported() {
			continue
		}
		problems.add(MappingError{
			Class:      cm.Name,
			Field:      name,
			Detail:     fmt.Sprintf("%s has no exported field %s", cm.Type, name),
			Suggestion: Suggest(name, exported),
			Kind:       ErrFieldNotFound,
		})
	}
}

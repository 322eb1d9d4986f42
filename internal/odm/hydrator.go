package odm

import (
	"bytes"
	"context"
	"fmt"
	"reflect"

	json "github.com/goccy/go-json"

	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/proxy"
	"github.com/deicod/odm/internal/odm/runtime"
)

// Stored reference keys.
const (
	RefCollectionKey = "$ref"
	RefIDKey         = "$id"
)

var (
	referencePtrType = reflect.TypeOf((*proxy.Reference)(nil))
	proxyIfaceType   = reflect.TypeOf((*proxy.Proxy)(nil)).Elem()
	nullJSON         = []byte("null")
)

type storedField struct {
	name string
	raw  []byte
}

func marshalObject(fields []storedField) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(f.raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encode returns the stored body of a top-level document together with a snapshot of its
// encoded fields keyed by stored name.
func (dm *DocumentManager) encode(ctx context.Context, cm *mapping.ClassMetadata, doc any) ([]byte, map[string]string, error) {
	rv := reflect.Indirect(reflect.ValueOf(doc))
	fields, err := dm.encodeFields(ctx, cm, rv)
	if err != nil {
		return nil, nil, err
	}
	if cm.DiscriminatorField != "" {
		value := cm.DiscriminatorValue
		if value == "" {
			value = cm.Name
		}
		raw, _ := json.Marshal(value)
		fields = append([]storedField{{name: cm.DiscriminatorField, raw: raw}}, fields...)
	}
	snapshot := make(map[string]string, len(fields))
	for _, f := range fields {
		snapshot[f.name] = string(f.raw)
	}
	body, err := marshalObject(fields)
	if err != nil {
		return nil, nil, err
	}
	return body, snapshot, nil
}

func (dm *DocumentManager) encodeFields(ctx context.Context, cm *mapping.ClassMetadata, rv reflect.Value) ([]storedField, error) {
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("odm: %s: cannot encode %s", cm.Name, rv.Kind())
	}
	fields := make([]storedField, 0, len(cm.FieldMappings))
	for _, name := range cm.FieldNames() {
		m := cm.FieldMappings[name]
		if m.NotSaved {
			continue
		}
		fv := rv.FieldByName(m.FieldName)
		if !fv.IsValid() {
			return nil, fmt.Errorf("odm: %s: no struct field %s", cm.Name, m.FieldName)
		}
		if isNilValue(fv) {
			if m.Nullable {
				fields = append(fields, storedField{name: m.Name, raw: nullJSON})
			}
			continue
		}
		raw, err := dm.encodeField(ctx, cm, m, fv)
		if err != nil {
			return nil, err
		}
		fields = append(fields, storedField{name: m.Name, raw: raw})
	}
	return fields, nil
}

func (dm *DocumentManager) encodeField(ctx context.Context, cm *mapping.ClassMetadata, m mapping.FieldMapping, fv reflect.Value) ([]byte, error) {
	switch m.Association {
	case mapping.EmbedOne:
		return dm.encodeEmbedded(ctx, m, fv.Interface())
	case mapping.ReferenceOne:
		return dm.encodeReference(ctx, m, fv.Interface())
	case mapping.EmbedMany, mapping.ReferenceMany:
		if fv.Kind() != reflect.Slice && fv.Kind() != reflect.Array {
			return nil, fmt.Errorf("odm: %s.%s: expected a slice, got %s", cm.Name, m.FieldName, fv.Type())
		}
		items := make([][]byte, 0, fv.Len())
		for i := 0; i < fv.Len(); i++ {
			item := fv.Index(i)
			if isNilValue(item) {
				continue
			}
			var (
				raw []byte
				err error
			)
			if m.Embedded {
				raw, err = dm.encodeEmbedded(ctx, m, item.Interface())
			} else {
				raw, err = dm.encodeReference(ctx, m, item.Interface())
			}
			if err != nil {
				return nil, err
			}
			items = append(items, raw)
		}
		return append(append([]byte{'['}, bytes.Join(items, []byte{','})...), ']'), nil
	default:
		raw, err := json.Marshal(fv.Interface())
		if err != nil {
			return nil, fmt.Errorf("odm: %s.%s: %w", cm.Name, m.FieldName, err)
		}
		return raw, nil
	}
}

func (dm *DocumentManager) encodeEmbedded(ctx context.Context, m mapping.FieldMapping, value any) ([]byte, error) {
	ecm, err := dm.factory.MetadataForValue(ctx, value)
	if err != nil {
		return nil, err
	}
	fields, err := dm.encodeFields(ctx, ecm, reflect.Indirect(reflect.ValueOf(value)))
	if err != nil {
		return nil, err
	}
	key := m.DiscriminatorField
	if key == "" {
		key = ecm.DiscriminatorField
	}
	if key != "" {
		raw, _ := json.Marshal(discriminatorValue(m, ecm))
		fields = append([]storedField{{name: key, raw: raw}}, fields...)
	}
	return marshalObject(fields)
}

func (dm *DocumentManager) encodeReference(ctx context.Context, m mapping.FieldMapping, value any) ([]byte, error) {
	tcm, id, err := dm.referenceIdentity(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("odm: reference %s: %w", m.FieldName, err)
	}
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	if m.Simple {
		return rawID, nil
	}
	coll, _ := json.Marshal(tcm.Collection)
	fields := []storedField{{name: RefCollectionKey, raw: coll}, {name: RefIDKey, raw: rawID}}
	if m.DiscriminatorField != "" {
		raw, _ := json.Marshal(discriminatorValue(m, tcm))
		fields = append(fields, storedField{name: m.DiscriminatorField, raw: raw})
	}
	return marshalObject(fields)
}

// referenceIdentity resolves the class and identifier of a referenced document without
// initializing proxies.
func (dm *DocumentManager) referenceIdentity(ctx context.Context, value any) (*mapping.ClassMetadata, any, error) {
	if p, ok := value.(proxy.Proxy); ok {
		tcm, err := dm.factory.MetadataFor(ctx, p.ProxyClass())
		if err != nil {
			return nil, nil, err
		}
		return tcm, p.ProxyIdentifier(), nil
	}
	tcm, err := dm.factory.MetadataForValue(ctx, value)
	if err != nil {
		return nil, nil, err
	}
	id, err := tcm.GetIdentifierValue(value)
	if err != nil {
		return nil, nil, err
	}
	if unassigned(id) {
		return nil, nil, fmt.Errorf("%w: %s is not persisted", ErrMissingIdentifier, tcm.Name)
	}
	return tcm, id, nil
}

func discriminatorValue(m mapping.FieldMapping, target *mapping.ClassMetadata) string {
	for alias, class := range m.DiscriminatorMap {
		if class == target.Name {
			return alias
		}
	}
	if target.DiscriminatorValue != "" {
		return target.DiscriminatorValue
	}
	return target.Name
}

func discriminatedClass(m mapping.FieldMapping, value string) string {
	if class, ok := m.DiscriminatorMap[value]; ok {
		return class
	}
	return value
}

// decode populates target, a pointer to a document of class cm, from a stored body.
// Inverse-side references are loaded when loadInverse is set.
func (dm *DocumentManager) decode(ctx context.Context, cm *mapping.ClassMetadata, body []byte, target any, loadInverse bool) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return fmt.Errorf("odm: decode %s: %w", cm.Name, err)
	}
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("odm: decode %s: expected a pointer, got %T", cm.Name, target)
	}
	rv = rv.Elem()
	for _, name := range cm.FieldNames() {
		m := cm.FieldMappings[name]
		fv := rv.FieldByName(m.FieldName)
		if !fv.IsValid() || !fv.CanSet() {
			return fmt.Errorf("odm: decode %s: no settable field %s", cm.Name, m.FieldName)
		}
		if m.IsInverseSide {
			if loadInverse {
				if err := dm.loadInverse(ctx, cm, m, target, fv); err != nil {
					return err
				}
			}
			continue
		}
		raw, ok := obj[m.Name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), nullJSON) {
			fv.Set(reflect.Zero(fv.Type()))
			continue
		}
		value, err := dm.decodeField(ctx, cm, m, raw, fv.Type())
		if err != nil {
			return err
		}
		fv.Set(value)
	}
	return nil
}

func (dm *DocumentManager) decodeField(ctx context.Context, cm *mapping.ClassMetadata, m mapping.FieldMapping, raw []byte, typ reflect.Type) (reflect.Value, error) {
	switch m.Association {
	case mapping.EmbedOne:
		return dm.decodeEmbedded(ctx, m, raw, typ)
	case mapping.ReferenceOne:
		return dm.decodeReference(ctx, m, raw, typ)
	case mapping.EmbedMany, mapping.ReferenceMany:
		if typ.Kind() != reflect.Slice {
			return reflect.Value{}, fmt.Errorf("odm: decode %s.%s: expected a slice, got %s", cm.Name, m.FieldName, typ)
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return reflect.Value{}, fmt.Errorf("odm: decode %s.%s: %w", cm.Name, m.FieldName, err)
		}
		out := reflect.MakeSlice(typ, 0, len(items))
		for _, item := range items {
			var (
				v   reflect.Value
				err error
			)
			if m.Embedded {
				v, err = dm.decodeEmbedded(ctx, m, item, typ.Elem())
			} else {
				v, err = dm.decodeReference(ctx, m, item, typ.Elem())
			}
			if err != nil {
				return reflect.Value{}, err
			}
			if !v.IsValid() {
				continue
			}
			out = reflect.Append(out, v)
		}
		return out, nil
	default:
		ptr := reflect.New(typ)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("odm: decode %s.%s: %w", cm.Name, m.FieldName, err)
		}
		return ptr.Elem(), nil
	}
}

func (dm *DocumentManager) decodeEmbedded(ctx context.Context, m mapping.FieldMapping, raw []byte, typ reflect.Type) (reflect.Value, error) {
	class := m.TargetDocument
	if m.DiscriminatorField != "" {
		var top map[string]json.RawMessage
		if err := json.Unmarshal(raw, &top); err != nil {
			return reflect.Value{}, fmt.Errorf("odm: decode %s: %w", m.FieldName, err)
		}
		var value string
		if d, ok := top[m.DiscriminatorField]; ok && json.Unmarshal(d, &value) == nil && value != "" {
			class = discriminatedClass(m, value)
		}
	}
	if class == "" {
		class = mapping.ClassName(typ)
	}
	ecm, err := dm.factory.MetadataFor(ctx, class)
	if err != nil {
		return reflect.Value{}, err
	}
	inst, err := ecm.NewInstance()
	if err != nil {
		return reflect.Value{}, err
	}
	if err := dm.decode(ctx, ecm, raw, inst, false); err != nil {
		return reflect.Value{}, err
	}
	return fitValue(reflect.ValueOf(inst), typ, m.FieldName)
}

func (dm *DocumentManager) decodeReference(ctx context.Context, m mapping.FieldMapping, raw []byte, typ reflect.Type) (reflect.Value, error) {
	class := m.TargetDocument
	idRaw := []byte(raw)
	if !m.Simple {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return reflect.Value{}, fmt.Errorf("odm: decode reference %s: %w", m.FieldName, err)
		}
		var ok bool
		if idRaw, ok = obj[RefIDKey]; !ok {
			return reflect.Value{}, fmt.Errorf("odm: decode reference %s: missing %s", m.FieldName, RefIDKey)
		}
		if m.DiscriminatorField != "" {
			var value string
			if d, ok := obj[m.DiscriminatorField]; ok && json.Unmarshal(d, &value) == nil && value != "" {
				class = discriminatedClass(m, value)
			}
		}
	}
	lazy := typ == referencePtrType || typ == proxyIfaceType
	if class == "" && !lazy {
		class = mapping.ClassName(typ)
	}
	if class == "" {
		return reflect.Value{}, fmt.Errorf("odm: decode reference %s: cannot determine target class", m.FieldName)
	}
	tcm, err := dm.factory.MetadataFor(ctx, class)
	if err != nil {
		return reflect.Value{}, err
	}
	id, err := decodeIdentifier(tcm, idRaw)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("odm: decode reference %s: %w", m.FieldName, err)
	}
	if lazy {
		ref, err := dm.reference(tcm, id)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(ref).Convert(typ), nil
	}
	doc, err := dm.find(ctx, tcm, id)
	if err != nil {
		if isNotFound(err) {
			return reflect.Zero(typ), nil
		}
		return reflect.Value{}, err
	}
	return fitValue(reflect.ValueOf(doc), typ, m.FieldName)
}

// loadInverse fills an inverse-side reference by querying the owning side.
func (dm *DocumentManager) loadInverse(ctx context.Context, cm *mapping.ClassMetadata, m mapping.FieldMapping, owner any, fv reflect.Value) error {
	tcm, err := dm.factory.MetadataFor(ctx, m.TargetDocument)
	if err != nil {
		return err
	}
	owning, err := tcm.GetFieldMapping(m.MappedBy)
	if err != nil {
		return err
	}
	if owning.Association != mapping.ReferenceOne {
		return fmt.Errorf("odm: %s.%s: inverse side must be mapped by a single-valued reference, %s.%s is %s",
			cm.Name, m.FieldName, tcm.Name, owning.FieldName, owning.Association)
	}
	id, err := cm.GetIdentifierValue(owner)
	if err != nil {
		return err
	}
	path := []string{owning.Name, RefIDKey}
	if owning.Simple {
		path = path[:1]
	}
	spec := runtime.FindSpec{
		Collection: tcm.Collection,
		Criteria:   []runtime.Criterion{{Path: path, Operator: runtime.OpEqual, Value: id}},
	}
	if !m.IsMany() {
		spec.Limit = 1
	}
	docs, err := dm.store.Find(ctx, spec)
	if err != nil {
		return fmt.Errorf("odm: load %s.%s: %w", cm.Name, m.FieldName, err)
	}
	typ := fv.Type()
	if m.IsMany() {
		if typ.Kind() != reflect.Slice {
			return fmt.Errorf("odm: %s.%s: expected a slice, got %s", cm.Name, m.FieldName, typ)
		}
		out := reflect.MakeSlice(typ, 0, len(docs))
		for _, d := range docs {
			v, err := dm.inverseValue(ctx, tcm, d, typ.Elem(), m.FieldName)
			if err != nil {
				return err
			}
			out = reflect.Append(out, v)
		}
		fv.Set(out)
		return nil
	}
	if len(docs) == 0 {
		fv.Set(reflect.Zero(typ))
		return nil
	}
	v, err := dm.inverseValue(ctx, tcm, docs[0], typ, m.FieldName)
	if err != nil {
		return err
	}
	fv.Set(v)
	return nil
}

func (dm *DocumentManager) inverseValue(ctx context.Context, tcm *mapping.ClassMetadata, d runtime.Document, typ reflect.Type, field string) (reflect.Value, error) {
	doc, err := dm.materialize(ctx, tcm, d)
	if err != nil {
		return reflect.Value{}, err
	}
	if typ == referencePtrType || typ == proxyIfaceType {
		id, err := tcm.GetIdentifierValue(doc)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(proxy.Loaded(tcm.Name, id, doc)).Convert(typ), nil
	}
	return fitValue(reflect.ValueOf(doc), typ, field)
}

func decodeIdentifier(cm *mapping.ClassMetadata, raw []byte) (any, error) {
	if cm.Type != nil && cm.Identifier != "" {
		if f, ok := cm.Type.FieldByName(cm.Identifier); ok {
			ptr := reflect.New(f.Type)
			if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
				return nil, err
			}
			return ptr.Elem().Interface(), nil
		}
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, err
	}
	return id, nil
}

// fitValue adapts ptr, a pointer to a document, to the declared field type.
func fitValue(ptr reflect.Value, typ reflect.Type, field string) (reflect.Value, error) {
	switch {
	case ptr.Type().AssignableTo(typ):
		return ptr, nil
	case ptr.Elem().Type().AssignableTo(typ):
		return ptr.Elem(), nil
	}
	return reflect.Value{}, fmt.Errorf("odm: field %s: cannot hold %s", field, ptr.Type())
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// decodeStoredID recovers a typed identifier from the normalised row key.
func decodeStoredID(cm *mapping.ClassMetadata, d runtime.Document) (any, error) {
	quoted, err := json.Marshal(d.ID)
	if err != nil {
		return nil, err
	}
	if ident, err := decodeIdentifier(cm, quoted); err == nil {
		return ident, nil
	}
	return decodeIdentifier(cm, []byte(d.ID))
}

func discriminatorOf(body []byte, key string) (string, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return "", false
	}
	raw, ok := top[key]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil || value == "" {
		return "", false
	}
	return value, true
}

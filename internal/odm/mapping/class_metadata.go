package mapping

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
)

// DefaultDiscriminatorField is assigned to associations that have neither a target
// document nor an explicit discriminator field, so the stored value records its class.
const DefaultDiscriminatorField = "_doctrine_class_name"

// GeneratorType selects how identifiers are assigned to new documents.
type GeneratorType string

const (
	GeneratorAuto GeneratorType = "auto"
	GeneratorUUID GeneratorType = "uuid"
	GeneratorNone GeneratorType = "none"
)

// InheritanceType describes how a class hierarchy is laid out in collections.
type InheritanceType string

const (
	InheritanceNone               InheritanceType = "none"
	InheritanceSingleCollection   InheritanceType = "single_collection"
	InheritanceCollectionPerClass InheritanceType = "collection_per_class"
)

// Document marks a struct as a top-level document. Declare it as a blank field and put
// class options in its tag: _ mapping.Document `odm:"document,collection=albums"`.
type Document struct{}

// EmbeddedDocument marks a struct that is only stored inside other documents.
type EmbeddedDocument struct{}

// ClassMetadata holds the mapping of one document class.
type ClassMetadata struct {
	Name      string
	Namespace string
	// Type is the Go struct type backing the class. Metadata built by hand may leave it nil,
	// in which case reflective accessors are unavailable.
	Type reflect.Type

	Collection         string
	IsEmbeddedDocument bool
	IsMappedSuperclass bool

	Identifier    string
	GeneratorType GeneratorType

	FieldMappings       map[string]FieldMapping
	AssociationMappings map[string]FieldMapping

	CustomRepositoryClassName string

	InheritanceType    InheritanceType
	DiscriminatorField string
	DiscriminatorMap   map[string]string
	DiscriminatorValue string
	ParentClasses      []string

	fieldOrder []string
	byStored   map[string]string
}

// New returns empty metadata for the named class. The namespace is everything before
// the last dot, so "example.com/app/documents.Album" lives in "example.com/app/documents".
func New(name string) *ClassMetadata {
	ns := ""
	if i := strings.LastIndex(name, "."); i > 0 {
		ns = name[:i]
	}
	return &ClassMetadata{
		Name:                name,
		Namespace:           ns,
		GeneratorType:       GeneratorAuto,
		InheritanceType:     InheritanceNone,
		FieldMappings:       make(map[string]FieldMapping),
		AssociationMappings: make(map[string]FieldMapping),
		byStored:            make(map[string]string),
	}
}

// NewForType returns empty metadata bound to the struct type t (or *t).
func NewForType(t reflect.Type) *ClassMetadata {
	t = indirectType(t)
	cm := New(ClassName(t))
	cm.Type = t
	cm.Namespace = t.PkgPath()
	return cm
}

// ClassName derives the class name of a Go type: its package path and type name joined by a dot.
func ClassName(t reflect.Type) string {
	t = indirectType(t)
	if t == nil {
		return ""
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// ShortName returns the class name without its namespace.
func (cm *ClassMetadata) ShortName() string {
	if i := strings.LastIndex(cm.Name, "."); i >= 0 {
		return cm.Name[i+1:]
	}
	return cm.Name
}

// qualify prefixes an unqualified class name with the class namespace.
func (cm *ClassMetadata) qualify(name string) string {
	if name == "" || strings.Contains(name, ".") || cm.Namespace == "" {
		return name
	}
	return cm.Namespace + "." + name
}

// MapField registers a field mapping and derives its defaults.
func (cm *ClassMetadata) MapField(m FieldMapping) error {
	m = m.clone()
	if m.FieldName == "" && m.Name != "" {
		m.FieldName = m.Name
	}
	if m.FieldName == "" {
		return invalid(cm.Name, "", "field mapping is missing a field name")
	}
	if m.Name == "" {
		m.Name = m.FieldName
	}
	if cm.Identifier != "" && cm.Identifier == m.FieldName && !m.ID {
		return invalid(cm.Name, m.FieldName, "the identifier field must keep its identifier mapping")
	}
	if m.Reference && m.Embedded {
		return invalid(cm.Name, m.FieldName, "a field cannot be both a reference and embedded")
	}

	m.TargetDocument = cm.qualify(m.TargetDocument)
	for alias, class := range m.DiscriminatorMap {
		m.DiscriminatorMap[alias] = cm.qualify(class)
	}

	if m.Embedded && len(m.Cascade) > 0 {
		return invalid(cm.Name, m.FieldName, "cascade is not allowed on embedded documents; they always cascade")
	}
	cascades := make([]string, 0, len(m.Cascade))
	for _, c := range m.Cascade {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if !slices.Contains(knownCascades, c) {
			return MappingError{
				Class:      cm.Name,
				Field:      m.FieldName,
				Detail:     fmt.Sprintf("unknown cascade %q", c),
				Suggestion: Suggest(c, knownCascades),
				Kind:       ErrInvalidMapping,
			}
		}
		cascades = append(cascades, c)
	}
	switch {
	case m.Embedded:
		cascades = slices.Clone(embeddedCascades)
	case slices.Contains(cascades, CascadeAll):
		expanded := slices.Clone(allCascades)
		if slices.Contains(cascades, CascadeCallbacks) {
			expanded = append(expanded, CascadeCallbacks)
		}
		cascades = expanded
	}
	if m.Embedded {
		m.Cascade = nil
	} else if len(cascades) > 0 {
		m.Cascade = cascades
	} else {
		m.Cascade = nil
	}
	m.IsCascadeRemove = slices.Contains(cascades, CascadeRemove)
	m.IsCascadePersist = slices.Contains(cascades, CascadePersist)
	m.IsCascadeRefresh = slices.Contains(cascades, CascadeRefresh)
	m.IsCascadeMerge = slices.Contains(cascades, CascadeMerge)
	m.IsCascadeDetach = slices.Contains(cascades, CascadeDetach)
	m.IsCascadeCallbacks = slices.Contains(cascades, CascadeCallbacks)

	var generator GeneratorType
	if m.ID {
		gt, err := cm.mapIdentifier(&m)
		if err != nil {
			return err
		}
		generator = gt
	}

	m.Association = AssociationNone
	if m.Reference || m.Embedded {
		switch m.Type {
		case "", TypeOne:
			m.Type = TypeOne
		case TypeMany:
		default:
			return invalid(cm.Name, m.FieldName, "association type must be %q or %q, got %q", TypeOne, TypeMany, m.Type)
		}
		switch {
		case m.Reference && m.Type == TypeOne:
			m.Association = ReferenceOne
		case m.Reference:
			m.Association = ReferenceMany
		case m.Type == TypeOne:
			m.Association = EmbedOne
		default:
			m.Association = EmbedMany
		}
	}

	if m.IsAssociation() && m.TargetDocument == "" && m.DiscriminatorField == "" {
		m.DiscriminatorField = DefaultDiscriminatorField
	}

	if m.Reference && m.Simple && m.TargetDocument == "" {
		return invalid(cm.Name, m.FieldName, "simple references require a target document")
	}
	if m.Reference && m.TargetDocument == "" && len(m.DiscriminatorMap) == 0 && (m.MappedBy != "" || m.InversedBy != "") {
		return invalid(cm.Name, m.FieldName, "owning and inverse references require a target document")
	}

	if m.Type == TypeMany || m.Type == TypeCollection {
		if m.Strategy == "" {
			m.Strategy = StrategyPushAll
		}
		if !slices.Contains(collectionStrategies, m.Strategy) {
			return MappingError{
				Class:      cm.Name,
				Field:      m.FieldName,
				Detail:     fmt.Sprintf("unknown collection strategy %q", m.Strategy),
				Suggestion: Suggest(m.Strategy, collectionStrategies),
				Kind:       ErrInvalidMapping,
			}
		}
		if cm.IsEmbeddedDocument && isAtomicStrategy(m.Strategy) {
			return invalid(cm.Name, m.FieldName, "atomic collection strategy %q is not allowed in embedded documents", m.Strategy)
		}
	}

	m.IsOwningSide = true
	m.IsInverseSide = false
	if m.Reference {
		if m.MappedBy != "" {
			m.IsInverseSide = true
			m.IsOwningSide = false
			m.NotSaved = true
		}
	}

	if other, ok := cm.byStored[m.Name]; ok && other != m.FieldName {
		return invalid(cm.Name, m.FieldName, "stored name %q is already used by field %q", m.Name, other)
	}
	if prev, ok := cm.FieldMappings[m.FieldName]; ok {
		delete(cm.byStored, prev.Name)
		delete(cm.AssociationMappings, m.FieldName)
	} else {
		cm.fieldOrder = append(cm.fieldOrder, m.FieldName)
	}
	if m.ID {
		cm.Identifier = m.FieldName
		cm.GeneratorType = generator
	}
	cm.FieldMappings[m.FieldName] = m
	cm.byStored[m.Name] = m.FieldName
	if m.IsAssociation() {
		cm.AssociationMappings[m.FieldName] = m
	}
	return nil
}

// mapIdentifier derives the identifier mapping and returns the generator it implies. It
// leaves cm untouched; MapField records the identifier once every check has passed.
func (cm *ClassMetadata) mapIdentifier(m *FieldMapping) (GeneratorType, error) {
	if cm.Identifier != "" && cm.Identifier != m.FieldName {
		return "", invalid(cm.Name, m.FieldName, "identifier already mapped to field %q", cm.Identifier)
	}
	if m.Reference || m.Embedded {
		return "", invalid(cm.Name, m.FieldName, "the identifier cannot be an association")
	}
	m.Name = "_id"
	gt := cm.GeneratorType
	if m.Strategy != "" {
		gt = GeneratorType(strings.ToLower(m.Strategy))
		switch gt {
		case GeneratorAuto, GeneratorUUID, GeneratorNone:
		default:
			return "", invalid(cm.Name, m.FieldName, "unknown identifier strategy %q", m.Strategy)
		}
	}
	m.Strategy = string(gt)
	switch gt {
	case GeneratorAuto, GeneratorUUID:
		m.Type = TypeID
	default:
		if m.Type == "" {
			m.Type = TypeCustomID
		}
	}
	return gt, nil
}

// MapOneReference maps a single-valued reference.
func (cm *ClassMetadata) MapOneReference(m FieldMapping) error {
	m.Reference, m.Type = true, TypeOne
	return cm.MapField(m)
}

// MapManyReference maps a collection of references.
func (cm *ClassMetadata) MapManyReference(m FieldMapping) error {
	m.Reference, m.Type = true, TypeMany
	return cm.MapField(m)
}

// MapOneEmbedded maps a single embedded document.
func (cm *ClassMetadata) MapOneEmbedded(m FieldMapping) error {
	m.Embedded, m.Type = true, TypeOne
	return cm.MapField(m)
}

// MapManyEmbedded maps a collection of embedded documents.
func (cm *ClassMetadata) MapManyEmbedded(m FieldMapping) error {
	m.Embedded, m.Type = true, TypeMany
	return cm.MapField(m)
}

// GetFieldMapping returns the mapping registered for fieldName.
func (cm *ClassMetadata) GetFieldMapping(fieldName string) (FieldMapping, error) {
	m, ok := cm.FieldMappings[fieldName]
	if !ok {
		return FieldMapping{}, cm.fieldNotFound(fieldName)
	}
	return m, nil
}

func (cm *ClassMetadata) fieldNotFound(fieldName string) error {
	return MappingError{
		Class:      cm.Name,
		Field:      fieldName,
		Detail:     "no mapping found for field",
		Suggestion: Suggest(fieldName, cm.fieldOrder),
		Kind:       ErrFieldNotFound,
	}
}

// FieldByStoredName returns the mapping whose stored key is name.
func (cm *ClassMetadata) FieldByStoredName(name string) (FieldMapping, bool) {
	field, ok := cm.byStored[name]
	if !ok {
		return FieldMapping{}, false
	}
	return cm.FieldMappings[field], true
}

// HasField reports whether fieldName is mapped.
func (cm *ClassMetadata) HasField(fieldName string) bool {
	_, ok := cm.FieldMappings[fieldName]
	return ok
}

// IsIdentifier reports whether fieldName is the identifier field.
func (cm *ClassMetadata) IsIdentifier(fieldName string) bool {
	return cm.Identifier != "" && cm.Identifier == fieldName
}

// HasAssociation reports whether fieldName is a reference or embed mapping.
func (cm *ClassMetadata) HasAssociation(fieldName string) bool {
	_, ok := cm.AssociationMappings[fieldName]
	return ok
}

// IsSingleValuedAssociation reports whether fieldName is a reference-one or embed-one mapping.
func (cm *ClassMetadata) IsSingleValuedAssociation(fieldName string) bool {
	m, ok := cm.AssociationMappings[fieldName]
	return ok && m.Type == TypeOne
}

// IsCollectionValuedAssociation reports whether fieldName is a reference-many or embed-many mapping.
func (cm *ClassMetadata) IsCollectionValuedAssociation(fieldName string) bool {
	m, ok := cm.AssociationMappings[fieldName]
	return ok && m.Type == TypeMany
}

// FieldNames returns the mapped field names in mapping order.
func (cm *ClassMetadata) FieldNames() []string {
	return slices.Clone(cm.fieldOrder)
}

// SetCustomRepositoryClass records the repository resolved for this class. Unqualified
// names are resolved against the class namespace.
func (cm *ClassMetadata) SetCustomRepositoryClass(name string) {
	cm.CustomRepositoryClassName = cm.qualify(name)
}

// SetCollection sets the collection the class is stored in.
func (cm *ClassMetadata) SetCollection(name string) {
	cm.Collection = name
}

// SetIdGenerator overrides the identifier generator.
func (cm *ClassMetadata) SetIdGenerator(gt GeneratorType) {
	cm.GeneratorType = gt
	if cm.Identifier == "" {
		return
	}
	m := cm.FieldMappings[cm.Identifier]
	m.Strategy = string(gt)
	cm.FieldMappings[cm.Identifier] = m
}

// SetInheritanceType sets how the class hierarchy is stored.
func (cm *ClassMetadata) SetInheritanceType(t InheritanceType) {
	cm.InheritanceType = t
}

// SetDiscriminatorField sets the class-level discriminator key.
func (cm *ClassMetadata) SetDiscriminatorField(name string) {
	cm.DiscriminatorField = name
}

// SetDiscriminatorMap records alias to class mappings. When the class itself appears in
// the map its alias becomes the discriminator value.
func (cm *ClassMetadata) SetDiscriminatorMap(m map[string]string) {
	cm.DiscriminatorMap = make(map[string]string, len(m))
	for alias, class := range m {
		class = cm.qualify(class)
		cm.DiscriminatorMap[alias] = class
		if class == cm.Name {
			cm.DiscriminatorValue = alias
		}
	}
}

// DiscriminatorAlias returns the alias for class in the discriminator map, or the class
// name when it is not mapped.
func (cm *ClassMetadata) DiscriminatorAlias(class string) string {
	aliases := make([]string, 0, len(cm.DiscriminatorMap))
	for alias := range cm.DiscriminatorMap {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		if cm.DiscriminatorMap[alias] == class {
			return alias
		}
	}
	return class
}

// Validate checks class-level invariants after all fields are mapped.
func (cm *ClassMetadata) Validate() error {
	var problems MappingErrorList
	if !cm.IsEmbeddedDocument && !cm.IsMappedSuperclass {
		if cm.Identifier == "" {
			problems.add(invalid(cm.Name, "", "documents must map an identifier"))
		}
		if cm.Collection == "" {
			problems.add(invalid(cm.Name, "", "documents must declare a collection"))
		}
	}
	if cm.IsEmbeddedDocument && cm.Identifier != "" {
		m := cm.FieldMappings[cm.Identifier]
		if m.Strategy != string(GeneratorNone) {
			problems.add(invalid(cm.Name, cm.Identifier, "embedded documents cannot generate identifiers"))
		}
	}
	if cm.DiscriminatorField != "" {
		if _, ok := cm.byStored[cm.DiscriminatorField]; ok {
			problems.add(invalid(cm.Name, "", "discriminator field %q collides with a mapped field", cm.DiscriminatorField))
		}
	}
	for _, name := range cm.fieldOrder {
		m := cm.FieldMappings[name]
		if m.MappedBy != "" && m.InversedBy != "" {
			problems.add(invalid(cm.Name, name, "a reference cannot be both mappedBy and inversedBy"))
		}
	}
	if cm.Type != nil {
		cm.checkType(&problems)
	}
	return problems.err()
}

package mapping

import "slices"

// AssociationType classifies reference and embed mappings.
type AssociationType int

const (
	AssociationNone AssociationType = iota
	ReferenceOne
	ReferenceMany
	EmbedOne
	EmbedMany
)

func (a AssociationType) String() string {
	switch a {
	case ReferenceOne:
		return "referenceOne"
	case ReferenceMany:
		return "referenceMany"
	case EmbedOne:
		return "embedOne"
	case EmbedMany:
		return "embedMany"
	default:
		return "none"
	}
}

// Association value types.
const (
	TypeOne  = "one"
	TypeMany = "many"
)

// Scalar field types understood by the hydrator and the drivers.
const (
	TypeID         = "id"
	TypeCustomID   = "custom_id"
	TypeString     = "string"
	TypeInt        = "int"
	TypeFloat      = "float"
	TypeBool       = "bool"
	TypeDate       = "date"
	TypeHash       = "hash"
	TypeCollection = "collection"
	TypeRaw        = "raw"
)

// Cascade operations.
const (
	CascadeAll       = "all"
	CascadeRemove    = "remove"
	CascadePersist   = "persist"
	CascadeRefresh   = "refresh"
	CascadeMerge     = "merge"
	CascadeDetach    = "detach"
	CascadeCallbacks = "callbacks"
)

var (
	allCascades      = []string{CascadeRemove, CascadePersist, CascadeRefresh, CascadeMerge, CascadeDetach}
	embeddedCascades = []string{CascadeRemove, CascadePersist, CascadeRefresh, CascadeMerge, CascadeDetach, CascadeCallbacks}
	knownCascades    = append([]string{CascadeAll, CascadeCallbacks}, allCascades...)
)

// Collection strategies for many-valued fields.
const (
	StrategyPushAll        = "pushAll"
	StrategyAddToSet       = "addToSet"
	StrategySet            = "set"
	StrategySetArray       = "setArray"
	StrategyAtomicSet      = "atomicSet"
	StrategyAtomicSetArray = "atomicSetArray"
)

var collectionStrategies = []string{
	StrategyPushAll, StrategyAddToSet, StrategySet, StrategySetArray, StrategyAtomicSet, StrategyAtomicSetArray,
}

func isAtomicStrategy(s string) bool {
	return s == StrategyAtomicSet || s == StrategyAtomicSetArray
}

// FieldMapping describes how one document field is stored. MapField fills in the
// derived attributes (stored name, association kind, cascade flags, sides).
type FieldMapping struct {
	// FieldName is the Go struct field name.
	FieldName string
	// Name is the key used in the stored document.
	Name string
	Type string

	ID       bool
	Strategy string

	Reference      bool
	Embedded       bool
	Simple         bool
	Association    AssociationType
	TargetDocument string

	DiscriminatorField string
	DiscriminatorMap   map[string]string

	Cascade            []string
	IsCascadeRemove    bool
	IsCascadePersist   bool
	IsCascadeRefresh   bool
	IsCascadeMerge     bool
	IsCascadeDetach    bool
	IsCascadeCallbacks bool

	Nullable      bool
	NotSaved      bool
	IsOwningSide  bool
	IsInverseSide bool
	MappedBy      string
	InversedBy    string
	OrphanRemoval bool
}

// IsAssociation reports whether the field references or embeds other documents.
func (m FieldMapping) IsAssociation() bool { return m.Association != AssociationNone }

// IsMany reports whether the field holds a collection of associated documents.
func (m FieldMapping) IsMany() bool {
	return m.Association == ReferenceMany || m.Association == EmbedMany
}

// HasCascade reports whether op propagates through this mapping.
func (m FieldMapping) HasCascade(op string) bool {
	switch op {
	case CascadeRemove:
		return m.IsCascadeRemove
	case CascadePersist:
		return m.IsCascadePersist
	case CascadeRefresh:
		return m.IsCascadeRefresh
	case CascadeMerge:
		return m.IsCascadeMerge
	case CascadeDetach:
		return m.IsCascadeDetach
	case CascadeCallbacks:
		return m.IsCascadeCallbacks
	default:
		return false
	}
}

func (m FieldMapping) clone() FieldMapping {
	m.Cascade = slices.Clone(m.Cascade)
	if m.DiscriminatorMap != nil {
		dm := make(map[string]string, len(m.DiscriminatorMap))
		for k, v := range m.DiscriminatorMap {
			dm[k] = v
		}
		m.DiscriminatorMap = dm
	}
	return m
}

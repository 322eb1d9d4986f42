package odm

import (
	"fmt"
	"reflect"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/proxy"
)

type documentState int

const (
	stateManaged documentState = iota
	stateNew
	stateRemoved
)

func (s documentState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateRemoved:
		return "removed"
	default:
		return "managed"
	}
}

// entry is the unit of work's record of one document.
type entry struct {
	cm    *mapping.ClassMetadata
	doc   any
	id    any
	key   string
	state documentState

	// loaded is false while doc is the placeholder of an uninitialized proxy.
	loaded  bool
	loading bool
	ref     *proxy.Reference

	snapshot map[string]string
	dropped  bool
}

func (e *entry) label() string { return e.cm.Name + "#" + e.key }

// unitOfWork keeps the identity map and the scheduled changes of a document manager.
type unitOfWork struct {
	identity map[string]map[string]*entry
	byDoc    map[any]*entry
	order    []*entry
}

func newUnitOfWork() *unitOfWork {
	return &unitOfWork{
		identity: make(map[string]map[string]*entry),
		byDoc:    make(map[any]*entry),
	}
}

// idKey normalises identifiers so that equal values of different Go types share an
// identity map slot and a stored row.
func idKey(id any) string {
	return fmt.Sprint(id)
}

// unassigned reports whether id still has to be generated: nil, a nil pointer, or the
// zero value of the type pointed to.
func unassigned(id any) bool {
	rv := reflect.ValueOf(id)
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return true
		}
		rv = rv.Elem()
	}
	return !rv.IsValid() || rv.IsZero()
}

func (u *unitOfWork) lookup(class, key string) *entry {
	return u.identity[class][key]
}

func (u *unitOfWork) entryFor(doc any) *entry {
	doc = proxy.Unwrap(doc)
	if rv := reflect.ValueOf(doc); rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil
	}
	return u.byDoc[doc]
}

func (u *unitOfWork) add(e *entry) {
	byKey, ok := u.identity[e.cm.Name]
	if !ok {
		byKey = make(map[string]*entry)
		u.identity[e.cm.Name] = byKey
	}
	byKey[e.key] = e
	u.byDoc[e.doc] = e
	u.order = append(u.order, e)
}

func (u *unitOfWork) drop(e *entry) {
	if byKey, ok := u.identity[e.cm.Name]; ok && byKey[e.key] == e {
		delete(byKey, e.key)
	}
	if u.byDoc[e.doc] == e {
		delete(u.byDoc, e.doc)
	}
	e.dropped = true
}

// live returns the tracked entries in registration order.
func (u *unitOfWork) live() []*entry {
	out := u.order[:0]
	for _, e := range u.order {
		if !e.dropped {
			out = append(out, e)
		}
	}
	u.order = out
	return append([]*entry(nil), out...)
}

func (u *unitOfWork) clear() {
	for _, e := range u.order {
		e.dropped = true
	}
	u.identity = make(map[string]map[string]*entry)
	u.byDoc = make(map[any]*entry)
	u.order = nil
}

func (u *unitOfWork) size() int {
	return len(u.byDoc)
}

// changedFields lists the stored fields whose encoded value differs from the snapshot.
func changedFields(before, after map[string]string) []string {
	var changed []string
	for name, raw := range after {
		if prev, ok := before[name]; !ok || prev != raw {
			changed = append(changed, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// referencedKeys extracts the identifier keys held by an encoded reference field.
func referencedKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil
	}
	var keys []string
	var collect func(v any)
	collect = func(v any) {
		switch t := v.(type) {
		case nil:
		case []any:
			for _, item := range t {
				collect(item)
			}
		case map[string]any:
			if id, ok := t[RefIDKey]; ok {
				keys = append(keys, idKey(id))
			}
		default:
			keys = append(keys, idKey(t))
		}
	}
	collect(value)
	return keys
}

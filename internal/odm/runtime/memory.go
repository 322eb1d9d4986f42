package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// MemoryStore is an in-process DocumentStore. Criteria are evaluated against the decoded
// document bodies with the same operators the SQL dialects support.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	observer    QueryObserver
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(observer ...QueryObserver) *MemoryStore {
	s := &MemoryStore{collections: make(map[string]map[string][]byte)}
	if len(observer) > 0 {
		s.observer = observer[0]
	}
	return s
}

var _ DocumentStore = (*MemoryStore)(nil)

func (s *MemoryStore) collection(name string) map[string][]byte {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string][]byte)
		s.collections[name] = c
	}
	return c
}

// Insert implements DocumentStore.
func (s *MemoryStore) Insert(ctx context.Context, collection string, docs []Document) (err error) {
	obs := s.observer.Observe(ctx, OperationInsert, collection, "", nil, OnStore(StoreMemory), Documents(len(docs)))
	defer func() { obs.End(err) }()
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	for _, d := range docs {
		if _, ok := c[d.ID]; ok {
			return fmt.Errorf("runtime: duplicate id %q in %s", d.ID, collection)
		}
	}
	for _, d := range docs {
		c[d.ID] = append([]byte(nil), d.Body...)
	}
	return nil
}

// Update implements DocumentStore.
func (s *MemoryStore) Update(ctx context.Context, collection string, docs []Document) (err error) {
	obs := s.observer.Observe(ctx, OperationUpdate, collection, "", nil, OnStore(StoreMemory), Documents(len(docs)))
	defer func() { obs.End(err) }()
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	for _, d := range docs {
		c[d.ID] = append([]byte(nil), d.Body...)
	}
	return nil
}

// Delete implements DocumentStore.
func (s *MemoryStore) Delete(ctx context.Context, collection string, ids []string) (err error) {
	obs := s.observer.Observe(ctx, OperationDelete, collection, "", nil, OnStore(StoreMemory), Documents(len(ids)))
	defer func() { obs.End(err) }()
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	for _, id := range ids {
		delete(c, id)
	}
	return nil
}

// Load implements DocumentStore.
func (s *MemoryStore) Load(ctx context.Context, collection, id string) (doc Document, ok bool, err error) {
	obs := s.observer.Observe(ctx, OperationLoad, collection, "", []any{id}, OnStore(StoreMemory))
	defer func() { obs.End(err) }()
	if err := ValidateCollection(collection); err != nil {
		return Document{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.collections[collection][id]
	if !ok {
		return Document{}, false, nil
	}
	return Document{ID: id, Body: append([]byte(nil), body...)}, true, nil
}

// Find implements DocumentStore.
func (s *MemoryStore) Find(ctx context.Context, spec FindSpec) (out []Document, err error) {
	obs := s.observer.Observe(ctx, OperationFind, spec.Collection, "", nil, OnStore(StoreMemory))
	defer func() { obs.End(err) }()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	type row struct {
		doc  Document
		tree map[string]any
	}
	rows := make([]row, 0, len(s.collections[spec.Collection]))
	for id, body := range s.collections[spec.Collection] {
		var tree map[string]any
		if err := json.Unmarshal(body, &tree); err != nil {
			s.mu.RUnlock()
			return nil, fmt.Errorf("runtime: decode %s/%s: %w", spec.Collection, id, err)
		}
		rows = append(rows, row{doc: Document{ID: id, Body: append([]byte(nil), body...)}, tree: tree})
	}
	s.mu.RUnlock()

	matched := rows[:0]
	for _, r := range rows {
		ok := true
		for _, c := range spec.Criteria {
			if ok, err = matches(lookupPath(r.tree, c.Path), c); err != nil {
				return nil, err
			} else if !ok {
				break
			}
		}
		if ok {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		for _, o := range spec.Orders {
			c := compare(lookupPath(matched[i].tree, o.Path), lookupPath(matched[j].tree, o.Path))
			if c == 0 {
				continue
			}
			if o.Direction == SortDesc {
				return c > 0
			}
			return c < 0
		}
		return matched[i].doc.ID < matched[j].doc.ID
	})

	if spec.Offset > 0 {
		if spec.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[spec.Offset:]
		}
	}
	if spec.Limit > 0 && len(matched) > spec.Limit {
		matched = matched[:spec.Limit]
	}
	out = make([]Document, len(matched))
	for i, r := range matched {
		out[i] = r.doc
	}
	return out, nil
}

func lookupPath(tree map[string]any, path []string) any {
	var cur any = tree
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// normalise maps a criterion value onto the shape produced by decoding JSON.
func normalise(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func matches(actual any, c Criterion) (bool, error) {
	op := c.Operator
	if op == "" {
		op = OpEqual
	}
	if op == OpLike {
		if actual == nil {
			return false, nil
		}
		return likeMatch(fmt.Sprint(actual), fmt.Sprint(c.Value)), nil
	}
	expected, err := normalise(c.Value)
	if err != nil {
		return false, err
	}
	if actual == nil || expected == nil {
		switch op {
		case OpEqual:
			return actual == nil && expected == nil, nil
		case OpNotEqual:
			return (actual == nil) != (expected == nil), nil
		default:
			return false, nil
		}
	}
	cmp := compare(actual, expected)
	switch op {
	case OpEqual:
		return cmp == 0, nil
	case OpNotEqual:
		return cmp != 0, nil
	case OpGreaterThan:
		return cmp > 0, nil
	case OpLessThan:
		return cmp < 0, nil
	case OpGTE:
		return cmp >= 0, nil
	case OpLTE:
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("runtime: unsupported operator %q", op)
}

// compare orders decoded JSON values: nulls first, then numbers, strings and booleans;
// composite values compare by their encoded form.
func compare(a, b any) int {
	rank := func(v any) int {
		switch v.(type) {
		case nil:
			return 0
		case float64:
			return 1
		case string:
			return 2
		case bool:
			return 3
		default:
			return 4
		}
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case nil:
		return 0
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	default:
		ja, _ := json.Marshal(a)
		jb, _ := json.Marshal(b)
		return strings.Compare(string(ja), string(jb))
	}
}

// likeMatch implements SQL LIKE with % and _ wildcards.
func likeMatch(s, pattern string) bool {
	sr, pr := []rune(s), []rune(pattern)
	var match func(i, j int) bool
	match = func(i, j int) bool {
		for j < len(pr) {
			switch pr[j] {
			case '%':
				for k := i; k <= len(sr); k++ {
					if match(k, j+1) {
						return true
					}
				}
				return false
			case '_':
				if i >= len(sr) {
					return false
				}
			default:
				if i >= len(sr) || sr[i] != pr[j] {
					return false
				}
			}
			i++
			j++
		}
		return i == len(sr)
	}
	return match(0, 0)
}

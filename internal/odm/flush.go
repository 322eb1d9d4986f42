package odm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deicod/odm/internal/observability/tracing"
	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/runtime"
)

type encoded struct {
	body     []byte
	snapshot map[string]string
}

type collectionBatch struct {
	collection string
	docs       []runtime.Document
	ids        []string
	entries    []*entry
}

// batches groups entries per collection, keeping the order in which collections first appear.
type batches struct {
	order  []string
	byName map[string]*collectionBatch
}

func (b *batches) get(collection string) *collectionBatch {
	if b.byName == nil {
		b.byName = make(map[string]*collectionBatch)
	}
	batch, ok := b.byName[collection]
	if !ok {
		batch = &collectionBatch{collection: collection}
		b.byName[collection] = batch
		b.order = append(b.order, collection)
	}
	return batch
}

func (b *batches) each(fn func(*collectionBatch) error) error {
	for _, name := range b.order {
		if err := fn(b.byName[name]); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes scheduled inserts, detected updates and scheduled deletions to the store.
// Inserts run before updates and updates before deletions, grouped per collection. Stores
// implementing runtime.Transactor apply the whole flush in one transaction.
func (dm *DocumentManager) Flush(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := tracing.StartFlush(ctx, dm.tracer, dm.uow.size())
	log := FlushLog{Changes: map[string][]string{}}
	defer func() {
		log.Duration = time.Since(start)
		log.Err = err
		span.Annotate(tracing.FlushCounts(log.Inserts, log.Updates, log.Deletes)...)
		span.End(err)
		dm.collector.RecordFlush(log.Inserts, log.Updates, log.Deletes, log.Duration)
		if dm.logger != nil {
			dm.logger.LogFlush(ctx, log)
		}
	}()

	computed, err := dm.computeChanges(ctx)
	if err != nil {
		return err
	}

	var inserts, updates, deletes batches
	for _, e := range dm.uow.live() {
		switch e.state {
		case stateNew:
			enc, ok := computed[e]
			if !ok {
				if enc, err = dm.encodeEntry(ctx, e); err != nil {
					return err
				}
				computed[e] = enc
			}
			b := inserts.get(e.cm.Collection)
			b.docs = append(b.docs, runtime.Document{ID: e.key, Body: enc.body})
			b.entries = append(b.entries, e)
		case stateManaged:
			enc, ok := computed[e]
			if !ok || enc.body == nil {
				continue
			}
			b := updates.get(e.cm.Collection)
			b.docs = append(b.docs, runtime.Document{ID: e.key, Body: enc.body})
			b.entries = append(b.entries, e)
			log.Changes[e.label()] = changedFields(e.snapshot, enc.snapshot)
		case stateRemoved:
			b := deletes.get(e.cm.Collection)
			b.ids = append(b.ids, e.key)
			b.entries = append(b.entries, e)
		}
	}
	if len(inserts.order)+len(updates.order)+len(deletes.order) == 0 {
		return nil
	}

	write := func(ctx context.Context, store runtime.DocumentStore) error {
		if err := inserts.each(func(b *collectionBatch) error {
			return store.Insert(ctx, b.collection, b.docs)
		}); err != nil {
			return fmt.Errorf("odm: flush inserts: %w", err)
		}
		if err := updates.each(func(b *collectionBatch) error {
			return store.Update(ctx, b.collection, b.docs)
		}); err != nil {
			return fmt.Errorf("odm: flush updates: %w", err)
		}
		if err := deletes.each(func(b *collectionBatch) error {
			return store.Delete(ctx, b.collection, b.ids)
		}); err != nil {
			return fmt.Errorf("odm: flush deletes: %w", err)
		}
		return nil
	}
	if tx, ok := dm.store.(runtime.Transactor); ok {
		err = tx.WithinTx(ctx, write)
	} else {
		err = write(ctx, dm.store)
	}
	if err != nil {
		return err
	}

	// The write is committed at this point; callback failures are reported, not undone.
	var callbackErrs []error
	post := func(e *entry, event lifecycleEvent) {
		if err := dm.dispatch(ctx, e.cm, e.doc, event); err != nil {
			callbackErrs = append(callbackErrs, fmt.Errorf("%s: %s: %w", e.label(), event, err))
		}
	}
	collections := map[string]struct{}{}
	_ = inserts.each(func(b *collectionBatch) error {
		collections[b.collection] = struct{}{}
		for _, e := range b.entries {
			e.state = stateManaged
			e.snapshot = computed[e].snapshot
			log.Inserts++
			post(e, eventPostPersist)
		}
		return nil
	})
	_ = updates.each(func(b *collectionBatch) error {
		collections[b.collection] = struct{}{}
		for _, e := range b.entries {
			e.snapshot = computed[e].snapshot
			log.Updates++
			post(e, eventPostUpdate)
		}
		return nil
	})
	_ = deletes.each(func(b *collectionBatch) error {
		collections[b.collection] = struct{}{}
		for _, e := range b.entries {
			dm.uow.drop(e)
			log.Deletes++
			if e.loaded {
				post(e, eventPostRemove)
			}
		}
		return nil
	})
	for _, b := range [][]string{inserts.order, updates.order, deletes.order} {
		for _, name := range b {
			if _, ok := collections[name]; ok {
				log.Collections = append(log.Collections, name)
				delete(collections, name)
			}
		}
	}
	if len(callbackErrs) > 0 {
		return fmt.Errorf("%w: %w", ErrPostFlushCallback, errors.Join(callbackErrs...))
	}
	return nil
}

// computeChanges encodes managed documents, runs preUpdate on the changed ones and
// schedules orphaned references for removal. Unchanged documents map to an empty body.
func (dm *DocumentManager) computeChanges(ctx context.Context) (map[*entry]encoded, error) {
	if err := dm.persistReachable(ctx); err != nil {
		return nil, err
	}
	computed := make(map[*entry]encoded)
	for _, e := range dm.uow.live() {
		if e.state != stateManaged || !e.loaded {
			continue
		}
		enc, err := dm.encodeEntry(ctx, e)
		if err != nil {
			return nil, err
		}
		if len(changedFields(e.snapshot, enc.snapshot)) == 0 {
			computed[e] = encoded{}
			continue
		}
		if err := dm.dispatch(ctx, e.cm, e.doc, eventPreUpdate); err != nil {
			return nil, fmt.Errorf("odm: %s: preUpdate: %w", e.label(), err)
		}
		if enc, err = dm.encodeEntry(ctx, e); err != nil {
			return nil, err
		}
		computed[e] = enc
		if err := dm.removeOrphans(ctx, e, enc.snapshot); err != nil {
			return nil, err
		}
	}
	return computed, nil
}

// persistReachable registers documents that were attached to tracked documents through
// cascade-persist references after Persist ran. Removed documents are left alone.
func (dm *DocumentManager) persistReachable(ctx context.Context) error {
	visited := map[any]bool{}
	for _, e := range dm.uow.live() {
		if e.state == stateRemoved || !e.loaded {
			continue
		}
		visited[e.doc] = true
		err := dm.cascade(ctx, e.cm, e.doc, mapping.CascadePersist, func(target any) error {
			if t := dm.uow.entryFor(target); t != nil {
				return nil
			}
			return dm.persist(ctx, target, visited)
		})
		if err != nil {
			return fmt.Errorf("odm: cascade persist %s: %w", e.label(), err)
		}
	}
	return nil
}

func (dm *DocumentManager) encodeEntry(ctx context.Context, e *entry) (encoded, error) {
	body, snapshot, err := dm.encode(ctx, e.cm, e.doc)
	if err != nil {
		return encoded{}, fmt.Errorf("odm: encode %s: %w", e.label(), err)
	}
	return encoded{body: body, snapshot: snapshot}, nil
}

// removeOrphans removes documents that were dropped from orphanRemoval references.
func (dm *DocumentManager) removeOrphans(ctx context.Context, e *entry, current map[string]string) error {
	for _, name := range e.cm.FieldNames() {
		m := e.cm.FieldMappings[name]
		if !m.Reference || !m.OrphanRemoval || m.NotSaved {
			continue
		}
		kept := map[string]struct{}{}
		for _, key := range referencedKeys(current[m.Name]) {
			kept[key] = struct{}{}
		}
		for _, key := range referencedKeys(e.snapshot[m.Name]) {
			if _, ok := kept[key]; ok {
				continue
			}
			orphan := dm.uow.lookup(m.TargetDocument, key)
			if orphan == nil || orphan.state != stateManaged {
				continue
			}
			if err := dm.remove(ctx, orphan.doc, map[any]bool{}); err != nil {
				return err
			}
		}
	}
	return nil
}

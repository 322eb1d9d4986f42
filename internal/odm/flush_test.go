package odm

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/deicod/odm/internal/observability/metrics"
	"github.com/deicod/odm/internal/observability/tracing"
	"github.com/deicod/odm/internal/odm/documents"
	"github.com/deicod/odm/internal/odm/driver"
	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/runtime"
)

func TestLifecycleCallbacks(t *testing.T) {
	ctx := context.Background()
	dm, _ := newManager(t)

	if err := dm.Persist(ctx, &documents.Order{Status: "open"}); !errors.Is(err, documents.ErrEmptyOrder) {
		t.Fatalf("expected prePersist error, got %v", err)
	}
	if dm.Size() != 0 {
		t.Fatalf("expected rejected order to stay untracked")
	}

	order := &documents.Order{Status: "open", Lines: []documents.OrderLine{{SKU: "a-1", Quantity: 2}}}
	if err := dm.Persist(ctx, order); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if order.CreatedAt.IsZero() {
		t.Fatalf("expected prePersist to set CreatedAt")
	}
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	assertEvents(t, order, "prePersist", "postPersist")

	order.Status = "paid"
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	assertEvents(t, order, "prePersist", "postPersist", "preUpdate", "postUpdate")
	if want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC); !order.UpdatedAt.Equal(want) {
		t.Fatalf("expected preUpdate to set UpdatedAt, got %v", order.UpdatedAt)
	}
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	assertEvents(t, order, "prePersist", "postPersist", "preUpdate", "postUpdate")

	dm.Clear()
	loaded, err := Find[documents.Order](ctx, dm, order.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	assertEvents(t, loaded, "postLoad")
	if len(loaded.Lines) != 1 || !loaded.Lines[0].Loaded || loaded.Lines[0].SKU != "a-1" {
		t.Fatalf("expected postLoad to reach embedded lines, got %+v", loaded.Lines)
	}
	if !loaded.UpdatedAt.Equal(order.UpdatedAt) || loaded.Status != "paid" {
		t.Fatalf("unexpected loaded order %+v", loaded)
	}

	if err := dm.Remove(ctx, loaded); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	assertEvents(t, loaded, "postLoad", "preRemove", "postRemove")
}

func assertEvents(t *testing.T, order *documents.Order, want ...string) {
	t.Helper()
	if !reflect.DeepEqual(order.Events, want) {
		t.Fatalf("expected events %v, got %v", want, order.Events)
	}
}

func TestFlushLogAndMetrics(t *testing.T) {
	ctx := context.Background()
	counters := metrics.NewCounters()
	var logs []FlushLog
	dm, _ := newManager(t,
		WithCollector(counters),
		WithLogger(LoggerFunc(func(_ context.Context, entry FlushLog) {
			logs = append(logs, entry)
		})),
	)
	cm, _ := dm.GetClassMetadata(ctx, "Album")

	first, second := documents.NewAlbum("ten"), documents.NewAlbum("vs")
	persistAll(t, dm, first, second)
	first.Name = "yield"
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := dm.Remove(ctx, second); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(logs) != 3 {
		t.Fatalf("expected three flush logs, got %d", len(logs))
	}
	if logs[0].Inserts != 2 || !reflect.DeepEqual(logs[0].Collections, []string{"albums"}) {
		t.Fatalf("unexpected insert log %+v", logs[0])
	}
	key := cm.Name + "#" + first.ID
	if logs[1].Updates != 1 || !reflect.DeepEqual(logs[1].Changes[key], []string{"name"}) {
		t.Fatalf("unexpected update log %+v", logs[1])
	}
	if logs[2].Deletes != 1 || logs[2].Err != nil {
		t.Fatalf("unexpected delete log %+v", logs[2])
	}
	if counters.Flushes != 3 || counters.Inserted != 2 || counters.Updated != 1 || counters.Deleted != 1 {
		t.Fatalf("unexpected counters %+v", counters)
	}

	dm.Clear()
	ref, _ := dm.GetReference(ctx, "Album", first.ID)
	if err := ref.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if counters.ProxyLoads[cm.Name] != 1 {
		t.Fatalf("expected one proxy load, got %v", counters.ProxyLoads)
	}
}

type txStore struct {
	*runtime.MemoryStore
	transactions int
	failInsert   error
}

func (s *txStore) Insert(ctx context.Context, collection string, docs []runtime.Document) error {
	if s.failInsert != nil {
		return s.failInsert
	}
	return s.MemoryStore.Insert(ctx, collection, docs)
}

func (s *txStore) WithinTx(ctx context.Context, fn func(context.Context, runtime.DocumentStore) error) error {
	s.transactions++
	return fn(ctx, s)
}

func TestFlushRunsInsideTransaction(t *testing.T) {
	ctx := context.Background()
	dm, _ := newManager(t)
	store := &txStore{MemoryStore: runtime.NewMemoryStore(), failInsert: errors.New("boom")}
	dm = New(dm.Factory(), store)

	album := documents.NewAlbum("ten")
	if err := dm.Persist(ctx, album); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := dm.Flush(ctx); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected insert failure, got %v", err)
	}
	if store.transactions != 1 {
		t.Fatalf("expected flush inside a transaction, got %d", store.transactions)
	}

	store.failInsert = nil
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	storedBody(t, store.MemoryStore, "albums", album.ID)

	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if store.transactions != 2 {
		t.Fatalf("expected an empty flush to skip the transaction, got %d", store.transactions)
	}
}

func TestOrphanRemoval(t *testing.T) {
	ctx := context.Background()
	dm, store := newManager(t)
	kept, dropped := &documents.Track{Title: "one"}, &documents.Track{Title: "two"}
	playlist := &documents.Playlist{Name: "mix", Tracks: []*documents.Track{kept, dropped}}
	persistAll(t, dm, playlist)
	storedBody(t, store, "tracks", dropped.ID)

	playlist.Tracks = playlist.Tracks[:1]
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if dm.Contains(dropped) {
		t.Fatalf("expected orphaned track to be removed")
	}
	if _, ok, _ := store.Load(ctx, "tracks", dropped.ID); ok {
		t.Fatalf("expected orphaned track to be deleted")
	}
	storedBody(t, store, "tracks", kept.ID)
}

func TestInverseSideIsLoadedFromOwningSide(t *testing.T) {
	ctx := context.Background()
	dm, store := newManager(t)
	post := &documents.BlogPost{Title: "hello"}
	persistAll(t, dm, post)
	persistAll(t, dm,
		&documents.Comment{Text: "first", Post: post},
		&documents.Comment{Text: "second", Post: post},
	)
	if body := storedBody(t, store, "posts", post.ID); strings.Contains(body, "comments") {
		t.Fatalf("expected inverse side to stay out of storage, got %s", body)
	}

	dm.Clear()
	loaded, err := Find[documents.BlogPost](ctx, dm, post.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(loaded.Comments) != 2 {
		t.Fatalf("expected two comments, got %d", len(loaded.Comments))
	}
	texts := map[string]bool{}
	for _, c := range loaded.Comments {
		texts[c.Text] = true
		if c.Post != loaded {
			t.Fatalf("expected comment to point back at the managed post")
		}
		if body := storedBody(t, store, "comments", c.ID); !strings.Contains(body, `"post":"`+post.ID+`"`) {
			t.Fatalf("expected simple reference in %s", body)
		}
	}
	if !texts["first"] || !texts["second"] {
		t.Fatalf("unexpected comments %v", texts)
	}
}

func TestFlushCascadesPersistToNewReferences(t *testing.T) {
	ctx := context.Background()
	dm, store := newManager(t)
	user := &documents.User{Username: "jwage"}
	persistAll(t, dm, user)

	user.Account = &documents.Account{Name: "late"}
	user.Groups = append(user.Groups, &documents.Group{Name: "editors"})
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if user.Account.ID == "" || !dm.Contains(user.Account) {
		t.Fatalf("expected account to be persisted through the cascade")
	}
	if body := storedBody(t, store, "accounts", user.Account.ID); !strings.Contains(body, `"name":"late"`) {
		t.Fatalf("unexpected account body %s", body)
	}
	storedBody(t, store, "groups", user.Groups[0].ID)
	if body := storedBody(t, store, "users", user.ID); !strings.Contains(body, user.Account.ID) {
		t.Fatalf("expected user to reference the new account, got %s", body)
	}
}

func TestFlushRejectsNewReferenceWithoutCascade(t *testing.T) {
	ctx := context.Background()
	dm, _ := newManager(t)
	post := &documents.BlogPost{Title: "hello"}
	comment := &documents.Comment{Text: "first", Post: post}
	persistAll(t, dm, post, comment)

	draft := &documents.BlogPost{Title: "draft"}
	comment.Post = draft
	err := dm.Flush(ctx)
	if !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("expected missing identifier error, got %v", err)
	}
	if dm.Contains(draft) {
		t.Fatalf("expected draft without cascade to stay unmanaged")
	}
}

type journal struct {
	_     mapping.Document `odm:"collection=journals"`
	ID    string           `odm:"id"`
	Lines []journalLine    `odm:"embedMany"`

	afterPersist func()
}

func (j *journal) PostPersist(context.Context) {
	if j.afterPersist != nil {
		j.afterPersist()
	}
}

type journalLine struct {
	_    mapping.EmbeddedDocument
	Text string
}

// flakyDriver fails to load the classes marked broken.
type flakyDriver struct {
	*driver.TagDriver
	broken map[string]bool
}

func (d *flakyDriver) LoadMetadataForClass(name string, cm *mapping.ClassMetadata) error {
	if d.broken[name] {
		return errors.New("driver unavailable")
	}
	return d.TagDriver.LoadMetadataForClass(name, cm)
}

func TestFlushReportsPostCallbackFailures(t *testing.T) {
	ctx := context.Background()
	d := &flakyDriver{TagDriver: driver.NewTagDriver(journal{}, journalLine{}), broken: map[string]bool{}}
	factory := mapping.NewFactory(d)
	store := runtime.NewMemoryStore()
	var logged FlushLog
	dm := New(factory, store, WithLogger(LoggerFunc(func(_ context.Context, entry FlushLog) { logged = entry })))

	lineClass := mapping.ClassName(reflect.TypeOf(journalLine{}))
	j := &journal{Lines: []journalLine{{Text: "opened"}}}
	j.afterPersist = func() {
		d.broken[lineClass] = true
		if err := factory.Evict(ctx, lineClass); err != nil {
			t.Errorf("evict: %v", err)
		}
	}
	if err := dm.Persist(ctx, j); err != nil {
		t.Fatalf("persist: %v", err)
	}
	err := dm.Flush(ctx)
	if !errors.Is(err, ErrPostFlushCallback) || !strings.Contains(err.Error(), "driver unavailable") {
		t.Fatalf("expected post callback failure, got %v", err)
	}
	if !errors.Is(logged.Err, ErrPostFlushCallback) || logged.Inserts != 1 {
		t.Fatalf("expected the flush log to carry the failure, got %+v", logged)
	}
	storedBody(t, store, "journals", j.ID)
	if !dm.Contains(j) {
		t.Fatalf("expected the written journal to stay managed")
	}
}

func TestFlushAndProxyLoadSpans(t *testing.T) {
	ctx := context.Background()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	dm, _ := newManager(t, WithTracer(tracing.NewOTelTracer(tp, ""), nil))
	cm, _ := dm.GetClassMetadata(ctx, "Album")

	first, second := documents.NewAlbum("ten"), documents.NewAlbum("vs")
	persistAll(t, dm, first, second)
	dm.Clear()
	ref, _ := dm.GetReference(ctx, "Album", first.ID)
	if err := ref.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 2 || spans[0].Name() != tracing.SpanFlush || spans[1].Name() != tracing.SpanProxyLoad {
		t.Fatalf("unexpected spans %v", spans)
	}
	flushAttrs := map[string]int64{}
	for _, kv := range spans[0].Attributes() {
		flushAttrs[string(kv.Key)] = kv.Value.AsInt64()
	}
	if flushAttrs[tracing.KeyDocuments] != 2 || flushAttrs[tracing.KeyInserts] != 2 || flushAttrs[tracing.KeyDeletes] != 0 {
		t.Fatalf("unexpected flush attributes %v", spans[0].Attributes())
	}
	loadAttrs := map[string]string{}
	for _, kv := range spans[1].Attributes() {
		loadAttrs[string(kv.Key)] = kv.Value.Emit()
	}
	if loadAttrs[tracing.KeyClass] != cm.Name || loadAttrs[tracing.KeyCollection] != "albums" || loadAttrs[tracing.KeyDocumentID] != first.ID {
		t.Fatalf("unexpected proxy load attributes %v", loadAttrs)
	}
}

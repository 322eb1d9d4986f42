package pg

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/deicod/odm/internal/observability/metrics"
	"github.com/deicod/odm/internal/odm"
	"github.com/deicod/odm/internal/odm/documents"
	"github.com/deicod/odm/internal/odm/driver"
	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/runtime"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, NewStore(Wrap(mock))
}

func TestStoreWrites(t *testing.T) {
	ctx := context.Background()
	mock, store := newMockStore(t)

	mock.ExpectExec("INSERT INTO albums (id, doc) VALUES ($1, $2::jsonb), ($3, $4::jsonb)").
		WithArgs("a1", `{"name":"ten"}`, "a2", `{"name":"vs"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("WITH data(id, doc) AS (VALUES ($1, $2)) UPDATE albums AS t SET doc = data.doc::jsonb FROM data WHERE t.id = data.id").
		WithArgs("a1", `{"name":"Ten"}`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM albums WHERE id IN ($1, $2)").
		WithArgs("a1", "a2").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	err := store.Insert(ctx, "albums", []runtime.Document{
		{ID: "a1", Body: []byte(`{"name":"ten"}`)},
		{ID: "a2", Body: []byte(`{"name":"vs"}`)},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Update(ctx, "albums", []runtime.Document{{ID: "a1", Body: []byte(`{"name":"Ten"}`)}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Delete(ctx, "albums", []string{"a1", "a2"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Insert(ctx, "albums", nil); err != nil {
		t.Fatalf("expected empty insert to be a no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreUpdateRequiresExistingDocuments(t *testing.T) {
	mock, store := newMockStore(t)
	mock.ExpectExec("WITH data(id, doc) AS (VALUES ($1, $2), ($3, $4)) UPDATE albums AS t SET doc = data.doc::jsonb FROM data WHERE t.id = data.id").
		WithArgs("a1", `{}`, "gone", `{}`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.Update(context.Background(), "albums", []runtime.Document{
		{ID: "a1", Body: []byte(`{}`)},
		{ID: "gone", Body: []byte(`{}`)},
	})
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("expected partial match error, got %v", err)
	}
}

func TestStoreReads(t *testing.T) {
	ctx := context.Background()
	mock, store := newMockStore(t)
	counters := metrics.NewCounters()
	var logged []runtime.QueryLog
	store.db.UseObserver(runtime.QueryObserver{
		Collector: counters,
		Logger: runtime.QueryLoggerFunc(func(_ context.Context, entry runtime.QueryLog) {
			logged = append(logged, entry)
		}),
	})

	mock.ExpectQuery("SELECT id, doc FROM albums WHERE id = $1").
		WithArgs("a1").
		WillReturnRows(mock.NewRows([]string{"id", "doc"}).AddRow("a1", []byte(`{"name":"ten"}`)))
	mock.ExpectQuery("SELECT id, doc FROM albums WHERE id = $1").
		WithArgs("missing").
		WillReturnRows(mock.NewRows([]string{"id", "doc"}))
	mock.ExpectQuery("SELECT id, doc FROM albums WHERE doc->>'name' LIKE $1 ORDER BY id ASC").
		WithArgs("t%").
		WillReturnRows(mock.NewRows([]string{"id", "doc"}).
			AddRow("a1", []byte(`{"name":"ten"}`)).
			AddRow("a3", []byte(`{"name":"the fixer"}`)))

	doc, ok, err := store.Load(ctx, "albums", "a1")
	if err != nil || !ok {
		t.Fatalf("load: %v %v", ok, err)
	}
	if doc.ID != "a1" || string(doc.Body) != `{"name":"ten"}` {
		t.Fatalf("unexpected document %+v", doc)
	}
	if _, ok, err := store.Load(ctx, "albums", "missing"); err != nil || ok {
		t.Fatalf("expected missing document, got %v %v", ok, err)
	}
	docs, err := store.Find(ctx, runtime.FindSpec{
		Collection: "albums",
		Criteria:   []runtime.Criterion{{Path: []string{"name"}, Operator: runtime.OpLike, Value: "t%"}},
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 2 || docs[1].ID != "a3" {
		t.Fatalf("unexpected documents %+v", docs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	if len(logged) != 3 || logged[2].Operation != runtime.OperationFind || logged[2].Collection != "albums" || logged[2].Store != runtime.StorePostgres {
		t.Fatalf("unexpected query logs %+v", logged)
	}
	if queries, failures := counters.Snapshot("albums.load"); queries != 2 || failures != 0 {
		t.Fatalf("expected two loads recorded, got %d/%d", queries, failures)
	}
}

func TestStoreRejectsInvalidCollection(t *testing.T) {
	_, store := newMockStore(t)
	if _, _, err := store.Load(context.Background(), "albums; drop", "x"); !errors.Is(err, runtime.ErrInvalidCollection) {
		t.Fatalf("expected invalid collection error, got %v", err)
	}
	err := store.Delete(context.Background(), "1albums", []string{"x"})
	if !errors.Is(err, runtime.ErrInvalidCollection) {
		t.Fatalf("expected invalid collection error, got %v", err)
	}
}

func TestStoreWithinTx(t *testing.T) {
	ctx := context.Background()
	mock, store := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM albums WHERE id IN ($1)").WithArgs("a1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM albums WHERE id IN ($1)").WithArgs("a2").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.WithinTx(ctx, func(ctx context.Context, tx runtime.DocumentStore) error {
		inner, ok := tx.(*Store)
		if !ok || !inner.tx {
			t.Fatalf("expected transaction bound store, got %T", tx)
		}
		return inner.WithinTx(ctx, func(ctx context.Context, nested runtime.DocumentStore) error {
			if nested != tx {
				t.Fatalf("expected nested call to reuse the transaction")
			}
			return nested.Delete(ctx, "albums", []string{"a1"})
		})
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	err = store.WithinTx(ctx, func(ctx context.Context, tx runtime.DocumentStore) error {
		return tx.Delete(ctx, "albums", []string{"a2"})
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected failing statement to abort the transaction, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDocumentManagerFlushesThroughPostgres(t *testing.T) {
	ctx := context.Background()
	mock, store := newMockStore(t)
	factory := mapping.NewFactory(driver.NewTagDriver(documents.All()...))
	dm := odm.New(factory, store)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO albums (id, doc) VALUES ($1, $2::jsonb)").
		WithArgs(pgxmock.AnyArg(), containsArg(`"name":"ten"`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	album := documents.NewAlbum("ten")
	if err := dm.Persist(ctx, album); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := dm.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if album.ID == "" {
		t.Fatalf("expected generated identifier")
	}

	mock.ExpectQuery("SELECT id, doc FROM albums WHERE id = $1").
		WithArgs("b2").
		WillReturnRows(mock.NewRows([]string{"id", "doc"}).AddRow("b2", []byte(`{"_id":"b2","name":"vs"}`)))
	found, err := odm.Find[documents.Album](ctx, dm, "b2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != "b2" || found.Name != "vs" {
		t.Fatalf("unexpected album %+v", found)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type containsArg string

func (c containsArg) Match(v any) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, string(c))
}

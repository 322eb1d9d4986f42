package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/deicod/odm/internal/odm/runtime"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store keeps each collection in its own table with an id text primary key and a jsonb
// doc column.
type Store struct {
	db *DB
	q  querier
	tx bool
}

var (
	_ runtime.DocumentStore = (*Store)(nil)
	_ runtime.Transactor    = (*Store)(nil)
)

// NewStore returns a document store writing through db's pool.
func NewStore(db *DB) *Store {
	return &Store{db: db, q: db.Pool}
}

var dialect = runtime.Postgres{}

func (s *Store) exec(ctx context.Context, op runtime.QueryOperation, collection, sql string, args []any, n int) (pgconn.CommandTag, error) {
	obs := s.db.Observer.Observe(ctx, op, collection, sql, args,
		runtime.OnStore(runtime.StorePostgres), runtime.InTx(s.tx), runtime.Documents(n))
	tag, err := s.q.Exec(obs.Context(), sql, args...)
	obs.End(err)
	return tag, err
}

func (s *Store) query(ctx context.Context, op runtime.QueryOperation, collection, sql string, args []any) ([]runtime.Document, error) {
	obs := s.db.Observer.Observe(ctx, op, collection, sql, args,
		runtime.OnStore(runtime.StorePostgres), runtime.InTx(s.tx))
	rows, err := s.q.Query(obs.Context(), sql, args...)
	if err != nil {
		obs.End(err)
		return nil, err
	}
	docs, err := runtime.Collect(runtime.NewStream(rows, runtime.ScanDocument))
	obs.End(err)
	return docs, err
}

// Insert implements runtime.DocumentStore.
func (s *Store) Insert(ctx context.Context, collection string, docs []runtime.Document) error {
	if len(docs) == 0 {
		return nil
	}
	sql, args, err := runtime.BuildBulkInsertSQL(dialect, runtime.BulkInsertSpec{Collection: collection, Documents: docs})
	if err != nil {
		return fmt.Errorf("pg: insert %s: %w", collection, err)
	}
	if _, err := s.exec(ctx, runtime.OperationInsert, collection, sql, args, len(docs)); err != nil {
		return fmt.Errorf("pg: insert %s: %w", collection, err)
	}
	return nil
}

// Update implements runtime.DocumentStore. Every document must already exist.
func (s *Store) Update(ctx context.Context, collection string, docs []runtime.Document) error {
	if len(docs) == 0 {
		return nil
	}
	sql, args, err := runtime.BuildBulkUpdateSQL(dialect, runtime.BulkUpdateSpec{Collection: collection, Documents: docs})
	if err != nil {
		return fmt.Errorf("pg: update %s: %w", collection, err)
	}
	tag, err := s.exec(ctx, runtime.OperationUpdate, collection, sql, args, len(docs))
	if err != nil {
		return fmt.Errorf("pg: update %s: %w", collection, err)
	}
	if n := tag.RowsAffected(); n != int64(len(docs)) {
		return fmt.Errorf("pg: update %s: %d of %d documents matched", collection, n, len(docs))
	}
	return nil
}

// Delete implements runtime.DocumentStore.
func (s *Store) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	sql, args, err := runtime.BuildBulkDeleteSQL(dialect, runtime.BulkDeleteSpec{Collection: collection, IDs: ids})
	if err != nil {
		return fmt.Errorf("pg: delete %s: %w", collection, err)
	}
	if _, err := s.exec(ctx, runtime.OperationDelete, collection, sql, args, len(ids)); err != nil {
		return fmt.Errorf("pg: delete %s: %w", collection, err)
	}
	return nil
}

// Load implements runtime.DocumentStore.
func (s *Store) Load(ctx context.Context, collection, id string) (runtime.Document, bool, error) {
	if err := runtime.ValidateCollection(collection); err != nil {
		return runtime.Document{}, false, err
	}
	docs, err := s.query(ctx, runtime.OperationLoad, collection, runtime.BuildLoadSQL(dialect, collection), []any{id})
	if err != nil {
		return runtime.Document{}, false, fmt.Errorf("pg: load %s: %w", collection, err)
	}
	if len(docs) == 0 {
		return runtime.Document{}, false, nil
	}
	return docs[0], true, nil
}

// Find implements runtime.DocumentStore.
func (s *Store) Find(ctx context.Context, spec runtime.FindSpec) ([]runtime.Document, error) {
	sql, args, err := runtime.BuildFindSQL(dialect, spec)
	if err != nil {
		return nil, fmt.Errorf("pg: find %s: %w", spec.Collection, err)
	}
	docs, err := s.query(ctx, runtime.OperationFind, spec.Collection, sql, args)
	if err != nil {
		return nil, fmt.Errorf("pg: find %s: %w", spec.Collection, err)
	}
	return docs, nil
}

// WithinTx implements runtime.Transactor. Nested calls reuse the open transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx runtime.DocumentStore) error) error {
	if s.tx {
		return fn(ctx, s)
	}
	return pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		return fn(ctx, &Store{db: s.db, q: tx, tx: true})
	})
}

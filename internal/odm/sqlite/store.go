// Package sqlite stores documents in an embedded SQLite database. Each collection is a
// table holding the identifier and the JSON body as text.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/deicod/odm/internal/odm/runtime"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store implements runtime.DocumentStore and runtime.Transactor over database/sql.
type Store struct {
	db       *sql.DB
	q        querier
	tx       bool
	observer *runtime.QueryObserver
}

var (
	_ runtime.DocumentStore = (*Store)(nil)
	_ runtime.Transactor    = (*Store)(nil)

	dialect = runtime.SQLite{}
)

// Open opens (creating if needed) the database at path. Use ":memory:" for a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// a single connection serialises writers and keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	return New(db), nil
}

// New wraps an existing handle opened with the "sqlite" driver.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db, observer: &runtime.QueryObserver{}}
}

// UseObserver attaches a query observer notified for every statement.
func (s *Store) UseObserver(observer runtime.QueryObserver) {
	*s.observer = observer
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureCollections creates the tables backing the given collections.
func (s *Store) EnsureCollections(ctx context.Context, collections ...string) error {
	for _, c := range collections {
		stmt, err := runtime.BuildCreateCollectionSQL(dialect, c)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, runtime.OperationDDL, c, stmt, nil, 0); err != nil {
			return fmt.Errorf("sqlite: create %s: %w", c, err)
		}
	}
	return nil
}

func (s *Store) observe(ctx context.Context, op runtime.QueryOperation, collection, stmt string, args []any, n int) runtime.QueryObservation {
	return s.observer.Observe(ctx, op, collection, stmt, args,
		runtime.OnStore(runtime.StoreSQLite), runtime.InTx(s.tx), runtime.Documents(n))
}

func (s *Store) exec(ctx context.Context, op runtime.QueryOperation, collection, stmt string, args []any, n int) (sql.Result, error) {
	obs := s.observe(ctx, op, collection, stmt, args, n)
	res, err := s.q.ExecContext(obs.Context(), stmt, args...)
	obs.End(err)
	return res, err
}

func (s *Store) query(ctx context.Context, op runtime.QueryOperation, collection, stmt string, args []any) (docs []runtime.Document, err error) {
	obs := s.observe(ctx, op, collection, stmt, args, 0)
	defer func() { obs.End(err) }()
	rows, err := s.q.QueryContext(obs.Context(), stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		docs = append(docs, runtime.Document{ID: id, Body: body})
	}
	return docs, rows.Err()
}

// Insert implements runtime.DocumentStore.
func (s *Store) Insert(ctx context.Context, collection string, docs []runtime.Document) error {
	if len(docs) == 0 {
		return nil
	}
	stmt, args, err := runtime.BuildBulkInsertSQL(dialect, runtime.BulkInsertSpec{Collection: collection, Documents: docs})
	if err != nil {
		return fmt.Errorf("sqlite: insert %s: %w", collection, err)
	}
	if _, err := s.exec(ctx, runtime.OperationInsert, collection, stmt, args, len(docs)); err != nil {
		return fmt.Errorf("sqlite: insert %s: %w", collection, err)
	}
	return nil
}

// Update implements runtime.DocumentStore. Missing documents are written as new rows.
func (s *Store) Update(ctx context.Context, collection string, docs []runtime.Document) error {
	if len(docs) == 0 {
		return nil
	}
	stmt, args, err := runtime.BuildBulkUpdateSQL(dialect, runtime.BulkUpdateSpec{Collection: collection, Documents: docs})
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", collection, err)
	}
	if _, err := s.exec(ctx, runtime.OperationUpdate, collection, stmt, args, len(docs)); err != nil {
		return fmt.Errorf("sqlite: update %s: %w", collection, err)
	}
	return nil
}

// Delete implements runtime.DocumentStore.
func (s *Store) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	stmt, args, err := runtime.BuildBulkDeleteSQL(dialect, runtime.BulkDeleteSpec{Collection: collection, IDs: ids})
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", collection, err)
	}
	if _, err := s.exec(ctx, runtime.OperationDelete, collection, stmt, args, len(ids)); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", collection, err)
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
		return runtime.Document{}, false, fmt.Errorf("sqlite: load %s: %w", collection, err)
	}
	if len(docs) == 0 {
		return runtime.Document{}, false, nil
	}
	return docs[0], true, nil
}

// Find implements runtime.DocumentStore.
func (s *Store) Find(ctx context.Context, spec runtime.FindSpec) ([]runtime.Document, error) {
	stmt, args, err := runtime.BuildFindSQL(dialect, spec)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find %s: %w", spec.Collection, err)
	}
	docs, err := s.query(ctx, runtime.OperationFind, spec.Collection, stmt, args)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find %s: %w", spec.Collection, err)
	}
	return docs, nil
}

// WithinTx implements runtime.Transactor.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx runtime.DocumentStore) error) (err error) {
	if s.tx {
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(ctx, &Store{db: s.db, q: tx, tx: true, observer: s.observer})
}

// Package migrate creates the Postgres tables backing mapped collections. Each run holds a
// transaction-scoped advisory lock and records created collections in odm_collections.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/deicod/odm/internal/odm/runtime"
)

const (
	trackingTable       = "odm_collections"
	defaultAdvisoryLock = int64(0x6f646d)
)

const createTrackingTable = `CREATE TABLE IF NOT EXISTS odm_collections (
    name       text PRIMARY KEY,
    created_at timestamptz NOT NULL DEFAULT now()
)`

// TxStarter abstracts pgx connections capable of starting a transaction.
type TxStarter interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

var _ TxStarter = (*pgx.Conn)(nil)

// Options configures a run.
type Options struct {
	// AdvisoryLockID overrides the pg_advisory_xact_lock key that serialises runs.
	AdvisoryLockID int64
	// DryRun plans the statements without touching the database.
	DryRun bool
	// SkipIndexes disables the GIN index created on every doc column.
	SkipIndexes bool
}

// Option mutates Options.
type Option func(*Options)

// WithAdvisoryLock overrides the advisory lock identifier.
func WithAdvisoryLock(id int64) Option {
	return func(o *Options) {
		if id != 0 {
			o.AdvisoryLockID = id
		}
	}
}

// WithDryRun only reports the statements a run would execute.
func WithDryRun(enabled bool) Option {
	return func(o *Options) { o.DryRun = enabled }
}

// WithoutIndexes skips the GIN index on doc columns.
func WithoutIndexes() Option {
	return func(o *Options) { o.SkipIndexes = true }
}

func resolveOptions(opts ...Option) Options {
	settings := Options{AdvisoryLockID: defaultAdvisoryLock}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	return settings
}

// CollectionError reports the collection whose table could not be created.
type CollectionError struct {
	Collection string
	Err        error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("migrate: collection %s: %v", e.Collection, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// Result summarises a run.
type Result struct {
	// Created lists collections whose tables were created by this run.
	Created []string
	// Existing lists collections already recorded in odm_collections.
	Existing []string
	// Unmapped lists recorded collections no longer backed by a mapped class.
	Unmapped []string
	// Statements holds the DDL executed, or planned on a dry run.
	Statements []string
}

// Statements returns the DDL creating the table and index for collection.
func Statements(collection string, withIndex bool) ([]string, error) {
	create, err := runtime.BuildCreateCollectionSQL(runtime.Postgres{}, collection)
	if err != nil {
		return nil, err
	}
	out := []string{create}
	if withIndex {
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_doc_idx ON %s USING gin (doc jsonb_path_ops)", collection, collection))
	}
	return out, nil
}

// EnsureCollections creates a table for every collection not yet recorded. conn may be nil
// on a dry run.
func EnsureCollections(ctx context.Context, conn TxStarter, collections []string, opts ...Option) (Result, error) {
	settings := resolveOptions(opts...)
	wanted, err := normalise(collections)
	if err != nil {
		return Result{}, err
	}

	if settings.DryRun {
		var res Result
		for _, c := range wanted {
			stmts, _ := Statements(c, !settings.SkipIndexes)
			res.Created = append(res.Created, c)
			res.Statements = append(res.Statements, stmts...)
		}
		return res, nil
	}
	if conn == nil {
		return Result{}, errors.New("migrate: nil connection")
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("migrate: begin transaction: %w", err)
	}
	res, err := ensure(ctx, tx, wanted, settings)
	if err != nil {
		_ = tx.Rollback(ctx)
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("migrate: commit: %w", err)
	}
	return res, nil
}

func ensure(ctx context.Context, tx pgx.Tx, wanted []string, settings Options) (Result, error) {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", settings.AdvisoryLockID); err != nil {
		return Result{}, fmt.Errorf("migrate: acquire advisory lock: %w", err)
	}
	if _, err := tx.Exec(ctx, createTrackingTable); err != nil {
		return Result{}, fmt.Errorf("migrate: ensure %s: %w", trackingTable, err)
	}
	recorded, err := recordedCollections(ctx, tx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	mapped := make(map[string]bool, len(wanted))
	for _, c := range wanted {
		mapped[c] = true
		if recorded[c] {
			res.Existing = append(res.Existing, c)
			continue
		}
		stmts, _ := Statements(c, !settings.SkipIndexes)
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return Result{}, &CollectionError{Collection: c, Err: err}
			}
		}
		if _, err := tx.Exec(ctx, "INSERT INTO odm_collections (name) VALUES ($1) ON CONFLICT DO NOTHING", c); err != nil {
			return Result{}, &CollectionError{Collection: c, Err: fmt.Errorf("record: %w", err)}
		}
		res.Created = append(res.Created, c)
		res.Statements = append(res.Statements, stmts...)
	}
	for c := range recorded {
		if !mapped[c] {
			res.Unmapped = append(res.Unmapped, c)
		}
	}
	sort.Strings(res.Unmapped)
	return res, nil
}

func normalise(collections []string) ([]string, error) {
	seen := make(map[string]bool, len(collections))
	out := make([]string, 0, len(collections))
	for _, c := range collections {
		if err := runtime.ValidateCollection(c); err != nil {
			return nil, &CollectionError{Collection: c, Err: err}
		}
		if c == trackingTable {
			return nil, &CollectionError{Collection: c, Err: errors.New("name is reserved")}
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func recordedCollections(ctx context.Context, tx pgx.Tx) (map[string]bool, error) {
	rows, err := tx.Query(ctx, "SELECT name FROM odm_collections")
	if err != nil {
		return nil, fmt.Errorf("migrate: list collections: %w", err)
	}
	defer rows.Close()
	recorded := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("migrate: read collections: %w", err)
		}
		recorded[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("migrate: read collections: %w", err)
	}
	return recorded, nil
}

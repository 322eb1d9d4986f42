package testkit

import (
	"context"
	stdtesting "testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/deicod/odm/internal/odm"
	"github.com/deicod/odm/internal/odm/driver"
	"github.com/deicod/odm/internal/odm/mapping"
	"github.com/deicod/odm/internal/odm/pg"
)

type mockPool struct {
	pgxmock.PgxConnIface
}

func (m *mockPool) Close() {
	_ = m.PgxConnIface.Close(context.Background())
}

// Sandbox couples a pgxmock connection with the pg store and a cancellable context.
type Sandbox struct {
	ctx    context.Context
	cancel context.CancelFunc
	mock   pgxmock.PgxConnIface
	db     *pg.DB
	store  *pg.Store
	dm     *odm.DocumentManager
}

// NewPostgresSandbox returns a sandbox backed by pgxmock with QueryMatcherEqual semantics.
//
// Expectations are registered through Mock; DocumentManager builds a manager writing
// through the mocked store.
func NewPostgresSandbox(tb stdtesting.TB) *Sandbox {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	mock, err := pgxmock.NewConn(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	if err != nil {
		cancel()
		tb.Fatalf("pgxmock.NewConn: %v", err)
	}
	db := pg.Wrap(&mockPool{PgxConnIface: mock})
	sandbox := &Sandbox{
		ctx:    ctx,
		cancel: cancel,
		mock:   mock,
		db:     db,
		store:  pg.NewStore(db),
	}
	tb.Cleanup(sandbox.Close)
	return sandbox
}

// Context returns the sandbox context.
func (s *Sandbox) Context() context.Context {
	if s == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Sandbox) Mock() pgxmock.PgxConnIface {
	if s == nil {
		return nil
	}
	return s.mock
}

func (s *Sandbox) DB() *pg.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Sandbox) Store() *pg.Store {
	if s == nil {
		return nil
	}
	return s.store
}

// DocumentManager lazily builds a manager over the sandbox store. The first call maps
// docs with struct tags; later calls return the same manager and ignore their arguments.
func (s *Sandbox) DocumentManager(tb stdtesting.TB, docs ...any) *odm.DocumentManager {
	tb.Helper()
	if s == nil {
		tb.Fatalf("sandbox is nil")
	}
	if s.store == nil {
		tb.Fatalf("sandbox store is not initialised")
	}
	if s.dm == nil {
		s.dm = NewDocumentManager(tb, s.store, docs...)
	}
	return s.dm
}

// NewDocumentManager maps docs with struct tags and returns a manager writing to store.
func NewDocumentManager(tb stdtesting.TB, store *pg.Store, docs ...any) *odm.DocumentManager {
	tb.Helper()
	if store == nil {
		tb.Fatalf("pg.Store is required")
	}
	return odm.New(mapping.NewFactory(driver.NewTagDriver(docs...)), store)
}

// Close releases sandbox resources. Tests typically rely on the registered cleanup.
func (s *Sandbox) Close() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.mock != nil {
		_ = s.mock.Close(context.Background())
	}
}

// ExpectationsWereMet fails tb if outstanding pgxmock expectations remain.
func (s *Sandbox) ExpectationsWereMet(tb stdtesting.TB) {
	if s == nil {
		return
	}
	tb.Helper()
	if err := s.mock.ExpectationsWereMet(); err != nil {
		tb.Fatalf("pgx expectations: %v", err)
	}
}

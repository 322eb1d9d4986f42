package testkit

import (
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/deicod/odm/internal/odm"
	"github.com/deicod/odm/internal/odm/documents"
)

func TestSandboxSmoke(t *testing.T) {
	sandbox := NewPostgresSandbox(t)
	if sandbox == nil {
		t.Fatalf("expected sandbox to be initialised")
	}
	dm := sandbox.DocumentManager(t, documents.All()...)
	if dm == nil || sandbox.DocumentManager(t) != dm {
		t.Fatalf("expected a memoised document manager")
	}
	sandbox.ExpectationsWereMet(t)
}

func TestSandboxLoadsDocument(t *testing.T) {
	sandbox := NewPostgresSandbox(t)
	dm := sandbox.DocumentManager(t, documents.All()...)

	sandbox.Mock().ExpectQuery("SELECT id, doc FROM albums WHERE id = $1").
		WithArgs("a1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "doc"}).AddRow("a1", []byte(`{"_id":"a1","name":"ok computer"}`)))

	album, err := odm.Find[documents.Album](sandbox.Context(), dm, "a1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if album.Name != "ok computer" || !dm.Contains(album) {
		t.Fatalf("expected managed album, got %+v", album)
	}
	sandbox.ExpectationsWereMet(t)
}

func TestNilSandbox(t *testing.T) {
	var s *Sandbox
	if s.Context() == nil || s.Mock() != nil || s.DB() != nil || s.Store() != nil {
		t.Fatalf("expected nil-safe accessors")
	}
	s.Close()
	s.ExpectationsWereMet(t)
}

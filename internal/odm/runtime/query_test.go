package runtime

import (
	"errors"
	"testing"
)

func TestBuildFindSQLPostgres(t *testing.T) {
	spec := FindSpec{
		Collection: "albums",
		Criteria: []Criterion{
			{Path: []string{"name"}, Value: "ten"},
			{Path: []string{"artist", "$id"}, Operator: OpEqual, Value: "a1"},
		},
		Orders: []Order{{Path: []string{"name"}, Direction: SortDesc}},
		Limit:  10,
		Offset: 5,
	}

	sql, args, err := BuildFindSQL(Postgres{}, spec)
	if err != nil {
		t.Fatalf("BuildFindSQL: %v", err)
	}
	expected := "SELECT id, doc FROM albums WHERE doc->'name' = $1::jsonb AND doc->'artist'->'$id' = $2::jsonb ORDER BY doc->'name' DESC LIMIT $3 OFFSET $4"
	if sql != expected {
		t.Fatalf("unexpected SQL:\n got: %s\nwant: %s", sql, expected)
	}
	if len(args) != 4 {
		t.Fatalf("expected 4 args, got %d", len(args))
	}
	if args[0] != `"ten"` || args[1] != `"a1"` || args[2] != 10 || args[3] != 5 {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestBuildFindSQLPostgresLike(t *testing.T) {
	sql, args, err := BuildFindSQL(Postgres{}, FindSpec{
		Collection: "albums",
		Criteria:   []Criterion{{Path: []string{"name"}, Operator: OpLike, Value: "te%"}},
	})
	if err != nil {
		t.Fatalf("BuildFindSQL: %v", err)
	}
	if sql != "SELECT id, doc FROM albums WHERE doc->>'name' LIKE $1 ORDER BY id ASC" {
		t.Fatalf("unexpected SQL: %s", sql)
	}
	if len(args) != 1 || args[0] != "te%" {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestBuildFindSQLSQLite(t *testing.T) {
	sql, args, err := BuildFindSQL(SQLite{}, FindSpec{
		Collection: "albums",
		Criteria: []Criterion{
			{Path: []string{"name"}, Value: "ten"},
			{Path: []string{"released"}, Value: true},
		},
		Offset: 2,
	})
	if err != nil {
		t.Fatalf("BuildFindSQL: %v", err)
	}
	expected := `SELECT id, doc FROM albums WHERE json_extract(doc, '$."name"') = ? AND json_extract(doc, '$."released"') = ? ORDER BY id ASC LIMIT -1 OFFSET ?`
	if sql != expected {
		t.Fatalf("unexpected SQL:\n got: %s\nwant: %s", sql, expected)
	}
	if len(args) != 3 || args[0] != "ten" || args[1] != 1 || args[2] != 2 {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestBuildFindSQLRejectsInvalidCollection(t *testing.T) {
	_, _, err := BuildFindSQL(Postgres{}, FindSpec{Collection: "albums; drop table x"})
	if !errors.Is(err, ErrInvalidCollection) {
		t.Fatalf("expected invalid collection error, got %v", err)
	}
	if _, _, err := BuildFindSQL(Postgres{}, FindSpec{Collection: "albums", Criteria: []Criterion{{}}}); err == nil {
		t.Fatalf("expected empty path error")
	}
}

func TestBuildLoadAndCreateSQL(t *testing.T) {
	if got := BuildLoadSQL(Postgres{}, "albums"); got != "SELECT id, doc FROM albums WHERE id = $1" {
		t.Fatalf("unexpected load SQL: %s", got)
	}
	if got := BuildLoadSQL(SQLite{}, "albums"); got != "SELECT id, doc FROM albums WHERE id = ?" {
		t.Fatalf("unexpected load SQL: %s", got)
	}
	ddl, err := BuildCreateCollectionSQL(Postgres{}, "albums")
	if err != nil {
		t.Fatalf("BuildCreateCollectionSQL: %v", err)
	}
	if ddl != "CREATE TABLE IF NOT EXISTS albums (id text PRIMARY KEY, doc jsonb NOT NULL)" {
		t.Fatalf("unexpected DDL: %s", ddl)
	}
	ddl, err = BuildCreateCollectionSQL(SQLite{}, "albums")
	if err != nil {
		t.Fatalf("BuildCreateCollectionSQL: %v", err)
	}
	if ddl != "CREATE TABLE IF NOT EXISTS albums (id TEXT PRIMARY KEY, doc TEXT NOT NULL)" {
		t.Fatalf("unexpected DDL: %s", ddl)
	}
}

func TestPostgresFieldExprEscapesKeys(t *testing.T) {
	if got := (Postgres{}).FieldExpr([]string{"it's"}, true); got != "doc->>'it''s'" {
		t.Fatalf("unexpected expression: %s", got)
	}
}

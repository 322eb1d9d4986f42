package odm

import (
	"fmt"
	"testing"

	"github.com/deicod/odm/internal/odm/runtime"
)

func sampleDocuments(n int) []runtime.Document {
	docs := make([]runtime.Document, n)
	for i := range docs {
		docs[i] = runtime.Document{ID: fmt.Sprintf("doc-%d", i), Body: []byte(fmt.Sprintf(`{"_id":"doc-%d","name":"n%d"}`, i, i))}
	}
	return docs
}

func BenchmarkBuildBulkInsertSQL(b *testing.B) {
	spec := runtime.BulkInsertSpec{Collection: "albums", Documents: sampleDocuments(3)}
	for i := 0; i < b.N; i++ {
		if _, _, err := runtime.BuildBulkInsertSQL(runtime.Postgres{}, spec); err != nil {
			b.Fatalf("build bulk insert: %v", err)
		}
	}
}

func BenchmarkBuildBulkUpdateSQL(b *testing.B) {
	spec := runtime.BulkUpdateSpec{Collection: "albums", Documents: sampleDocuments(2)}
	for i := 0; i < b.N; i++ {
		if _, _, err := runtime.BuildBulkUpdateSQL(runtime.Postgres{}, spec); err != nil {
			b.Fatalf("build bulk update: %v", err)
		}
	}
}

func BenchmarkBuildBulkDeleteSQL(b *testing.B) {
	spec := runtime.BulkDeleteSpec{Collection: "albums", IDs: []string{"1", "2", "3", "4", "5"}}
	for i := 0; i < b.N; i++ {
		if _, _, err := runtime.BuildBulkDeleteSQL(runtime.SQLite{}, spec); err != nil {
			b.Fatalf("build bulk delete: %v", err)
		}
	}
}

func BenchmarkBuildFindSQL(b *testing.B) {
	spec := runtime.FindSpec{
		Collection: "albums",
		Criteria:   []runtime.Criterion{{Path: []string{"artist", "$id"}, Operator: runtime.OpEqual, Value: "a1"}},
		Orders:     []runtime.Order{{Path: []string{"name"}, Direction: runtime.SortAsc}},
		Limit:      10,
	}
	for i := 0; i < b.N; i++ {
		if _, _, err := runtime.BuildFindSQL(runtime.Postgres{}, spec); err != nil {
			b.Fatalf("build find: %v", err)
		}
	}
}

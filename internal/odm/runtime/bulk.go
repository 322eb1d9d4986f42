package runtime

import (
	"fmt"
	"strings"
)

type BulkInsertSpec struct {
	Collection string
	Documents  []Document
}

func BuildBulkInsertSQL(d Dialect, spec BulkInsertSpec) (string, []any, error) {
	if err := ValidateCollection(spec.Collection); err != nil {
		return "", nil, err
	}
	if len(spec.Documents) == 0 {
		return "", nil, fmt.Errorf("at least one document is required")
	}
	args := make([]any, 0, len(spec.Documents)*2)
	values := make([]string, len(spec.Documents))
	param := 1
	for i, doc := range spec.Documents {
		if doc.ID == "" {
			return "", nil, fmt.Errorf("document %d has no identifier", i)
		}
		values[i] = fmt.Sprintf("(%s, %s)", d.Placeholder(param), d.BodyParam(d.Placeholder(param+1)))
		args = append(args, doc.ID, string(doc.Body))
		param += 2
	}
	sql := fmt.Sprintf("INSERT INTO %s (id, doc) VALUES %s", spec.Collection, strings.Join(values, ", "))
	return sql, args, nil
}

type BulkUpdateSpec struct {
	Collection string
	Documents  []Document
}

// BuildBulkUpdateSQL replaces the bodies of existing documents. Postgres joins
// against a VALUES list; SQLite uses an upsert that only touches the doc column.
func BuildBulkUpdateSQL(d Dialect, spec BulkUpdateSpec) (string, []any, error) {
	if err := ValidateCollection(spec.Collection); err != nil {
		return "", nil, err
	}
	if len(spec.Documents) == 0 {
		return "", nil, fmt.Errorf("at least one document is required")
	}
	args := make([]any, 0, len(spec.Documents)*2)
	values := make([]string, len(spec.Documents))
	param := 1
	for i, doc := range spec.Documents {
		if doc.ID == "" {
			return "", nil, fmt.Errorf("document %d has no identifier", i)
		}
		values[i] = fmt.Sprintf("(%s, %s)", d.Placeholder(param), d.Placeholder(param+1))
		args = append(args, doc.ID, string(doc.Body))
		param += 2
	}
	if d.Name() == "sqlite" {
		sql := fmt.Sprintf("INSERT INTO %s (id, doc) VALUES %s ON CONFLICT (id) DO UPDATE SET doc = excluded.doc",
			spec.Collection, strings.Join(values, ", "))
		return sql, args, nil
	}
	sql := fmt.Sprintf("WITH data(id, doc) AS (VALUES %s) UPDATE %s AS t SET doc = data.doc::jsonb FROM data WHERE t.id = data.id",
		strings.Join(values, ", "),
		spec.Collection,
	)
	return sql, args, nil
}

type BulkDeleteSpec struct {
	Collection string
	IDs        []string
}

func BuildBulkDeleteSQL(d Dialect, spec BulkDeleteSpec) (string, []any, error) {
	if err := ValidateCollection(spec.Collection); err != nil {
		return "", nil, err
	}
	if len(spec.IDs) == 0 {
		return "", nil, fmt.Errorf("at least one id is required")
	}
	placeholders := make([]string, len(spec.IDs))
	args := make([]any, len(spec.IDs))
	for i, id := range spec.IDs {
		placeholders[i] = d.Placeholder(i + 1)
		args[i] = id
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", spec.Collection, strings.Join(placeholders, ", "))
	return sql, args, nil
}

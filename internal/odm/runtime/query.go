package runtime

import (
	"fmt"
	"strings"
)

type Operator string

const (
	OpEqual       Operator = "="
	OpNotEqual    Operator = "<>"
	OpGreaterThan Operator = ">"
	OpLessThan    Operator = "<"
	OpGTE         Operator = ">="
	OpLTE         Operator = "<="
	OpLike        Operator = "LIKE"
)

type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// Criterion compares the value found at Path inside the stored document body.
// Path holds stored keys, e.g. []string{"album", "$id"}.
type Criterion struct {
	Path     []string
	Operator Operator
	Value    any
}

type Order struct {
	Path      []string
	Direction SortDirection
}

type FindSpec struct {
	Collection string
	Criteria   []Criterion
	Orders     []Order
	Limit      int
	Offset     int
}

// Validate checks the spec before SQL is built.
func (spec FindSpec) Validate() error {
	if err := ValidateCollection(spec.Collection); err != nil {
		return err
	}
	for i, c := range spec.Criteria {
		if len(c.Path) == 0 {
			return fmt.Errorf("runtime: criterion %d has an empty path", i)
		}
	}
	for i, o := range spec.Orders {
		if len(o.Path) == 0 {
			return fmt.Errorf("runtime: order %d has an empty path", i)
		}
	}
	return nil
}

// BuildLoadSQL returns the statement fetching a single document by identifier.
func BuildLoadSQL(d Dialect, collection string) string {
	return "SELECT id, doc FROM " + collection + " WHERE id = " + d.Placeholder(1)
}

func BuildFindSQL(d Dialect, spec FindSpec) (string, []any, error) {
	if err := spec.Validate(); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, doc FROM ")
	sb.WriteString(spec.Collection)

	args := make([]any, 0, len(spec.Criteria)+2)
	param := 1

	if len(spec.Criteria) > 0 {
		sb.WriteString(" WHERE ")
		for i, c := range spec.Criteria {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			op := c.Operator
			if op == "" {
				op = OpEqual
			}
			text := op == OpLike
			sb.WriteString(d.FieldExpr(c.Path, text))
			sb.WriteByte(' ')
			sb.WriteString(string(op))
			sb.WriteByte(' ')
			sb.WriteString(d.ValueParam(d.Placeholder(param), text))
			arg, err := d.Arg(c.Value, text)
			if err != nil {
				return "", nil, fmt.Errorf("runtime: criterion %s: %w", strings.Join(c.Path, "."), err)
			}
			args = append(args, arg)
			param++
		}
	}

	if len(spec.Orders) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, order := range spec.Orders {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.FieldExpr(order.Path, false))
			sb.WriteByte(' ')
			dir := order.Direction
			if dir == "" {
				dir = SortAsc
			}
			sb.WriteString(string(dir))
		}
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}

	if spec.Limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(d.Placeholder(param))
		args = append(args, spec.Limit)
		param++
	}

	if spec.Offset > 0 {
		if spec.Limit <= 0 && d.Name() == "sqlite" {
			// SQLite only accepts OFFSET after a LIMIT clause.
			sb.WriteString(" LIMIT -1")
		}
		sb.WriteString(" OFFSET ")
		sb.WriteString(d.Placeholder(param))
		args = append(args, spec.Offset)
	}

	return sb.String(), args, nil
}

// BuildCreateCollectionSQL returns the DDL creating the backing table for a collection.
func BuildCreateCollectionSQL(d Dialect, collection string) (string, error) {
	if err := ValidateCollection(collection); err != nil {
		return "", err
	}
	return "CREATE TABLE IF NOT EXISTS " + collection + " (id " + d.IDType() + " PRIMARY KEY, doc " + d.BodyType() + " NOT NULL)", nil
}

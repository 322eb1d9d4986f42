package runtime

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Dialect adapts statement construction to a SQL engine's JSON support.
type Dialect interface {
	Name() string
	Placeholder(n int) string
	// FieldExpr renders the expression addressing path inside the doc column. When text is
	// set the expression yields the value as text rather than a JSON value.
	FieldExpr(path []string, text bool) string
	// ValueParam wraps a placeholder compared against FieldExpr.
	ValueParam(placeholder string, text bool) string
	// Arg converts a criterion value into a driver argument.
	Arg(value any, text bool) (any, error)
	// BodyParam wraps the placeholder carrying an encoded document body.
	BodyParam(placeholder string) string
	IDType() string
	BodyType() string
}

// Postgres stores document bodies as jsonb and compares JSON values directly.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Postgres) FieldExpr(path []string, text bool) string {
	var sb strings.Builder
	sb.WriteString("doc")
	for i, key := range path {
		if text && i == len(path)-1 {
			sb.WriteString("->>")
		} else {
			sb.WriteString("->")
		}
		sb.WriteString(pgLiteral(key))
	}
	return sb.String()
}

func (Postgres) ValueParam(placeholder string, text bool) string {
	if text {
		return placeholder
	}
	return placeholder + "::jsonb"
}

func (Postgres) Arg(value any, text bool) (any, error) {
	if text {
		return fmt.Sprint(value), nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (Postgres) BodyParam(placeholder string) string { return placeholder + "::jsonb" }

func (Postgres) IDType() string { return "text" }

func (Postgres) BodyType() string { return "jsonb" }

func pgLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// SQLite stores document bodies as text and addresses them with the JSON1 functions.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) FieldExpr(path []string, _ bool) string {
	var sb strings.Builder
	sb.WriteString("json_extract(doc, '$")
	for _, key := range path {
		sb.WriteString(`."`)
		sb.WriteString(strings.ReplaceAll(key, "'", "''"))
		sb.WriteByte('"')
	}
	sb.WriteString("')")
	return sb.String()
}

func (SQLite) ValueParam(placeholder string, _ bool) string { return placeholder }

// Arg maps values onto what json_extract returns: booleans become 0/1 and
// composite values are compared in their JSON text form.
func (SQLite) Arg(value any, text bool) (any, error) {
	if text {
		return fmt.Sprint(value), nil
	}
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var scalar any
		if err := json.Unmarshal(raw, &scalar); err == nil {
			switch s := scalar.(type) {
			case string, float64:
				return s, nil
			}
		}
		return string(raw), nil
	}
}

func (SQLite) BodyParam(placeholder string) string { return placeholder }

func (SQLite) IDType() string { return "TEXT" }

func (SQLite) BodyType() string { return "TEXT" }

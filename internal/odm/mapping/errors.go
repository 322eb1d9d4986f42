package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

var (
	// ErrInvalidMapping classifies every MappingError produced while mapping fields.
	ErrInvalidMapping = errors.New("invalid mapping")
	// ErrFieldNotFound is returned when a field name is not mapped on a class.
	ErrFieldNotFound = errors.New("field not mapped")
	// ErrClassNotRegistered is returned when no driver knows a class name.
	ErrClassNotRegistered = errors.New("class not registered")
	// ErrNoType is returned by reflective accessors on metadata without a Go type.
	ErrNoType = errors.New("class has no Go type")
)

// MappingError describes a single mapping problem on a class or one of its fields.
type MappingError struct {
	Class      string
	Field      string
	Detail     string
	Suggestion string
	Kind       error
}

func (e MappingError) location() string {
	parts := []string{}
	if e.Class != "" {
		parts = append(parts, e.Class)
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}
	return strings.Join(parts, ".")
}

func (e MappingError) describe() string {
	location := e.location()
	if e.Detail == "" {
		if location == "" {
			return "invalid mapping"
		}
		return fmt.Sprintf("%s: invalid mapping", location)
	}
	if location == "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: %s", location, e.Detail)
}

// Error implements the error interface.
func (e MappingError) Error() string {
	if e.Suggestion == "" {
		return "mapping: " + e.describe()
	}
	return fmt.Sprintf("mapping: %s\nHint: %s", e.describe(), e.Suggestion)
}

// Unwrap exposes the error class so callers can use errors.Is.
func (e MappingError) Unwrap() error {
	if e.Kind == nil {
		return ErrInvalidMapping
	}
	return e.Kind
}

// MappingErrorList aggregates the problems found while validating a class.
type MappingErrorList struct {
	Problems []MappingError
}

func (l *MappingErrorList) add(p MappingError) {
	l.Problems = append(l.Problems, p)
}

func (l *MappingErrorList) err() error {
	if l == nil || len(l.Problems) == 0 {
		return nil
	}
	return l
}

// Error implements the error interface.
func (l *MappingErrorList) Error() string {
	if l == nil || len(l.Problems) == 0 {
		return "mapping validation failed"
	}
	if len(l.Problems) == 1 {
		return l.Problems[0].Error()
	}
	var b strings.Builder
	b.WriteString("mapping validation failed:")
	for _, problem := range l.Problems {
		b.WriteString("\n  - ")
		b.WriteString(problem.describe())
		if problem.Suggestion != "" {
			b.WriteString("\n    Hint: ")
			b.WriteString(problem.Suggestion)
		}
	}
	return b.String()
}

// Unwrap exposes every problem to errors.Is and errors.As.
func (l *MappingErrorList) Unwrap() []error {
	if l == nil {
		return nil
	}
	out := make([]error, len(l.Problems))
	for i, p := range l.Problems {
		out[i] = p
	}
	return out
}

func invalid(class, field, format string, args ...any) MappingError {
	return MappingError{Class: class, Field: field, Detail: fmt.Sprintf(format, args...), Kind: ErrInvalidMapping}
}

// Suggest returns a "did you mean" hint naming the candidate closest to name, or an
// empty string when nothing is close enough.
func Suggest(name string, candidates []string) string {
	if name == "" || len(candidates) == 0 {
		return ""
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	best, bestDist := "", -1
	lower := strings.ToLower(name)
	for _, c := range sorted {
		d := levenshtein.ComputeDistance(lower, strings.ToLower(c))
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	limit := len(name) / 3
	if limit < 2 {
		limit = 2
	}
	if bestDist > limit {
		return ""
	}
	return fmt.Sprintf("did you mean %q?", best)
}

package id

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewV7 returns a time-ordered UUID v7 string.
func NewV7() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// NewV4 returns a random UUID v4 string.
func NewV4() string { return uuid.NewString() }

// NowUnixMilli exists to aid testability.
func NowUnixMilli() int64 { return time.Now().UnixMilli() }

// Generator produces identifiers for new documents.
type Generator interface {
	Generate() (any, error)
}

// GeneratorFunc adapts plain functions to Generator.
type GeneratorFunc func() (any, error)

// Generate implements Generator.
func (fn GeneratorFunc) Generate() (any, error) { return fn() }

// Strategy names understood by ForStrategy.
const (
	StrategyAuto = "auto"
	StrategyUUID = "uuid"
	StrategyNone = "none"
)

// ForStrategy returns the generator for a mapping strategy. StrategyNone yields a nil
// generator: callers must assign identifiers themselves.
func ForStrategy(strategy string) (Generator, error) {
	switch strategy {
	case "", StrategyAuto:
		return GeneratorFunc(func() (any, error) { return NewV7() }), nil
	case StrategyUUID:
		return GeneratorFunc(func() (any, error) { return NewV4(), nil }), nil
	case StrategyNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("id: unknown generator strategy %q", strategy)
	}
}

// Valid reports whether s parses as a UUID of any version.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

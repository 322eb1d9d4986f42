package cli

import (
	"errors"
	"fmt"

	"github.com/deicod/odm/internal/odm/mapping"
)

// CommandError carries a user-facing message, the underlying cause, an optional hint and
// the exit code the process should end with.
type CommandError struct {
	Message    string
	Cause      error
	Suggestion string
	ExitCode   int
}

// Error implements the error interface.
func (e CommandError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return "command failed"
	}
}

// Unwrap exposes the wrapped error.
func (e CommandError) Unwrap() error { return e.Cause }

// ExitStatus returns the process exit code, defaulting to 1.
func (e CommandError) ExitStatus() int {
	if e.ExitCode != 0 {
		return e.ExitCode
	}
	return 1
}

func wrapError(message string, cause error, suggestion string, exitCode int) error {
	return CommandError{Message: message, Cause: cause, Suggestion: suggestion, ExitCode: exitCode}
}

// mappingError turns mapping problems into command errors, lifting the first "did you
// mean" hint into the suggestion.
func mappingError(message string, err error, fallback string) error {
	suggestion := fallback
	var merr mapping.MappingError
	if errors.As(err, &merr) && merr.Suggestion != "" {
		suggestion = merr.Suggestion
	}
	return CommandError{
		Message:    fmt.Sprintf("%s: %s", message, describe(err)),
		Cause:      err,
		Suggestion: suggestion,
		ExitCode:   2,
	}
}

func describe(err error) string {
	var merr mapping.MappingError
	if errors.As(err, &merr) {
		switch {
		case merr.Field != "":
			return fmt.Sprintf("%s.%s: %s", merr.Class, merr.Field, merr.Detail)
		case merr.Class != "":
			return fmt.Sprintf("%s: %s", merr.Class, merr.Detail)
		}
		return merr.Detail
	}
	return err.Error()
}

func formatSuggestion(hint string) string {
	if hint == "" {
		return ""
	}
	return "hint: " + hint
}

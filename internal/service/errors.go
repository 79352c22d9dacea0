package service

import "fmt"

// ValidationError rejects a change before any durability attempt. It is
// a typed value so calling layers can match on it instead of catching
// generic failures.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid change: %s %s", e.Field, e.Reason)
}

func validationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

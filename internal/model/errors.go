package model

import "fmt"

// TaskError represents a domain error for tasks.
type TaskError struct {
	Message string
}

func (e TaskError) Error() string {
	return e.Message
}

var (
	ErrTaskNotFound     = TaskError{Message: "task not found"}
	ErrOwnerRequired    = TaskError{Message: "owner is required"}
	ErrStoreUnavailable = TaskError{Message: "task store unavailable"}
)

// ValidationError reports an input that failed a constraint.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalidEnum(field, value string) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf("invalid %s %q", field, value)}
}

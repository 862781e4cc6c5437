package tools

import "fmt"

// UnknownOperationError is returned when the model names an operation
// outside the catalogue.
type UnknownOperationError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ArgumentError reports a missing or malformed argument. It is returned
// to the model as an error payload and never fails the turn.
type ArgumentError struct {
	Operation string
	Field     string
	Reason    string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Operation, e.Field, e.Reason)
}

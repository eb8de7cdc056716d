// Package domain defines core types, interfaces, and errors for the
// query compilation and execution core.
package domain

import "fmt"

// NoDataMessage is the canonical message raised when a backend returns
// an empty result for a visualization query.
const NoDataMessage = "No data was returned"

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates insufficient permissions.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// ValidationError indicates invalid input or misconfiguration: an unknown
// metric name, a missing datetime column, a bad filter operator.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// QueryError wraps a backend failure with the compiled query text attached
// so operators can diagnose what was actually sent to the engine.
type QueryError struct {
	Message string
	Query   string
	Err     error
}

func (e *QueryError) Error() string { return e.Message }

func (e *QueryError) Unwrap() error { return e.Err }

// NoDataError is raised by the query builders when the backend returned
// zero rows. It carries the compiled query so visualization code can show
// "no data" alongside the statement that produced it.
type NoDataError struct {
	Query string
}

func (e *NoDataError) Error() string { return NoDataMessage }

// TimeoutError indicates a scoped deadline elapsed around a synchronous call.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrQuery wraps a backend error together with the compiled query text.
func ErrQuery(err error, query string) *QueryError {
	return &QueryError{Message: err.Error(), Query: query, Err: err}
}

// ErrTimeout creates a TimeoutError with a formatted message.
func ErrTimeout(format string, args ...interface{}) *TimeoutError {
	return &TimeoutError{Message: fmt.Sprintf(format, args...)}
}

package repository

import (
	"errors"
	"fmt"
)

// NotFoundError contains not found error information.
// Producers return it when the resource does not exist; it is not retried automatically.
type NotFoundError struct {
	Key    string
	Reason string
}

// NewNotFoundError creates an error for not found error
func NewNotFoundError(reason string) error {
	return &NotFoundError{
		Reason: reason,
	}
}

// NewNotFoundErrorf creates an error for not found error
func NewNotFoundErrorf(format string, v ...interface{}) error {
	return &NotFoundError{
		Reason: fmt.Sprintf(format, v...),
	}
}

// Error returns error message
func (err *NotFoundError) Error() string {
	if len(err.Key) == 0 {
		return fmt.Sprintf("resource not found: %s", err.Reason)
	}
	return fmt.Sprintf("resource %q not found: %s", err.Key, err.Reason)
}

// Is tests type of error
func (err *NotFoundError) Is(other error) bool {
	_, ok := other.(*NotFoundError)
	return ok
}

// ToString stringifies the object
func (err *NotFoundError) ToString() string {
	return "<NotFoundError>"
}

// IsNotFoundError evaluates if the given error is not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, &NotFoundError{})
}

// ProductionFailedError contains failed production error information
type ProductionFailedError struct {
	Key    string
	Reason string
	Err    error
}

// NewProductionFailedError creates an error for failed production
func NewProductionFailedError(key string, reason string, err error) error {
	return &ProductionFailedError{
		Key:    key,
		Reason: reason,
		Err:    err,
	}
}

// Error returns error message
func (err *ProductionFailedError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("failed to produce resource %q: %s", err.Key, err.Reason)
	}
	return fmt.Sprintf("failed to produce resource %q: %s: %v", err.Key, err.Reason, err.Err)
}

// Unwrap returns the cause
func (err *ProductionFailedError) Unwrap() error {
	return err.Err
}

// Is tests type of error
func (err *ProductionFailedError) Is(other error) bool {
	_, ok := other.(*ProductionFailedError)
	return ok
}

// ToString stringifies the object
func (err *ProductionFailedError) ToString() string {
	return "<ProductionFailedError>"
}

// IsProductionFailedError evaluates if the given error is failed production error
func IsProductionFailedError(err error) bool {
	return errors.Is(err, &ProductionFailedError{})
}

// StructuralError reports a broken repository invariant, a programming defect
type StructuralError struct {
	Message string
}

// NewStructuralError creates an error for an invariant violation
func NewStructuralError(message string) error {
	return &StructuralError{
		Message: message,
	}
}

// NewStructuralErrorf creates an error for an invariant violation
func NewStructuralErrorf(format string, v ...interface{}) error {
	return &StructuralError{
		Message: fmt.Sprintf(format, v...),
	}
}

// Error returns error message
func (err *StructuralError) Error() string {
	return fmt.Sprintf("repository invariant violated: %s", err.Message)
}

// Is tests type of error
func (err *StructuralError) Is(other error) bool {
	_, ok := other.(*StructuralError)
	return ok
}

// ToString stringifies the object
func (err *StructuralError) ToString() string {
	return "<StructuralError>"
}

// IsStructuralError evaluates if the given error is structural error
func IsStructuralError(err error) bool {
	return errors.Is(err, &StructuralError{})
}

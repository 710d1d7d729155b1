package commons

import (
	"errors"
	"fmt"
)

// InvalidArtifactNameError contains invalid artifact name error information
type InvalidArtifactNameError struct {
	Name string
}

// NewInvalidArtifactNameError creates an error for invalid artifact name error
func NewInvalidArtifactNameError(name string) error {
	return &InvalidArtifactNameError{
		Name: name,
	}
}

// Error returns error message
func (err *InvalidArtifactNameError) Error() string {
	return fmt.Sprintf("invalid artifact name %q", err.Name)
}

// Is tests type of error
func (err *InvalidArtifactNameError) Is(other error) bool {
	_, ok := other.(*InvalidArtifactNameError)
	return ok
}

// ToString stringifies the object
func (err *InvalidArtifactNameError) ToString() string {
	return "<InvalidArtifactNameError>"
}

// IsInvalidArtifactNameError evaluates if the given error is invalid artifact name error
func IsInvalidArtifactNameError(err error) bool {
	return errors.Is(err, &InvalidArtifactNameError{})
}

// ServiceClosedError is returned for operations on a released service
type ServiceClosedError struct {
}

// NewServiceClosedError creates an error for closed service
func NewServiceClosedError() error {
	return &ServiceClosedError{}
}

// Error returns error message
func (err *ServiceClosedError) Error() string {
	return "service is already released"
}

// Is tests type of error
func (err *ServiceClosedError) Is(other error) bool {
	_, ok := other.(*ServiceClosedError)
	return ok
}

// ToString stringifies the object
func (err *ServiceClosedError) ToString() string {
	return "<ServiceClosedError>"
}

// IsServiceClosedError evaluates if the given error is closed service error
func IsServiceClosedError(err error) bool {
	return errors.Is(err, &ServiceClosedError{})
}

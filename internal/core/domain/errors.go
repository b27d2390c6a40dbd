package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Service Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")

	// Per-service failure categories; each is contained to the service's
	// subtree and reported in the RunReport.
	ErrBuild   = errors.New("build failed")
	ErrStart   = errors.New("start failed")
	ErrRuntime = errors.New("service exited")
)

// ErrorKind classifies a ServiceError.
type ErrorKind string

const (
	ErrorKindBuild   ErrorKind = "build"
	ErrorKindStart   ErrorKind = "start"
	ErrorKindRuntime ErrorKind = "runtime"
)

// ServiceError is a failure of a single service.
type ServiceError struct {
	Service string
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s error in %s", e.Kind, e.Service)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel of the error's kind.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrBuild:
		return e.Kind == ErrorKindBuild
	case ErrStart:
		return e.Kind == ErrorKindStart
	case ErrRuntime:
		return e.Kind == ErrorKindRuntime
	}
	return false
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// BuildError reports an image build or pull failure.
func BuildError(service string, err error) *ServiceError {
	return &ServiceError{Service: service, Kind: ErrorKindBuild, Err: err}
}

// StartError reports a service that could not be started or never became ready.
func StartError(service, message string, err error) *ServiceError {
	return &ServiceError{Service: service, Kind: ErrorKindStart, Message: message, Err: err}
}

// RuntimeError reports a service process that exited and was not restarted.
func RuntimeError(service string, exitCode int64, message string) *ServiceError {
	msg := fmt.Sprintf("exit code %d", exitCode)
	if message != "" {
		msg += ", " + message
	}
	return &ServiceError{Service: service, Kind: ErrorKindRuntime, Message: msg}
}

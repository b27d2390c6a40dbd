// Package topology resolves raw service definitions against an environment
// source and orders them into start groups.
// This is part of the Functional Core - all functions are pure with no I/O.
package topology

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Configuration errors, detected before any service starts
	ErrMissingVariable     = errors.New("missing variable")
	ErrCyclicInterpolation = errors.New("cyclic interpolation")
	ErrDuplicatePort       = errors.New("duplicate host port")
	ErrUnknownDependency   = errors.New("unknown dependency")
	ErrInvalidDefinition   = errors.New("invalid service definition")

	// Topology errors
	ErrCyclicDependency = errors.New("cyclic dependency")
)

// ConfigErrorKind classifies a ConfigError.
type ConfigErrorKind string

const (
	KindMissingVariable     ConfigErrorKind = "missing_variable"
	KindCyclicInterpolation ConfigErrorKind = "cyclic_interpolation"
	KindDuplicatePort       ConfigErrorKind = "duplicate_port"
	KindUnknownDependency   ConfigErrorKind = "unknown_dependency"
	KindInvalidDefinition   ConfigErrorKind = "invalid_definition"
)

// ConfigError is a resolution failure with full context.
type ConfigError struct {
	Kind       ConfigErrorKind
	Service    string   // service being resolved, if any
	Field      string   // e.g. "services.flask.environment.DATABASE_URL"
	Variable   string   // MissingVariable
	Port       int      // DuplicatePort
	Services   []string // DuplicatePort: services claiming the port
	Dependency string   // UnknownDependency: the missing name
	Cycle      []string // CyclicInterpolation: the variable chain
	Message    string
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case KindMissingVariable:
		msg := fmt.Sprintf("missing variable %s", e.Variable)
		if e.Field != "" {
			msg += " in " + e.Field
		}
		if e.Message != "" {
			msg += ": " + e.Message
		}
		return msg
	case KindCyclicInterpolation:
		return fmt.Sprintf("cyclic interpolation: %s", strings.Join(e.Cycle, " -> "))
	case KindDuplicatePort:
		return fmt.Sprintf("duplicate host port %d claimed by %s", e.Port, strings.Join(e.Services, ", "))
	case KindUnknownDependency:
		return fmt.Sprintf("service %s depends on undefined service %s", e.Service, e.Dependency)
	default:
		if e.Field != "" {
			return fmt.Sprintf("%s: %s", e.Field, e.Message)
		}
		return e.Message
	}
}

func (e *ConfigError) Unwrap() error {
	switch e.Kind {
	case KindMissingVariable:
		return ErrMissingVariable
	case KindCyclicInterpolation:
		return ErrCyclicInterpolation
	case KindDuplicatePort:
		return ErrDuplicatePort
	case KindUnknownDependency:
		return ErrUnknownDependency
	default:
		return ErrInvalidDefinition
	}
}

// MissingVariable reports a variable with no value and no default.
func MissingVariable(name, field, message string) *ConfigError {
	return &ConfigError{Kind: KindMissingVariable, Variable: name, Field: field, Message: message}
}

// CyclicInterpolation reports a variable chain that references itself.
func CyclicInterpolation(cycle []string, field string) *ConfigError {
	return &ConfigError{Kind: KindCyclicInterpolation, Cycle: cycle, Field: field}
}

// DuplicatePort reports a host port claimed twice on the same interface.
func DuplicatePort(port int, services ...string) *ConfigError {
	return &ConfigError{Kind: KindDuplicatePort, Port: port, Services: services}
}

// UnknownDependency reports a depends_on entry naming no service.
func UnknownDependency(service, missing string) *ConfigError {
	return &ConfigError{Kind: KindUnknownDependency, Service: service, Dependency: missing}
}

// InvalidDefinition reports a malformed field.
func InvalidDefinition(service, field, message string) *ConfigError {
	return &ConfigError{Kind: KindInvalidDefinition, Service: service, Field: field, Message: message}
}

// CyclicDependencyError reports services that can never start.
type CyclicDependencyError struct {
	// Cycle lists the members of one cycle in dependency order, starting at
	// the smallest name: Cycle[i] depends on Cycle[i+1], the last on the first.
	Cycle []string
	// Blocked lists every service that cannot be ordered.
	Blocked []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return fmt.Sprintf("cyclic dependency among %s", strings.Join(e.Blocked, ", "))
	}
	chain := append(append([]string{}, e.Cycle...), e.Cycle[0])
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(chain, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error {
	return ErrCyclicDependency
}

// IsConfigError reports whether err is a resolution or ordering failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	var cd *CyclicDependencyError
	return errors.As(err, &ce) || errors.As(err, &cd)
}

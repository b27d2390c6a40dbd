package main

import (
	"errors"
	"fmt"

	"github.com/artpar/stacker/internal/core/compose"
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/core/topology"
	"github.com/artpar/stacker/internal/shell/docker"
	"github.com/artpar/stacker/internal/shell/envfile"
	"github.com/artpar/stacker/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess      = 0
	ExitConfigError  = 1
	ExitBuildError   = 2
	ExitStartError   = 3
	ExitRuntimeError = 4
	ExitInfraError   = 5
)

// =============================================================================
// Command Error
// =============================================================================

// CommandError carries the exit code of a failed command.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// wrap attaches the exit code derived from err.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var cErr *CommandError
	if errors.As(err, &cErr) {
		return err
	}
	return &CommandError{Op: op, Err: err, ExitCode: classify(err)}
}

// exitCode returns the process exit code for an error returned by a command.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var cErr *CommandError
	if errors.As(err, &cErr) {
		return cErr.ExitCode
	}
	return classify(err)
}

// classify maps an error to an exit code. Anything unrecognised, cobra
// usage errors included, counts as a configuration error.
func classify(err error) int {
	var (
		parseErr  *compose.ParseError
		svcErr    *domain.ServiceError
		dockerErr *docker.DockerError
		storeErr  *store.StoreError
	)
	switch {
	case topology.IsConfigError(err), errors.As(err, &parseErr),
		errors.Is(err, compose.ErrEmptyInput), errors.Is(err, envfile.ErrNotFound),
		errors.Is(err, docker.ErrUnknownService):
		return ExitConfigError
	case errors.As(err, &svcErr):
		return kindExitCode(svcErr.Kind)
	case errors.As(err, &dockerErr), errors.As(err, &storeErr):
		return ExitInfraError
	}
	return ExitConfigError
}

func kindExitCode(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrorKindBuild:
		return ExitBuildError
	case domain.ErrorKindStart:
		return ExitStartError
	case domain.ErrorKindRuntime:
		return ExitRuntimeError
	}
	return ExitInfraError
}

// reportError returns an error for the first failed service of report, in
// report order, or nil when no service failed.
func reportError(op string, report *domain.RunReport) error {
	if report == nil {
		return nil
	}
	failed := report.Failed()
	if len(failed) == 0 {
		return nil
	}
	first := failed[0]
	return &CommandError{
		Op:       op,
		Err:      fmt.Errorf("%d service(s) failed, first %s: %s", len(failed), first.Name, first.Error),
		ExitCode: kindExitCode(first.ErrorKind),
	}
}

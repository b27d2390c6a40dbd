package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Service Status
// =============================================================================

type ServiceStatus string

const (
	StatusPending  ServiceStatus = "pending"
	StatusStarting ServiceStatus = "starting"
	StatusReady    ServiceStatus = "ready"
	StatusRunning  ServiceStatus = "running"
	StatusFailed   ServiceStatus = "failed"
	StatusStopped  ServiceStatus = "stopped"
)

// Active reports whether a service in this status holds a live process.
func (s ServiceStatus) Active() bool {
	return s == StatusStarting || s == StatusReady || s == StatusRunning
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed status transitions.
// ready/running -> starting is a policy restart.
var validTransitions = map[ServiceStatus][]ServiceStatus{
	StatusPending:  {StatusStarting, StatusStopped},
	StatusStarting: {StatusReady, StatusFailed, StatusStopped},
	StatusReady:    {StatusRunning, StatusStarting, StatusFailed, StatusStopped},
	StatusRunning:  {StatusStarting, StatusFailed, StatusStopped},
	StatusFailed:   {StatusStopped},
	StatusStopped:  {StatusStarting},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to ServiceStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}

// =============================================================================
// Service State
// =============================================================================

// ServiceState is the run-time state of one service.
type ServiceState struct {
	Name        string        `json:"name"`
	Status      ServiceStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	ContainerID string        `json:"container_id,omitempty"`
	Err         error         `json:"-"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewServiceState returns a pending state.
func NewServiceState(name string, now time.Time) *ServiceState {
	return &ServiceState{Name: name, Status: StatusPending, UpdatedAt: now}
}

// Transition moves the service to a new status.
func (s *ServiceState) Transition(to ServiceStatus, now time.Time) error {
	if err := ValidateTransition(s.Status, to); err != nil {
		return err
	}
	s.Status = to
	s.UpdatedAt = now
	if to == StatusStarting {
		s.Err = nil
	}
	return nil
}

// Fail marks the service failed with err.
func (s *ServiceState) Fail(err error, now time.Time) error {
	if err := s.Transition(StatusFailed, now); err != nil {
		return err
	}
	s.Err = err
	return nil
}

// =============================================================================
// Run Report
// =============================================================================

// Operation names a top-level orchestrator operation.
type Operation string

const (
	OperationUp    Operation = "up"
	OperationDown  Operation = "down"
	OperationBuild Operation = "build"
)

// IsValid reports whether o is a known operation.
func (o Operation) IsValid() bool {
	switch o {
	case OperationUp, OperationDown, OperationBuild:
		return true
	}
	return false
}

// ServiceReport is the terminal state of one service.
type ServiceReport struct {
	Name        string        `json:"name" db:"service"`
	Status      ServiceStatus `json:"status" db:"status"`
	Attempts    int           `json:"attempts" db:"attempts"`
	ContainerID string        `json:"container_id,omitempty" db:"container_id"`
	Error       string        `json:"error,omitempty" db:"error"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty" db:"error_kind"`
}

// RunReport enumerates every service's terminal status after an operation.
type RunReport struct {
	RunID      string          `json:"run_id"`
	Project    string          `json:"project"`
	Operation  Operation       `json:"operation"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Services   []ServiceReport `json:"services"`
}

// NewRunReport starts a report for an operation.
func NewRunReport(project string, op Operation, now time.Time) *RunReport {
	return &RunReport{
		RunID:     uuid.New().String(),
		Project:   project,
		Operation: op,
		StartedAt: now,
	}
}

// Record appends the final state of each service, in the given order.
func (r *RunReport) Record(states []ServiceState, now time.Time) {
	r.Services = make([]ServiceReport, 0, len(states))
	for _, s := range states {
		sr := ServiceReport{
			Name:        s.Name,
			Status:      s.Status,
			Attempts:    s.Attempts,
			ContainerID: s.ContainerID,
		}
		if s.Err != nil {
			sr.Error = s.Err.Error()
			var se *ServiceError
			if errors.As(s.Err, &se) {
				sr.ErrorKind = se.Kind
			}
		}
		r.Services = append(r.Services, sr)
	}
	r.FinishedAt = now
}

// Service returns the report entry for name.
func (r *RunReport) Service(name string) (ServiceReport, bool) {
	for _, s := range r.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceReport{}, false
}

// Count returns how many services ended in status.
func (r *RunReport) Count(status ServiceStatus) int {
	n := 0
	for _, s := range r.Services {
		if s.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the failed services in report order.
func (r *RunReport) Failed() []ServiceReport {
	var out []ServiceReport
	for _, s := range r.Services {
		if s.Status == StatusFailed {
			out = append(out, s)
		}
	}
	return out
}

// Duration returns how long the operation took.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

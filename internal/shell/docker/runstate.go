package docker

import (
	"sync"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Run State
// =============================================================================

// runState is the mutex-guarded status of every service of one run.
type runState struct {
	mu       sync.Mutex
	order    []string
	services map[string]*domain.ServiceState
	now      func() time.Time
	onChange func(service string, from, to domain.ServiceStatus)
}

func newRunState(order []string, now func() time.Time, onChange func(string, domain.ServiceStatus, domain.ServiceStatus)) *runState {
	rs := &runState{
		order:    order,
		services: make(map[string]*domain.ServiceState, len(order)),
		now:      now,
		onChange: onChange,
	}
	for _, name := range order {
		rs.services[name] = domain.NewServiceState(name, now())
	}
	return rs
}

func (rs *runState) transition(name string, to domain.ServiceStatus) error {
	rs.mu.Lock()
	s, ok := rs.services[name]
	if !ok {
		rs.mu.Unlock()
		return ErrUnknownService
	}
	from := s.Status
	err := s.Transition(to, rs.now())
	rs.mu.Unlock()

	if err == nil {
		rs.notify(name, from, to)
	}
	return err
}

func (rs *runState) fail(name string, cause error) error {
	rs.mu.Lock()
	s, ok := rs.services[name]
	if !ok {
		rs.mu.Unlock()
		return ErrUnknownService
	}
	from := s.Status
	err := s.Fail(cause, rs.now())
	rs.mu.Unlock()

	if err == nil {
		rs.notify(name, from, domain.StatusFailed)
	}
	return err
}

func (rs *runState) notify(name string, from, to domain.ServiceStatus) {
	if rs.onChange != nil {
		rs.onChange(name, from, to)
	}
}

func (rs *runState) setContainer(name, containerID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if s, ok := rs.services[name]; ok {
		s.ContainerID = containerID
	}
}

func (rs *runState) incAttempts(name string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s, ok := rs.services[name]
	if !ok {
		return 0
	}
	s.Attempts++
	return s.Attempts
}

func (rs *runState) get(name string) (domain.ServiceState, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s, ok := rs.services[name]
	if !ok {
		return domain.ServiceState{}, false
	}
	return *s, true
}

// snapshot copies every state in start order.
func (rs *runState) snapshot() []domain.ServiceState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]domain.ServiceState, 0, len(rs.order))
	for _, name := range rs.order {
		out = append(out, *rs.services[name])
	}
	return out
}

package topology

import (
	"fmt"
	"time"
)

// =============================================================================
// Restart Policy
// =============================================================================

// RestartMode is the rule applied when a service process exits.
type RestartMode string

const (
	RestartAlways    RestartMode = "always"
	RestartOnFailure RestartMode = "on-failure"
	RestartNever     RestartMode = "never"
)

// DefaultOnFailureAttempts applies to `on-failure` without an explicit count.
const DefaultOnFailureAttempts = 3

// RestartPolicy is a resolved restart policy.
type RestartPolicy struct {
	Mode        RestartMode `json:"mode"`
	MaxAttempts int         `json:"max_attempts,omitempty"` // on-failure only
}

func (p RestartPolicy) String() string {
	if p.Mode == RestartOnFailure {
		return fmt.Sprintf("%s(%d)", p.Mode, p.MaxAttempts)
	}
	return string(p.Mode)
}

// =============================================================================
// Service Definition
// =============================================================================

// ServiceDefinition is a fully resolved service. It is created once by
// Resolve and never mutated afterwards.
type ServiceDefinition struct {
	Name        string          `json:"name"`
	Image       string          `json:"image,omitempty"`
	Build       *BuildSource    `json:"build,omitempty"`
	Ports       []PortMapping   `json:"ports,omitempty"`
	Environment []EnvBinding    `json:"environment,omitempty"` // sorted by name
	Volumes     []VolumeMount   `json:"volumes,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"` // sorted, unique
	Restart     RestartPolicy   `json:"restart"`
	Commands    StartupCommands `json:"commands"`
	Readiness   *Readiness      `json:"readiness,omitempty"`
}

// BuildSource is a build context plus instruction file location.
type BuildSource struct {
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile,omitempty"`
	Toolchain  string `json:"toolchain,omitempty"`
	Base       string `json:"base,omitempty"`
}

// PortMapping is a host-port to container-port pair.
// HostPort 0 means the container port is not published.
type PortMapping struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      int    `json:"host_port,omitempty"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

func (p PortMapping) String() string {
	if p.HostPort == 0 {
		return fmt.Sprintf("%d/%s", p.ContainerPort, p.Protocol)
	}
	if p.HostIP != "" {
		return fmt.Sprintf("%s:%d:%d/%s", p.HostIP, p.HostPort, p.ContainerPort, p.Protocol)
	}
	return fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, p.Protocol)
}

// EnvBinding is one resolved environment variable of a service.
type EnvBinding struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// VolumeType is the kind of a volume mount.
type VolumeType string

const (
	VolumeTypeBind   VolumeType = "bind"
	VolumeTypeVolume VolumeType = "volume"
)

// VolumeMount mounts a host path (or named volume) into the container.
// The host side is authoritative and outlives the container.
type VolumeMount struct {
	Type     VolumeType `json:"type"`
	Source   string     `json:"source"`
	Target   string     `json:"target"`
	ReadOnly bool       `json:"read_only,omitempty"`
}

// StartupCommands are the argv lists the entry point dispatcher chooses from.
type StartupCommands struct {
	Serve   []string `json:"serve,omitempty"`
	Develop []string `json:"develop,omitempty"`
	Migrate []string `json:"migrate,omitempty"`
}

// Readiness is an explicit readiness probe for a service.
type Readiness struct {
	ContainerPort int           `json:"container_port,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// Env returns the environment as a map.
func (d ServiceDefinition) Env() map[string]string {
	env := make(map[string]string, len(d.Environment))
	for _, b := range d.Environment {
		env[b.Name] = b.Value
	}
	return env
}

// PublishedPort returns the host binding used to probe the service.
// An explicit readiness port selects the mapping of that container port.
func (d ServiceDefinition) PublishedPort() (PortMapping, bool) {
	for _, p := range d.Ports {
		if p.HostPort == 0 || p.Protocol != "tcp" {
			continue
		}
		if d.Readiness != nil && d.Readiness.ContainerPort != 0 && p.ContainerPort != d.Readiness.ContainerPort {
			continue
		}
		return p, true
	}
	return PortMapping{}, false
}

// =============================================================================
// Topology
// =============================================================================

// Topology is the resolved, validated set of services plus their start
// groups. Groups[i] may start once every service in Groups[0..i-1] is ready.
type Topology struct {
	Services []ServiceDefinition `json:"services"`
	Groups   [][]string          `json:"groups"`

	index map[string]int
}

func newTopology(services []ServiceDefinition, groups [][]string) *Topology {
	t := &Topology{
		Services: services,
		Groups:   groups,
		index:    make(map[string]int, len(services)),
	}
	for i, svc := range services {
		t.index[svc.Name] = i
	}
	return t
}

// Service returns the definition with the given name.
func (t *Topology) Service(name string) (ServiceDefinition, bool) {
	if t.index == nil {
		for _, svc := range t.Services {
			if svc.Name == name {
				return svc, true
			}
		}
		return ServiceDefinition{}, false
	}
	i, ok := t.index[name]
	if !ok {
		return ServiceDefinition{}, false
	}
	return t.Services[i], true
}

// Names returns all service names sorted.
func (t *Topology) Names() []string {
	names := make([]string, 0, len(t.Services))
	for _, svc := range t.Services {
		names = append(names, svc.Name)
	}
	return names
}

// StartOrder flattens the start groups.
func (t *Topology) StartOrder() []string {
	var order []string
	for _, g := range t.Groups {
		order = append(order, g...)
	}
	return order
}

// StopGroups returns the start groups in reverse: dependents first.
func (t *Topology) StopGroups() [][]string {
	out := make([][]string, 0, len(t.Groups))
	for i := len(t.Groups) - 1; i >= 0; i-- {
		out = append(out, t.Groups[i])
	}
	return out
}

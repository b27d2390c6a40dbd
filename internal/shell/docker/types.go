// Package docker drives service containers on a Docker engine.
package docker

import (
	"context"
	"io"
	"time"

	"github.com/artpar/stacker/internal/core/deployment"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name           string
	Image          string
	Command        []string
	Env            map[string]string
	Labels         map[string]string
	Ports          []PortBinding
	Volumes        []VolumeMount
	Network        string
	NetworkAliases []string // DNS names of the container on Network
	RestartPolicy  RestartPolicy
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// VolumeMount defines a volume mount.
type VolumeMount struct {
	Bind     bool   // host path when true, named volume otherwise
	Source   string // Volume name or host path
	Target   string // Container path
	ReadOnly bool
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure"
	MaximumRetryCount int
}

// specFromPlan converts a pure container plan into a client spec.
func specFromPlan(plan deployment.ContainerPlan) ContainerSpec {
	spec := ContainerSpec{
		Name:           plan.Name,
		Image:          plan.Image,
		Command:        plan.Command,
		Env:            plan.Env,
		Labels:         plan.Labels,
		Network:        plan.Network,
		NetworkAliases: plan.Aliases,
		RestartPolicy: RestartPolicy{
			Name:              plan.RestartPolicy.Name,
			MaximumRetryCount: plan.RestartPolicy.MaximumRetryCount,
		},
	}
	for _, p := range plan.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}
	for _, v := range plan.Volumes {
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Bind:     v.Bind,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	return spec
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	Status     ContainerStatus
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Ports      []PortBinding
	Labels     map[string]string
	ExitCode   int
}

// =============================================================================
// Network, Volume and Image Types
// =============================================================================

// NetworkSpec describes a network to create.
type NetworkSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// VolumeSpec describes a volume to create.
type VolumeSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// BuildSpec defines an image build.
type BuildSpec struct {
	ContextDir string
	Dockerfile string // path inside the context
	// Content replaces (or adds) Dockerfile in the build context when set.
	Content []byte
	Tag     string
	Labels  map[string]string
	// Output receives build progress; nil discards it.
	Output io.Writer
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g., {"label": "com.stacker.project=shop"}
}

// LogOptions defines options for container logs.
type LogOptions struct {
	Follow     bool
	Tail       string // "all" or number
	Since      time.Time
	Timestamps bool
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	KillContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)
	// WaitContainer blocks until the container stops and returns its exit code.
	WaitContainer(ctx context.Context, containerID string) (int64, error)

	// Network operations
	CreateNetwork(ctx context.Context, spec NetworkSpec) (networkID string, err error)
	RemoveNetwork(ctx context.Context, networkID string) error

	// Volume operations
	CreateVolume(ctx context.Context, spec VolumeSpec) (volumeName string, err error)

	// Image operations
	PullImage(ctx context.Context, image string, opts PullOptions) error
	ImageExists(ctx context.Context, image string) (bool, error)
	BuildImage(ctx context.Context, spec BuildSpec) error

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// projectFilter selects every container of a project.
func projectFilter(project string) map[string]string {
	return map[string]string{"label": deployment.LabelProject + "=" + project}
}

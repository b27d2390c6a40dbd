package deployment

import (
	"github.com/artpar/stacker/internal/core/topology"
)

// =============================================================================
// Container Plan Types
// =============================================================================

// ContainerPlan represents a planned container configuration.
// This is the pure output of planning, ready for the shell to execute.
type ContainerPlan struct {
	Name          string
	Service       string
	Image         string
	Command       []string
	Mode          StartupMode
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortPlan
	Volumes       []VolumePlan
	Network       string
	Aliases       []string
	RestartPolicy RestartPolicyPlan
}

// PortPlan represents a planned port binding.
type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// VolumePlan represents a planned volume mount.
type VolumePlan struct {
	Bind     bool
	Source   string // absolute host path or project-scoped volume name
	Target   string
	ReadOnly bool
}

// RestartPolicyPlan is the engine-side restart policy.
type RestartPolicyPlan struct {
	Name              string
	MaximumRetryCount int
}

// =============================================================================
// Builder Parameter Types
// =============================================================================

// BuildContainerPlanParams contains all inputs for building a container plan.
type BuildContainerPlanParams struct {
	Project    string
	Service    topology.ServiceDefinition
	Image      string // image to run, from PlanBuild
	ProjectDir string // base for relative bind sources
	HomeDir    string // expansion of "~"
	// Detached hands restarts to the engine; attached runs supervise them.
	Detached bool
}

// =============================================================================
// Stacker Container Labels
// =============================================================================

// Label keys used for stacker container identification.
const (
	LabelManaged = "com.stacker.managed"
	LabelProject = "com.stacker.project"
	LabelService = "com.stacker.service"
	LabelMode    = "com.stacker.mode"
)

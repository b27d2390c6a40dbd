package deployment

import (
	"path/filepath"
	"strings"

	"github.com/artpar/stacker/internal/core/topology"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// BuildContainerPlan builds a ContainerPlan from a resolved service.
//
// The function:
//   - Generates the container name using ContainerName()
//   - Selects the startup mode from the service environment and uses its command
//   - Makes bind sources absolute and prefixes named volumes with the project
//   - Joins the project network with the service name as alias
//   - Maps restart policy to the engine only for detached runs
func BuildContainerPlan(params BuildContainerPlanParams) ContainerPlan {
	svc := params.Service
	env := svc.Env()
	mode := SelectStartupMode(env)

	plan := ContainerPlan{
		Name:    ContainerName(params.Project, svc.Name),
		Service: svc.Name,
		Image:   params.Image,
		Command: LaunchCommand(mode, svc.Commands).Argv(),
		Mode:    mode,
		Env:     env,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelProject: params.Project,
			LabelService: svc.Name,
			LabelMode:    string(mode),
		},
		Network: NetworkName(params.Project),
		Aliases: []string{svc.Name},
	}

	for _, p := range svc.Ports {
		plan.Ports = append(plan.Ports, PortPlan{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range svc.Volumes {
		vp := VolumePlan{Target: v.Target, ReadOnly: v.ReadOnly}
		if v.Type == topology.VolumeTypeBind {
			vp.Bind = true
			vp.Source = HostPath(v.Source, params.ProjectDir, params.HomeDir)
		} else {
			vp.Source = VolumeName(params.Project, v.Source)
		}
		plan.Volumes = append(plan.Volumes, vp)
	}

	if params.Detached {
		plan.RestartPolicy = mapRestartPolicy(svc.Restart)
	} else {
		plan.RestartPolicy = RestartPolicyPlan{Name: "no"}
	}

	return plan
}

// HostPath resolves a bind source against the project directory.
func HostPath(source, projectDir, homeDir string) string {
	switch {
	case source == "~":
		return filepath.Clean(homeDir)
	case strings.HasPrefix(source, "~/"):
		return filepath.Join(homeDir, source[2:])
	case filepath.IsAbs(source):
		return filepath.Clean(source)
	default:
		return filepath.Join(projectDir, source)
	}
}

// mapRestartPolicy maps a restart policy to the engine's native policy.
func mapRestartPolicy(policy topology.RestartPolicy) RestartPolicyPlan {
	switch policy.Mode {
	case topology.RestartAlways:
		return RestartPolicyPlan{Name: "always"}
	case topology.RestartOnFailure:
		// The engine reads a zero retry count as unlimited.
		if policy.MaxAttempts <= 0 {
			return RestartPolicyPlan{Name: "no"}
		}
		return RestartPolicyPlan{Name: "on-failure", MaximumRetryCount: policy.MaxAttempts}
	default:
		return RestartPolicyPlan{Name: "no"}
	}
}

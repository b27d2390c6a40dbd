package topology

import (
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/types"
)

// ComposeProject converts the resolved topology into a compose-go project.
// Literal '$' in resolved values is escaped as "$$" so the rendered document
// round-trips through any compose loader unchanged.
func (t *Topology) ComposeProject(projectName string) *types.Project {
	project := &types.Project{
		Name:     projectName,
		Services: types.Services{},
	}

	for _, svc := range t.Services {
		cfg := types.ServiceConfig{
			Name:    svc.Name,
			Image:   escapeDollar(svc.Image),
			Restart: composeRestart(svc.Restart),
		}

		if svc.Build != nil {
			cfg.Build = &types.BuildConfig{
				Context:    escapeDollar(svc.Build.Context),
				Dockerfile: escapeDollar(svc.Build.Dockerfile),
			}
		}

		for _, p := range svc.Ports {
			port := types.ServicePortConfig{
				Target:   uint32(p.ContainerPort),
				Protocol: p.Protocol,
				HostIP:   p.HostIP,
				Mode:     "ingress",
			}
			if p.HostPort != 0 {
				port.Published = strconv.Itoa(p.HostPort)
			}
			cfg.Ports = append(cfg.Ports, port)
		}

		if len(svc.Environment) > 0 {
			cfg.Environment = types.MappingWithEquals{}
			for _, b := range svc.Environment {
				value := escapeDollar(b.Value)
				cfg.Environment[b.Name] = &value
			}
		}

		for _, v := range svc.Volumes {
			cfg.Volumes = append(cfg.Volumes, types.ServiceVolumeConfig{
				Type:     string(v.Type),
				Source:   escapeDollar(v.Source),
				Target:   v.Target,
				ReadOnly: v.ReadOnly,
			})
			if v.Type == VolumeTypeVolume {
				if project.Volumes == nil {
					project.Volumes = types.Volumes{}
				}
				project.Volumes[v.Source] = types.VolumeConfig{Name: v.Source}
			}
		}

		if len(svc.DependsOn) > 0 {
			cfg.DependsOn = types.DependsOnConfig{}
			for _, dep := range svc.DependsOn {
				cfg.DependsOn[dep] = types.ServiceDependency{
					Condition: types.ServiceConditionStarted,
					Required:  true,
				}
			}
		}

		if len(svc.Commands.Serve) > 0 {
			cmd := make(types.ShellCommand, len(svc.Commands.Serve))
			for i, arg := range svc.Commands.Serve {
				cmd[i] = escapeDollar(arg)
			}
			cfg.Command = cmd
		}

		project.Services[svc.Name] = cfg
	}

	return project
}

// RenderCompose renders the topology as a compose YAML document.
func (t *Topology) RenderCompose(projectName string) ([]byte, error) {
	return t.ComposeProject(projectName).MarshalYAML()
}

func composeRestart(p RestartPolicy) string {
	switch p.Mode {
	case RestartAlways:
		return types.RestartPolicyAlways
	case RestartOnFailure:
		if p.MaxAttempts <= 0 {
			return types.RestartPolicyNo
		}
		return types.RestartPolicyOnFailure + ":" + strconv.Itoa(p.MaxAttempts)
	default:
		return types.RestartPolicyNo
	}
}

func escapeDollar(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}

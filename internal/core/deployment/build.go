package deployment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/artpar/stacker/internal/core/topology"
)

// =============================================================================
// Build Instructions
// =============================================================================

// BuildKind tells the shell how to obtain a service image.
type BuildKind string

const (
	// BuildKindPull pulls a prebuilt image; nothing is built.
	BuildKindPull BuildKind = "pull"
	// BuildKindDockerfile builds the context with an instruction file it contains.
	BuildKindDockerfile BuildKind = "dockerfile"
	// BuildKindGenerated builds the context with generated instructions.
	BuildKindGenerated BuildKind = "generated"
)

// StepKind is the instruction of one generated build step.
type StepKind string

const (
	StepFrom    StepKind = "FROM"
	StepWorkdir StepKind = "WORKDIR"
	StepCopy    StepKind = "COPY"
	StepRun     StepKind = "RUN"
	StepExpose  StepKind = "EXPOSE"
	StepCmd     StepKind = "CMD"
)

// BuildStep is one ordered build instruction.
type BuildStep struct {
	Kind StepKind `json:"kind"`
	Args []string `json:"args"`
}

// BuildInstructions is the build plan for one service.
type BuildInstructions struct {
	Service    string      `json:"service"`
	Kind       BuildKind   `json:"kind"`
	Image      string      `json:"image"` // pull reference or build tag
	Context    string      `json:"context,omitempty"`
	Dockerfile string      `json:"dockerfile,omitempty"` // path inside Context
	Steps      []BuildStep `json:"steps,omitempty"`
}

// GeneratedDockerfile is the instruction file name used for generated plans.
const GeneratedDockerfile = ".stacker.Dockerfile"

// Toolchain describes how to build a source tree of one language ecosystem.
type Toolchain struct {
	Name       string
	Base       string
	Manifests  []string
	Install    []string
	DefaultCmd []string
}

var toolchains = map[string]Toolchain{
	"python": {
		Name:       "python",
		Base:       "python:3.11-slim",
		Manifests:  []string{"requirements.txt"},
		Install:    []string{"pip", "install", "--no-cache-dir", "-r", "requirements.txt"},
		DefaultCmd: []string{"python", "app.py"},
	},
	"node": {
		Name:       "node",
		Base:       "node:20-alpine",
		Manifests:  []string{"package.json"},
		Install:    []string{"npm", "install"},
		DefaultCmd: []string{"npm", "start"},
	},
}

// LookupToolchain returns a copy of the toolchain with the given name.
func LookupToolchain(name string) (Toolchain, bool) {
	tc, ok := toolchains[name]
	if !ok {
		return Toolchain{}, false
	}
	tc.Manifests = slices.Clone(tc.Manifests)
	tc.Install = slices.Clone(tc.Install)
	tc.DefaultCmd = slices.Clone(tc.DefaultCmd)
	return tc, true
}

// PlanBuild emits the build plan for a service. Image sources yield a pull
// plan; build sources yield either a Dockerfile build or generated steps:
// base image, work dir, dependency manifest, dependency install, source tree,
// exposed port and entry command.
func PlanBuild(def topology.ServiceDefinition, project string) BuildInstructions {
	if def.Build == nil {
		return BuildInstructions{
			Service: def.Name,
			Kind:    BuildKindPull,
			Image:   def.Image,
		}
	}

	plan := BuildInstructions{
		Service: def.Name,
		Image:   ImageTag(project, def.Name),
		Context: def.Build.Context,
	}

	tc, ok := LookupToolchain(def.Build.Toolchain)
	if !ok {
		plan.Kind = BuildKindDockerfile
		plan.Dockerfile = def.Build.Dockerfile
		if plan.Dockerfile == "" {
			plan.Dockerfile = "Dockerfile"
		}
		return plan
	}

	base := tc.Base
	if def.Build.Base != "" {
		base = def.Build.Base
	}

	plan.Kind = BuildKindGenerated
	plan.Dockerfile = GeneratedDockerfile
	plan.Steps = []BuildStep{
		{Kind: StepFrom, Args: []string{base}},
		{Kind: StepWorkdir, Args: []string{"/app"}},
		{Kind: StepCopy, Args: append(append([]string{}, tc.Manifests...), "./")},
		{Kind: StepRun, Args: tc.Install},
		{Kind: StepCopy, Args: []string{".", "."}},
	}

	if len(def.Ports) > 0 {
		p := def.Ports[0]
		plan.Steps = append(plan.Steps, BuildStep{
			Kind: StepExpose,
			Args: []string{fmt.Sprintf("%d/%s", p.ContainerPort, p.Protocol)},
		})
	}

	cmd := slices.Clone(def.Commands.Serve)
	if len(cmd) == 0 {
		cmd = tc.DefaultCmd
	}
	plan.Steps = append(plan.Steps, BuildStep{Kind: StepCmd, Args: cmd})

	return plan
}

// Render returns the generated instruction file. It is empty for plans that
// are not generated.
func (b BuildInstructions) Render() string {
	if b.Kind != BuildKindGenerated {
		return ""
	}

	var sb strings.Builder
	for _, step := range b.Steps {
		sb.WriteString(string(step.Kind))
		sb.WriteByte(' ')
		switch step.Kind {
		case StepRun, StepCmd:
			sb.WriteString(execForm(step.Args))
		default:
			sb.WriteString(strings.Join(step.Args, " "))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// execForm renders args as a JSON array, the exec form of RUN and CMD.
func execForm(args []string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return "[]"
	}
	return strings.TrimSpace(buf.String())
}

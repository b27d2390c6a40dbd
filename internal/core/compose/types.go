package compose

// =============================================================================
// File - Main Output Type
// =============================================================================

// File is a parsed topology document. Every string it carries is still a
// value expression: interpolation happens later, in the topology resolver.
type File struct {
	// Variables holds the x-variables block (derived variables such as
	// connection strings). They sit beneath the environment source.
	Variables map[string]string `json:"variables,omitempty"`
	// Services is sorted by name.
	Services []Service `json:"services"`
}

// ServiceNames returns the names of all services in file order.
func (f *File) ServiceNames() []string {
	names := make([]string, 0, len(f.Services))
	for _, svc := range f.Services {
		names = append(names, svc.Name)
	}
	return names
}

// =============================================================================
// Service Types
// =============================================================================

// Service is one raw service definition.
type Service struct {
	Name        string            `json:"name"`
	Image       string            `json:"image,omitempty"`
	Build       *BuildConfig      `json:"build,omitempty"`
	Ports       []string          `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Restart     string            `json:"restart,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Develop     []string          `json:"develop,omitempty"`
	Migrate     []string          `json:"migrate,omitempty"`
	Readiness   *Readiness        `json:"readiness,omitempty"`
}

// BuildConfig is the build source of a service.
type BuildConfig struct {
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile,omitempty"`
	Toolchain  string `json:"toolchain,omitempty"` // python, node
	Base       string `json:"base,omitempty"`      // base image override
}

// Readiness overrides the default readiness probe.
type Readiness struct {
	Port    string `json:"port,omitempty"`    // container port to probe
	Timeout string `json:"timeout,omitempty"` // Go duration
}

// =============================================================================
// YAML Document Shapes
// =============================================================================

// document mirrors the top level of a topology file.
type document struct {
	Variables map[string]string     `yaml:"x-variables"`
	Services  map[string]rawService `yaml:"services"`
}

// rawService mirrors one entry under services.
type rawService struct {
	Image       string         `yaml:"image"`
	Build       *buildField    `yaml:"build"`
	Ports       []string       `yaml:"ports"`
	Environment mappingOrList  `yaml:"environment"`
	Volumes     []string       `yaml:"volumes"`
	DependsOn   dependsOnField `yaml:"depends_on"`
	Restart     string         `yaml:"restart"`
	Command     commandField   `yaml:"command"`
	Develop     commandField   `yaml:"develop"`
	Migrate     commandField   `yaml:"migrate"`
	Readiness   *Readiness     `yaml:"readiness"`
}

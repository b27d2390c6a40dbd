package compose

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// serviceNameRegex matches the names compose accepts for services.
var serviceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses a topology document into a File.
// This is a pure function - no I/O, no side effects.
// Value expressions (${VAR} and friends) are kept verbatim.
func Parse(content []byte) (*File, error) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, ErrEmptyInput
	}

	var doc document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}

	if len(doc.Services) == 0 {
		return nil, ErrNoServices
	}

	file := &File{
		Variables: make(map[string]string, len(doc.Variables)),
		Services:  make([]Service, 0, len(doc.Services)),
	}
	for k, v := range doc.Variables {
		file.Variables[k] = v
	}

	for name, raw := range doc.Services {
		svc, err := convertService(name, raw)
		if err != nil {
			return nil, err
		}
		file.Services = append(file.Services, svc)
	}

	sort.Slice(file.Services, func(i, j int) bool {
		return file.Services[i].Name < file.Services[j].Name
	})

	return file, nil
}

// convertService converts the YAML shape of a service into a Service.
func convertService(name string, raw rawService) (Service, error) {
	field := "services." + name
	if !serviceNameRegex.MatchString(name) {
		return Service{}, NewParseError(field, fmt.Sprintf("service name %q is not valid", name), ErrInvalidServiceName)
	}

	svc := Service{
		Name:        name,
		Image:       strings.TrimSpace(raw.Image),
		Ports:       raw.Ports,
		Environment: map[string]string(raw.Environment),
		Volumes:     raw.Volumes,
		DependsOn:   []string(raw.DependsOn),
		Restart:     strings.TrimSpace(raw.Restart),
		Command:     []string(raw.Command),
		Develop:     []string(raw.Develop),
		Migrate:     []string(raw.Migrate),
		Readiness:   raw.Readiness,
	}
	if svc.Environment == nil {
		svc.Environment = make(map[string]string)
	}

	if raw.Build != nil {
		b := BuildConfig(*raw.Build)
		if strings.TrimSpace(b.Context) == "" {
			return Service{}, NewParseError(field+".build", "build context is required", ErrInvalidField)
		}
		svc.Build = &b
	}

	for i, dep := range svc.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return Service{}, NewParseError(fmt.Sprintf("%s.depends_on[%d]", field, i), "dependency name is empty", ErrInvalidField)
		}
	}
	sort.Strings(svc.DependsOn)

	return svc, nil
}

// =============================================================================
// Flexible Field Decoders
// =============================================================================

// buildField accepts `build: ./path` or the long mapping form.
type buildField BuildConfig

func (b *buildField) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		b.Context = value.Value
		return nil
	case yaml.MappingNode:
		var long struct {
			Context    string `yaml:"context"`
			Dockerfile string `yaml:"dockerfile"`
			Toolchain  string `yaml:"toolchain"`
			Base       string `yaml:"base"`
		}
		if err := value.Decode(&long); err != nil {
			return err
		}
		*b = buildField{
			Context:    long.Context,
			Dockerfile: long.Dockerfile,
			Toolchain:  long.Toolchain,
			Base:       long.Base,
		}
		return nil
	default:
		return NewParseError(fmt.Sprintf("line %d: build", value.Line), "build must be a path or a mapping", ErrInvalidField)
	}
}

// mappingOrList accepts environment as a mapping or a list of NAME=value.
// A bare NAME (or a mapping entry with no value) passes the variable of the
// same name through from the environment source.
type mappingOrList map[string]string

func (m *mappingOrList) UnmarshalYAML(value *yaml.Node) error {
	out := make(map[string]string)

	switch value.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := value.Content[i].Value
			val := value.Content[i+1]
			if val.Tag == "!!null" {
				out[key] = passThrough(key)
				continue
			}
			if val.Kind != yaml.ScalarNode {
				return NewParseError(fmt.Sprintf("line %d: environment.%s", val.Line, key), "value must be a scalar", ErrInvalidField)
			}
			out[key] = val.Value
		}
	case yaml.SequenceNode:
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode {
				return NewParseError(fmt.Sprintf("line %d: environment", item.Line), "entries must be NAME=value strings", ErrInvalidField)
			}
			name, val, found := strings.Cut(item.Value, "=")
			if !found {
				out[name] = passThrough(name)
				continue
			}
			out[name] = val
		}
	default:
		return NewParseError(fmt.Sprintf("line %d: environment", value.Line), "environment must be a mapping or a list", ErrInvalidField)
	}

	*m = out
	return nil
}

func passThrough(name string) string {
	return "${" + name + "}"
}

// dependsOnField accepts the short list form and the long mapping form.
type dependsOnField []string

func (d *dependsOnField) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		*d = names
	case yaml.MappingNode:
		names := make([]string, 0, len(value.Content)/2)
		for i := 0; i < len(value.Content); i += 2 {
			names = append(names, value.Content[i].Value)
		}
		*d = names
	default:
		return NewParseError(fmt.Sprintf("line %d: depends_on", value.Line), "depends_on must be a list or a mapping", ErrInvalidField)
	}
	return nil
}

// commandField accepts an argv list or a shell-style string.
type commandField []string

func (c *commandField) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		args, err := shellwords.Parse(value.Value)
		if err != nil {
			return NewParseError(fmt.Sprintf("line %d: command", value.Line), err.Error(), ErrInvalidField)
		}
		*c = args
	case yaml.SequenceNode:
		var args []string
		if err := value.Decode(&args); err != nil {
			return err
		}
		*c = args
	default:
		return NewParseError(fmt.Sprintf("line %d: command", value.Line), "command must be a string or a list", ErrInvalidField)
	}
	return nil
}

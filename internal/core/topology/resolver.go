package topology

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/stacker/internal/core/compose"
	"github.com/docker/go-connections/nat"
)

// Toolchains the build pipeline can generate instructions for.
var supportedToolchains = map[string]bool{
	"":       true,
	"python": true,
	"node":   true,
}

// ResolveFile resolves a parsed topology file. The file's x-variables are
// layered beneath env so that the environment always wins.
func ResolveFile(file *compose.File, env EnvironmentSource) (*Topology, error) {
	if file == nil {
		return nil, InvalidDefinition("", "", "topology file is nil")
	}
	return Resolve(file.Services, env.Over(file.Variables))
}

// Resolve substitutes every interpolation in defs against env, validates the
// result and computes the start groups. It returns either a complete
// Topology or an error; never a partial result.
func Resolve(defs []compose.Service, env EnvironmentSource) (*Topology, error) {
	sorted := make([]compose.Service, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return nil, InvalidDefinition(sorted[i].Name, "services."+sorted[i].Name, "duplicate service name")
		}
	}

	in := newInterpolator(env)
	services := make([]ServiceDefinition, 0, len(sorted))
	for _, raw := range sorted {
		def, err := resolveService(in, raw)
		if err != nil {
			return nil, withService(err, raw.Name)
		}
		services = append(services, def)
	}

	if err := checkPorts(services); err != nil {
		return nil, err
	}

	groups, err := Order(services)
	if err != nil {
		return nil, err
	}

	return newTopology(services, groups), nil
}

func withService(err error, name string) error {
	var ce *ConfigError
	if errors.As(err, &ce) && ce.Service == "" {
		ce.Service = name
	}
	return err
}

// =============================================================================
// Per-service resolution
// =============================================================================

func resolveService(in *interpolator, raw compose.Service) (ServiceDefinition, error) {
	prefix := "services." + raw.Name
	def := ServiceDefinition{Name: raw.Name}

	var err error
	if def.Image, err = in.expand(raw.Image, prefix+".image"); err != nil {
		return def, err
	}

	if raw.Build != nil {
		if def.Build, err = resolveBuild(in, raw.Name, prefix+".build", raw.Build); err != nil {
			return def, err
		}
	}

	switch {
	case def.Image == "" && def.Build == nil:
		return def, InvalidDefinition(raw.Name, prefix, "service must have image or build")
	case def.Image != "" && def.Build != nil:
		return def, InvalidDefinition(raw.Name, prefix, "image and build are mutually exclusive")
	}

	for _, spec := range raw.Ports {
		field := prefix + ".ports"
		value, err := in.expand(spec, field)
		if err != nil {
			return def, err
		}
		mappings, err := parsePort(raw.Name, field, value)
		if err != nil {
			return def, err
		}
		def.Ports = append(def.Ports, mappings...)
	}

	names := make([]string, 0, len(raw.Environment))
	for name := range raw.Environment {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := in.expand(raw.Environment[name], prefix+".environment."+name)
		if err != nil {
			return def, err
		}
		def.Environment = append(def.Environment, EnvBinding{Name: name, Value: value})
	}

	for _, spec := range raw.Volumes {
		field := prefix + ".volumes"
		value, err := in.expand(spec, field)
		if err != nil {
			return def, err
		}
		mount, err := parseVolume(raw.Name, field, value)
		if err != nil {
			return def, err
		}
		def.Volumes = append(def.Volumes, mount)
	}

	def.DependsOn = uniqueSorted(raw.DependsOn)

	restart, err := in.expand(raw.Restart, prefix+".restart")
	if err != nil {
		return def, err
	}
	if def.Restart, err = parseRestart(raw.Name, prefix+".restart", restart); err != nil {
		return def, err
	}

	if def.Commands.Serve, err = expandAll(in, raw.Command, prefix+".command"); err != nil {
		return def, err
	}
	if def.Commands.Develop, err = expandAll(in, raw.Develop, prefix+".develop"); err != nil {
		return def, err
	}
	if def.Commands.Migrate, err = expandAll(in, raw.Migrate, prefix+".migrate"); err != nil {
		return def, err
	}

	if raw.Readiness != nil {
		if def.Readiness, err = resolveReadiness(in, raw.Name, prefix+".readiness", raw.Readiness); err != nil {
			return def, err
		}
	}

	return def, nil
}

func resolveBuild(in *interpolator, service, field string, raw *compose.BuildConfig) (*BuildSource, error) {
	var (
		b   BuildSource
		err error
	)
	if b.Context, err = in.expand(raw.Context, field+".context"); err != nil {
		return nil, err
	}
	if b.Dockerfile, err = in.expand(raw.Dockerfile, field+".dockerfile"); err != nil {
		return nil, err
	}
	if b.Toolchain, err = in.expand(raw.Toolchain, field+".toolchain"); err != nil {
		return nil, err
	}
	if b.Base, err = in.expand(raw.Base, field+".base"); err != nil {
		return nil, err
	}

	if b.Context == "" {
		return nil, InvalidDefinition(service, field+".context", "build context is empty")
	}
	b.Toolchain = strings.ToLower(b.Toolchain)
	if !supportedToolchains[b.Toolchain] {
		return nil, InvalidDefinition(service, field+".toolchain", fmt.Sprintf("unsupported toolchain %q", b.Toolchain))
	}
	if b.Toolchain != "" && b.Dockerfile != "" {
		return nil, InvalidDefinition(service, field, "toolchain and dockerfile are mutually exclusive")
	}
	return &b, nil
}

func resolveReadiness(in *interpolator, service, field string, raw *compose.Readiness) (*Readiness, error) {
	r := &Readiness{}

	port, err := in.expand(raw.Port, field+".port")
	if err != nil {
		return nil, err
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, InvalidDefinition(service, field+".port", fmt.Sprintf("invalid port %q", port))
		}
		r.ContainerPort = n
	}

	timeout, err := in.expand(raw.Timeout, field+".timeout")
	if err != nil {
		return nil, err
	}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			return nil, InvalidDefinition(service, field+".timeout", fmt.Sprintf("invalid timeout %q", timeout))
		}
		r.Timeout = d
	}

	return r, nil
}

func expandAll(in *interpolator, args []string, field string) ([]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]string, len(args))
	for i, arg := range args {
		v, err := in.expand(arg, field)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// =============================================================================
// Field parsers
// =============================================================================

func parsePort(service, field, value string) ([]PortMapping, error) {
	specs, err := nat.ParsePortSpec(value)
	if err != nil {
		return nil, InvalidDefinition(service, field, fmt.Sprintf("invalid port %q: %v", value, err))
	}

	out := make([]PortMapping, 0, len(specs))
	for _, spec := range specs {
		m := PortMapping{
			HostIP:        spec.Binding.HostIP,
			ContainerPort: spec.Port.Int(),
			Protocol:      spec.Port.Proto(),
		}
		if spec.Binding.HostPort != "" {
			hp, err := strconv.Atoi(spec.Binding.HostPort)
			if err != nil {
				return nil, InvalidDefinition(service, field, fmt.Sprintf("host port range %q is not supported", spec.Binding.HostPort))
			}
			m.HostPort = hp
		}
		out = append(out, m)
	}
	return out, nil
}

func parseVolume(service, field, value string) (VolumeMount, error) {
	parts := strings.Split(value, ":")
	var m VolumeMount

	switch len(parts) {
	case 2:
		m.Source, m.Target = parts[0], parts[1]
	case 3:
		m.Source, m.Target = parts[0], parts[1]
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return m, InvalidDefinition(service, field, fmt.Sprintf("invalid volume mode %q", parts[2]))
		}
	default:
		return m, InvalidDefinition(service, field, fmt.Sprintf("invalid volume %q, expected source:target[:ro|rw]", value))
	}

	if m.Source == "" {
		return m, InvalidDefinition(service, field, fmt.Sprintf("volume %q has no source", value))
	}
	if !strings.HasPrefix(m.Target, "/") {
		return m, InvalidDefinition(service, field, fmt.Sprintf("volume target %q must be absolute", m.Target))
	}

	if strings.HasPrefix(m.Source, ".") || strings.HasPrefix(m.Source, "/") || strings.HasPrefix(m.Source, "~") {
		m.Type = VolumeTypeBind
	} else {
		m.Type = VolumeTypeVolume
	}
	return m, nil
}

func parseRestart(service, field, value string) (RestartPolicy, error) {
	switch value {
	case "", "no", "never":
		return RestartPolicy{Mode: RestartNever}, nil
	case "always", "unless-stopped":
		return RestartPolicy{Mode: RestartAlways}, nil
	case "on-failure":
		return RestartPolicy{Mode: RestartOnFailure, MaxAttempts: DefaultOnFailureAttempts}, nil
	}

	if count, ok := strings.CutPrefix(value, "on-failure:"); ok {
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return RestartPolicy{}, InvalidDefinition(service, field, fmt.Sprintf("invalid restart attempts %q", count))
		}
		return RestartPolicy{Mode: RestartOnFailure, MaxAttempts: n}, nil
	}

	return RestartPolicy{}, InvalidDefinition(service, field, fmt.Sprintf("unknown restart policy %q", value))
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Cross-service validation
// =============================================================================

type portKey struct {
	port  int
	proto string
}

type portClaim struct {
	service string
	hostIP  string
}

// checkPorts rejects a host port bound twice on the same interface. An
// unspecified host IP listens on every interface and clashes with any claim.
func checkPorts(services []ServiceDefinition) error {
	claims := make(map[portKey][]portClaim)

	for _, svc := range services {
		for _, p := range svc.Ports {
			if p.HostPort == 0 {
				continue
			}
			key := portKey{port: p.HostPort, proto: p.Protocol}
			for _, c := range claims[key] {
				if isWildcardIP(c.hostIP) || isWildcardIP(p.HostIP) || c.hostIP == p.HostIP {
					if c.service == svc.Name {
						return DuplicatePort(p.HostPort, svc.Name)
					}
					return DuplicatePort(p.HostPort, c.service, svc.Name)
				}
			}
			claims[key] = append(claims[key], portClaim{service: svc.Name, hostIP: p.HostIP})
		}
	}
	return nil
}

func isWildcardIP(ip string) bool {
	return ip == "" || ip == "0.0.0.0" || ip == "::"
}

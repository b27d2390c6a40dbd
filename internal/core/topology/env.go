package topology

import "sort"

// EnvironmentSource is an immutable variable-name to literal-value mapping.
// It is built once at the process boundary and passed explicitly into Resolve.
type EnvironmentSource struct {
	vars map[string]string
}

// NewEnvironmentSource copies vars into a new source.
func NewEnvironmentSource(vars map[string]string) EnvironmentSource {
	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return EnvironmentSource{vars: copied}
}

// Lookup returns the value of name and whether it is set.
func (e EnvironmentSource) Lookup(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// Len returns the number of variables.
func (e EnvironmentSource) Len() int {
	return len(e.vars)
}

// Names returns the variable names sorted.
func (e EnvironmentSource) Names() []string {
	names := make([]string, 0, len(e.vars))
	for k := range e.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Over returns a new source where e's values win over base.
func (e EnvironmentSource) Over(base map[string]string) EnvironmentSource {
	merged := make(map[string]string, len(base)+len(e.vars))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range e.vars {
		merged[k] = v
	}
	return EnvironmentSource{vars: merged}
}

// Map returns a copy of the variables.
func (e EnvironmentSource) Map() map[string]string {
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

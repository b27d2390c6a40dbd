package topology

import "sort"

// Order computes start groups for defs using layered topological sorting.
// Every service in group i depends only on services in groups before i, and
// each group is sorted by name so the result is deterministic.
//
// An undefined dependency is reported as UnknownDependency. A cycle is
// reported as *CyclicDependencyError naming one full cycle and every service
// that can never be ordered.
func Order(defs []ServiceDefinition) ([][]string, error) {
	names := make([]string, 0, len(defs))
	deps := make(map[string][]string, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
		deps[d.Name] = d.DependsOn
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range sortedCopy(deps[name]) {
			if _, ok := deps[dep]; !ok {
				return nil, UnknownDependency(name, dep)
			}
		}
	}

	// in-degree counts distinct dependencies; dependents maps a service to
	// the services waiting on it.
	inDegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, name := range names {
		seen := make(map[string]bool)
		for _, dep := range deps[name] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var groups [][]string
	var layer []string
	for _, name := range names {
		if inDegree[name] == 0 {
			layer = append(layer, name)
		}
	}

	placed := 0
	for len(layer) > 0 {
		groups = append(groups, layer)
		placed += len(layer)

		var next []string
		for _, name := range layer {
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		layer = next
	}

	if placed != len(names) {
		var blocked []string
		for _, name := range names {
			if inDegree[name] > 0 {
				blocked = append(blocked, name)
			}
		}
		return nil, &CyclicDependencyError{
			Cycle:   findCycle(blocked, deps, inDegree),
			Blocked: blocked,
		}
	}

	return groups, nil
}

// findCycle walks from the smallest blocked service, always following its
// smallest blocked dependency, until a service repeats. Every blocked service
// has at least one blocked dependency, so the walk always closes a cycle.
func findCycle(blocked []string, deps map[string][]string, inDegree map[string]int) []string {
	if len(blocked) == 0 {
		return nil
	}

	pos := make(map[string]int)
	var path []string
	current := blocked[0]
	for {
		if i, ok := pos[current]; ok {
			return rotateToSmallest(path[i:])
		}
		pos[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dep := range sortedCopy(deps[current]) {
			if inDegree[dep] > 0 {
				next = dep
				break
			}
		}
		if next == "" {
			return nil
		}
		current = next
	}
}

func rotateToSmallest(cycle []string) []string {
	start := 0
	for i, name := range cycle {
		if name < cycle[start] {
			start = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[start:]...)
	out = append(out, cycle[:start]...)
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

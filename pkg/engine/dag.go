package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/distforge/distforge/pkg/config"
)

// DependencyGraph is the validated component dependency graph: each
// component's declared needs, acyclic, with every edge pointing at a
// configured component.
type DependencyGraph struct {
	// order is every configured component name, in configuration order.
	order []string

	// needs maps a component to its direct dependencies.
	needs map[string][]string

	// dependents maps a component to the components that transitively
	// depend on it.
	dependents map[string][]string
}

// BuildDependencyGraph reads the declared needs of every configured
// component and validates the graph. An edge to an unconfigured
// component or a dependency cycle is a configuration error; the cycle
// error names the full cycle path.
func BuildDependencyGraph(cfg *config.Config) (*DependencyGraph, error) {
	components, err := cfg.Components(nil)
	if err != nil {
		return nil, NewConfigurationError("loading components", err)
	}

	g := &DependencyGraph{
		needs:      make(map[string][]string, len(components)),
		dependents: make(map[string][]string, len(components)),
	}
	known := make(map[string]bool, len(components))
	for _, c := range components {
		g.order = append(g.order, c.Name)
		known[c.Name] = true
	}

	for _, name := range g.order {
		needs, err := cfg.ComponentDependencies(name)
		if err != nil {
			return nil, NewConfigurationError("reading component dependencies", err)
		}
		for _, dep := range needs {
			if !known[dep] {
				return nil, NewConfigurationError(
					fmt.Sprintf("component %s needs %s, which is not a configured component", name, dep), nil)
			}
			if dep == name {
				return nil, NewConfigurationError(
					fmt.Sprintf("component %s needs itself", name), nil)
			}
		}
		g.needs[name] = needs
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewConfigurationError(
			"dependency cycle: "+formatCycle(cycle), nil).WithCode("dependency-cycle")
	}

	g.computeDependents()
	return g, nil
}

// Needs returns a component's direct dependencies.
func (g *DependencyGraph) Needs(name string) []string {
	return g.needs[name]
}

// Dependents returns the components that transitively depend on name,
// sorted. When a component fails, these are the ones its failure
// blocks.
func (g *DependencyGraph) Dependents(name string) []string {
	return g.dependents[name]
}

// Levels groups the components into dependency levels: level 0 has no
// dependencies, each later level depends only on earlier ones.
// Configuration order is preserved within a level.
func (g *DependencyGraph) Levels() [][]string {
	depth := make(map[string]int, len(g.order))
	var levelOf func(name string) int
	levelOf = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		level := 0
		for _, dep := range g.needs[name] {
			if d := levelOf(dep) + 1; d > level {
				level = d
			}
		}
		depth[name] = level
		return level
	}

	maxLevel := 0
	for _, name := range g.order {
		if d := levelOf(name); d > maxLevel {
			maxLevel = d
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, name := range g.order {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	return levels
}

// findCycle runs a DFS over the needs edges and returns the first
// cycle found as a path whose last element repeats the first, or nil.
func (g *DependencyGraph) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.order))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		path = append(path, name)
		for _, dep := range g.needs[name] {
			switch state[dep] {
			case visiting:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return false
	}

	for _, name := range g.order {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

// computeDependents inverts the needs edges and closes them
// transitively.
func (g *DependencyGraph) computeDependents() {
	direct := make(map[string][]string, len(g.order))
	for name, needs := range g.needs {
		for _, dep := range needs {
			direct[dep] = append(direct[dep], name)
		}
	}

	for _, name := range g.order {
		seen := map[string]bool{}
		queue := append([]string{}, direct[name]...)
		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, direct[next]...)
		}
		all := make([]string, 0, len(seen))
		for dependent := range seen {
			all = append(all, dependent)
		}
		sort.Strings(all)
		g.dependents[name] = all
	}
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

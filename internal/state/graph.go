package state

import (
	"fmt"

	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// depGraph is the fixed, topologically-sorted dependency graph over
// computed fields, built once at load time per spec §9's strategy. Cycle
// detection uses Kahn's algorithm (in-degree zero queue); a non-empty
// remainder after the queue drains is a cycle.
type depGraph struct {
	fields map[string]workflowtypes.ComputedFieldSpec
	// dependsOnComputed[name] lists the other computed field names that
	// name's sources reference directly.
	dependsOnComputed map[string][]string
	// dependents[name] lists the computed fields that directly depend on name.
	dependents map[string][]string
	// rawSources[name] lists the raw (non-computed) source paths name reads,
	// scope-stripped (e.g. "n", not "this.n") to match Store.Update's
	// writtenPaths keys -- used to decide which computed fields a raw write dirties.
	rawSources map[string][]string
	topoOrder  []string
}

func buildDepGraph(schema Schema) (*depGraph, error) {
	computedNames := schema.computedNames()
	g := &depGraph{
		fields:            make(map[string]workflowtypes.ComputedFieldSpec, len(schema.Computed)),
		dependsOnComputed: make(map[string][]string, len(schema.Computed)),
		dependents:        make(map[string][]string, len(schema.Computed)),
		rawSources:        make(map[string][]string, len(schema.Computed)),
	}

	for _, c := range schema.Computed {
		if _, dup := g.fields[c.Name]; dup {
			return nil, &errs.InvalidWorkflowDefinition{Reason: fmt.Sprintf("duplicate computed field %q", c.Name)}
		}
		g.fields[c.Name] = c
	}

	for _, c := range schema.Computed {
		for _, src := range c.From {
			_, rest, _, ok := SplitScopedPath(src)
			if !ok {
				return nil, &errs.InvalidWorkflowDefinition{Reason: fmt.Sprintf("computed field %q has source %q with no valid scope prefix", c.Name, src)}
			}
			name := firstSegment(rest)
			if computedNames[name] && name != c.Name {
				g.dependsOnComputed[c.Name] = append(g.dependsOnComputed[c.Name], name)
				g.dependents[name] = append(g.dependents[name], c.Name)
			} else {
				g.rawSources[c.Name] = append(g.rawSources[c.Name], rest)
			}
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.topoOrder = order
	return g, nil
}

func firstSegment(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}

// topoSort runs Kahn's algorithm over dependsOnComputed edges; a non-empty
// remainder after the frontier drains indicates a cycle, a fatal load-time
// validation error per spec §3 invariant 3 / §4.C.
func (g *depGraph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.fields))
	for name := range g.fields {
		inDegree[name] = len(g.dependsOnComputed[name])
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dependent := range g.dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(g.fields) {
		return nil, &errs.InvalidWorkflowDefinition{Reason: "cyclic computed field dependency"}
	}
	return order, nil
}

// dirtySet returns the computed fields (in topological order) whose
// transitive sources intersect writtenRawPaths, per spec §4.B update's
// dependency-directed recomputation.
func (g *depGraph) dirtySet(writtenRawPaths map[string]bool) []string {
	directlyDirty := make(map[string]bool)
	for name, sources := range g.rawSources {
		for _, src := range sources {
			if rawPathMatches(writtenRawPaths, src) {
				directlyDirty[name] = true
				break
			}
		}
	}

	dirty := make(map[string]bool)
	var mark func(string)
	mark = func(name string) {
		if dirty[name] {
			return
		}
		dirty[name] = true
		for _, dependent := range g.dependents[name] {
			mark(dependent)
		}
	}
	for name := range directlyDirty {
		mark(name)
	}

	var ordered []string
	for _, name := range g.topoOrder {
		if dirty[name] {
			ordered = append(ordered, name)
		}
	}
	return ordered
}

// rawPathMatches reports whether a written path (scope-stripped, e.g. "n")
// is a prefix of, or equal to, or a parent of, a computed field's
// scope-stripped declared source path.
func rawPathMatches(written map[string]bool, source string) bool {
	if written[source] {
		return true
	}
	for w := range written {
		if isPathPrefix(w, source) || isPathPrefix(source, w) {
			return true
		}
	}
	return false
}

func isPathPrefix(prefix, path string) bool {
	if prefix == path {
		return true
	}
	if len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '.' {
		return true
	}
	return false
}

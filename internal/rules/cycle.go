package rules

import (
	"fmt"
	"strings"
)

// CycleWarning reports rules that transitively depend on their own output.
//
// Static cycles are warnings rather than startup errors: whether a cycle is
// ever reached depends on which rows a transaction touches. The engine's
// scheduler rejects a cyclic closure at runtime with CYCLE_DETECTED.
type CycleWarning struct {
	Path    []string `json:"path"`    // ["a", "b", "a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeCycles performs static cycle analysis over the derivation rules.
//
// Nodes are derivation rules; an edge a -> b means b reads a's target.
// Tarjan's algorithm finds the strongly connected components, and each
// component with more than one rule or with a self-loop is reported.
// An acyclic rule set returns an empty list.
func (r *Registry) AnalyzeCycles() []CycleWarning {
	var nodes []string
	graph := make(Graph)
	for _, rule := range r.order {
		d, ok := rule.(Derivation)
		if !ok {
			continue
		}
		nodes = append(nodes, d.RuleName())
		var next []string
		for _, reader := range r.readers[attrKey(d.OwnerEntity(), d.TargetAttr())] {
			next = append(next, reader.RuleName())
		}
		graph[d.RuleName()] = next
	}

	warnings := []CycleWarning{}
	for _, path := range FindCycles(nodes, graph) {
		warnings = append(warnings, CycleWarning{
			Path:    path,
			Message: fmt.Sprintf("rule cycle detected: %s", strings.Join(path, " -> ")),
			Level:   "warning",
		})
	}
	return warnings
}

// Graph maps a node to the nodes it has edges to.
type Graph map[string][]string

// FindCycles returns one closed path (first node repeated at the end) per
// cyclic strongly connected component of graph. Nodes are visited in the
// given order so the result is deterministic.
func FindCycles(nodes []string, graph Graph) [][]string {
	var cycles [][]string
	for _, scc := range tarjanSCC(nodes, graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			cycles = append(cycles, cyclePath(scc, graph))
		}
	}
	return cycles
}

func hasSelfLoop(node string, graph Graph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(nodes []string, graph Graph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack into an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cyclePath walks edges inside the SCC from its earliest-visited member
// until it returns to the start.
func cyclePath(scc []string, graph Graph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	// Tarjan pops the root last.
	start := scc[len(scc)-1]
	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		var next string
		for _, neighbor := range graph[current] {
			if neighbor == start {
				next = start
				break
			}
			if members[neighbor] && !visited[neighbor] && next == "" {
				next = neighbor
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		visited[next] = true
		current = next
	}
	return path
}

package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/rules"
)

// task is one derivation rule applied to one row.
type task struct {
	rule   rules.Derivation
	entity string
	rowID  string
}

func (t task) key() string {
	return fmt.Sprintf("%s@%s:%s", t.rule.RuleName(), t.entity, t.rowID)
}

// scheduler computes the affected closure of one round.
//
// Nodes are (rule, row) tasks, deduplicated. An edge a -> b means b reads
// the attribute a writes: a formula on the same row, or an aggregate on the
// row's parent. A task reachable from several others is scheduled once,
// after the last of them.
type scheduler struct {
	reg   *rules.Registry
	c     *collector
	tasks []task
	index map[string]int
	edges map[int][]int
	seen  map[[2]int]bool
}

// schedule returns the tasks affected by pending in topological order.
// Ties are broken by discovery order, so the same change set always yields
// the same sequence. A cycle among the touched tasks fails with
// CYCLE_DETECTED; the scheduler never loops.
func (e *Engine) schedule(ctx context.Context, c *collector, pending []ir.Change) ([]task, error) {
	s := &scheduler{
		reg:   e.rules,
		c:     c,
		index: make(map[string]int),
		edges: make(map[int][]int),
		seen:  make(map[[2]int]bool),
	}

	for _, ch := range pending {
		seeds, err := s.dependents(ctx, ch.Entity, ch.RowID, ch.Changed())
		if err != nil {
			return nil, err
		}
		if ch.Op == ir.OpInsert {
			// A new row's own derived attributes start out null.
			for _, d := range e.rules.Derivations(ch.Entity) {
				seeds = append(seeds, task{rule: d, entity: ch.Entity, rowID: ch.RowID})
			}
		}
		for _, t := range seeds {
			s.add(t)
		}
	}

	// Breadth-first: tasks appended by add are visited in turn.
	for i := 0; i < len(s.tasks); i++ {
		t := s.tasks[i]
		next, err := s.dependents(ctx, t.entity, t.rowID, []string{t.rule.TargetAttr()})
		if err != nil {
			return nil, err
		}
		for _, n := range next {
			s.link(i, s.add(n))
		}
	}

	return s.order()
}

func (s *scheduler) add(t task) int {
	key := t.key()
	if i, ok := s.index[key]; ok {
		return i
	}
	i := len(s.tasks)
	s.tasks = append(s.tasks, t)
	s.index[key] = i
	return i
}

func (s *scheduler) link(from, to int) {
	edge := [2]int{from, to}
	if s.seen[edge] {
		return
	}
	s.seen[edge] = true
	s.edges[from] = append(s.edges[from], to)
}

// dependents maps changed attributes of one row to the tasks reading them.
func (s *scheduler) dependents(ctx context.Context, entity, rowID string, attrs []string) ([]task, error) {
	var out []task
	for _, d := range s.reg.Dependents(entity, attrs) {
		agg, ok := d.(rules.Aggregate)
		if !ok {
			out = append(out, task{rule: d, entity: entity, rowID: rowID})
			continue
		}
		rel, _ := s.reg.Schema().Relationship(agg.Via())
		// The row may only be known as an aggregate target so far.
		if _, err := s.c.load(ctx, entity, rowID); err != nil {
			return nil, err
		}
		for _, parentID := range s.c.parentIDs(entity, rowID, rel.ForeignKey) {
			out = append(out, task{rule: d, entity: rel.Parent, rowID: parentID})
		}
	}
	return out, nil
}

// order runs Kahn's algorithm over the discovered tasks.
func (s *scheduler) order() ([]task, error) {
	indegree := make([]int, len(s.tasks))
	for _, targets := range s.edges {
		for _, j := range targets {
			indegree[j]++
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]task, 0, len(s.tasks))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, s.tasks[i])
		for _, j := range s.edges[i] {
			indegree[j]--
			if indegree[j] == 0 {
				pos, _ := slices.BinarySearch(ready, j)
				ready = slices.Insert(ready, pos, j)
			}
		}
	}

	if len(ordered) < len(s.tasks) {
		return nil, NewCycleError(s.cycle(indegree))
	}
	return ordered, nil
}

// cycle extracts one cycle path among the tasks Kahn could not order.
func (s *scheduler) cycle(indegree []int) []string {
	var nodes []string
	graph := make(rules.Graph)
	for i, t := range s.tasks {
		if indegree[i] == 0 {
			continue
		}
		key := t.key()
		nodes = append(nodes, key)
		for _, j := range s.edges[i] {
			if indegree[j] > 0 {
				graph[key] = append(graph[key], s.tasks[j].key())
			}
		}
	}
	cycles := rules.FindCycles(nodes, graph)
	if len(cycles) == 0 {
		return nodes
	}
	return cycles[0]
}

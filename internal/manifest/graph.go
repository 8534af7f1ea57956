package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// Returns the pipelines in topological order: every pipeline appears after
// its build root and after every pipeline whose output it consumes.
//
// Ties between independent pipelines are broken by declaration order.
// A reference cycle is fatal and names the pipelines involved.
func (m *Manifest) Order() ([]*Pipeline, error) {
	index := make(map[string]int, len(m.Pipelines))
	for i, p := range m.Pipelines {
		index[p.Name] = i
	}

	// dependents[i] lists the nodes that must wait for node i;
	// indegree[i] counts the edges into node i.
	dependents := make([][]int, len(m.Pipelines))
	indegree := make([]int, len(m.Pipelines))

	for i, p := range m.Pipelines {
		for _, dep := range p.Dependencies() {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: pipeline %q depends on %q", ErrReference, p.Name, dep)
			}
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	// Kahn's algorithm. The ready list is kept sorted so independent
	// pipelines come out in declaration order.
	var ready []int
	for i := range m.Pipelines {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]*Pipeline, 0, len(m.Pipelines))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]

		order = append(order, m.Pipelines[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}

	if len(order) != len(m.Pipelines) {
		var stuck []string
		for i, p := range m.Pipelines {
			if indegree[i] > 0 {
				stuck = append(stuck, p.Name)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}

	return order, nil
}

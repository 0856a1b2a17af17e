package runner

import (
	"fmt"
	"strings"

	"github.com/relayflow-go/internal/domain/workflow"
)

const (
	OrderingArray       = "array"
	OrderingTopological = "topological"
)

// Ordering decides the dispatch sequence of a graph's nodes.
type Ordering interface {
	Order(nodes []workflow.Node, edges []workflow.Edge) []workflow.Node
}

// ArrayOrder dispatches nodes in the order they were saved.
type ArrayOrder struct{}

func (ArrayOrder) Order(nodes []workflow.Node, _ []workflow.Edge) []workflow.Node {
	out := make([]workflow.Node, len(nodes))
	copy(out, nodes)
	return out
}

// TopologicalOrder follows the edges (Kahn). Among ready nodes the one saved
// first goes first. Nodes stuck in a cycle are appended in saved order.
type TopologicalOrder struct{}

func (TopologicalOrder) Order(nodes []workflow.Node, edges []workflow.Edge) []workflow.Node {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}

	indeg := make([]int, len(nodes))
	out := make([][]int, len(nodes))
	for _, e := range edges {
		from, ok := index[e.Source]
		if !ok {
			continue
		}
		to, ok := index[e.Target]
		if !ok {
			continue
		}
		out[from] = append(out[from], to)
		indeg[to]++
	}

	// ready stays sorted by saved position
	var ready []int
	for i := range nodes {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}

	placed := make([]bool, len(nodes))
	order := make([]workflow.Node, 0, len(nodes))
	for len(ready) > 0 {
		v := ready[0]
		ready = ready[1:]
		placed[v] = true
		order = append(order, nodes[v])
		for _, u := range out[v] {
			indeg[u]--
			if indeg[u] == 0 {
				ready = insertSorted(ready, u)
			}
		}
	}

	for i, n := range nodes {
		if !placed[i] {
			order = append(order, n)
		}
	}
	return order
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// OrderingByName maps the engine.ordering setting to a strategy. Empty means
// array.
func OrderingByName(name string) (Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", OrderingArray:
		return ArrayOrder{}, nil
	case OrderingTopological:
		return TopologicalOrder{}, nil
	default:
		return nil, fmt.Errorf("unknown ordering %q", name)
	}
}

func actionNodes(ordered []workflow.Node) []workflow.Node {
	actions := make([]workflow.Node, 0, len(ordered))
	for _, n := range ordered {
		if !n.IsTrigger() {
			actions = append(actions, n)
		}
	}
	return actions
}

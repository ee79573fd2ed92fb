// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dag holds the index-based representation of a model graph: an arena of node records
// addressed by their declaration index, with predecessor and successor lists.
//
// Names are only a lookup layer at the boundary: every algorithm (cycle detection, topological order,
// output derivation, consumer counting) works on integer indices.
//
// Example:
//
//	g, err := dag.New([]string{"A", "B", "C", "D"}, map[string][]string{
//		"B": {"A"}, "C": {"A"}, "D": {"B", "C"},
//	})
//	order, err := g.TopologicalOrder() // [0 1 2 3]: A, B, C, D.
//	outputs, err := g.Outputs(nil)     // ["D"]
package dag

import (
	"container/heap"
	"fmt"
	"strings"

	"github.com/gomlx/modelgraph/pkg/modelerrors"
)

// Graph is an immutable directed graph of named nodes, stored in declaration order.
//
// It is safe for concurrent reads.
type Graph struct {
	names        []string
	index        map[string]int
	predecessors [][]int
	successors   [][]int
}

// New creates a Graph from the node names, in declaration order, and a mapping of node name to the
// ordered list of its predecessors.
//
// Nodes missing from predecessors have no predecessors (they are graph inputs).
// It returns an ErrConfiguration if a name is empty or duplicate, or if a predecessor is not a declared node.
// Cycles are not checked here, see TopologicalOrder.
func New(names []string, predecessors map[string][]string) (*Graph, error) {
	g := &Graph{
		names:        make([]string, len(names)),
		index:        make(map[string]int, len(names)),
		predecessors: make([][]int, len(names)),
		successors:   make([][]int, len(names)),
	}
	copy(g.names, names)
	for ii, name := range names {
		if name == "" {
			return nil, modelerrors.Configurationf("node #%d has an empty name", ii)
		}
		if _, found := g.index[name]; found {
			return nil, modelerrors.Configurationf("duplicate node name %q", name)
		}
		g.index[name] = ii
	}
	for name := range predecessors {
		if _, found := g.index[name]; !found {
			return nil, modelerrors.Configurationf("predecessors given for undeclared node %q", name)
		}
	}
	for ii, name := range names {
		preds := predecessors[name]
		if len(preds) == 0 {
			continue
		}
		g.predecessors[ii] = make([]int, 0, len(preds))
		for _, predName := range preds {
			predIdx, found := g.index[predName]
			if !found {
				return nil, modelerrors.Configurationf("node %q has unknown input %q", name, predName)
			}
			g.predecessors[ii] = append(g.predecessors[ii], predIdx)
			g.successors[predIdx] = append(g.successors[predIdx], ii)
		}
	}
	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.names) }

// Name of the node at index idx.
func (g *Graph) Name(idx int) string { return g.names[idx] }

// Names returns a copy of the node names in declaration order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.names))
	copy(names, g.names)
	return names
}

// Index returns the index of the node with the given name.
func (g *Graph) Index(name string) (idx int, found bool) {
	idx, found = g.index[name]
	return
}

// Predecessors returns the ordered input indices of node idx. Don't modify the returned slice.
//
// The same predecessor may appear more than once, if the node consumes it more than once.
func (g *Graph) Predecessors(idx int) []int { return g.predecessors[idx] }

// Successors returns the indices of the nodes consuming node idx. Don't modify the returned slice.
func (g *Graph) Successors(idx int) []int { return g.successors[idx] }

// IsInput returns whether node idx has no predecessors.
func (g *Graph) IsInput(idx int) bool { return len(g.predecessors[idx]) == 0 }

// ConsumerCounts returns for each node the number of times it is consumed as an input by other nodes.
func (g *Graph) ConsumerCounts() []int {
	counts := make([]int, len(g.names))
	for idx := range g.names {
		counts[idx] = len(g.successors[idx])
	}
	return counts
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	var sb strings.Builder
	for ii, name := range g.names {
		if ii > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(name)
		if len(g.predecessors[ii]) > 0 {
			preds := make([]string, len(g.predecessors[ii]))
			for jj, p := range g.predecessors[ii] {
				preds[jj] = g.names[p]
			}
			_, _ = fmt.Fprintf(&sb, " <- [%s]", strings.Join(preds, ", "))
		}
	}
	return sb.String()
}

// TopologicalOrder returns the node indices in an order where every node comes after all its predecessors.
//
// Ties are broken by declaration order: among the nodes ready to run, the one declared first goes first.
// If the graph has a cycle it returns an ErrConfiguration describing one of the cycles.
func (g *Graph) TopologicalOrder() ([]int, error) {
	inDegree := make([]int, len(g.names))
	for idx, preds := range g.predecessors {
		inDegree[idx] = len(preds)
	}
	ready := &indexHeap{}
	for idx, degree := range inDegree {
		if degree == 0 {
			heap.Push(ready, idx)
		}
	}
	order := make([]int, 0, len(g.names))
	for ready.Len() > 0 {
		idx := heap.Pop(ready).(int)
		order = append(order, idx)
		for _, succ := range g.successors[idx] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				heap.Push(ready, succ)
			}
		}
	}
	if len(order) != len(g.names) {
		return nil, modelerrors.Configurationf("model graph is not acyclic, found cycle %s",
			strings.Join(g.findCycle(), " -> "))
	}
	return order, nil
}

// IsAcyclic returns whether the graph has no cycles.
func (g *Graph) IsAcyclic() bool {
	_, err := g.TopologicalOrder()
	return err == nil
}

// findCycle returns the names along one cycle, with the first node repeated at the end.
// It visits nodes in declaration order, so the returned cycle is deterministic.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.names))
	parent := make([]int, len(g.names))
	for ii := range parent {
		parent[ii] = -1
	}
	var cycle []int
	var visit func(idx int) bool
	visit = func(idx int) bool {
		color[idx] = gray
		for _, succ := range g.successors[idx] {
			switch color[succ] {
			case white:
				parent[succ] = idx
				if visit(succ) {
					return true
				}
			case gray:
				// Back edge idx -> succ: walk parents back to succ.
				cycle = append(cycle, idx)
				for cur := idx; cur != succ; {
					cur = parent[cur]
					cycle = append(cycle, cur)
				}
				return true
			}
		}
		color[idx] = black
		return false
	}
	for idx := range g.names {
		if color[idx] == white && visit(idx) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}
	// cycle holds [u, parent(u), ..., v] in reverse edge order: reverse and close it.
	names := make([]string, 0, len(cycle)+1)
	for ii := len(cycle) - 1; ii >= 0; ii-- {
		names = append(names, g.names[cycle[ii]])
	}
	names = append(names, names[0])
	return names
}

// Outputs validates the graph and returns the names of its output nodes.
//
// If explicit is not empty it is returned (after checking that all names exist), otherwise the
// outputs are the nodes not consumed by any other node, in declaration order.
// It returns an ErrConfiguration if the graph has a cycle, or if the graph is non-empty and the
// output set is empty.
func (g *Graph) Outputs(explicit []string) ([]string, error) {
	if _, err := g.TopologicalOrder(); err != nil {
		return nil, err
	}
	var outputs []string
	if len(explicit) > 0 {
		seen := make(map[string]bool, len(explicit))
		for _, name := range explicit {
			if _, found := g.index[name]; !found {
				return nil, modelerrors.Configurationf("output %q is not a node of the model", name)
			}
			if seen[name] {
				return nil, modelerrors.Configurationf("output %q listed more than once", name)
			}
			seen[name] = true
			outputs = append(outputs, name)
		}
	} else {
		for idx, name := range g.names {
			if len(g.successors[idx]) == 0 {
				outputs = append(outputs, name)
			}
		}
	}
	if len(g.names) > 0 && len(outputs) == 0 {
		return nil, modelerrors.Configurationf("no outputs specified")
	}
	return outputs, nil
}

// Validate builds the graph from names and predecessors, and returns its outputs (see Graph.Outputs).
func Validate(names []string, predecessors map[string][]string, explicitOutputs []string) ([]string, error) {
	g, err := New(names, predecessors)
	if err != nil {
		return nil, err
	}
	return g.Outputs(explicitOutputs)
}

// indexHeap is a min-heap of node indices.
type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

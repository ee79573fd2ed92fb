// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dag

import (
	"testing"

	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond(t *testing.T) *Graph {
	g, err := New([]string{"A", "B", "C", "D"}, map[string][]string{
		"B": {"A"}, "C": {"A"}, "D": {"B", "C"},
	})
	require.NoError(t, err)
	return g
}

func TestTopologicalOrder(t *testing.T) {
	g := diamond(t)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.True(t, g.IsAcyclic())

	// Declaration order breaks ties, even if declared "out of order".
	g, err = New([]string{"head", "x", "backbone"}, map[string][]string{
		"head": {"backbone"}, "backbone": {"x"},
	})
	require.NoError(t, err)
	order, err = g.TopologicalOrder()
	require.NoError(t, err)
	names := make([]string, len(order))
	for ii, idx := range order {
		names[ii] = g.Name(idx)
	}
	assert.Equal(t, []string{"x", "backbone", "head"}, names)
}

func TestTopologicalOrderProperty(t *testing.T) {
	names := []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6"}
	preds := map[string][]string{
		"n6": {"n0", "n5"},
		"n5": {"n2", "n4"},
		"n4": {"n1"},
		"n3": {"n0"},
		"n2": {"n1", "n3"},
	}
	g, err := New(names, preds)
	require.NoError(t, err)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, len(names))
	position := make(map[int]int)
	for pos, idx := range order {
		position[idx] = pos
	}
	for idx := range names {
		for _, p := range g.Predecessors(idx) {
			assert.Less(t, position[p], position[idx], "%s must come after %s", g.Name(idx), g.Name(p))
		}
	}
}

func TestCycle(t *testing.T) {
	g, err := New([]string{"A", "B", "C"}, map[string][]string{
		"A": {"C"}, "B": {"A"}, "C": {"B"},
	})
	require.NoError(t, err)
	_, err = g.TopologicalOrder()
	require.Error(t, err)
	require.True(t, errors.Is(err, modelerrors.ErrConfiguration))
	assert.Contains(t, err.Error(), "A -> B -> C -> A")
	assert.False(t, g.IsAcyclic())

	// Self-loop.
	g, err = New([]string{"A"}, map[string][]string{"A": {"A"}})
	require.NoError(t, err)
	_, err = g.Outputs(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A -> A")
}

func TestOutputs(t *testing.T) {
	g := diamond(t)
	outputs, err := g.Outputs(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, outputs)

	outputs, err = g.Outputs([]string{"C", "D"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "D"}, outputs)

	_, err = g.Outputs([]string{"E"})
	require.True(t, errors.Is(err, modelerrors.ErrConfiguration))

	// Two sinks, in declaration order.
	outputs, err = Validate([]string{"x", "head2", "head1"}, map[string][]string{
		"head1": {"x"}, "head2": {"x"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"head2", "head1"}, outputs)

	// Empty graph has no outputs, but it is not an error.
	outputs, err = Validate(nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestNewErrors(t *testing.T) {
	_, err := New([]string{"A", "A"}, nil)
	require.True(t, errors.Is(err, modelerrors.ErrConfiguration))
	_, err = New([]string{"A", ""}, nil)
	require.True(t, errors.Is(err, modelerrors.ErrConfiguration))
	_, err = New([]string{"A"}, map[string][]string{"A": {"missing"}})
	require.True(t, errors.Is(err, modelerrors.ErrConfiguration))
	assert.Contains(t, err.Error(), "missing")
	_, err = New([]string{"A"}, map[string][]string{"B": {"A"}})
	require.True(t, errors.Is(err, modelerrors.ErrConfiguration))
}

func TestConsumerCounts(t *testing.T) {
	g := diamond(t)
	assert.Equal(t, []int{2, 1, 1, 0}, g.ConsumerCounts())
	assert.True(t, g.IsInput(0))
	assert.False(t, g.IsInput(3))
	assert.Equal(t, []int{1, 2}, g.Predecessors(3))
	idx, found := g.Index("C")
	require.True(t, found)
	assert.Equal(t, 2, idx)
	assert.Equal(t, "A; B <- [A]; C <- [A]; D <- [B, C]", g.String())
}

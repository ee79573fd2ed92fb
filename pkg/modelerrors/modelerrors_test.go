// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelerrors

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	err := Lookupf("node type %q not registered", "Foo")
	require.True(t, errors.Is(err, ErrLookup))
	require.True(t, errors.Is(err, ErrConfiguration))
	require.False(t, errors.Is(err, ErrShape))
	assert.Contains(t, err.Error(), `"Foo"`)

	err = MetricShapef("metric %q", "m")
	require.True(t, errors.Is(err, ErrMetricShape))
	require.True(t, errors.Is(err, ErrValue))
	require.False(t, errors.Is(err, ErrCheckpoint))

	err = Checkpointf("missing state_dict")
	require.True(t, errors.Is(err, ErrValue))
	require.True(t, errors.Is(err, ErrCheckpoint))
}

func TestWrapCompute(t *testing.T) {
	require.NoError(t, WrapCompute(nil, "nothing"))

	cause := fmt.Errorf("division by zero")
	err := WrapCompute(cause, "node %q", "head")
	require.True(t, errors.Is(err, ErrRuntimeCompute))
	require.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "head")
	assert.Contains(t, err.Error(), "division by zero")

	// Errors that already have a kind keep it.
	err = WrapCompute(Shapef("bad shape"), "node %q", "head")
	require.True(t, errors.Is(err, ErrShape))
	require.False(t, errors.Is(err, ErrRuntimeCompute))
}

func TestCatch(t *testing.T) {
	require.NoError(t, Catch(func() {}))

	cause := Shapef("bad shape")
	err := Catch(func() { panic(cause) })
	require.True(t, errors.Is(err, ErrShape))

	err = Catch(func() { panic("index mismatch") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index mismatch")
	assert.False(t, HasKind(err))

	err = Catch(func() { panic(42) })
	require.Error(t, err)
	assert.Equal(t, "42", err.Error())

	// Runtime panics are caught as well.
	err = Catch(func() {
		var values []int
		_ = values[3]
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index out of range")
}

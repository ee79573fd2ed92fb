// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"golang.org/x/exp/constraints"
)

// Float32Data returns a copy of the flat data of a float32 tensor.
func Float32Data(t *tensors.Tensor) ([]float32, error) {
	if t == nil {
		return nil, modelerrors.Shapef("missing tensor")
	}
	if t.DType() != dtypes.Float32 {
		return nil, modelerrors.Shapef("expected a Float32 tensor, got %s", t.Shape())
	}
	return tensors.MustCopyFlatData[float32](t), nil
}

// product of the dimensions.
func product[T constraints.Integer](dims []T) T {
	var p T = 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// normalizeAxis converts a negative axis to its positive counterpart.
func normalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, modelerrors.Shapef("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// newRNG returns a generator seeded deterministically by name, so identically configured models
// start with identical parameters.
func newRNG(name string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// uniformTensor creates a float32 tensor with values uniformly distributed in [-limit, limit).
func uniformTensor(rng *rand.Rand, limit float64, dims ...int) *tensors.Tensor {
	data := make([]float32, product(dims))
	for ii := range data {
		data[ii] = float32((rng.Float64()*2 - 1) * limit)
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// mapFloat32 applies fn elementwise on a float32 tensor, returning a new tensor.
func mapFloat32(t *tensors.Tensor, fn func(x float32) float32) (*tensors.Tensor, error) {
	data, err := Float32Data(t)
	if err != nil {
		return nil, err
	}
	for ii, x := range data {
		data[ii] = fn(x)
	}
	return tensors.FromFlatDataAndDimensions(data, t.Shape().Dimensions...), nil
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// shapeEqualDims returns whether both shapes have the same dimensions, ignoring dtype.
func shapeEqualDims(a, b shapes.Shape) bool {
	if a.Rank() != b.Rank() {
		return false
	}
	for ii, d := range a.Dimensions {
		if b.Dimensions[ii] != d {
			return false
		}
	}
	return true
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attached

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/packet"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// DefaultLabel is the label task used by modules that don't set the "label" parameter.
const DefaultLabel = "target"

// moduleBase holds the common configuration of the built-in modules: which tensor of the node output
// is the prediction ("slot" and "index" parameters) and which label task is the target ("label").
type moduleBase struct {
	name, nodeName string
	label, slot    string
	index          int
}

func newModuleBase(args ModuleArgs) (m moduleBase, err error) {
	m.name, m.nodeName = args.Name, args.NodeName
	if m.label, err = args.Params.String("label", DefaultLabel); err != nil {
		return
	}
	if m.slot, err = args.Params.String("slot", packet.Features); err != nil {
		return
	}
	m.index, err = args.Params.Int("index", 0)
	return
}

// Name implements Module.
func (m *moduleBase) Name() string { return m.name }

// NodeName implements Module.
func (m *moduleBase) NodeName() string { return m.nodeName }

// prediction returns the selected tensor of the node output.
func (m *moduleBase) prediction(output packet.Packet) (*tensors.Tensor, error) {
	t, err := output.Get(m.slot, m.index)
	if err != nil {
		return nil, errors.WithMessagef(err, "%q attached to node %q", m.name, m.nodeName)
	}
	return t, nil
}

// target returns the label tensor.
func (m *moduleBase) target(labels packet.Labels) (*tensors.Tensor, error) {
	t, found := labels[m.label]
	if !found || t == nil {
		return nil, errors.Errorf("%q attached to node %q: label %q not given", m.name, m.nodeName, m.label)
	}
	return t, nil
}

// pair returns the flat prediction and target values, and the batch size.
// Both must have the same number of elements.
func (m *moduleBase) pair(output packet.Packet, labels packet.Labels) (pred, target []float64, batchSize int, err error) {
	predT, err := m.prediction(output)
	if err != nil {
		return
	}
	targetT, err := m.target(labels)
	if err != nil {
		return
	}
	if predT.Size() != targetT.Size() {
		err = modelerrors.Shapef("%q attached to node %q: prediction %s and label %q %s have different sizes",
			m.name, m.nodeName, predT.Shape(), m.label, targetT.Shape())
		return
	}
	if pred, err = Float64Data(predT); err != nil {
		return
	}
	if target, err = Float64Data(targetT); err != nil {
		return
	}
	batchSize = BatchSize(predT)
	return
}

// BatchSize returns the dimension of the first axis of t, or 1 for scalars.
func BatchSize(t *tensors.Tensor) int {
	if t.Rank() == 0 {
		return 1
	}
	return t.Shape().Dimensions[0]
}

// Float64Data returns the values of a numeric or boolean tensor converted to float64.
func Float64Data(t *tensors.Tensor) (data []float64, err error) {
	var supported bool
	err = t.ConstFlatData(func(flat any) {
		supported = true
		switch f := flat.(type) {
		case []float32:
			data = convert(f)
		case []float64:
			data = convert(f)
		case []int8:
			data = convert(f)
		case []int16:
			data = convert(f)
		case []int32:
			data = convert(f)
		case []int64:
			data = convert(f)
		case []uint8:
			data = convert(f)
		case []uint16:
			data = convert(f)
		case []uint32:
			data = convert(f)
		case []uint64:
			data = convert(f)
		case []bool:
			data = make([]float64, len(f))
			for ii, b := range f {
				if b {
					data[ii] = 1
				}
			}
		default:
			supported = false
		}
	})
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, modelerrors.Shapef("tensor of dtype %s not supported, shape %s", t.DType(), t.Shape())
	}
	return data, nil
}

func convert[T constraints.Integer | constraints.Float](in []T) []float64 {
	out := make([]float64, len(in))
	for ii, v := range in {
		out[ii] = float64(v)
	}
	return out
}

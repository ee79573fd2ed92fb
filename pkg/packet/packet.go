// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package packet defines the unit of data flowing on the edges of a model graph: a Packet maps named
// output slots to ordered lists of tensors.
//
// Most nodes output a single tensor in the Features slot. Multi-scale nodes output several tensors in one
// slot, and multi-head nodes output several slots.
package packet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Features is the default slot name.
const Features = "features"

// Packet maps slot names to ordered lists of tensors.
type Packet map[string][]*tensors.Tensor

// Single returns a Packet with one tensor in the Features slot.
func Single(t *tensors.Tensor) Packet {
	return Packet{Features: {t}}
}

// Slots returns the slot names, sorted.
func (p Packet) Slots() []string {
	return xslices.SortedKeys(p)
}

// Get returns the tensor at index of slot, or an error if it doesn't exist.
func (p Packet) Get(slot string, index int) (*tensors.Tensor, error) {
	list, found := p[slot]
	if !found {
		return nil, errors.Errorf("packet has no slot %q, slots available: %v", slot, p.Slots())
	}
	if index < 0 {
		index += len(list)
	}
	if index < 0 || index >= len(list) {
		return nil, errors.Errorf("packet slot %q has %d tensors, index %d out of range", slot, len(list), index)
	}
	return list[index], nil
}

// Memory returns the sum of the memory used by all tensors of the packet.
func (p Packet) Memory() uintptr {
	var total uintptr
	for _, list := range p {
		for _, t := range list {
			if t != nil {
				total += t.Memory()
			}
		}
	}
	return total
}

// Shapes returns the ShapePacket mirror of the packet.
func (p Packet) Shapes() ShapePacket {
	sp := make(ShapePacket, len(p))
	for slot, list := range p {
		sp[slot] = make([]shapes.Shape, len(list))
		for ii, t := range list {
			sp[slot][ii] = t.Shape()
		}
	}
	return sp
}

// Key identifies one tensor of a node output.
type Key struct {
	Node  string
	Slot  string
	Index int
}

// String returns "node/slot/index".
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Node, k.Slot, k.Index)
}

// Less orders keys lexicographically over (node, slot, index).
func (k Key) Less(other Key) bool {
	if k.Node != other.Node {
		return k.Node < other.Node
	}
	if k.Slot != other.Slot {
		return k.Slot < other.Slot
	}
	return k.Index < other.Index
}

// Keys enumerates all tensors of the given node packets in the canonical order: lexicographic
// over (node, slot, index).
func Keys(packets map[string]Packet) []Key {
	var keys []Key
	for node, p := range packets {
		for slot, list := range p {
			for ii := range list {
				keys = append(keys, Key{Node: node, Slot: slot, Index: ii})
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// ShapePacket is the shape-only mirror of a Packet.
type ShapePacket map[string][]shapes.Shape

// Dummy creates a Packet of zero-valued tensors with the shapes of sp.
func (sp ShapePacket) Dummy() Packet {
	p := make(Packet, len(sp))
	for slot, list := range sp {
		p[slot] = make([]*tensors.Tensor, len(list))
		for ii, shape := range list {
			p[slot][ii] = tensors.FromShape(shape)
		}
	}
	return p
}

// String implements fmt.Stringer, with slots sorted.
func (sp ShapePacket) String() string {
	var parts []string
	for _, slot := range xslices.SortedKeys(sp) {
		shapesStr := xslices.Map(sp[slot], func(s shapes.Shape) string { return s.String() })
		parts = append(parts, fmt.Sprintf("%s: [%s]", slot, strings.Join(shapesStr, ", ")))
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

// WithBatch returns a copy of sp where the leading axis of every shape is set to batchSize.
// Scalars are kept as is.
func (sp ShapePacket) WithBatch(batchSize int) ShapePacket {
	out := make(ShapePacket, len(sp))
	for slot, list := range sp {
		out[slot] = make([]shapes.Shape, len(list))
		for ii, shape := range list {
			out[slot][ii] = WithBatch(shape, batchSize)
		}
	}
	return out
}

// WithBatch returns a copy of shape with the leading axis set to batchSize. Scalars are returned unchanged.
func WithBatch(shape shapes.Shape, batchSize int) shapes.Shape {
	if shape.Rank() == 0 {
		return shape
	}
	dims := xslices.Copy(shape.Dimensions)
	dims[0] = batchSize
	return shapes.Make(shape.DType, dims...)
}

// Float32 is a shortcut to create a float32 shape.
func Float32(dims ...int) shapes.Shape {
	return shapes.Make(dtypes.Float32, dims...)
}

// Labels maps a label task name to the tensor holding its labels for the batch.
type Labels map[string]*tensors.Tensor

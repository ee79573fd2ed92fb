// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nodes defines the contract of the processing nodes of a model graph, the registry of node types
// and a set of built-in node types.
//
// A node is constructed once, from the shapes of its inputs (see Args), and then run on every forward pass.
// Construction must not depend on data: the model builder first runs every node on zero-valued dummy
// packets to learn the output shapes, and only then real batches flow.
//
// New node types are registered during package initialization:
//
//	func init() {
//		nodes.Registry.Register("MyHead", NewMyHead)
//	}
package nodes

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/packet"
	"github.com/gomlx/modelgraph/pkg/registry"
	"github.com/pkg/errors"
)

// PassContext holds the state of one forward pass. It is created by the model for each pass and passed
// to every node and attached module.
type PassContext struct {
	// Epoch is the current training epoch, as given by the training loop.
	Epoch int

	// Training is set during training passes.
	Training bool

	// Export is set when the pass is used to trace the model for export.
	Export bool
}

// Node is a unit of computation of the model graph.
type Node interface {
	// Name of the node, unique within the model.
	Name() string

	// Run the node on one packet per declared input, in the order the inputs were declared.
	// Input nodes receive exactly one packet, with the raw inputs they consume.
	Run(ctx *PassContext, inputs []packet.Packet) (packet.Packet, error)
}

// Parametric is implemented by nodes with trainable parameters.
type Parametric interface {
	Node

	// Parameters returns the live parameter tensors, by parameter name.
	// Restoring a checkpoint changes the contents of these tensors in place.
	Parameters() map[string]*tensors.Tensor
}

// Exportable is implemented by nodes that change their outputs when the model is traced for export.
type Exportable interface {
	Node
	SetExportMode(enabled bool)
}

// DatasetMetadata is shared by all nodes and attached modules of a model.
type DatasetMetadata struct {
	// Classes maps a label task name to its class names.
	Classes map[string][]string

	// KeypointCounts maps a label task name to the number of keypoints.
	KeypointCounts map[string]int
}

// NumClasses returns the number of classes of the label task, or 0 if unknown.
// A nil DatasetMetadata is valid and knows no tasks.
func (m *DatasetMetadata) NumClasses(task string) int {
	if m == nil {
		return 0
	}
	return len(m.Classes[task])
}

// Args holds everything a node needs to be constructed.
type Args struct {
	// Name of the node.
	Name string

	// Type is the registered type name.
	Type string

	// InputShapes holds one ShapePacket per declared input, with a small batch size.
	InputShapes []packet.ShapePacket

	// GlobalShapes are the shapes of the raw model inputs, by input name.
	GlobalShapes map[string]shapes.Shape

	// Metadata of the dataset, may be nil.
	Metadata *DatasetMetadata

	// Params are the type specific parameters.
	Params Params
}

// Constructor creates a node from its Args.
type Constructor func(args Args) (Node, error)

// Registry of node types, by type name.
var Registry = registry.New[Constructor]("node type")

// Instantiate calls ctor with args. Panics raised by the constructor are returned as errors.
// Errors without a kind are reported as configuration errors.
func Instantiate(ctor Constructor, args Args) (node Node, err error) {
	if panicErr := modelerrors.Catch(func() { node, err = ctor(args) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		if !modelerrors.HasKind(err) {
			err = errors.Wrapf(modelerrors.ErrConfiguration, "constructing node %q (type %q): %v",
				args.Name, args.Type, err)
		}
		return nil, err
	}
	if node == nil {
		return nil, modelerrors.Configurationf("constructor of type %q returned no node for %q", args.Type, args.Name)
	}
	return node, nil
}

// base implements the name of a node, embedded by the built-in types.
type base struct {
	name string
}

func (b *base) Name() string { return b.name }

// selectShape returns the shape at (slot, index) of sp.
//
// If slot is packet.Features and sp has a single slot with another name (as input nodes do, where slots
// are named after the raw inputs), that slot is used.
func selectShape(sp packet.ShapePacket, slot string, index int) (shapes.Shape, error) {
	list, found := sp[slot]
	if !found && slot == packet.Features && len(sp) == 1 {
		for _, only := range sp {
			list, found = only, true
		}
	}
	if !found {
		return shapes.Shape{}, modelerrors.Shapef("input has no slot %q, got %s", slot, sp)
	}
	if index < 0 {
		index += len(list)
	}
	if index < 0 || index >= len(list) {
		return shapes.Shape{}, modelerrors.Shapef("input slot %q has %d tensors, index %d out of range",
			slot, len(list), index)
	}
	return list[index], nil
}

// selectTensor is the Packet counterpart of selectShape.
func selectTensor(p packet.Packet, slot string, index int) (*tensors.Tensor, error) {
	if _, found := p[slot]; !found && slot == packet.Features && len(p) == 1 {
		for only := range p {
			slot = only
		}
	}
	t, err := p.Get(slot, index)
	if err != nil {
		return nil, errors.WithMessage(modelerrors.ErrShape, err.Error())
	}
	return t, nil
}

// expectInputs checks the number of inputs of a node.
func expectInputs(args Args, minInputs, maxInputs int) error {
	n := len(args.InputShapes)
	if n < minInputs || (maxInputs > 0 && n > maxInputs) {
		switch {
		case minInputs == maxInputs:
			return modelerrors.Configurationf("node %q (%s) requires %d input(s), got %d", args.Name, args.Type, minInputs, n)
		case maxInputs > 0:
			return modelerrors.Configurationf("node %q (%s) requires %d to %d inputs, got %d",
				args.Name, args.Type, minInputs, maxInputs, n)
		}
		return modelerrors.Configurationf("node %q (%s) requires at least %d input(s), got %d",
			args.Name, args.Type, minInputs, n)
	}
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/modelgraph/pkg/packet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Export describes the outputs of the model traced for export: a flat list of tensors.
type Export struct {
	// Keys of the output tensors, sorted by (node, slot, index).
	Keys []packet.Key

	// Names of the output tensors, either "<node>/<slot>/<index>" or the configured exporter.output_names.
	Names []string

	// Shapes of the output tensors.
	Shapes []shapes.Shape
}

// ExportOutputs traces the model with zero-valued inputs of the given shapes, with the nodes in export mode,
// and returns the flat enumeration of its outputs.
//
// If exporter.output_names is configured but its length doesn't match the number of outputs, a warning is
// logged and the default names are used.
func (m *Model) ExportOutputs(inputShapes map[string]shapes.Shape) (*Export, error) {
	m.SetExportMode(true)
	defer m.SetExportMode(false)

	batch := &Batch{Inputs: make(map[string]*tensors.Tensor, len(inputShapes))}
	for name, shape := range inputShapes {
		batch.Inputs[name] = tensors.FromShape(shape)
	}
	out, err := m.Forward(batch, ForwardOptions{SkipLosses: true, Export: true})
	if err != nil {
		return nil, errors.WithMessagef(err, "tracing %s for export", m)
	}

	export := &Export{Keys: out.OutputKeys()}
	export.Shapes = make([]shapes.Shape, len(export.Keys))
	for ii, key := range export.Keys {
		export.Shapes[ii] = out.Outputs[key.Node][key.Slot][key.Index].Shape()
	}
	names := m.cfg.Exporter.OutputNames
	if len(names) > 0 && len(names) != len(export.Keys) {
		klog.Warningf("Number of provided output names (%d) does not match number of outputs (%d), using default names",
			len(names), len(export.Keys))
		names = nil
	}
	if len(names) == 0 {
		names = make([]string, len(export.Keys))
		for ii, key := range export.Keys {
			names[ii] = key.String()
		}
	} else {
		names = append([]string(nil), names...)
	}
	export.Names = names
	return export, nil
}

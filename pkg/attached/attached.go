// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attached defines the modules attached to the nodes of a model graph: losses, metrics and
// visualizers. Each module is bound to exactly one node, and is run by the model against that node's
// output and the labels of the batch.
//
// Losses and metrics return tagged values (LossValue and MetricValue) whose Kind tells which of the
// fields are set.
package attached

import (
	"fmt"
	"image"
	"maps"
	"math"

	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
	"github.com/gomlx/modelgraph/pkg/registry"
)

// Module is the common interface of losses, metrics and visualizers.
type Module interface {
	// Name of the module, unique among the modules of the same kind of the model.
	Name() string

	// NodeName is the name of the node the module is attached to.
	NodeName() string
}

// Loss computes a loss from the output of its node and the labels.
type Loss interface {
	Module
	Run(ctx *nodes.PassContext, output packet.Packet, labels packet.Labels) (LossValue, error)
}

// Metric accumulates a metric over the batches of an epoch.
type Metric interface {
	Module

	// Update accumulates the metric state with one batch.
	Update(ctx *nodes.PassContext, output packet.Packet, labels packet.Labels) error

	// Compute returns the metric for the accumulated batches. It doesn't reset the state.
	Compute() (MetricValue, error)

	// Reset the accumulated state.
	Reset()
}

// Visualizer renders the output of its node over the canvas images of the batch.
type Visualizer interface {
	Module

	// Run returns for each element of the batch one or more images.
	Run(ctx *nodes.PassContext, canvas []image.Image, output packet.Packet, labels packet.Labels) ([][]image.Image, error)
}

// ModuleArgs holds everything an attached module needs to be constructed.
type ModuleArgs struct {
	// Name of the module: its alias if given, otherwise its type name.
	Name string

	// Type is the registered type name.
	Type string

	// NodeName is the name of the node the module is attached to.
	NodeName string

	// Node is the node the module is attached to.
	Node nodes.Node

	// OutputShapes of the node, with a small batch size.
	OutputShapes packet.ShapePacket

	// Params are the type specific parameters.
	Params nodes.Params

	// Metadata of the dataset, may be nil.
	Metadata *nodes.DatasetMetadata
}

// LossConstructor creates a Loss.
type LossConstructor func(args ModuleArgs) (Loss, error)

// MetricConstructor creates a Metric.
type MetricConstructor func(args ModuleArgs) (Metric, error)

// VisualizerConstructor creates a Visualizer.
type VisualizerConstructor func(args ModuleArgs) (Visualizer, error)

var (
	// Losses registry, by type name.
	Losses = registry.New[LossConstructor]("loss")

	// Metrics registry, by type name.
	Metrics = registry.New[MetricConstructor]("metric")

	// Visualizers registry, by type name.
	Visualizers = registry.New[VisualizerConstructor]("visualizer")
)

// LossKind enumerates the forms of a LossValue.
type LossKind int

const (
	// LossScalar is a single value.
	LossScalar LossKind = iota

	// LossWithSublosses is a value plus named sublosses, only used for logging.
	LossWithSublosses
)

// LossValue is the result of a Loss.
type LossValue struct {
	Kind      LossKind
	Value     float64
	Sublosses map[string]float64
}

// ScalarLoss returns a LossScalar value.
func ScalarLoss(value float64) LossValue {
	return LossValue{Kind: LossScalar, Value: value}
}

// LossWithSubs returns a LossWithSublosses value.
func LossWithSubs(value float64, sublosses map[string]float64) LossValue {
	return LossValue{Kind: LossWithSublosses, Value: value, Sublosses: sublosses}
}

// MetricKind enumerates the forms of a MetricValue.
type MetricKind int

const (
	// MetricScalar is a single value.
	MetricScalar MetricKind = iota

	// MetricWithSubmetrics is a value plus named submetrics.
	MetricWithSubmetrics

	// MetricSubmetricsOnly has only named submetrics.
	MetricSubmetricsOnly
)

// MetricValue is the result of Metric.Compute.
type MetricValue struct {
	Kind       MetricKind
	Value      float64
	Submetrics map[string]float64
}

// ScalarMetric returns a MetricScalar value.
func ScalarMetric(value float64) MetricValue {
	return MetricValue{Kind: MetricScalar, Value: value}
}

// MetricWithSubs returns a MetricWithSubmetrics value.
func MetricWithSubs(value float64, submetrics map[string]float64) MetricValue {
	return MetricValue{Kind: MetricWithSubmetrics, Value: value, Submetrics: submetrics}
}

// SubmetricsOnly returns a MetricSubmetricsOnly value.
func SubmetricsOnly(submetrics map[string]float64) MetricValue {
	return MetricValue{Kind: MetricSubmetricsOnly, Submetrics: submetrics}
}

// Normalize flattens the value to a mapping of names to values: a scalar becomes {name: value},
// a value with submetrics becomes {name: value, sub1: ..., sub2: ...}, where a submetric named name takes
// precedence, and submetrics only are returned as is.
//
// It returns an error of kind modelerrors.ErrMetricShape for an unknown kind, or if the submetrics
// are missing.
func (v MetricValue) Normalize(name string) (map[string]float64, error) {
	switch v.Kind {
	case MetricScalar:
		return map[string]float64{name: v.Value}, nil
	case MetricWithSubmetrics:
		if v.Submetrics == nil {
			return nil, modelerrors.MetricShapef("metric %q returned a value with missing submetrics", name)
		}
		flat := map[string]float64{name: v.Value}
		maps.Copy(flat, v.Submetrics)
		return flat, nil
	case MetricSubmetricsOnly:
		if len(v.Submetrics) == 0 {
			return nil, modelerrors.MetricShapef("metric %q returned no submetrics", name)
		}
		return maps.Clone(v.Submetrics), nil
	default:
		return nil, modelerrors.MetricShapef("metric %q returned a value of unknown kind %d", name, v.Kind)
	}
}

// PrettyPrint formats a metric or loss value in a short form.
func PrettyPrint(value float64) string {
	if math.IsNaN(value) {
		return "-"
	}
	return fmt.Sprintf("%.3g", value)
}

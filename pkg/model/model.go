// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model builds and executes a model graph described by a config.Config.
//
// The model is built lazily from the shapes of its raw inputs: nodes are instantiated in topological
// order, each one from the output shapes of its predecessors, learned by running every node on zero-valued
// dummy packets (see New).
//
// A forward pass (see Model.Forward) visits the nodes in the same order, keeping in a cache only the
// packets that still have a pending consumer, or that are model outputs. For every visited node the
// attached losses, metrics and visualizers are run.
package model

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/modelgraph/pkg/attached"
	"github.com/gomlx/modelgraph/pkg/config"
	"github.com/gomlx/modelgraph/pkg/dag"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
)

// DummyBatchSize is the batch size of the dummy packets used to infer the shapes of the nodes.
const DummyBatchSize = 2

// Model is an instantiated model graph, with its attached modules.
//
// A Model is not safe for concurrent use: forward passes run sequentially and update the state of the
// attached metrics.
type Model struct {
	cfg      *config.Config
	graph    *dag.Graph
	order    []int
	outputs  []string
	isOutput []bool

	globalShapes map[string]shapes.Shape
	metadata     *nodes.DatasetMetadata

	// Per node, indexed by the node index in the graph.
	nodes        []nodes.Node
	types        []string
	loaderInputs [][]string
	inputShapes  [][]packet.ShapePacket
	outputShapes []packet.ShapePacket
	losses       [][]attached.Loss
	metrics      [][]attached.Metric
	trainMetrics [][]attached.Metric
	visualizers  [][]attached.Visualizer

	// lossWeights by node name and loss name.
	lossWeights map[string]map[string]float64

	mainMetricNode, mainMetricName string

	freezeSchedule FreezeSchedule
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("model.Model(%q, %d nodes)", m.cfg.Model.Name, m.graph.Len())
}

// Config returns the configuration used to build the model. Don't change it.
func (m *Model) Config() *config.Config { return m.cfg }

// Graph returns the model graph.
func (m *Model) Graph() *dag.Graph { return m.graph }

// Outputs returns the names of the output nodes.
func (m *Model) Outputs() []string { return m.outputs }

// Order returns the names of the nodes in execution order.
func (m *Model) Order() []string {
	names := make([]string, len(m.order))
	for ii, idx := range m.order {
		names[ii] = m.graph.Name(idx)
	}
	return names
}

// Node returns the node with the given name, or nil if there is no such node.
func (m *Model) Node(name string) nodes.Node {
	idx, found := m.graph.Index(name)
	if !found {
		return nil
	}
	return m.nodes[idx]
}

// OutputShapes returns the output shapes of the node, as inferred with the dummy batch size.
func (m *Model) OutputShapes(name string) packet.ShapePacket {
	idx, found := m.graph.Index(name)
	if !found {
		return nil
	}
	return m.outputShapes[idx]
}

// MainMetric returns the node and the name of the main metric, if one was configured.
func (m *Model) MainMetric() (node, metric string, ok bool) {
	return m.mainMetricNode, m.mainMetricName, m.mainMetricName != ""
}

// MainMetricKey is the key of the main metric in the logged values, "<node>/<metric>", or "" if there is none.
func (m *Model) MainMetricKey() string {
	if m.mainMetricName == "" {
		return ""
	}
	return m.mainMetricNode + "/" + m.mainMetricName
}

// LossWeights returns the weight of each loss, by node name and loss name. Don't change it.
func (m *Model) LossWeights() map[string]map[string]float64 { return m.lossWeights }

// SetExportMode sets the export mode of all nodes implementing nodes.Exportable.
func (m *Model) SetExportMode(enabled bool) {
	for _, node := range m.nodes {
		if exportable, ok := node.(nodes.Exportable); ok {
			exportable.SetExportMode(enabled)
		}
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/attached"
	"github.com/gomlx/modelgraph/pkg/config"
	"github.com/gomlx/modelgraph/pkg/dag"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
	"github.com/gomlx/modelgraph/pkg/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// New builds the model described by cfg.Model, for raw inputs with the given shapes (including the batch axis,
// whose size is ignored).
//
// Input nodes (nodes without inputs) receive the raw inputs listed in their loader_inputs, or all of them,
// in sorted order, if loader_inputs is empty. The packet of an input node has one slot per raw input,
// named after it.
//
// The nodes are instantiated in topological order, each from the output shapes of its predecessors: these
// are found by running each node on zero-valued dummy packets with batch size DummyBatchSize.
// Errors raised by nodes are returned as is.
//
// If cfg.Model.Weights is set, the checkpoint is loaded at the end, see Model.LoadCheckpoint.
func New(cfg *config.Config, inputShapes map[string]shapes.Shape, metadata *nodes.DatasetMetadata) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = &nodes.DatasetMetadata{}
	}
	names, predecessors := cfg.Model.Graph()
	graph, err := dag.New(names, predecessors)
	if err != nil {
		return nil, err
	}
	order, err := graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	outputs, err := graph.Outputs(cfg.Model.Outputs)
	if err != nil {
		return nil, err
	}

	numNodes := graph.Len()
	m := &Model{
		cfg:          cfg,
		graph:        graph,
		order:        order,
		outputs:      outputs,
		isOutput:     make([]bool, numNodes),
		globalShapes: inputShapes,
		metadata:     metadata,
		nodes:        make([]nodes.Node, numNodes),
		types:        make([]string, numNodes),
		loaderInputs: make([][]string, numNodes),
		inputShapes:  make([][]packet.ShapePacket, numNodes),
		outputShapes: make([]packet.ShapePacket, numNodes),
		losses:       make([][]attached.Loss, numNodes),
		metrics:      make([][]attached.Metric, numNodes),
		trainMetrics: make([][]attached.Metric, numNodes),
		visualizers:  make([][]attached.Visualizer, numNodes),
		lossWeights:  make(map[string]map[string]float64),
	}
	for _, name := range outputs {
		idx, _ := graph.Index(name)
		m.isOutput[idx] = true
	}
	if err = m.buildNodes(); err != nil {
		return nil, err
	}
	if err = m.buildAttachedModules(); err != nil {
		return nil, err
	}
	m.freezeSchedule = newFreezeSchedule(cfg)
	klog.V(1).Infof("built %s: order %v, outputs %v", m, m.Order(), m.outputs)

	if cfg.Model.Weights != "" {
		if _, err = m.LoadCheckpoint(cfg.Model.Weights); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// inputNodeShapes returns the raw inputs consumed by the input node and its ShapePacket.
func (m *Model) inputNodeShapes(nodeCfg *config.NodeConfig) (loaderInputs []string, sp packet.ShapePacket, err error) {
	loaderInputs = nodeCfg.LoaderInputs
	if len(loaderInputs) == 0 {
		loaderInputs = xslices.SortedKeys(m.globalShapes)
	}
	if len(loaderInputs) == 0 {
		return nil, nil, modelerrors.Configurationf("input node %q has no inputs: no raw input shapes were given",
			nodeCfg.ID())
	}
	sp = make(packet.ShapePacket, len(loaderInputs))
	for _, inputName := range loaderInputs {
		shape, found := m.globalShapes[inputName]
		if !found {
			return nil, nil, modelerrors.Configurationf("input node %q consumes unknown input %q, known inputs: %v",
				nodeCfg.ID(), inputName, xslices.SortedKeys(m.globalShapes))
		}
		if err = checkInputShape(shape); err != nil {
			return nil, nil, errors.WithMessagef(err, "input %q of node %q", inputName, nodeCfg.ID())
		}
		sp[inputName] = []shapes.Shape{packet.WithBatch(shape, DummyBatchSize)}
	}
	return loaderInputs, sp, nil
}

// checkInputShape returns a configuration error if a dummy tensor can't be created for the raw input shape.
func checkInputShape(shape shapes.Shape) error {
	if !shape.Ok() || shape.IsTuple() || !shape.DType.IsSupported() {
		return modelerrors.Configurationf("invalid input shape %s", shape)
	}
	for _, dim := range shape.Dimensions {
		if dim <= 0 {
			return modelerrors.Configurationf("invalid input shape %s: dimensions must be positive", shape)
		}
	}
	return nil
}

// buildNodes instantiates the nodes in topological order, inferring the shapes with dummy packets.
func (m *Model) buildNodes() error {
	dummyOutputs := make([]packet.Packet, m.graph.Len())
	for _, idx := range m.order {
		nodeCfg := &m.cfg.Model.Nodes[idx]
		name := m.graph.Name(idx)
		var dummyInputs []packet.Packet
		if m.graph.IsInput(idx) {
			loaderInputs, sp, err := m.inputNodeShapes(nodeCfg)
			if err != nil {
				return err
			}
			m.loaderInputs[idx] = loaderInputs
			m.inputShapes[idx] = []packet.ShapePacket{sp}
			var dummy packet.Packet
			if err = modelerrors.Catch(func() { dummy = sp.Dummy() }); err != nil {
				return errors.Wrapf(modelerrors.ErrConfiguration, "creating dummy inputs of node %q: %v", name, err)
			}
			dummyInputs = []packet.Packet{dummy}
		} else {
			preds := m.graph.Predecessors(idx)
			m.inputShapes[idx] = make([]packet.ShapePacket, len(preds))
			dummyInputs = make([]packet.Packet, len(preds))
			for ii, predIdx := range preds {
				m.inputShapes[idx][ii] = m.outputShapes[predIdx]
				dummyInputs[ii] = dummyOutputs[predIdx]
			}
		}

		ctor, err := nodes.Registry.Get(nodeCfg.Name)
		if err != nil {
			return errors.WithMessagef(err, "node %q", name)
		}
		node, err := nodes.Instantiate(ctor, nodes.Args{
			Name:         name,
			Type:         nodeCfg.Name,
			InputShapes:  m.inputShapes[idx],
			GlobalShapes: m.globalShapes,
			Metadata:     m.metadata,
			Params:       nodes.Params(nodeCfg.Params),
		})
		if err != nil {
			return err
		}
		m.nodes[idx] = node
		m.types[idx] = nodeCfg.Name

		output, err := runNode(&nodes.PassContext{}, node, dummyInputs)
		if err != nil {
			if !modelerrors.HasKind(err) {
				err = errors.Wrapf(modelerrors.ErrShape, "%v", err)
			}
			return errors.WithMessagef(err, "inferring output shapes of node %q (%s)", name, nodeCfg.Name)
		}
		dummyOutputs[idx] = output
		m.outputShapes[idx] = output.Shapes()
		klog.V(2).Infof("node %q (%s): %v -> %s", name, nodeCfg.Name, m.inputShapes[idx], m.outputShapes[idx])
	}
	return nil
}

// runNode runs the node converting panics to errors.
func runNode(ctx *nodes.PassContext, node nodes.Node, inputs []packet.Packet) (output packet.Packet, err error) {
	if panicErr := modelerrors.Catch(func() { output, err = node.Run(ctx, inputs) }); panicErr != nil {
		return nil, panicErr
	}
	if err == nil && output == nil {
		err = errors.Errorf("node %q returned no output", node.Name())
	}
	return output, err
}

// newModule resolves the constructor of an attached module and calls it, converting panics to errors.
func newModule[C ~func(attached.ModuleArgs) (T, error), T attached.Module](
	kind string, reg *registry.Registry[C], args attached.ModuleArgs) (module T, err error) {
	ctor, err := reg.Get(args.Type)
	if err != nil {
		return module, errors.WithMessagef(err, "%s %q", kind, args.Name)
	}
	if panicErr := modelerrors.Catch(func() { module, err = ctor(args) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		if !modelerrors.HasKind(err) {
			err = errors.Wrapf(modelerrors.ErrConfiguration, "%v", err)
		}
		return module, errors.WithMessagef(err, "constructing %s %q (type %q) attached to %q",
			kind, args.Name, args.Type, args.NodeName)
	}
	return module, nil
}

// moduleArgs returns the arguments to construct the attached module described by moduleCfg.
func (m *Model) moduleArgs(moduleCfg *config.AttachedConfig) (args attached.ModuleArgs, nodeIdx int) {
	nodeIdx, _ = m.graph.Index(moduleCfg.AttachedTo)
	return attached.ModuleArgs{
		Name:         moduleCfg.ID(),
		Type:         moduleCfg.Name,
		NodeName:     moduleCfg.AttachedTo,
		Node:         m.nodes[nodeIdx],
		OutputShapes: m.outputShapes[nodeIdx],
		Params:       nodes.Params(moduleCfg.Params),
		Metadata:     m.metadata,
	}, nodeIdx
}

// buildAttachedModules creates the losses, the evaluation and training metrics and the visualizers.
func (m *Model) buildAttachedModules() error {
	modelCfg := &m.cfg.Model
	for ii := range modelCfg.Losses {
		lossCfg := &modelCfg.Losses[ii]
		args, nodeIdx := m.moduleArgs(lossCfg)
		loss, err := newModule("loss", attached.Losses, args)
		if err != nil {
			return err
		}
		m.losses[nodeIdx] = append(m.losses[nodeIdx], loss)
		if m.lossWeights[args.NodeName] == nil {
			m.lossWeights[args.NodeName] = make(map[string]float64)
		}
		m.lossWeights[args.NodeName][args.Name] = lossCfg.LossWeight()
	}

	for ii := range modelCfg.Metrics {
		metricCfg := &modelCfg.Metrics[ii]
		args, nodeIdx := m.moduleArgs(metricCfg)
		metric, err := newModule("metric", attached.Metrics, args)
		if err != nil {
			return err
		}
		trainMetric, err := newModule("metric", attached.Metrics, args)
		if err != nil {
			return err
		}
		m.metrics[nodeIdx] = append(m.metrics[nodeIdx], metric)
		m.trainMetrics[nodeIdx] = append(m.trainMetrics[nodeIdx], trainMetric)
		if metricCfg.IsMainMetric {
			if m.mainMetricName != "" {
				return modelerrors.Configurationf("more than one main metric: %q and %q",
					m.MainMetricKey(), args.NodeName+"/"+args.Name)
			}
			m.mainMetricNode, m.mainMetricName = args.NodeName, args.Name
		}
	}

	for ii := range modelCfg.Visualizers {
		args, nodeIdx := m.moduleArgs(&modelCfg.Visualizers[ii])
		visualizer, err := newModule("visualizer", attached.Visualizers, args)
		if err != nil {
			return err
		}
		m.visualizers[nodeIdx] = append(m.visualizers[nodeIdx], visualizer)
	}
	return nil
}

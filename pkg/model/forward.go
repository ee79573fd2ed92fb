// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"image"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/attached"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
	"k8s.io/klog/v2"
)

// Batch is the input of a forward pass.
type Batch struct {
	// Inputs are the raw model inputs, by input name.
	Inputs map[string]*tensors.Tensor

	// Labels are optional. Without labels no loss, metric or visualizer is run.
	Labels packet.Labels

	// Canvas is an optional batch of unnormalized images, shaped [batch, height, width, channels], on
	// which the visualizers draw.
	Canvas *tensors.Tensor
}

// ForwardOptions configures what is computed during a forward pass besides the outputs.
type ForwardOptions struct {
	// Epoch is passed to the nodes and attached modules.
	Epoch int

	// Training marks the pass as a training pass.
	Training bool

	// SkipLosses disables running the losses.
	SkipLosses bool

	// ComputeMetrics updates the metrics with the batch.
	ComputeMetrics bool

	// UseTrainMetrics selects the training set of metrics instead of the evaluation one.
	UseTrainMetrics bool

	// ComputeVisualizations runs the visualizers, if the batch has a canvas.
	ComputeVisualizations bool

	// Export marks the pass as an export trace.
	Export bool
}

// Eviction records that the packet of Node was dropped from the cache right after visiting After.
type Eviction struct {
	Node, After string
	Bytes       uintptr
}

// PassStats describes how a forward pass used the cache of computed packets.
type PassStats struct {
	// Visited node names, in execution order.
	Visited []string

	// Evicted packets, in eviction order.
	Evicted []Eviction

	// Live holds, for each visited node, the names of the cached packets after the visit (sorted).
	Live [][]string

	// PeakCached is the largest number of packets held at once, input packets not yet consumed included.
	PeakCached int

	// PeakBytes is the largest memory held at once by the cached packets.
	PeakBytes uintptr
}

// Output of a forward pass.
type Output struct {
	// Outputs holds the packets of the output nodes.
	Outputs map[string]packet.Packet

	// Losses by node name and loss name.
	Losses map[string]map[string]attached.LossValue

	// Visualizations by node name and visualizer name: one combined image per batch element.
	Visualizations map[string]map[string][]image.Image

	Stats PassStats
}

// OutputKeys enumerates the output tensors, sorted by (node, slot, index).
func (o *Output) OutputKeys() []packet.Key {
	return packet.Keys(o.Outputs)
}

// passCache holds the packets computed during one pass.
type passCache struct {
	packets   []packet.Packet
	inputs    []packet.Packet // packets of the input nodes, until consumed.
	names     func(int) string
	numCached int
	bytes     uintptr
	stats     *PassStats
	lastVisit string
}

func (c *passCache) add(list []packet.Packet, idx int, p packet.Packet) {
	list[idx] = p
	c.numCached++
	c.bytes += p.Memory()
	c.stats.PeakCached = max(c.stats.PeakCached, c.numCached)
	c.stats.PeakBytes = max(c.stats.PeakBytes, c.bytes)
}

func (c *passCache) drop(list []packet.Packet, idx int, record bool) {
	p := list[idx]
	if p == nil {
		return
	}
	memory := p.Memory()
	list[idx] = nil
	c.numCached--
	c.bytes -= memory
	if record {
		c.stats.Evicted = append(c.stats.Evicted, Eviction{Node: c.names(idx), After: c.lastVisit, Bytes: memory})
		if klog.V(2).Enabled() {
			klog.Infof("evicted %q after %q, freeing %s", c.names(idx), c.lastVisit, humanize.Bytes(uint64(memory)))
		}
	}
}

func (c *passCache) live() []string {
	var names []string
	for idx, p := range c.packets {
		if p != nil {
			names = append(names, c.names(idx))
		}
	}
	for idx, p := range c.inputs {
		if p != nil {
			names = append(names, "input:"+c.names(idx))
		}
	}
	slices.Sort(names)
	return names
}

// inputPackets builds the packet of each input node from the raw inputs of the batch.
func (m *Model) inputPackets(batch *Batch) ([]packet.Packet, error) {
	inputs := make([]packet.Packet, m.graph.Len())
	for idx, loaderInputs := range m.loaderInputs {
		if loaderInputs == nil {
			continue
		}
		p := make(packet.Packet, len(loaderInputs))
		for _, inputName := range loaderInputs {
			t, found := batch.Inputs[inputName]
			if !found || t == nil {
				return nil, modelerrors.Computef("input %q consumed by node %q not given, batch has inputs %v",
					inputName, m.graph.Name(idx), xslices.SortedKeys(batch.Inputs))
			}
			p[inputName] = []*tensors.Tensor{t}
		}
		inputs[idx] = p
	}
	return inputs, nil
}

// Forward runs the model on one batch.
//
// Nodes are visited in topological order (ties broken by declaration order). After each node runs, the
// packets that no pending node consumes are dropped, unless they belong to an output node. The packet
// built from the raw inputs for an input node is held until that node runs.
//
// If the batch has labels, the attached modules of each visited node run right after it: losses (unless
// opts.SkipLosses), metric updates (if opts.ComputeMetrics) and visualizers (if opts.ComputeVisualizations
// and the batch has a canvas).
//
// Any error raised by a node or an attached module aborts the pass. Errors without a kind are returned
// as modelerrors.ErrRuntimeCompute.
func (m *Model) Forward(batch *Batch, opts ForwardOptions) (*Output, error) {
	ctx := &nodes.PassContext{Epoch: opts.Epoch, Training: opts.Training, Export: opts.Export}
	out := &Output{
		Outputs:        make(map[string]packet.Packet, len(m.outputs)),
		Losses:         make(map[string]map[string]attached.LossValue),
		Visualizations: make(map[string]map[string][]image.Image),
	}
	inputs, err := m.inputPackets(batch)
	if err != nil {
		return nil, err
	}
	cache := &passCache{
		packets: make([]packet.Packet, m.graph.Len()),
		inputs:  make([]packet.Packet, m.graph.Len()),
		names:   m.graph.Name,
		stats:   &out.Stats,
	}
	for idx, p := range inputs {
		if p != nil {
			cache.add(cache.inputs, idx, p)
		}
	}

	var canvas []image.Image
	if opts.ComputeVisualizations && batch.Canvas != nil && batch.Labels != nil && m.hasVisualizers() {
		canvas, err = attached.CanvasImages(batch.Canvas)
		if err != nil {
			return nil, err
		}
	}

	metrics := m.metrics
	if opts.UseTrainMetrics {
		metrics = m.trainMetrics
	}
	remaining := m.graph.ConsumerCounts()
	for _, idx := range m.order {
		name := m.graph.Name(idx)
		cache.lastVisit = name
		var nodeInputs []packet.Packet
		if m.graph.IsInput(idx) {
			nodeInputs = []packet.Packet{cache.inputs[idx]}
		} else {
			nodeInputs = make([]packet.Packet, 0, len(m.graph.Predecessors(idx)))
			for _, predIdx := range m.graph.Predecessors(idx) {
				nodeInputs = append(nodeInputs, cache.packets[predIdx])
			}
		}
		output, err := runNode(ctx, m.nodes[idx], nodeInputs)
		if err != nil {
			return nil, modelerrors.WrapCompute(err, "running node %q (%s)", name, m.types[idx])
		}
		cache.add(cache.packets, idx, output)
		out.Stats.Visited = append(out.Stats.Visited, name)

		if batch.Labels != nil {
			if err = m.runAttached(ctx, idx, output, batch.Labels, canvas, metrics, opts, out); err != nil {
				return nil, err
			}
		}

		// Liveness: release the consumed packets.
		if m.graph.IsInput(idx) {
			cache.drop(cache.inputs, idx, false)
		}
		for _, predIdx := range m.graph.Predecessors(idx) {
			remaining[predIdx]--
			if remaining[predIdx] == 0 && !m.isOutput[predIdx] {
				cache.drop(cache.packets, predIdx, true)
			}
		}
		if remaining[idx] == 0 && !m.isOutput[idx] {
			cache.drop(cache.packets, idx, true)
		}
		out.Stats.Live = append(out.Stats.Live, cache.live())
	}

	for _, name := range m.outputs {
		idx, _ := m.graph.Index(name)
		out.Outputs[name] = cache.packets[idx]
	}
	return out, nil
}

func (m *Model) hasVisualizers() bool {
	for _, list := range m.visualizers {
		if len(list) > 0 {
			return true
		}
	}
	return false
}

// runAttached runs the losses, metrics and visualizers attached to node idx.
func (m *Model) runAttached(ctx *nodes.PassContext, idx int, output packet.Packet, labels packet.Labels,
	canvas []image.Image, metrics [][]attached.Metric, opts ForwardOptions, out *Output) (err error) {
	name := m.graph.Name(idx)
	panicErr := modelerrors.Catch(func() {
		if !opts.SkipLosses {
			for _, loss := range m.losses[idx] {
				var value attached.LossValue
				value, err = loss.Run(ctx, output, labels)
				if err != nil {
					err = modelerrors.WrapCompute(err, "loss %q of node %q", loss.Name(), name)
					return
				}
				if out.Losses[name] == nil {
					out.Losses[name] = make(map[string]attached.LossValue)
				}
				out.Losses[name][loss.Name()] = value
			}
		}
		if opts.ComputeMetrics {
			for _, metric := range metrics[idx] {
				if err = metric.Update(ctx, output, labels); err != nil {
					err = modelerrors.WrapCompute(err, "metric %q of node %q", metric.Name(), name)
					return
				}
			}
		}
		if canvas != nil {
			for _, visualizer := range m.visualizers[idx] {
				var images [][]image.Image
				images, err = visualizer.Run(ctx, canvas, output, labels)
				if err != nil {
					err = modelerrors.WrapCompute(err, "visualizer %q of node %q", visualizer.Name(), name)
					return
				}
				if out.Visualizations[name] == nil {
					out.Visualizations[name] = make(map[string][]image.Image)
				}
				out.Visualizations[name][visualizer.Name()] = attached.Combine(images)
			}
		}
	})
	if panicErr != nil {
		return modelerrors.WrapCompute(panicErr, "attached modules of node %q", name)
	}
	return err
}

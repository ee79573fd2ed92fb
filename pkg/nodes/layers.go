// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/packet"
)

func init() {
	Registry.Register("Identity", NewIdentity)
	Registry.Register("Linear", NewLinear)
	Registry.Register("Activation", NewActivation)
	Registry.Register("Add", NewAdd)
	Registry.Register("Concat", NewConcat)
	Registry.Register("GlobalAveragePool", NewGlobalAveragePool)
	Registry.Register("Pyramid", NewPyramid)
	Registry.Register("Split", NewSplit)
}

// slotAndIndex reads the common "slot" and "index" parameters, selecting which input tensor a node uses.
func slotAndIndex(p Params) (slot string, index int, err error) {
	slot, err = p.String("slot", packet.Features)
	if err != nil {
		return
	}
	index, err = p.Int("index", 0)
	return
}

// Identity outputs its input packet unchanged.
type Identity struct {
	base
}

// NewIdentity creates an Identity node. It takes exactly one input.
func NewIdentity(args Args) (Node, error) {
	if err := expectInputs(args, 1, 1); err != nil {
		return nil, err
	}
	return &Identity{base{args.Name}}, nil
}

// Run implements Node.
func (n *Identity) Run(_ *PassContext, inputs []packet.Packet) (packet.Packet, error) {
	return inputs[0], nil
}

// Linear is a dense layer over the last axis of its input.
//
// Parameters:
//   - out_features (required): size of the output last axis.
//   - use_bias: defaults to true.
//   - slot, index: which tensor of the input to use, defaults to the first tensor of "features".
type Linear struct {
	base
	slot                    string
	index                   int
	inFeatures, outFeatures int
	weights, bias           *tensors.Tensor
}

var _ Parametric = (*Linear)(nil)

// NewLinear creates a Linear node, with parameters initialized uniformly in ±1/sqrt(in_features).
func NewLinear(args Args) (Node, error) {
	if err := expectInputs(args, 1, 1); err != nil {
		return nil, err
	}
	n := &Linear{base: base{args.Name}}
	var err error
	n.slot, n.index, err = slotAndIndex(args.Params)
	if err != nil {
		return nil, err
	}
	n.outFeatures, err = args.Params.Int("out_features", 0)
	if err != nil {
		return nil, err
	}
	if n.outFeatures <= 0 {
		return nil, modelerrors.Configurationf("node %q (Linear) requires a positive out_features, got %d",
			args.Name, n.outFeatures)
	}
	useBias, err := args.Params.Bool("use_bias", true)
	if err != nil {
		return nil, err
	}
	shape, err := selectShape(args.InputShapes[0], n.slot, n.index)
	if err != nil {
		return nil, err
	}
	if shape.Rank() < 1 {
		return nil, modelerrors.Shapef("node %q (Linear) requires an input of rank >= 1, got %s", args.Name, shape)
	}
	n.inFeatures = shape.Dimensions[shape.Rank()-1]
	rng := newRNG(args.Name)
	limit := 1 / math.Sqrt(float64(n.inFeatures))
	n.weights = uniformTensor(rng, limit, n.inFeatures, n.outFeatures)
	if useBias {
		n.bias = uniformTensor(rng, limit, n.outFeatures)
	}
	return n, nil
}

// Parameters implements Parametric.
func (n *Linear) Parameters() map[string]*tensors.Tensor {
	params := map[string]*tensors.Tensor{"weight": n.weights}
	if n.bias != nil {
		params["bias"] = n.bias
	}
	return params
}

// Run implements Node.
func (n *Linear) Run(_ *PassContext, inputs []packet.Packet) (packet.Packet, error) {
	x, err := selectTensor(inputs[0], n.slot, n.index)
	if err != nil {
		return nil, err
	}
	dims := x.Shape().Dimensions
	if len(dims) == 0 || dims[len(dims)-1] != n.inFeatures {
		return nil, modelerrors.Shapef("node %q (Linear) expected last axis of dimension %d, got %s",
			n.name, n.inFeatures, x.Shape())
	}
	xData, err := Float32Data(x)
	if err != nil {
		return nil, err
	}
	w := tensors.MustCopyFlatData[float32](n.weights)
	rows := len(xData) / n.inFeatures
	y := make([]float32, rows*n.outFeatures)
	for r := range rows {
		row := y[r*n.outFeatures : (r+1)*n.outFeatures]
		for i := range n.inFeatures {
			xv := xData[r*n.inFeatures+i]
			if xv == 0 {
				continue
			}
			wRow := w[i*n.outFeatures : (i+1)*n.outFeatures]
			for o, wv := range wRow {
				row[o] += xv * wv
			}
		}
	}
	if n.bias != nil {
		b := tensors.MustCopyFlatData[float32](n.bias)
		for r := range rows {
			for o, bv := range b {
				y[r*n.outFeatures+o] += bv
			}
		}
	}
	outDims := xslices.Copy(dims)
	outDims[len(outDims)-1] = n.outFeatures
	return packet.Single(tensors.FromFlatDataAndDimensions(y, outDims...)), nil
}

// Activation applies an elementwise function to every tensor of its input.
//
// Parameters:
//   - fn: one of "relu", "sigmoid", "tanh" or "identity" (default "relu").
type Activation struct {
	base
	fn func(x float32) float32
}

var activations = map[string]func(x float32) float32{
	"relu": func(x float32) float32 {
		if x < 0 {
			return 0
		}
		return x
	},
	"sigmoid":  sigmoid,
	"tanh":     func(x float32) float32 { return float32(math.Tanh(float64(x))) },
	"identity": func(x float32) float32 { return x },
}

// NewActivation creates an Activation node.
func NewActivation(args Args) (Node, error) {
	if err := expectInputs(args, 1, 1); err != nil {
		return nil, err
	}
	fnName, err := args.Params.String("fn", "relu")
	if err != nil {
		return nil, err
	}
	fn, found := activations[fnName]
	if !found {
		return nil, modelerrors.Configurationf("node %q (Activation): unknown fn %q, valid values are %v",
			args.Name, fnName, xslices.SortedKeys(activations))
	}
	return &Activation{base: base{args.Name}, fn: fn}, nil
}

// Run implements Node.
func (n *Activation) Run(_ *PassContext, inputs []packet.Packet) (packet.Packet, error) {
	out := make(packet.Packet, len(inputs[0]))
	for slot, list := range inputs[0] {
		out[slot] = make([]*tensors.Tensor, len(list))
		for ii, t := range list {
			var err error
			out[slot][ii], err = mapFloat32(t, n.fn)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Add sums elementwise one tensor of each of its inputs. All of them must have the same shape.
type Add struct {
	base
	slot  string
	index int
}

// NewAdd creates an Add node. It takes 2 or more inputs.
func NewAdd(args Args) (Node, error) {
	if err := expectInputs(args, 2, 0); err != nil {
		return nil, err
	}
	n := &Add{base: base{args.Name}}
	var err error
	n.slot, n.index, err = slotAndIndex(args.Params)
	if err != nil {
		return nil, err
	}
	var first shapes.Shape
	for ii, sp := range args.InputShapes {
		shape, err := selectShape(sp, n.slot, n.index)
		if err != nil {
			return nil, err
		}
		if ii == 0 {
			first = shape
		} else if !shapeEqualDims(first, shape) {
			return nil, modelerrors.Shapef("node %q (Add): input #%d has shape %s, but input #0 has shape %s",
				args.Name, ii, shape, first)
		}
	}
	return n, nil
}

// Run implements Node.
func (n *Add) Run(_ *PassContext, inputs []packet.Packet) (packet.Packet, error) {
	var sum []float32
	var dims []int
	for ii, p := range inputs {
		x, err := selectTensor(p, n.slot, n.index)
		if err != nil {
			return nil, err
		}
		data, err := Float32Data(x)
		if err != nil {
			return nil, err
		}
		if ii == 0 {
			sum, dims = data, x.Shape().Dimensions
			continue
		}
		if !slices.Equal(dims, x.Shape().Dimensions) {
			return nil, modelerrors.Shapef("node %q (Add): input #%d has dimensions %v, but input #0 has %v",
				n.name, ii, x.Shape().Dimensions, dims)
		}
		for jj, v := range data {
			sum[jj] += v
		}
	}
	return packet.Single(tensors.FromFlatDataAndDimensions(sum, dims...)), nil
}

// Concat concatenates one tensor of each of its inputs along an axis.
//
// Parameters:
//   - axis: defaults to -1 (last axis).
//   - slot, index: which tensor of each input to use.
type Concat struct {
	base
	slot  string
	index int
	axis  int
}

// NewConcat creates a Concat node. It takes 1 or more inputs.
func NewConcat(args Args) (Node, error) {
	if err := expectInputs(args, 1, 0); err != nil {
		return nil, err
	}
	n := &Concat{base: base{args.Name}}
	var err error
	n.slot, n.index, err = slotAndIndex(args.Params)
	if err != nil {
		return nil, err
	}
	n.axis, err = args.Params.Int("axis", -1)
	if err != nil {
		return nil, err
	}
	var first shapes.Shape
	for ii, sp := range args.InputShapes {
		shape, err := selectShape(sp, n.slot, n.index)
		if err != nil {
			return nil, err
		}
		if ii == 0 {
			first = shape
			n.axis, err = normalizeAxis(n.axis, shape.Rank())
			if err != nil {
				return nil, err
			}
			continue
		}
		if !concatCompatible(first.Dimensions, shape.Dimensions, n.axis) {
			return nil, modelerrors.Shapef("node %q (Concat): input #%d has shape %s, incompatible with input #0 shape %s on axis %d",
				args.Name, ii, shape, first, n.axis)
		}
	}
	return n, nil
}

func concatCompatible(a, b []int, axis int) bool {
	if len(a) != len(b) {
		return false
	}
	for ii := range a {
		if ii != axis && a[ii] != b[ii] {
			return false
		}
	}
	return true
}

// Run implements Node.
func (n *Concat) Run(_ *PassContext, inputs []packet.Packet) (packet.Packet, error) {
	datas := make([][]float32, len(inputs))
	innerSizes := make([]int, len(inputs))
	var outDims []int
	for ii, p := range inputs {
		x, err := selectTensor(p, n.slot, n.index)
		if err != nil {
			return nil, err
		}
		dims := x.Shape().Dimensions
		if ii == 0 {
			if n.axis >= len(dims) {
				return nil, modelerrors.Shapef("node %q (Concat): axis %d out of range for %s", n.name, n.axis, x.Shape())
			}
			outDims = xslices.Copy(dims)
		} else {
			if !concatCompatible(outDims, dims, n.axis) {
				return nil, modelerrors.Shapef("node %q (Concat): input #%d has dimensions %v, incompatible with %v",
					n.name, ii, dims, outDims)
			}
			outDims[n.axis] += dims[n.axis]
		}
		datas[ii], err = Float32Data(x)
		if err != nil {
			return nil, err
		}
		innerSizes[ii] = product(dims[n.axis:])
	}
	outer := product(outDims[:n.axis])
	out := make([]float32, 0, product(outDims))
	for o := range outer {
		for ii, data := range datas {
			inner := innerSizes[ii]
			out = append(out, data[o*inner:(o+1)*inner]...)
		}
	}
	return packet.Single(tensors.FromFlatDataAndDimensions(out, outDims...)), nil
}

// GlobalAveragePool averages the spatial axes of a channels-first input: [batch, channels, spatial...]
// becomes [batch, channels].
type GlobalAveragePool struct {
	base
	slot  string
	index int
}

// NewGlobalAveragePool creates a GlobalAveragePool node.
func NewGlobalAveragePool(args Args) (Node, error) {
	if err := expectInputs(args, 1, 1); err != nil {
		return nil, err
	}
	n := &GlobalAveragePool{base: base{args.Name}}
	var err error
	n.slot, n.index, err = slotAndIndex(args.Params)
	if err != nil {
		return nil, err
	}
	shape, err := selectShape(args.InputShapes[0], n.slot, n.index)
	if err != nil {
		return nil, err
	}
	if shape.Rank() < 3 {
		return nil, modelerrors.Shapef("node %q (GlobalAveragePool) requires an input of rank >= 3, got %s",
			args.Name, shape)
	}
	return n, nil
}

// Run implements Node.
func (n *GlobalAveragePool) Run(_ *PassContext, inputs []packet.Packet) (packet.Packet, error) {
	x, err := selectTensor(inputs[0], n.slot, n.index)
	if err != nil {
		return nil, err
	}
	dims := x.Shape().Dimensions
	if len(dims) < 3 {
		return nil, modelerrors.Shapef("node %q (GlobalAveragePool) requires an input of rank >= 3, got %s",
			n.name, x.Shape())
	}
	data, err := Float32Data(x)
	if err != nil {
		return nil, err
	}
	rows := dims[0] * dims[1]
	spatial := product(dims[2:])
	out := make([]float32, rows)
	for r := range rows {
		var sum float64
		for _, v := range data[r*spatial : (r+1)*spatial] {
			sum += float64(v)
		}
		out[r] = float32(sum / float64(spatial))
	}
	return packet.Single(tensors.FromFlatDataAndDimensions(out, dims[0], dims[1])), nil
}

// Pyramid outputs a multi-scale version of a [batch, channels, height, width] input: level 0 is the input
// itself, and each following level is the 2x2 average pooling of the previous one.
// All levels are output in the "features" slot, from the finest to the coarsest.
//
// Parameters:
//   - levels: number of levels, defaults to 3.
type Pyramid struct {
	base
	slot   string
	index  int
	levels int
}

// NewPyramid creates a Pyramid node.
func NewPyramid(args Args) (Node, error) {
	if err := expectInputs(args, 1, 1); err != nil {
		return nil, err
	}
	n := &Pyramid{base: base{args.Name}}
	var err error
	n.slot, n.index, err = slotAndIndex(args.Params)
	if err != nil {
		return nil, err
	}
	n.levels, err = args.Params.Int("levels", 3)
	if err != nil {
		return nil, err
	}
	if n.levels < 1 {
		return nil, modelerrors.Configurationf("node %q (Pyramid) requires levels >= 1, got %d", args.Name, n.levels)
	}
	shape, err := selectShape(args.InputShapes[0], n.slot, n.index)
	if err != nil {
		return nil, err
	}
	if shape.Rank() != 4 {
		return nil, modelerrors.Shapef("node %q (Pyramid) requires a [batch, channels, height, width] input, got %s",
			args.Name, shape)
	}
	scale := 1 << (n.levels - 1)
	if shape.Dimensions[2] < scale || shape.Dimensions[3] < scale {
		return nil, modelerrors.Shapef("node %q (Pyramid): input %s too small for %d levels", args.Name, shape, n.levels)
	}
	return n, nil
}

// Run implements Node.
func (n *Pyramid) Run(_ *PassContext, inputs []packet.Packet) (packet.Packet, error) {
	x, err := selectTensor(inputs[0], n.slot, n.index)
	if err != nil {
		return nil, err
	}
	if x.Rank() != 4 {
		return nil, modelerrors.Shapef("node %q (Pyramid) requires a rank-4 input, got %s", n.name, x.Shape())
	}
	data, err := Float32Data(x)
	if err != nil {
		return nil, err
	}
	dims := x.Shape().Dimensions
	levels := []*tensors.Tensor{x}
	planes, height, width := dims[0]*dims[1], dims[2], dims[3]
	for range n.levels - 1 {
		newHeight, newWidth := height/2, width/2
		pooled := make([]float32, planes*newHeight*newWidth)
		for p := range planes {
			src := data[p*height*width:]
			dst := pooled[p*newHeight*newWidth:]
			for y := range newHeight {
				for col := range newWidth {
					sum := src[2*y*width+2*col] + src[2*y*width+2*col+1] +
						src[(2*y+1)*width+2*col] + src[(2*y+1)*width+2*col+1]
					dst[y*newWidth+col] = sum / 4
				}
			}
		}
		levels = append(levels, tensors.FromFlatDataAndDimensions(pooled, dims[0], dims[1], newHeight, newWidth))
		data, height, width = pooled, newHeight, newWidth
	}
	return packet.Packet{packet.Features: levels}, nil
}

// Split splits the last axis of its input into several named slots.
//
// In export mode it outputs the unsplit tensor in the "features" slot.
//
// Parameters:
//   - slots (required): names of the output slots.
//   - sizes (required): size of each slot, must add up to the dimension of the last axis.
type Split struct {
	base
	slot       string
	index      int
	outSlots   []string
	sizes      []int
	exportMode bool
}

var _ Exportable = (*Split)(nil)

// NewSplit creates a Split node.
func NewSplit(args Args) (Node, error) {
	if err := expectInputs(args, 1, 1); err != nil {
		return nil, err
	}
	n := &Split{base: base{args.Name}}
	var err error
	n.slot, n.index, err = slotAndIndex(args.Params)
	if err != nil {
		return nil, err
	}
	if n.outSlots, err = args.Params.Strings("slots", nil); err != nil {
		return nil, err
	}
	if n.sizes, err = args.Params.Ints("sizes", nil); err != nil {
		return nil, err
	}
	if len(n.outSlots) == 0 || len(n.outSlots) != len(n.sizes) {
		return nil, modelerrors.Configurationf("node %q (Split) requires matching non-empty slots and sizes, got %v and %v",
			args.Name, n.outSlots, n.sizes)
	}
	seen := make(map[string]bool, len(n.outSlots))
	for _, s := range n.outSlots {
		if seen[s] {
			return nil, modelerrors.Configurationf("node %q (Split): slot %q given more than once", args.Name, s)
		}
		seen[s] = true
	}
	shape, err := selectShape(args.InputShapes[0], n.slot, n.index)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, size := range n.sizes {
		if size <= 0 {
			return nil, modelerrors.Configurationf("node %q (Split): sizes must be positive, got %v", args.Name, n.sizes)
		}
		total += size
	}
	if shape.Rank() < 1 || shape.Dimensions[shape.Rank()-1] != total {
		return nil, modelerrors.Shapef("node %q (Split): sizes %v don't add up to the last axis of %s",
			args.Name, n.sizes, shape)
	}
	return n, nil
}

// SetExportMode implements Exportable.
func (n *Split) SetExportMode(enabled bool) { n.exportMode = enabled }

// Run implements Node.
func (n *Split) Run(_ *PassContext, inputs []packet.Packet) (packet.Packet, error) {
	x, err := selectTensor(inputs[0], n.slot, n.index)
	if err != nil {
		return nil, err
	}
	if n.exportMode {
		return packet.Single(x), nil
	}
	dims := x.Shape().Dimensions
	total := 0
	for _, size := range n.sizes {
		total += size
	}
	if len(dims) == 0 || dims[len(dims)-1] != total {
		return nil, modelerrors.Shapef("node %q (Split): sizes %v don't add up to the last axis of %s",
			n.name, n.sizes, x.Shape())
	}
	last := total
	data, err := Float32Data(x)
	if err != nil {
		return nil, err
	}
	rows := len(data) / last
	out := make(packet.Packet, len(n.outSlots))
	offset := 0
	for ii, slot := range n.outSlots {
		size := n.sizes[ii]
		part := make([]float32, 0, rows*size)
		for r := range rows {
			part = append(part, data[r*last+offset:r*last+offset+size]...)
		}
		partDims := xslices.Copy(dims)
		partDims[len(partDims)-1] = size
		out[slot] = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(part, partDims...)}
		offset += size
	}
	return out, nil
}

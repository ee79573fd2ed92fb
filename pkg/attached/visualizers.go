// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attached

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
	"github.com/pkg/errors"
)

func init() {
	Visualizers.Register("FeatureHeatmap", NewFeatureHeatmap)
	Visualizers.Register("LabelOverlay", NewLabelOverlay)
}

// CanvasImages converts an unnormalized canvas tensor shaped [batch, height, width, channels], with values
// from 0 to 255 and 3 or 4 channels, to images.
func CanvasImages(canvas *tensors.Tensor) (imgs []image.Image, err error) {
	if canvas == nil {
		return nil, nil
	}
	err = modelerrors.Catch(func() {
		imgs = images.ToImage().MaxValue(255).Batch(canvas)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "converting canvas %s to images", canvas.Shape())
	}
	return imgs, nil
}

// Combine concatenates horizontally the images of each batch element: visualizations[i] holds the images
// of element i, and the result holds one image per element.
func Combine(visualizations [][]image.Image) []image.Image {
	combined := make([]image.Image, len(visualizations))
	for ii, imgs := range visualizations {
		if len(imgs) == 1 {
			combined[ii] = imgs[0]
			continue
		}
		width, height := 0, 0
		for _, img := range imgs {
			bounds := img.Bounds()
			width += bounds.Dx()
			height = max(height, bounds.Dy())
		}
		dst := imaging.New(max(width, 1), max(height, 1), color.Black)
		x := 0
		for _, img := range imgs {
			dst = imaging.Paste(dst, img, image.Pt(x, 0))
			x += img.Bounds().Dx()
		}
		combined[ii] = dst
	}
	return combined
}

// checkCanvas verifies there is one canvas image per batch element.
func checkCanvas(name string, canvas []image.Image, batchSize int) error {
	if len(canvas) < batchSize {
		return modelerrors.Shapef("visualizer %q: %d canvas images for a batch of %d", name, len(canvas), batchSize)
	}
	return nil
}

// FeatureHeatmap renders the channel-mean of a [batch, channels, height, width] (or [batch, height, width])
// output as a heat map over the canvas. For each batch element it returns the canvas with the heat map
// overlaid and the heat map alone.
//
// Parameters:
//   - opacity: of the overlay, defaults to 0.5.
type FeatureHeatmap struct {
	moduleBase
	opacity float64
}

// NewFeatureHeatmap creates a FeatureHeatmap visualizer.
func NewFeatureHeatmap(args ModuleArgs) (Visualizer, error) {
	base, err := newModuleBase(args)
	if err != nil {
		return nil, err
	}
	opacity, err := args.Params.Float("opacity", 0.5)
	if err != nil {
		return nil, err
	}
	return &FeatureHeatmap{moduleBase: base, opacity: opacity}, nil
}

// Run implements Visualizer.
func (v *FeatureHeatmap) Run(_ *nodes.PassContext, canvas []image.Image, output packet.Packet, _ packet.Labels) ([][]image.Image, error) {
	features, err := v.prediction(output)
	if err != nil {
		return nil, err
	}
	dims := features.Shape().Dimensions
	var batchSize, channels, height, width int
	switch len(dims) {
	case 3:
		batchSize, channels, height, width = dims[0], 1, dims[1], dims[2]
	case 4:
		batchSize, channels, height, width = dims[0], dims[1], dims[2], dims[3]
	default:
		return nil, modelerrors.Shapef("visualizer %q: features must be rank 3 or 4, got %s", v.name, features.Shape())
	}
	if err := checkCanvas(v.name, canvas, batchSize); err != nil {
		return nil, err
	}
	data, err := Float64Data(features)
	if err != nil {
		return nil, err
	}
	plane := height * width
	results := make([][]image.Image, batchSize)
	for b := range batchSize {
		heat := make([]float64, plane)
		for c := range channels {
			offset := (b*channels + c) * plane
			for ii := range heat {
				heat[ii] += data[offset+ii] / float64(channels)
			}
		}
		heatImg := heatmapImage(heat, width, height)
		bounds := canvas[b].Bounds()
		heatImg = imaging.Resize(heatImg, bounds.Dx(), bounds.Dy(), imaging.NearestNeighbor)
		overlay := imaging.Overlay(canvas[b], heatImg, image.Pt(0, 0), v.opacity)
		results[b] = []image.Image{overlay, heatImg}
	}
	return results, nil
}

// heatmapImage maps values, normalized to [0, 1] by their range, from blue (low) to red (high).
func heatmapImage(values []float64, width, height int) *image.NRGBA {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	scale := hi - lo
	img := imaging.New(width, height, color.Black)
	for y := range height {
		for x := range width {
			t := 0.5
			if scale > 0 {
				t = (values[y*width+x] - lo) / scale
			}
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(255 * t),
				G: uint8(255 * (1 - math.Abs(2*t-1))),
				B: uint8(255 * (1 - t)),
				A: 255,
			})
		}
	}
	return img
}

// LabelOverlay draws, at the bottom of the canvas, one pair of bars per output value: the prediction
// (after a sigmoid if "logits" is set) in green, and the label in red.
// Predictions and labels must have the same shape [batch, values], with values in [0, 1].
//
// Parameters:
//   - logits: whether predictions are logits, defaults to false.
type LabelOverlay struct {
	moduleBase
	logits bool
}

// NewLabelOverlay creates a LabelOverlay visualizer.
func NewLabelOverlay(args ModuleArgs) (Visualizer, error) {
	base, err := newModuleBase(args)
	if err != nil {
		return nil, err
	}
	logits, err := args.Params.Bool("logits", false)
	if err != nil {
		return nil, err
	}
	return &LabelOverlay{moduleBase: base, logits: logits}, nil
}

var (
	predictionColor = color.NRGBA{G: 200, A: 255}
	labelColor      = color.NRGBA{R: 220, A: 255}
)

// Run implements Visualizer.
func (v *LabelOverlay) Run(_ *nodes.PassContext, canvas []image.Image, output packet.Packet, labels packet.Labels) ([][]image.Image, error) {
	pred, target, batchSize, err := v.pair(output, labels)
	if err != nil {
		return nil, err
	}
	if batchSize == 0 {
		return nil, nil
	}
	if err := checkCanvas(v.name, canvas, batchSize); err != nil {
		return nil, err
	}
	numValues := len(pred) / batchSize
	results := make([][]image.Image, batchSize)
	for b := range batchSize {
		bounds := canvas[b].Bounds()
		width, height := bounds.Dx(), bounds.Dy()
		dst := imaging.Clone(canvas[b])
		barHeight := max(height/3, 1)
		slotWidth := max(width/max(numValues, 1), 2)
		for ii := range numValues {
			p := pred[b*numValues+ii]
			if v.logits {
				p = sigmoid(p)
			}
			x := ii * slotWidth
			dst = drawBar(dst, x, height, slotWidth/2, barHeight, p, predictionColor)
			dst = drawBar(dst, x+slotWidth/2, height, slotWidth/2, barHeight, target[b*numValues+ii], labelColor)
		}
		results[b] = []image.Image{dst}
	}
	return results, nil
}

// drawBar draws a bar standing on bottom, with height proportional to value (clipped to [0, 1]).
func drawBar(dst *image.NRGBA, x, bottom, width, maxHeight int, value float64, c color.Color) *image.NRGBA {
	value = math.Min(math.Max(value, 0), 1)
	h := int(math.Round(value * float64(maxHeight)))
	if h == 0 || width == 0 {
		return dst
	}
	return imaging.Paste(dst, imaging.New(width, h, c), image.Pt(x, bottom-h))
}

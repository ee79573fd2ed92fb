// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attached

import (
	"math"

	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
)

func init() {
	Metrics.Register("MeanSquaredError", newMeanMetric(meanSquaredError))
	Metrics.Register("MeanAbsoluteError", newMeanMetric(meanAbsoluteError))
	Metrics.Register("Accuracy", NewAccuracy)
	Metrics.Register("RegressionReport", NewRegressionReport)
	Metrics.Register("BinaryRates", NewBinaryRates)
}

// runningMean keeps the mean of per-batch values, weighted by the batch size.
type runningMean struct {
	total, weight float64
}

func (r *runningMean) add(value float64, weight int) {
	r.total += value * float64(weight)
	r.weight += float64(weight)
}

// mean returns NaN if nothing was accumulated.
func (r *runningMean) mean() float64 {
	if r.weight == 0 {
		return math.NaN()
	}
	return r.total / r.weight
}

func (r *runningMean) reset() { *r = runningMean{} }

// MeanMetric keeps the mean of a pairwise function of the prediction and the target, over all batches
// since the last reset. Each batch is weighted by its size.
type MeanMetric struct {
	moduleBase
	fn    pairFn
	state runningMean
}

func newMeanMetric(fn pairFn) MetricConstructor {
	return func(args ModuleArgs) (Metric, error) {
		base, err := newModuleBase(args)
		if err != nil {
			return nil, err
		}
		return &MeanMetric{moduleBase: base, fn: fn}, nil
	}
}

// Update implements Metric.
func (m *MeanMetric) Update(_ *nodes.PassContext, output packet.Packet, labels packet.Labels) error {
	pred, target, batchSize, err := m.pair(output, labels)
	if err != nil {
		return err
	}
	m.state.add(m.fn(pred, target), batchSize)
	return nil
}

// Compute implements Metric.
func (m *MeanMetric) Compute() (MetricValue, error) {
	return ScalarMetric(m.state.mean()), nil
}

// Reset implements Metric.
func (m *MeanMetric) Reset() { m.state.reset() }

// Accuracy is the fraction of correct predictions.
//
// For predictions shaped [batch, classes] with classes > 1 the predicted class is the arg-max, and the
// label is either the class index or one-hot. Otherwise, predictions are binary logits, and an example is
// predicted positive if sigmoid(logit) >= threshold.
//
// Parameters:
//   - threshold: defaults to 0.5.
type Accuracy struct {
	moduleBase
	threshold       float64
	correct, totals int
}

// NewAccuracy creates an Accuracy metric.
func NewAccuracy(args ModuleArgs) (Metric, error) {
	base, err := newModuleBase(args)
	if err != nil {
		return nil, err
	}
	threshold, err := args.Params.Float("threshold", 0.5)
	if err != nil {
		return nil, err
	}
	return &Accuracy{moduleBase: base, threshold: threshold}, nil
}

// Update implements Metric.
func (m *Accuracy) Update(_ *nodes.PassContext, output packet.Packet, labels packet.Labels) error {
	predT, err := m.prediction(output)
	if err != nil {
		return err
	}
	targetT, err := m.target(labels)
	if err != nil {
		return err
	}
	pred, err := Float64Data(predT)
	if err != nil {
		return err
	}
	target, err := Float64Data(targetT)
	if err != nil {
		return err
	}
	dims := predT.Shape().Dimensions
	if len(dims) == 2 && dims[1] > 1 {
		batchSize, numClasses := dims[0], dims[1]
		oneHot := len(target) == batchSize*numClasses
		if !oneHot && len(target) != batchSize {
			return modelerrors.Shapef("metric %q: label %s incompatible with predictions %s",
				m.name, targetT.Shape(), predT.Shape())
		}
		for b := range batchSize {
			predicted := argMax(pred[b*numClasses : (b+1)*numClasses])
			var expected int
			if oneHot {
				expected = argMax(target[b*numClasses : (b+1)*numClasses])
			} else {
				expected = int(target[b])
			}
			if predicted == expected {
				m.correct++
			}
			m.totals++
		}
		return nil
	}
	if len(pred) != len(target) {
		return modelerrors.Shapef("metric %q: label %s incompatible with predictions %s",
			m.name, targetT.Shape(), predT.Shape())
	}
	for ii, logit := range pred {
		predicted := sigmoid(logit) >= m.threshold
		expected := target[ii] >= 0.5
		if predicted == expected {
			m.correct++
		}
		m.totals++
	}
	return nil
}

// Compute implements Metric.
func (m *Accuracy) Compute() (MetricValue, error) {
	if m.totals == 0 {
		return ScalarMetric(math.NaN()), nil
	}
	return ScalarMetric(float64(m.correct) / float64(m.totals)), nil
}

// Reset implements Metric.
func (m *Accuracy) Reset() { m.correct, m.totals = 0, 0 }

func argMax(values []float64) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// RegressionReport returns the mean squared error as its value, with the submetrics "mae" (mean absolute
// error) and "rmse" (root of the mean squared error).
type RegressionReport struct {
	moduleBase
	squared, absolute runningMean
}

// NewRegressionReport creates a RegressionReport metric.
func NewRegressionReport(args ModuleArgs) (Metric, error) {
	base, err := newModuleBase(args)
	if err != nil {
		return nil, err
	}
	return &RegressionReport{moduleBase: base}, nil
}

// Update implements Metric.
func (m *RegressionReport) Update(_ *nodes.PassContext, output packet.Packet, labels packet.Labels) error {
	pred, target, batchSize, err := m.pair(output, labels)
	if err != nil {
		return err
	}
	m.squared.add(meanSquaredError(pred, target), batchSize)
	m.absolute.add(meanAbsoluteError(pred, target), batchSize)
	return nil
}

// Compute implements Metric.
func (m *RegressionReport) Compute() (MetricValue, error) {
	mse := m.squared.mean()
	return MetricWithSubs(mse, map[string]float64{
		"mae":  m.absolute.mean(),
		"rmse": math.Sqrt(mse),
	}), nil
}

// Reset implements Metric.
func (m *RegressionReport) Reset() {
	m.squared.reset()
	m.absolute.reset()
}

// BinaryRates returns only submetrics: "precision" and "recall" of binary logits, where an example is
// predicted positive if sigmoid(logit) >= threshold.
//
// Parameters:
//   - threshold: defaults to 0.5.
type BinaryRates struct {
	moduleBase
	threshold float64

	truePositives, falsePositives, falseNegatives int
}

// NewBinaryRates creates a BinaryRates metric.
func NewBinaryRates(args ModuleArgs) (Metric, error) {
	base, err := newModuleBase(args)
	if err != nil {
		return nil, err
	}
	threshold, err := args.Params.Float("threshold", 0.5)
	if err != nil {
		return nil, err
	}
	return &BinaryRates{moduleBase: base, threshold: threshold}, nil
}

// Update implements Metric.
func (m *BinaryRates) Update(_ *nodes.PassContext, output packet.Packet, labels packet.Labels) error {
	pred, target, _, err := m.pair(output, labels)
	if err != nil {
		return err
	}
	for ii, logit := range pred {
		predicted := sigmoid(logit) >= m.threshold
		expected := target[ii] >= 0.5
		switch {
		case predicted && expected:
			m.truePositives++
		case predicted && !expected:
			m.falsePositives++
		case !predicted && expected:
			m.falseNegatives++
		}
	}
	return nil
}

// Compute implements Metric.
func (m *BinaryRates) Compute() (MetricValue, error) {
	return SubmetricsOnly(map[string]float64{
		"precision": ratio(m.truePositives, m.truePositives+m.falsePositives),
		"recall":    ratio(m.truePositives, m.truePositives+m.falseNegatives),
	}), nil
}

// Reset implements Metric.
func (m *BinaryRates) Reset() {
	m.truePositives, m.falsePositives, m.falseNegatives = 0, 0, 0
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

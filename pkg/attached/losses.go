// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attached

import (
	"math"

	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
)

func init() {
	Losses.Register("MSELoss", newPairLoss(meanSquaredError))
	Losses.Register("L1Loss", newPairLoss(meanAbsoluteError))
	Losses.Register("BCEWithLogitsLoss", newPairLoss(binaryCrossEntropyWithLogits))
	Losses.Register("CrossEntropyLoss", NewCrossEntropyLoss)
	Losses.Register("ElasticLoss", NewElasticLoss)
}

// pairFn computes a loss from flat predictions and targets of the same size.
type pairFn func(pred, target []float64) float64

func meanSquaredError(pred, target []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	var sum float64
	for ii, p := range pred {
		d := p - target[ii]
		sum += d * d
	}
	return sum / float64(len(pred))
}

func meanAbsoluteError(pred, target []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	var sum float64
	for ii, p := range pred {
		sum += math.Abs(p - target[ii])
	}
	return sum / float64(len(pred))
}

// binaryCrossEntropyWithLogits uses the numerically stable form max(x, 0) - x*t + log(1 + exp(-|x|)).
func binaryCrossEntropyWithLogits(logits, target []float64) float64 {
	if len(logits) == 0 {
		return 0
	}
	var sum float64
	for ii, x := range logits {
		sum += math.Max(x, 0) - x*target[ii] + math.Log1p(math.Exp(-math.Abs(x)))
	}
	return sum / float64(len(logits))
}

// pairLoss is a loss computed elementwise over a prediction and a target of the same size.
type pairLoss struct {
	moduleBase
	fn pairFn
}

func newPairLoss(fn pairFn) LossConstructor {
	return func(args ModuleArgs) (Loss, error) {
		base, err := newModuleBase(args)
		if err != nil {
			return nil, err
		}
		return &pairLoss{moduleBase: base, fn: fn}, nil
	}
}

// Run implements Loss.
func (l *pairLoss) Run(_ *nodes.PassContext, output packet.Packet, labels packet.Labels) (LossValue, error) {
	pred, target, _, err := l.pair(output, labels)
	if err != nil {
		return LossValue{}, err
	}
	return ScalarLoss(l.fn(pred, target)), nil
}

// CrossEntropyLoss is the softmax cross-entropy of logits shaped [batch, classes].
// The label is either the class index per example ([batch]) or one-hot/probabilities ([batch, classes]).
type CrossEntropyLoss struct {
	moduleBase
}

// NewCrossEntropyLoss creates a CrossEntropyLoss.
func NewCrossEntropyLoss(args ModuleArgs) (Loss, error) {
	base, err := newModuleBase(args)
	if err != nil {
		return nil, err
	}
	return &CrossEntropyLoss{base}, nil
}

// Run implements Loss.
func (l *CrossEntropyLoss) Run(_ *nodes.PassContext, output packet.Packet, labels packet.Labels) (LossValue, error) {
	logitsT, err := l.prediction(output)
	if err != nil {
		return LossValue{}, err
	}
	targetT, err := l.target(labels)
	if err != nil {
		return LossValue{}, err
	}
	if logitsT.Rank() != 2 {
		return LossValue{}, modelerrors.Shapef("%q attached to node %q: logits must be shaped [batch, classes], got %s",
			l.name, l.nodeName, logitsT.Shape())
	}
	batchSize, numClasses := logitsT.Shape().Dimensions[0], logitsT.Shape().Dimensions[1]
	logits, err := Float64Data(logitsT)
	if err != nil {
		return LossValue{}, err
	}
	target, err := Float64Data(targetT)
	if err != nil {
		return LossValue{}, err
	}
	sparse := len(target) == batchSize
	if !sparse && len(target) != batchSize*numClasses {
		return LossValue{}, modelerrors.Shapef("%q attached to node %q: label %s incompatible with logits %s",
			l.name, l.nodeName, targetT.Shape(), logitsT.Shape())
	}
	var total float64
	for b := range batchSize {
		row := logits[b*numClasses : (b+1)*numClasses]
		logSumExp := logSumExp(row)
		if sparse {
			class := int(target[b])
			if class < 0 || class >= numClasses {
				return LossValue{}, modelerrors.Shapef("%q attached to node %q: class %d out of range [0, %d)",
					l.name, l.nodeName, class, numClasses)
			}
			total += logSumExp - row[class]
			continue
		}
		for c, p := range target[b*numClasses : (b+1)*numClasses] {
			total += p * (logSumExp - row[c])
		}
	}
	return ScalarLoss(total / float64(batchSize)), nil
}

func logSumExp(row []float64) float64 {
	maxV := math.Inf(-1)
	for _, v := range row {
		maxV = math.Max(maxV, v)
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(v - maxV)
	}
	return maxV + math.Log(sum)
}

// ElasticLoss mixes the mean squared and the mean absolute errors: alpha*mse + (1-alpha)*l1.
// The unweighted components are returned as the sublosses "mse" and "l1".
//
// Parameters:
//   - alpha: defaults to 0.5.
type ElasticLoss struct {
	moduleBase
	alpha float64
}

// NewElasticLoss creates an ElasticLoss.
func NewElasticLoss(args ModuleArgs) (Loss, error) {
	base, err := newModuleBase(args)
	if err != nil {
		return nil, err
	}
	alpha, err := args.Params.Float("alpha", 0.5)
	if err != nil {
		return nil, err
	}
	if alpha < 0 || alpha > 1 {
		return nil, modelerrors.Configurationf("loss %q: alpha must be in [0, 1], got %g", args.Name, alpha)
	}
	return &ElasticLoss{moduleBase: base, alpha: alpha}, nil
}

// Run implements Loss.
func (l *ElasticLoss) Run(_ *nodes.PassContext, output packet.Packet, labels packet.Labels) (LossValue, error) {
	pred, target, _, err := l.pair(output, labels)
	if err != nil {
		return LossValue{}, err
	}
	mse := meanSquaredError(pred, target)
	l1 := meanAbsoluteError(pred, target)
	return LossWithSubs(l.alpha*mse+(1-l.alpha)*l1, map[string]float64{"mse": mse, "l1": l1}), nil
}

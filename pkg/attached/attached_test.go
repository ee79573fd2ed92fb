// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attached

import (
	"image"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func moduleArgs(name string, params nodes.Params) ModuleArgs {
	return ModuleArgs{Name: name, Type: name, NodeName: "head", Params: params}
}

func TestNormalize(t *testing.T) {
	// Bare value is keyed by the metric name.
	flat, err := ScalarMetric(0.25).Normalize("m")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"m": 0.25}, flat)

	flat, err = MetricWithSubs(1, map[string]float64{"a": 2}).Normalize("m")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"m": 1, "a": 2}, flat)

	// A submetric with the name of the metric takes precedence.
	flat, err = MetricWithSubs(1, map[string]float64{"m": 5, "a": 2}).Normalize("m")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"m": 5, "a": 2}, flat)

	subs := map[string]float64{"a": 2, "b": 3}
	flat, err = SubmetricsOnly(subs).Normalize("m")
	require.NoError(t, err)
	assert.Equal(t, subs, flat)
	flat["c"] = 4
	assert.Len(t, subs, 2, "Normalize must not alias the submetrics")

	for _, bad := range []MetricValue{
		{Kind: MetricKind(7), Value: 1},
		{Kind: MetricWithSubmetrics, Value: 1},
		{Kind: MetricSubmetricsOnly},
	} {
		_, err = bad.Normalize("m")
		require.Error(t, err)
		require.True(t, errors.Is(err, modelerrors.ErrMetricShape))
		require.True(t, errors.Is(err, modelerrors.ErrValue))
	}

	assert.Equal(t, "0.333", PrettyPrint(1.0/3))
	assert.Equal(t, "-", PrettyPrint(math.NaN()))
}

func TestLosses(t *testing.T) {
	pred := packet.Single(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2))
	labels := packet.Labels{DefaultLabel: tensors.FromFlatDataAndDimensions([]float32{1, 0, 3, 2}, 2, 2)}
	ctx := &nodes.PassContext{Training: true}

	run := func(typeName string, params nodes.Params) LossValue {
		ctor := must.M1(Losses.Get(typeName))
		loss := must.M1(ctor(moduleArgs(typeName, params)))
		assert.Equal(t, "head", loss.NodeName())
		value, err := loss.Run(ctx, pred, labels)
		require.NoError(t, err)
		return value
	}
	mse := run("MSELoss", nil)
	assert.Equal(t, LossScalar, mse.Kind)
	assert.InDelta(t, 2.0, mse.Value, 1e-9)
	assert.InDelta(t, 1.0, run("L1Loss", nil).Value, 1e-9)

	elastic := run("ElasticLoss", nodes.Params{"alpha": 0.25})
	assert.Equal(t, LossWithSublosses, elastic.Kind)
	assert.InDelta(t, 0.25*2+0.75*1, elastic.Value, 1e-9)
	assert.InDelta(t, 2.0, elastic.Sublosses["mse"], 1e-9)
	assert.InDelta(t, 1.0, elastic.Sublosses["l1"], 1e-9)

	// Zero logits: BCE is log(2) regardless of the target.
	zeros := packet.Single(tensors.FromShape(packet.Float32(2, 2)))
	bce := must.M1(must.M1(Losses.Get("BCEWithLogitsLoss"))(moduleArgs("bce", nil)))
	value := must.M1(bce.Run(ctx, zeros, labels))
	assert.InDelta(t, math.Log(2), value.Value, 1e-9)

	// Cross-entropy with sparse and one-hot labels: uniform logits give log(classes).
	ce := must.M1(NewCrossEntropyLoss(moduleArgs("ce", nodes.Params{"label": "class"})))
	sparse := packet.Labels{"class": tensors.FromFlatDataAndDimensions([]int32{0, 1}, 2)}
	value = must.M1(ce.Run(ctx, zeros, sparse))
	assert.InDelta(t, math.Log(2), value.Value, 1e-9)
	oneHot := packet.Labels{"class": tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 2, 2)}
	value = must.M1(ce.Run(ctx, zeros, oneHot))
	assert.InDelta(t, math.Log(2), value.Value, 1e-9)

	// Missing label.
	_, err := ce.Run(ctx, zeros, labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `label "class" not given`)

	// Size mismatch.
	mseLoss := must.M1(must.M1(Losses.Get("MSELoss"))(moduleArgs("mse", nil)))
	_, err = mseLoss.Run(ctx, packet.Single(tensors.FromShape(packet.Float32(3))), labels)
	require.True(t, errors.Is(err, modelerrors.ErrShape))
}

func TestMetrics(t *testing.T) {
	ctx := &nodes.PassContext{}
	update := func(t *testing.T, m Metric, pred, target []float32) {
		output := packet.Single(tensors.FromFlatDataAndDimensions(pred, len(pred)))
		labels := packet.Labels{DefaultLabel: tensors.FromFlatDataAndDimensions(target, len(target))}
		require.NoError(t, m.Update(ctx, output, labels))
	}

	t.Run("MeanSquaredError", func(t *testing.T) {
		m := must.M1(must.M1(Metrics.Get("MeanSquaredError"))(moduleArgs("mse", nil)))
		v := must.M1(m.Compute())
		assert.True(t, math.IsNaN(v.Value))
		// Batches are weighted by their size: (1*4 + 3*0)/4 = 1.
		update(t, m, []float32{2}, []float32{0})
		update(t, m, []float32{1, 1, 1}, []float32{1, 1, 1})
		v = must.M1(m.Compute())
		assert.Equal(t, MetricScalar, v.Kind)
		assert.InDelta(t, 1.0, v.Value, 1e-9)
		m.Reset()
		assert.True(t, math.IsNaN(must.M1(m.Compute()).Value))
	})

	t.Run("Accuracy", func(t *testing.T) {
		m := must.M1(NewAccuracy(moduleArgs("acc", nil)))
		logits := packet.Single(tensors.FromFlatDataAndDimensions([]float32{3, 1, 0, 2, 5, 4}, 3, 2))
		labels := packet.Labels{DefaultLabel: tensors.FromFlatDataAndDimensions([]int64{0, 1, 1}, 3)}
		require.NoError(t, m.Update(ctx, logits, labels))
		assert.InDelta(t, 2.0/3, must.M1(m.Compute()).Value, 1e-9)

		m.Reset()
		update(t, m, []float32{-2, 3}, []float32{0, 0})
		assert.InDelta(t, 0.5, must.M1(m.Compute()).Value, 1e-9)
	})

	t.Run("RegressionReport", func(t *testing.T) {
		m := must.M1(NewRegressionReport(moduleArgs("report", nil)))
		update(t, m, []float32{2, 0}, []float32{0, 0})
		v := must.M1(m.Compute())
		assert.Equal(t, MetricWithSubmetrics, v.Kind)
		flat := must.M1(v.Normalize("report"))
		assert.InDelta(t, 2.0, flat["report"], 1e-9)
		assert.InDelta(t, 1.0, flat["mae"], 1e-9)
		assert.InDelta(t, math.Sqrt(2), flat["rmse"], 1e-9)
	})

	t.Run("BinaryRates", func(t *testing.T) {
		m := must.M1(NewBinaryRates(moduleArgs("rates", nil)))
		update(t, m, []float32{5, 5, -5, -5}, []float32{1, 0, 1, 0})
		v := must.M1(m.Compute())
		assert.Equal(t, MetricSubmetricsOnly, v.Kind)
		flat := must.M1(v.Normalize("rates"))
		assert.Equal(t, map[string]float64{"precision": 0.5, "recall": 0.5}, flat)
	})
}

func TestVisualizers(t *testing.T) {
	ctx := &nodes.PassContext{}
	canvas, err := CanvasImages(tensors.FromShape(packet.Float32(2, 8, 6, 3)))
	require.NoError(t, err)
	require.Len(t, canvas, 2)
	assert.Equal(t, image.Rect(0, 0, 6, 8), canvas[0].Bounds())

	features := packet.Single(tensors.FromFlatDataAndDimensions(make([]float32, 2*3*4*4), 2, 3, 4, 4))
	heatmap := must.M1(NewFeatureHeatmap(moduleArgs("heat", nil)))
	vis, err := heatmap.Run(ctx, canvas, features, nil)
	require.NoError(t, err)
	require.Len(t, vis, 2)
	require.Len(t, vis[0], 2)
	combined := Combine(vis)
	require.Len(t, combined, 2)
	assert.Equal(t, 12, combined[0].Bounds().Dx())
	assert.Equal(t, 8, combined[0].Bounds().Dy())

	overlay := must.M1(NewLabelOverlay(moduleArgs("bars", nodes.Params{"logits": true})))
	pred := packet.Single(tensors.FromFlatDataAndDimensions([]float32{10, -10, 0, 0}, 2, 2))
	labels := packet.Labels{DefaultLabel: tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 2, 2)}
	vis, err = overlay.Run(ctx, canvas, pred, labels)
	require.NoError(t, err)
	require.Len(t, vis, 2)
	assert.Equal(t, canvas[1].Bounds(), vis[1][0].Bounds())

	// Not enough canvas images.
	_, err = overlay.Run(ctx, canvas[:1], pred, labels)
	require.True(t, errors.Is(err, modelerrors.ErrShape))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/modelgraph/pkg/attached"
	"github.com/gomlx/modelgraph/pkg/checkpoints"
	"github.com/gomlx/modelgraph/pkg/config"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	nodes.Registry.Register("testFailOnTraining", newFailOnTraining)
	nodes.Registry.Register("testShapeError", func(args nodes.Args) (nodes.Node, error) {
		return nil, modelerrors.Shapef("node %q can't take inputs %v", args.Name, args.InputShapes)
	})
	nodes.Registry.Register("testPanicOnConstruction", func(args nodes.Args) (nodes.Node, error) {
		panic("not implemented")
	})
	attached.Metrics.Register("testConstant", newConstantMetric)
}

// failOnTraining passes its input through, but fails on training passes: with an error by default,
// or panicking with an error or a string if the "panic" parameter is "error" or "string".
type failOnTraining struct {
	name    string
	panicOn string
}

func newFailOnTraining(args nodes.Args) (nodes.Node, error) {
	panicOn, err := args.Params.String("panic", "")
	if err != nil {
		return nil, err
	}
	return &failOnTraining{name: args.Name, panicOn: panicOn}, nil
}

func (n *failOnTraining) Name() string { return n.name }

func (n *failOnTraining) Run(ctx *nodes.PassContext, inputs []packet.Packet) (packet.Packet, error) {
	if ctx.Training {
		switch n.panicOn {
		case "error":
			panic(errors.New("kaboom"))
		case "string":
			panic("index mismatch")
		}
		return nil, errors.New("boom")
	}
	return inputs[0], nil
}

// constantMetric returns a fixed value, of the kind given by the "kind" parameter.
// The kinds "fail" and "panic" make Compute return an error and Update panic respectively.
type constantMetric struct {
	name, nodeName string
	kind           string
	updates        int
}

func newConstantMetric(args attached.ModuleArgs) (attached.Metric, error) {
	kind, err := args.Params.String("kind", "scalar")
	if err != nil {
		return nil, err
	}
	return &constantMetric{name: args.Name, nodeName: args.NodeName, kind: kind}, nil
}

func (m *constantMetric) Name() string     { return m.name }
func (m *constantMetric) NodeName() string { return m.nodeName }

func (m *constantMetric) Update(*nodes.PassContext, packet.Packet, packet.Labels) error {
	if m.kind == "panic" {
		panic("metric state corrupted")
	}
	m.updates++
	return nil
}

func (m *constantMetric) Compute() (attached.MetricValue, error) {
	switch m.kind {
	case "scalar":
		return attached.ScalarMetric(float64(m.updates)), nil
	case "subs":
		return attached.MetricWithSubs(1, map[string]float64{"a": 2, "b": 3}), nil
	case "fail":
		return attached.MetricValue{}, errors.New("no samples")
	default:
		return attached.MetricValue{Kind: attached.MetricKind(99)}, nil
	}
}

func (m *constantMetric) Reset() { m.updates = 0 }

func parseConfig(t *testing.T, yamlConfig string) *config.Config {
	cfg, err := config.Parse([]byte(yamlConfig))
	require.NoError(t, err)
	return cfg
}

func newModel(t *testing.T, yamlConfig string, inputShapes map[string]shapes.Shape) *Model {
	m, err := New(parseConfig(t, yamlConfig), inputShapes, nil)
	require.NoError(t, err)
	return m
}

func floats(t *tensors.Tensor) []float32 {
	return tensors.MustCopyFlatData[float32](t)
}

const diamondYAML = `
model:
  name: diamond
  nodes:
    - {name: Identity, alias: A}
    - {name: Activation, alias: B, inputs: [A], params: {fn: relu}}
    - {name: Activation, alias: C, inputs: [A], params: {fn: tanh}}
    - {name: Add, alias: D, inputs: [B, C]}
`

func TestDiamond(t *testing.T) {
	inputShapes := map[string]shapes.Shape{"x": packet.Float32(4, 3)}
	m := newModel(t, diamondYAML, inputShapes)
	assert.Equal(t, []string{"A", "B", "C", "D"}, m.Order())
	assert.Equal(t, []string{"D"}, m.Outputs())
	assert.Equal(t, []int{DummyBatchSize, 3}, m.OutputShapes("D")[packet.Features][0].Dimensions)

	xData := []float32{-1, 0.5, 2, 0, -3, 1}
	batch := &Batch{Inputs: map[string]*tensors.Tensor{"x": tensors.FromFlatDataAndDimensions(xData, 2, 3)}}
	out, err := m.Forward(batch, ForwardOptions{})
	require.NoError(t, err)
	require.Len(t, out.Outputs, 1)
	d := must.M1(out.Outputs["D"].Get(packet.Features, 0))
	for ii, x := range floats(d) {
		want := float32(math.Max(float64(xData[ii]), 0) + math.Tanh(float64(xData[ii])))
		assert.InDelta(t, want, x, 1e-5)
	}
	// The input tensor is not modified.
	assert.Equal(t, xData, floats(batch.Inputs["x"]))

	stats := out.Stats
	assert.Equal(t, []string{"A", "B", "C", "D"}, stats.Visited)
	evicted := make([]string, len(stats.Evicted))
	for ii, e := range stats.Evicted {
		evicted[ii] = e.Node + "@" + e.After
	}
	assert.Equal(t, []string{"A@C", "B@D", "C@D"}, evicted)
	assert.Equal(t, [][]string{{"A"}, {"A", "B"}, {"B", "C"}, {"D"}}, stats.Live)
	assert.Equal(t, 3, stats.PeakCached)
	assert.Greater(t, stats.PeakBytes, uintptr(0))

	// Output nodes are never evicted.
	cfg := parseConfig(t, diamondYAML)
	cfg.Model.Outputs = []string{"A", "D"}
	m = must.M1(New(cfg, inputShapes, nil))
	out = must.M1(m.Forward(batch, ForwardOptions{}))
	evicted = evicted[:0]
	for _, e := range out.Stats.Evicted {
		evicted = append(evicted, e.Node)
	}
	assert.Equal(t, []string{"B", "C"}, evicted)
	assert.Equal(t, []string{"A", "D"}, slices.Sorted(maps.Keys(out.Outputs)))
	assert.Equal(t, xData, floats(must.M1(out.Outputs["A"].Get("x", 0))))
	assert.Equal(t, []packet.Key{{Node: "A", Slot: "x"}, {Node: "D", Slot: packet.Features}}, out.OutputKeys())

	// Missing inputs.
	_, err = m.Forward(&Batch{Inputs: map[string]*tensors.Tensor{"y": batch.Inputs["x"]}}, ForwardOptions{})
	require.True(t, errors.Is(err, modelerrors.ErrRuntimeCompute))
}

// TestLivenessProperty checks on random graphs that a packet is held exactly while some pending node
// consumes it, or forever if it is an output.
func TestLivenessProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	inputShapes := map[string]shapes.Shape{"x": packet.Float32(2, 3)}
	for trial := range 20 {
		numNodes := 2 + rng.IntN(8)
		cfg := config.Default()
		cfg.Model.Name = fmt.Sprintf("random-%d", trial)
		names := make([]string, numNodes)
		preds := make([][]string, numNodes)
		for ii := range numNodes {
			names[ii] = fmt.Sprintf("n%d", ii)
			nodeCfg := config.NodeConfig{Name: "Identity", Alias: names[ii]}
			if ii > 0 {
				first := rng.IntN(ii)
				preds[ii] = []string{names[first]}
				if ii > 1 && rng.IntN(2) == 0 {
					second := rng.IntN(ii)
					for second == first {
						second = rng.IntN(ii)
					}
					preds[ii] = append(preds[ii], names[second])
					nodeCfg.Name = "Add"
				}
				nodeCfg.Inputs = preds[ii]
			}
			cfg.Model.Nodes = append(cfg.Model.Nodes, nodeCfg)
		}
		if rng.IntN(3) == 0 {
			cfg.Model.Outputs = []string{names[0], names[numNodes-1]}
		}
		m, err := New(cfg, inputShapes, nil)
		require.NoErrorf(t, err, "trial %d", trial)
		out, err := m.Forward(&Batch{Inputs: map[string]*tensors.Tensor{"x": tensors.FromShape(packet.Float32(2, 3))}},
			ForwardOptions{})
		require.NoError(t, err)

		isOutput := make(map[string]bool)
		for _, name := range m.Outputs() {
			isOutput[name] = true
		}
		position := make(map[string]int)
		for ii, name := range out.Stats.Visited {
			position[name] = ii
		}
		lastUse := make(map[string]int)
		for ii, name := range names {
			lastUse[name] = position[name]
			for _, pred := range preds[ii] {
				lastUse[pred] = max(lastUse[pred], position[name])
			}
		}
		for step, live := range out.Stats.Live {
			var want []string
			for _, name := range out.Stats.Visited[:step+1] {
				if isOutput[name] || lastUse[name] > step {
					want = append(want, name)
				}
			}
			slices.Sort(want)
			assert.Equalf(t, want, live, "trial %d, step %d", trial, step)
		}
		for _, e := range out.Stats.Evicted {
			assert.False(t, isOutput[e.Node])
		}
		assert.Len(t, out.Outputs, len(m.Outputs()))
	}
}

func TestReduceLosses(t *testing.T) {
	losses := map[string]map[string]attached.LossValue{
		"head": {"mse": attached.ScalarLoss(1.5)},
		"aux": {"elastic": attached.LossWithSubs(2, map[string]float64{"l1": 0.5, "l2": 1.5}),
			"plain": attached.ScalarLoss(1)},
	}
	weights := map[string]map[string]float64{"aux": {"elastic": 0.5}}
	total, log := ReduceLosses(losses, weights, true)
	assert.Equal(t, 3.5, total)
	assert.Equal(t, map[string]float64{
		"loss/head/mse":       1.5,
		"loss/aux/elastic":    1,
		"loss/aux/elastic/l1": 0.25,
		"loss/aux/elastic/l2": 0.75,
		"loss/aux/plain":      1,
		TotalLossKey:          3.5,
	}, log)

	// Inputs are not modified, so the reduction is idempotent.
	total2, log2 := ReduceLosses(losses, weights, true)
	assert.Equal(t, total, total2)
	assert.Equal(t, log, log2)
	assert.Equal(t, 2.0, losses["aux"]["elastic"].Value)

	_, log = ReduceLosses(losses, weights, false)
	assert.NotContains(t, log, "loss/aux/elastic/l1")
}

const lossesYAML = `
model:
  name: losses
  nodes:
    - {name: Identity, alias: A}
  losses:
    - {name: MSELoss, attached_to: A, weight: 2, params: {slot: x}}
    - {name: L1Loss, alias: l1, attached_to: A, params: {slot: x}}
  metrics:
    - {name: testConstant, alias: m, attached_to: A, is_main_metric: true}
    - {name: MeanAbsoluteError, alias: mae, attached_to: A, params: {slot: x}}
`

func TestLossesAndMetrics(t *testing.T) {
	m := newModel(t, lossesYAML, map[string]shapes.Shape{"x": packet.Float32(1, 2)})
	node, metric, ok := m.MainMetric()
	require.True(t, ok)
	assert.Equal(t, "A", node)
	assert.Equal(t, "m", metric)
	assert.Equal(t, "A/m", m.MainMetricKey())
	assert.Equal(t, map[string]map[string]float64{"A": {"MSELoss": 2, "l1": 1}}, m.LossWeights())

	batch := &Batch{
		Inputs: map[string]*tensors.Tensor{"x": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)},
		Labels: packet.Labels{attached.DefaultLabel: tensors.FromFlatDataAndDimensions([]float32{2, 3, 4, 5}, 2, 2)},
	}

	// Without labels nothing attached runs.
	out := must.M1(m.Forward(&Batch{Inputs: batch.Inputs}, ForwardOptions{ComputeMetrics: true}))
	assert.Empty(t, out.Losses)

	out = must.M1(m.Forward(batch, ForwardOptions{ComputeMetrics: true}))
	require.Contains(t, out.Losses, "A")
	assert.InDelta(t, 1.0, out.Losses["A"]["MSELoss"].Value, 1e-6)
	assert.InDelta(t, 1.0, out.Losses["A"]["l1"].Value, 1e-6)
	total, log := m.ProcessLosses(out.Losses)
	assert.InDelta(t, 3.0, total, 1e-6)
	assert.InDelta(t, 2.0, log["loss/A/MSELoss"], 1e-6)
	assert.InDelta(t, 1.0, log["loss/A/l1"], 1e-6)

	_ = must.M1(m.Forward(batch, ForwardOptions{ComputeMetrics: true, SkipLosses: true}))
	results, err := m.ComputeMetrics(false)
	require.NoError(t, err)
	assert.Equal(t, 2.0, results["A"]["m"])
	assert.InDelta(t, 1.0, results["A"]["mae"], 1e-6)

	// Computing resets the metrics.
	results = must.M1(m.ComputeMetrics(false))
	assert.Equal(t, 0.0, results["A"]["m"])

	// Training metrics are kept apart.
	_ = must.M1(m.Forward(batch, ForwardOptions{ComputeMetrics: true, UseTrainMetrics: true}))
	assert.Equal(t, 1.0, must.M1(m.ComputeMetrics(true))["A"]["m"])
	assert.Equal(t, 0.0, must.M1(m.ComputeMetrics(false))["A"]["m"])
	assert.Len(t, m.Metrics("A"), 2)
	assert.Nil(t, m.Metrics("unknown"))
}

func TestMetricNormalization(t *testing.T) {
	const metricYAML = `
model:
  name: metrics
  nodes:
    - {name: Identity, alias: A}
  metrics:
    - {name: testConstant, alias: m, attached_to: A, params: {kind: %s}}
`
	inputShapes := map[string]shapes.Shape{"x": packet.Float32(1, 2)}
	m := newModel(t, fmt.Sprintf(metricYAML, "subs"), inputShapes)
	results := must.M1(m.ComputeMetrics(false))
	assert.Equal(t, map[string]map[string]float64{"A": {"m": 1, "a": 2, "b": 3}}, results)

	m = newModel(t, fmt.Sprintf(metricYAML, "broken"), inputShapes)
	_, err := m.ComputeMetrics(false)
	require.True(t, errors.Is(err, modelerrors.ErrMetricShape))
	require.True(t, errors.Is(err, modelerrors.ErrValue))
}

func TestComputeMetricsFailureResets(t *testing.T) {
	m := newModel(t, `
model:
  name: metrics
  nodes:
    - {name: Identity, alias: A}
    - {name: Identity, alias: B, inputs: [A]}
  metrics:
    - {name: testConstant, alias: failing, attached_to: A, params: {kind: fail}}
    - {name: testConstant, alias: count, attached_to: B}
`, map[string]shapes.Shape{"x": packet.Float32(1, 2)})
	x := tensors.FromShape(packet.Float32(2, 2))
	batch := &Batch{
		Inputs: map[string]*tensors.Tensor{"x": x},
		Labels: packet.Labels{attached.DefaultLabel: x},
	}
	for range 3 {
		_ = must.M1(m.Forward(batch, ForwardOptions{ComputeMetrics: true}))
	}
	counter := m.Metrics("B")[0].(*constantMetric)
	require.Equal(t, 3, counter.updates)

	_, err := m.ComputeMetrics(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no samples")
	assert.Contains(t, err.Error(), `"failing"`)
	assert.Equal(t, 0, counter.updates, "all metrics must be reset after a failed compute")
	assert.Equal(t, 0, m.Metrics("A")[0].(*constantMetric).updates)
}

func TestBuildErrors(t *testing.T) {
	inputShapes := map[string]shapes.Shape{"x": packet.Float32(1, 3)}
	testCases := []struct {
		name, yaml string
		kind       error
	}{
		{"unknown node type", `
model:
  nodes:
    - {name: NoSuchNode}
`, modelerrors.ErrLookup},
		{"unknown metric type", `
model:
  nodes:
    - {name: Identity}
  metrics:
    - {name: NoSuchMetric, attached_to: Identity}
`, modelerrors.ErrLookup},
		{"two main metrics", `
model:
  nodes:
    - {name: Identity}
  metrics:
    - {name: testConstant, alias: a, attached_to: Identity, is_main_metric: true}
    - {name: testConstant, alias: b, attached_to: Identity, is_main_metric: true}
`, modelerrors.ErrConfiguration},
		{"incompatible shapes", `
model:
  nodes:
    - {name: Identity, alias: in}
    - {name: Linear, alias: a, inputs: [in], params: {out_features: 4}}
    - {name: Linear, alias: b, inputs: [in], params: {out_features: 5}}
    - {name: Add, inputs: [a, b]}
`, modelerrors.ErrShape},
		{"shape error from constructor", `
model:
  nodes:
    - {name: Identity, alias: in}
    - {name: testShapeError, inputs: [in]}
`, modelerrors.ErrShape},
		{"invalid activation", `
model:
  nodes:
    - {name: Identity, alias: in}
    - {name: Activation, inputs: [in], params: {fn: nosuchfn}}
`, modelerrors.ErrConfiguration},
		{"constructor panics", `
model:
  nodes:
    - {name: testPanicOnConstruction}
`, modelerrors.ErrConfiguration},
		{"unknown loader input", `
model:
  nodes:
    - {name: Identity, loader_inputs: [y]}
`, modelerrors.ErrConfiguration},
		{"cycle", `
model:
  nodes:
    - {name: Identity, alias: a, inputs: [b]}
    - {name: Identity, alias: b, inputs: [a]}
`, modelerrors.ErrConfiguration},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(parseConfig(t, tc.yaml), inputShapes, nil)
			require.Error(t, err)
			assert.Truef(t, errors.Is(err, tc.kind), "got %v", err)
		})
	}

	t.Run("constructor messages are kept", func(t *testing.T) {
		_, err := New(parseConfig(t, `
model:
  nodes:
    - {name: Identity, alias: in}
    - {name: testShapeError, alias: odd, inputs: [in]}
`), inputShapes, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `node "odd" can't take inputs`)
	})

	t.Run("invalid input shapes", func(t *testing.T) {
		cfg := parseConfig(t, diamondYAML)
		for _, shape := range []shapes.Shape{{}, shapes.Make(dtypes.DType(250), 1, 3), packet.Float32(1, 0)} {
			_, err := New(cfg, map[string]shapes.Shape{"x": shape}, nil)
			require.Errorf(t, err, "shape %s", shape)
			assert.Truef(t, errors.Is(err, modelerrors.ErrConfiguration), "got %v", err)
		}
	})
}

func TestRuntimeErrors(t *testing.T) {
	for _, panicOn := range []string{"", "error", "string"} {
		t.Run("panic="+panicOn, func(t *testing.T) {
			m := newModel(t, fmt.Sprintf(`
model:
  nodes:
    - {name: Identity, alias: in}
    - {name: testFailOnTraining, alias: fail, inputs: [in], params: {panic: %q}}
`, panicOn), map[string]shapes.Shape{"x": packet.Float32(1, 3)})
			batch := &Batch{Inputs: map[string]*tensors.Tensor{"x": tensors.FromShape(packet.Float32(2, 3))}}
			_, err := m.Forward(batch, ForwardOptions{})
			require.NoError(t, err)
			_, err = m.Forward(batch, ForwardOptions{Training: true})
			require.Error(t, err)
			assert.True(t, errors.Is(err, modelerrors.ErrRuntimeCompute))
			assert.Contains(t, err.Error(), `"fail"`)
			if panicOn == "string" {
				assert.Contains(t, err.Error(), "index mismatch")
			}
		})
	}

	t.Run("attached module panics", func(t *testing.T) {
		m := newModel(t, `
model:
  nodes:
    - {name: Identity, alias: in}
  metrics:
    - {name: testConstant, alias: broken, attached_to: in, params: {kind: panic}}
`, map[string]shapes.Shape{"x": packet.Float32(1, 3)})
		x := tensors.FromShape(packet.Float32(2, 3))
		_, err := m.Forward(&Batch{
			Inputs: map[string]*tensors.Tensor{"x": x},
			Labels: packet.Labels{attached.DefaultLabel: x},
		}, ForwardOptions{ComputeMetrics: true})
		require.Error(t, err)
		assert.True(t, errors.Is(err, modelerrors.ErrRuntimeCompute))
		assert.Contains(t, err.Error(), "metric state corrupted")
	})
}

const linearYAML = `
model:
  name: linear
  nodes:
    - {name: Identity, alias: in}
    - name: Linear
      alias: backbone
      inputs: [in]
      params: {out_features: 4}
      freezing: {active: true, unfreeze_after: 0.5}
    - {name: Linear, alias: head, inputs: [backbone], params: {out_features: 1, use_bias: false}}
trainer:
  epochs: 10
`

func TestCheckpoint(t *testing.T) {
	inputShapes := map[string]shapes.Shape{"x": packet.Float32(1, 3)}
	m1 := newModel(t, linearYAML, inputShapes)
	state := m1.StateDict()
	assert.Equal(t, []string{"nodes.backbone.bias", "nodes.backbone.weight", "nodes.head.weight"},
		slices.Sorted(maps.Keys(state)))
	basePath := filepath.Join(t.TempDir(), "weights")
	require.NoError(t, checkpoints.Write(basePath, m1.Artifact(3, 30, nil), checkpoints.BinGZIP))

	m2 := newModel(t, linearYAML, inputShapes)
	for _, param := range m2.StateDict() {
		require.NoError(t, param.CopyFrom(tensors.FromShape(param.Shape())))
	}
	report, err := m2.LoadCheckpoint(basePath + checkpoints.JsonNameSuffix)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 0, report.NumWarnings())
	for key, param := range m2.StateDict() {
		assert.Equalf(t, floats(state[key]), floats(param), "parameter %q", key)
	}

	// Loading at build time.
	cfg := parseConfig(t, linearYAML)
	cfg.Model.Weights = basePath
	m3 := must.M1(New(cfg, inputShapes, nil))
	assert.Equal(t, floats(state["nodes.head.weight"]), floats(m3.StateDict()["nodes.head.weight"]))

	// A different architecture loads best-effort.
	other := newModel(t, strings.Replace(linearYAML, "out_features: 4", "out_features: 5", 1), inputShapes)
	report, err = other.LoadCheckpoint(basePath)
	require.NoError(t, err)
	assert.False(t, report.Clean())
	assert.Len(t, report.Failed, 3)

	_, err = m2.LoadCheckpoint(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestFreezing(t *testing.T) {
	m := newModel(t, linearYAML, map[string]shapes.Shape{"x": packet.Float32(1, 3)})
	assert.Equal(t, FreezeSchedule{{Node: "backbone", UnfreezeEpoch: 5}}, m.FreezeSchedule())
	assert.True(t, m.FreezeSchedule().IsFrozen("backbone", 4))
	assert.False(t, m.FreezeSchedule().IsFrozen("backbone", 5))
	assert.False(t, m.FreezeSchedule().IsFrozen("head", 0))
	assert.Equal(t, []string{"backbone"}, m.FreezeSchedule().Frozen(0))
	assert.Empty(t, m.FreezeSchedule().Frozen(5))

	assert.Len(t, m.TrainableParameters(4), 1)
	assert.Contains(t, m.TrainableParameters(4), "nodes.head.weight")
	assert.Len(t, m.TrainableParameters(5), 3)
}

const splitYAML = `
model:
  name: split
  nodes:
    - {name: Identity, alias: in}
    - {name: Split, alias: S, inputs: [in], params: {slots: [a, b], sizes: [1, 2]}}
`

func TestExport(t *testing.T) {
	inputShapes := map[string]shapes.Shape{"x": packet.Float32(1, 3)}
	m := newModel(t, splitYAML, inputShapes)
	out := must.M1(m.Forward(&Batch{Inputs: map[string]*tensors.Tensor{"x": tensors.FromShape(packet.Float32(2, 3))}},
		ForwardOptions{}))
	assert.Equal(t, []packet.Key{{Node: "S", Slot: "a"}, {Node: "S", Slot: "b"}}, out.OutputKeys())

	export, err := m.ExportOutputs(inputShapes)
	require.NoError(t, err)
	assert.Equal(t, []packet.Key{{Node: "S", Slot: packet.Features}}, export.Keys)
	assert.Equal(t, []string{"S/features/0"}, export.Names)
	assert.Equal(t, []int{1, 3}, export.Shapes[0].Dimensions)

	// Export mode is turned off afterward.
	out = must.M1(m.Forward(&Batch{Inputs: map[string]*tensors.Tensor{"x": tensors.FromShape(packet.Float32(2, 3))}},
		ForwardOptions{}))
	assert.Len(t, out.OutputKeys(), 2)

	cfg := parseConfig(t, splitYAML)
	cfg.Model.Outputs = []string{"S", "in"}
	cfg.Exporter.OutputNames = []string{"raw", "logits"}
	m = must.M1(New(cfg, inputShapes, nil))
	export = must.M1(m.ExportOutputs(inputShapes))
	assert.Equal(t, []packet.Key{{Node: "S", Slot: packet.Features}, {Node: "in", Slot: "x"}}, export.Keys)
	assert.Equal(t, []string{"raw", "logits"}, export.Names)

	// Wrong number of names: the defaults are used.
	cfg.Exporter.OutputNames = []string{"only-one"}
	m = must.M1(New(cfg, inputShapes, nil))
	export = must.M1(m.ExportOutputs(inputShapes))
	assert.Equal(t, []string{"S/features/0", "in/x/0"}, export.Names)
}

func TestVisualizations(t *testing.T) {
	m := newModel(t, `
model:
  nodes:
    - {name: Identity, alias: F}
  visualizers:
    - {name: FeatureHeatmap, alias: heat, attached_to: F, params: {slot: x}}
`, map[string]shapes.Shape{"x": packet.Float32(1, 3, 4, 4)})
	batch := &Batch{
		Inputs: map[string]*tensors.Tensor{"x": tensors.FromShape(packet.Float32(2, 3, 4, 4))},
		Labels: packet.Labels{},
		Canvas: tensors.FromShape(packet.Float32(2, 8, 6, 3)),
	}
	out := must.M1(m.Forward(batch, ForwardOptions{}))
	assert.Empty(t, out.Visualizations)

	out = must.M1(m.Forward(batch, ForwardOptions{ComputeVisualizations: true}))
	require.Contains(t, out.Visualizations, "F")
	images := out.Visualizations["F"]["heat"]
	require.Len(t, images, 2)
	assert.Equal(t, 12, images[0].Bounds().Dx())
	assert.Equal(t, 8, images[0].Bounds().Dy())
}

func TestSummary(t *testing.T) {
	cfg := parseConfig(t, linearYAML)
	cfg.Model.Losses = []config.AttachedConfig{{Name: "MSELoss", AttachedTo: "head"}}
	m := must.M1(New(cfg, map[string]shapes.Shape{"x": packet.Float32(1, 3)}, nil))
	summary := m.Summary()
	require.Len(t, summary, 3)
	assert.Equal(t, []string{"x"}, summary[0].Inputs)
	assert.Equal(t, "backbone", summary[1].Name)
	assert.Equal(t, 3*4+4, summary[1].NumParameters)
	assert.Equal(t, uintptr(4*(3*4+4)), summary[1].ParameterBytes)
	assert.Equal(t, 5, summary[1].UnfreezeEpoch)
	assert.Equal(t, -1, summary[2].UnfreezeEpoch)
	assert.True(t, summary[2].IsOutput)
	assert.Equal(t, []string{"loss:MSELoss"}, summary[2].Attached)

	table := m.SummaryTable()
	assert.Contains(t, table, "linear")
	assert.Contains(t, table, "backbone")
	assert.Contains(t, table, "until epoch 5")
}

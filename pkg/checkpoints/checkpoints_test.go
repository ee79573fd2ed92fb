// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStateDict() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		"nodes.head.bias":   tensors.FromFlatDataAndDimensions([]float32{0.5, -0.5}, 2),
		"nodes.head.weight": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2),
		"nodes.embed.table": tensors.FromFlatDataAndDimensions([]int32{7, 8, 9}, 3),
	}
}

func TestSaveAndRead(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(bf.String(), func(t *testing.T) {
			dir := t.TempDir()
			handler, err := Build(dir).Keep(2).WithCompression(bf).Done()
			require.NoError(t, err)

			artifact, _, err := handler.Latest()
			require.NoError(t, err)
			require.Nil(t, artifact)

			state := testStateDict()
			for epoch := range 3 {
				_, err = handler.Save(&Artifact{StateDict: state, Epoch: epoch, Metrics: map[string]float64{"val/loss": 1}})
				require.NoError(t, err)
			}
			list := must.M1(handler.ListCheckpoints())
			require.Len(t, list, 2)
			assert.Contains(t, list[0], "checkpoint-n0000001-")
			assert.Contains(t, list[1], "-epoch-0002")

			artifact, baseName, err := handler.Latest()
			require.NoError(t, err)
			assert.Equal(t, list[1], baseName)
			assert.Equal(t, 2, artifact.Epoch)
			assert.Equal(t, 1.0, artifact.Metrics["val/loss"])
			require.Len(t, artifact.StateDict, len(state))
			for name, want := range state {
				assert.Truef(t, want.Equal(artifact.StateDict[name]), "tensor %q differs", name)
			}

			// A new handler continues the numbering.
			handler2 := must.M1(Build(dir).Keep(-1).Done())
			baseName = must.M1(handler2.Save(&Artifact{StateDict: state}))
			assert.Contains(t, baseName, "checkpoint-n0000003-")
		})
	}
}

func TestReadMissingStateDict(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "checkpoint-n0000000-broken")
	require.NoError(t, os.WriteFile(base+JsonNameSuffix, []byte(`{"epoch": 1}`), 0o644))
	require.NoError(t, os.WriteFile(base+BinDataSuffix, nil, 0o644))
	_, err := Read(base)
	require.Error(t, err)
	assert.True(t, errors.Is(err, modelerrors.ErrCheckpoint))
	assert.True(t, errors.Is(err, modelerrors.ErrValue))

	// An empty state_dict is valid.
	require.NoError(t, os.WriteFile(base+JsonNameSuffix, []byte(`{"state_dict": []}`), 0o644))
	artifact, err := Read(base)
	require.NoError(t, err)
	assert.Empty(t, artifact.StateDict)
}

func TestRestore(t *testing.T) {
	saved := testStateDict()
	live := map[string]*tensors.Tensor{
		"nodes.head.bias":   tensors.FromShape(saved["nodes.head.bias"].Shape()),
		"nodes.head.weight": tensors.FromShape(saved["nodes.head.weight"].Shape()),
		"nodes.embed.table": tensors.FromShape(saved["nodes.embed.table"].Shape()),
	}
	report := Restore(saved, live)
	assert.True(t, report.Clean())
	assert.Equal(t, 0, report.NumWarnings())
	assert.Equal(t, []string{"nodes.embed.table", "nodes.head.bias", "nodes.head.weight"}, report.Loaded)
	for name := range saved {
		assert.True(t, saved[name].Equal(live[name]))
	}

	// Mismatches are reported but don't stop the other keys.
	live = map[string]*tensors.Tensor{
		"nodes.head.bias":   tensors.FromShape(saved["nodes.head.bias"].Shape()),
		"nodes.head.weight": tensors.FromFlatDataAndDimensions(make([]float32, 4), 2, 2),
		"nodes.other.bias":  tensors.FromFlatDataAndDimensions([]float32{3}, 1),
	}
	report = Restore(saved, live)
	assert.False(t, report.Clean())
	assert.Equal(t, 3, report.NumWarnings())
	assert.Equal(t, []string{"nodes.head.bias"}, report.Loaded)
	assert.Equal(t, []string{"nodes.embed.table"}, report.Unexpected)
	assert.Equal(t, []string{"nodes.other.bias"}, report.Missing)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "nodes.head.weight", report.Failed[0].Key)
	assert.Equal(t, []float32{0.5, -0.5}, tensors.MustCopyFlatData[float32](live["nodes.head.bias"]))
	assert.Equal(t, []float32{3}, tensors.MustCopyFlatData[float32](live["nodes.other.bias"]))
	assert.Equal(t, []float32{0, 0, 0, 0}, tensors.MustCopyFlatData[float32](live["nodes.head.weight"]))
}

func TestTopK(t *testing.T) {
	dir := t.TempDir()
	topK, err := NewTopK(dir, "val/loss", Min, 2)
	require.NoError(t, err)
	state := testStateDict()
	offer := func(value float64) bool {
		return must.M1(topK.Offer(&Artifact{StateDict: state, Metrics: map[string]float64{"val/loss": value}}))
	}
	assert.True(t, offer(3))
	assert.True(t, offer(1))
	assert.False(t, offer(5))
	assert.True(t, offer(2))
	assert.False(t, must.M1(topK.Offer(&Artifact{StateDict: state})))

	entries := topK.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1.0, entries[0].Value)
	assert.Equal(t, 2.0, entries[1].Value)
	list := must.M1(topK.handler.ListCheckpoints())
	assert.Len(t, list, 2)

	// Reopening the directory recovers the ranking.
	topK2, err := NewTopK(dir, "val/loss", Min, 2)
	require.NoError(t, err)
	best, ok := topK2.Best()
	require.True(t, ok)
	assert.Equal(t, entries[0], best)

	maxK := must.M1(NewTopK(t.TempDir(), "val/accuracy", Max, 1))
	offerMax := func(value float64) bool {
		return must.M1(maxK.Offer(&Artifact{StateDict: state, Metrics: map[string]float64{"val/accuracy": value}}))
	}
	assert.True(t, offerMax(0.5))
	assert.False(t, offerMax(0.4))
	assert.True(t, offerMax(0.9))
	best, _ = maxK.Best()
	assert.Equal(t, 0.9, best.Value)

	_, err = ParseMode("median")
	require.Error(t, err)
	assert.Equal(t, Max, must.M1(ParseMode("max")))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"bufio"
	"encoding/json"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder keeps what it receives.
type recorder struct {
	steps  []int
	images []string
	closed bool
	err    error
}

func (r *recorder) LogMetrics(step int, _ map[string]float64) error {
	r.steps = append(r.steps, step)
	return r.err
}

func (r *recorder) LogImage(name string, _ image.Image, _ int) error {
	r.images = append(r.images, name)
	return r.err
}

func (r *recorder) Close() error {
	r.closed = true
	return r.err
}

func TestFormatValues(t *testing.T) {
	assert.Equal(t, "a=1 b=0.333 c=-", FormatValues(map[string]float64{"c": math.NaN(), "b": 1.0 / 3, "a": 1}))
}

func TestDirTracker(t *testing.T) {
	baseDir := t.TempDir()
	tracker, err := NewDirTracker(baseDir, "")
	require.NoError(t, err)
	assert.Contains(t, tracker.RunName(), "run-")
	assert.Equal(t, filepath.Join(baseDir, tracker.RunName()), tracker.Dir())

	require.NoError(t, tracker.LogMetrics(1, map[string]float64{"train/loss": 2, "lr": 0.1}))
	require.NoError(t, tracker.LogMetrics(2, map[string]float64{"train/loss": 1.5, "val/loss": math.NaN()}))
	require.NoError(t, tracker.LogMetrics(3, map[string]float64{"train/loss": 1, "val/loss": 1.2}))
	require.NoError(t, tracker.LogImage("val/head/heat", imaging.New(4, 3, image.Black), 3))

	history := tracker.History()
	assert.Equal(t, 3, history.Nrow())
	assert.Equal(t, []string{"step", "lr", "train/loss", "val/loss"}, history.Names())
	assert.Equal(t, []float64{2, 1.5, 1}, history.Col("train/loss").Float())
	assert.True(t, math.IsNaN(history.Col("lr").Float()[1]))

	require.NoError(t, tracker.Close())
	require.NoError(t, tracker.Close())
	require.Error(t, tracker.LogMetrics(4, nil))

	f, err := os.Open(filepath.Join(tracker.Dir(), MetricsFileName))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var records []metricsRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record metricsRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	require.Len(t, records, 3)
	assert.Equal(t, 2, records[1].Step)
	assert.NotContains(t, records[1].Values, "val/loss")
	assert.Equal(t, tracker.RunName(), records[2].Run)

	for _, name := range []string{HistoryFileName, LossPlotFileName,
		filepath.Join(ImagesDir, "val_head_heat-step-0000003.png")} {
		_, err = os.Stat(filepath.Join(tracker.Dir(), name))
		assert.NoErrorf(t, err, "file %q", name)
	}
	img, err := imaging.Open(filepath.Join(tracker.Dir(), ImagesDir, "val_head_heat-step-0000003.png"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())
}

func TestPlotLossesWithoutLosses(t *testing.T) {
	tracker, err := NewDirTracker(t.TempDir(), "no-losses")
	require.NoError(t, err)
	require.NoError(t, tracker.LogMetrics(0, map[string]float64{"val/metric/head/acc": 0.5}))
	plotted, err := tracker.PlotLosses(filepath.Join(tracker.Dir(), LossPlotFileName))
	require.NoError(t, err)
	assert.False(t, plotted)
	require.NoError(t, tracker.Close())
}

func TestMulti(t *testing.T) {
	r1, r2 := &recorder{}, &recorder{err: errors.New("disk full")}
	multi := Multi{r1, KlogTracker{}, r2}
	require.NoError(t, Multi{r1}.LogMetrics(0, nil))
	err := multi.LogMetrics(1, map[string]float64{"loss": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []int{0, 1}, r1.steps)
	assert.Equal(t, []int{1}, r2.steps)

	require.Error(t, multi.LogImage("x", imaging.New(1, 1, image.White), 1))
	assert.Equal(t, []string{"x"}, r1.images)
	require.Error(t, multi.Close())
	assert.True(t, r1.closed)
	assert.True(t, r2.closed)
}

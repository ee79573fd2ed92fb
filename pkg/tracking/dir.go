// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"bufio"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

const (
	// MetricsFileName is the JSON-lines file with one record per LogMetrics call.
	MetricsFileName = "metrics.jsonl"

	// HistoryFileName is the CSV with the history of all logged values, written on Close.
	HistoryFileName = "history.csv"

	// LossPlotFileName is the plot of the logged losses, written on Close.
	LossPlotFileName = "losses.png"

	// ImagesDir is the subdirectory where images are saved.
	ImagesDir = "images"

	// DirPermMode is the permission used to create the run directories.
	DirPermMode = 0755
)

// metricsRecord is one line of MetricsFileName. NaN values are not representable in JSON and are skipped.
type metricsRecord struct {
	Run    string             `json:"run"`
	Step   int                `json:"step"`
	Values map[string]float64 `json:"values"`
}

// historyRow holds the values of one LogMetrics call.
type historyRow struct {
	step   int
	values map[string]float64
}

// DirTracker saves everything logged under a run directory:
//
//   - MetricsFileName: the logged values, one JSON record per call.
//   - ImagesDir/<name>-step-<step>.png: the logged images.
//   - HistoryFileName and LossPlotFileName: written on Close.
type DirTracker struct {
	dir, runName string
	metricsFile  *os.File
	writer       *bufio.Writer
	encoder      *json.Encoder
	history      []historyRow
	keys         sets.Set[string]
}

var _ Tracker = (*DirTracker)(nil)

// NewDirTracker creates the directory <baseDir>/<runName> and starts tracking into it.
// If runName is empty, a random one is generated.
func NewDirTracker(baseDir, runName string) (*DirTracker, error) {
	if runName == "" {
		runName = "run-" + uuid.NewString()[:8]
	}
	dir := filepath.Join(baseDir, runName)
	if err := os.MkdirAll(filepath.Join(dir, ImagesDir), DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "creating tracking directory %q", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, MetricsFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics file in %q", dir)
	}
	t := &DirTracker{
		dir:         dir,
		runName:     runName,
		metricsFile: f,
		writer:      bufio.NewWriter(f),
		keys:        sets.Make[string](),
	}
	t.encoder = json.NewEncoder(t.writer)
	klog.V(1).Infof("tracking run %q in %q", runName, dir)
	return t, nil
}

// Dir returns the run directory.
func (t *DirTracker) Dir() string { return t.dir }

// RunName returns the name of the run.
func (t *DirTracker) RunName() string { return t.runName }

// LogMetrics implements Tracker.
func (t *DirTracker) LogMetrics(step int, values map[string]float64) error {
	if t.metricsFile == nil {
		return errors.Errorf("DirTracker(%q) already closed", t.dir)
	}
	record := metricsRecord{Run: t.runName, Step: step, Values: make(map[string]float64, len(values))}
	row := historyRow{step: step, values: make(map[string]float64, len(values))}
	for key, value := range values {
		row.values[key] = value
		t.keys.Insert(key)
		if !math.IsNaN(value) && !math.IsInf(value, 0) {
			record.Values[key] = value
		}
	}
	t.history = append(t.history, row)
	if err := t.encoder.Encode(record); err != nil {
		return errors.Wrapf(err, "writing metrics of step %d to %q", step, t.dir)
	}
	return nil
}

// imageFileName returns a file name for the image, replacing path separators in name.
func imageFileName(name string, step int) string {
	name = strings.NewReplacer("/", "_", string(filepath.Separator), "_", " ", "_").Replace(name)
	return fmt.Sprintf("%s-step-%07d.png", name, step)
}

// LogImage implements Tracker.
func (t *DirTracker) LogImage(name string, img image.Image, step int) error {
	path := filepath.Join(t.dir, ImagesDir, imageFileName(name, step))
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "saving image %q of step %d", name, step)
	}
	return nil
}

// History returns all the logged values as a dataframe: a "step" column followed by one column per key,
// sorted. Values not logged in a call are NaN.
func (t *DirTracker) History() dataframe.DataFrame {
	steps := make([]int, len(t.history))
	for ii, row := range t.history {
		steps[ii] = row.step
	}
	columns := []series.Series{series.New(steps, series.Int, "step")}
	for _, key := range xslices.SortedKeys(t.keys) {
		values := make([]float64, len(t.history))
		for ii, row := range t.history {
			value, found := row.values[key]
			if !found {
				value = math.NaN()
			}
			values[ii] = value
		}
		columns = append(columns, series.New(values, series.Float, key))
	}
	return dataframe.New(columns...)
}

// isLossKey returns whether the key is a total loss, e.g. "loss", "train/loss" or "val/loss".
func isLossKey(key string) bool {
	return key == "loss" || strings.HasSuffix(key, "/loss")
}

// PlotLosses plots the total losses logged so far, over the steps, into path.
// It returns false if no loss was logged.
func (t *DirTracker) PlotLosses(path string) (bool, error) {
	lossKeys := xslices.SortedKeys(t.keys)
	lossKeys = slices.DeleteFunc(lossKeys, func(key string) bool { return !isLossKey(key) })
	if len(lossKeys) == 0 {
		return false, nil
	}
	p := plot.New()
	p.Title.Text = "Losses of " + t.runName
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	for ii, key := range lossKeys {
		var points plotter.XYs
		for _, row := range t.history {
			if value, found := row.values[key]; found && !math.IsNaN(value) && !math.IsInf(value, 0) {
				points = append(points, plotter.XY{X: float64(row.step), Y: value})
			}
		}
		if len(points) == 0 {
			continue
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return false, errors.Wrapf(err, "plotting %q", key)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(key, line)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return false, errors.Wrapf(err, "saving loss plot to %q", path)
	}
	return true, nil
}

// Close implements Tracker. It writes HistoryFileName and LossPlotFileName.
func (t *DirTracker) Close() error {
	if t.metricsFile == nil {
		return nil
	}
	err := t.writer.Flush()
	if closeErr := t.metricsFile.Close(); err == nil {
		err = closeErr
	}
	t.metricsFile = nil
	if err != nil {
		return errors.Wrapf(err, "closing metrics file of %q", t.dir)
	}
	if len(t.history) == 0 {
		return nil
	}

	historyPath := filepath.Join(t.dir, HistoryFileName)
	f, err := os.Create(historyPath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", historyPath)
	}
	if err = t.History().WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", historyPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", historyPath)
	}
	_, err = t.PlotLosses(filepath.Join(t.dir, LossPlotFileName))
	return err
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/internal/tables"
	"github.com/gomlx/modelgraph/pkg/attached"
	"github.com/gomlx/modelgraph/pkg/model"
	"github.com/gomlx/modelgraph/pkg/train/commandline"
	"github.com/pkg/errors"
)

// Dataset yields the batches of one epoch.
type Dataset interface {
	// Yield returns the next batch, or io.EOF at the end of the epoch.
	Yield() (*model.Batch, error)

	// Reset restarts the dataset for a new epoch.
	Reset()
}

// SliceDataset yields a fixed list of batches.
type SliceDataset struct {
	Batches []*model.Batch
	next    int
}

var _ Dataset = (*SliceDataset)(nil)

// Yield implements Dataset.
func (ds *SliceDataset) Yield() (*model.Batch, error) {
	if ds.next >= len(ds.Batches) {
		return nil, io.EOF
	}
	batch := ds.Batches[ds.next]
	ds.next++
	return batch, nil
}

// Reset implements Dataset.
func (ds *SliceDataset) Reset() { ds.next = 0 }

// Len is the number of batches.
func (ds *SliceDataset) Len() int { return len(ds.Batches) }

// Evaluate runs one evaluation epoch of mode over the dataset and returns the logged values,
// see Session.EndEvalEpoch. The dataset is reset before and after.
//
// If showProgress is set, a progress bar with the running loss is displayed. numBatches is only used by
// the progress bar, use -1 if unknown.
func Evaluate(s *Session, ds Dataset, mode string, epoch int, numBatches int, showProgress bool) (map[string]float64, error) {
	ds.Reset()
	defer ds.Reset()
	var pBar *commandline.ProgressBar
	if showProgress {
		pBar = commandline.New(fmt.Sprintf("Evaluating %s: ", mode), numBatches)
		defer pBar.Done()
	}
	var lossSum float64
	var count int
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s batch #%d", mode, count)
		}
		loss, err := s.EvalStep(mode, batch, epoch)
		if err != nil {
			return nil, err
		}
		lossSum += loss
		count++
		if pBar != nil {
			pBar.Update(1,
				commandline.Stat{Name: "Batches", Value: fmt.Sprintf("%d", count)},
				commandline.Stat{Name: "Mean loss", Value: attached.PrettyPrint(lossSum / float64(count))})
		}
	}
	if pBar != nil {
		pBar.Done()
	}
	return s.EndEvalEpoch(mode, epoch)
}

// ResultsTable renders the loss and the metrics of an evaluation: one row per metric, with the main
// metric highlighted.
func (s *Session) ResultsTable(mode string, loss float64, metrics map[string]map[string]float64) string {
	mainNode, mainMetric, _ := s.model.MainMetric()
	table := tables.New([]string{"node", "metric", "value"}, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Row("", model.TotalLossKey, attached.PrettyPrint(loss))
	for _, nodeName := range xslices.SortedKeys(metrics) {
		nodeMetrics := metrics[nodeName]
		for _, metricName := range xslices.SortedKeys(nodeMetrics) {
			isMain := nodeName == mainNode && metricName == mainMetric
			table.HighlightedRow(isMain, nodeName, metricName, attached.PrettyPrint(nodeMetrics[metricName]))
		}
	}
	return fmt.Sprintf("%s\n%s", tables.TitleStyle.Render(stageName(mode)+" results"), table.Render())
}

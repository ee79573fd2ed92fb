// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the bookkeeping of a training run around a model.Model: per-step loss reduction,
// per-epoch averaging and metric computation, logging to a tracking.Tracker, visualization images and
// the best checkpoints kept on disk.
//
// The optimization itself (gradients and parameter updates) is left to the caller: see
// model.Model.TrainableParameters for the parameters to update at each epoch.
package train

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/attached"
	"github.com/gomlx/modelgraph/pkg/checkpoints"
	"github.com/gomlx/modelgraph/pkg/model"
	"github.com/gomlx/modelgraph/pkg/tracking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Modes of the logged values.
const (
	ModeTrain = "train"
	ModeVal   = "val"
	ModeTest  = "test"
)

const (
	// ValLossMonitor is the logged value used to keep the checkpoints with the lowest validation loss.
	ValLossMonitor = ModeVal + "/" + model.TotalLossKey

	// MinValLossDir is the subdirectory of the checkpoints with the lowest validation loss.
	MinValLossDir = "min_val_loss"

	// BestValMetricDir is the subdirectory of the checkpoints with the highest main metric.
	BestValMetricDir = "best_val_metric"
)

// MetricKey returns the key of a logged metric: "<mode>/metric/<node>/<name>".
func MetricKey(mode, nodeName, metricName string) string {
	return mode + "/metric/" + nodeName + "/" + metricName
}

// Session accumulates what a training run logs: per-step losses, per-epoch metrics and images.
// It is not safe for concurrent use.
type Session struct {
	model   *model.Model
	tracker tracking.Tracker
	keepers []*checkpoints.TopK
	out     io.Writer

	globalStep   int64
	stepLogs     map[string][]map[string]float64
	loggedImages map[string]int
}

// NewSession creates a Session for the model.
//
// If tracker is nil, a tracking.KlogTracker is used. If checkpointDir is not empty and trainer.save_top_k > 0,
// the checkpoints with the lowest validation loss are kept under MinValLossDir, and, if the model has a
// main metric, those with its highest value under BestValMetricDir.
func NewSession(m *model.Model, tracker tracking.Tracker, checkpointDir string) (*Session, error) {
	if tracker == nil {
		tracker = tracking.KlogTracker{}
	}
	s := &Session{
		model:        m,
		tracker:      tracker,
		out:          os.Stdout,
		stepLogs:     make(map[string][]map[string]float64),
		loggedImages: make(map[string]int),
	}
	topK := m.Config().Trainer.SaveTopK
	if checkpointDir == "" || topK <= 0 {
		return s, nil
	}
	keeper, err := checkpoints.NewTopK(filepath.Join(checkpointDir, MinValLossDir), ValLossMonitor, checkpoints.Min, topK)
	if err != nil {
		return nil, err
	}
	s.keepers = append(s.keepers, keeper)
	if key := m.MainMetricKey(); key != "" {
		keeper, err = checkpoints.NewTopK(filepath.Join(checkpointDir, BestValMetricDir),
			ModeVal+"/metric/"+key, checkpoints.Max, topK)
		if err != nil {
			return nil, err
		}
		s.keepers = append(s.keepers, keeper)
	}
	return s, nil
}

// SetOutput sets where the results of the evaluations are printed. The default is os.Stdout.
func (s *Session) SetOutput(out io.Writer) { s.out = out }

// Model returns the model of the session.
func (s *Session) Model() *model.Model { return s.model }

// Keepers returns the checkpoint keepers: the validation loss one first, then the main metric one if any.
func (s *Session) Keepers() []*checkpoints.TopK { return s.keepers }

// GlobalStep is the number of training steps run so far.
func (s *Session) GlobalStep() int64 { return s.globalStep }

// IsTrainEvalEpoch returns whether the metrics are also computed on the training data at the given epoch
// (counted from 0), according to trainer.train_metrics_interval.
func (s *Session) IsTrainEvalEpoch(epoch int) bool {
	interval := s.model.Config().Trainer.TrainMetricsInterval
	return interval > 0 && (epoch+1)%interval == 0
}

// IsValidationEpoch returns whether the model is evaluated at the end of the given epoch (counted from 0),
// according to trainer.validation_interval. The last epoch is always evaluated.
func (s *Session) IsValidationEpoch(epoch int) bool {
	trainerCfg := s.model.Config().Trainer
	if epoch+1 >= trainerCfg.Epochs {
		return true
	}
	return trainerCfg.ValidationInterval > 0 && (epoch+1)%trainerCfg.ValidationInterval == 0
}

// prefixed returns the values with the keys prefixed by "<mode>/".
func prefixed(mode string, values map[string]float64) map[string]float64 {
	result := make(map[string]float64, len(values))
	for key, value := range values {
		result[mode+"/"+key] = value
	}
	return result
}

// TrainStep runs the forward pass of a training step and records its losses. It returns the weighted
// total loss and the output of the pass.
func (s *Session) TrainStep(batch *model.Batch, epoch int) (loss float64, out *model.Output, err error) {
	computeMetrics := s.IsTrainEvalEpoch(epoch)
	out, err = s.model.Forward(batch, model.ForwardOptions{
		Epoch:           epoch,
		Training:        true,
		ComputeMetrics:  computeMetrics,
		UseTrainMetrics: true,
	})
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "training step %d (epoch %d)", s.globalStep, epoch)
	}
	loss, log := s.model.ProcessLosses(out.Losses)
	s.stepLogs[ModeTrain] = append(s.stepLogs[ModeTrain], prefixed(ModeTrain, log))
	s.globalStep++
	return loss, out, nil
}

// EvalStep runs the forward pass of an evaluation step, updating the evaluation metrics, recording its
// losses and logging up to trainer.num_log_images visualization images per visualizer in the epoch.
func (s *Session) EvalStep(mode string, batch *model.Batch, epoch int) (loss float64, err error) {
	numLogImages := s.model.Config().Trainer.NumLogImages
	out, err := s.model.Forward(batch, model.ForwardOptions{
		Epoch:                 epoch,
		ComputeMetrics:        true,
		ComputeVisualizations: s.loggedImages[mode] < numLogImages,
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s step (epoch %d)", mode, epoch)
	}
	loss, log := s.model.ProcessLosses(out.Losses)
	s.stepLogs[mode] = append(s.stepLogs[mode], prefixed(mode, log))

	logged := s.loggedImages[mode]
	for _, nodeName := range xslices.SortedKeys(out.Visualizations) {
		visualizations := out.Visualizations[nodeName]
		for _, vizName := range xslices.SortedKeys(visualizations) {
			count := s.loggedImages[mode]
			for _, img := range visualizations[vizName] {
				if count >= numLogImages {
					break
				}
				name := fmt.Sprintf("%s/visualizations/%s/%s/%d", mode, nodeName, vizName, count)
				if err = s.tracker.LogImage(name, img, epoch); err != nil {
					return loss, errors.WithMessagef(err, "logging %q", name)
				}
				count++
			}
			logged = max(logged, count)
		}
	}
	s.loggedImages[mode] = logged
	return loss, nil
}

// averageStepLogs returns the mean of each logged value over the steps of mode, and clears them.
func (s *Session) averageStepLogs(mode string) map[string]float64 {
	steps := s.stepLogs[mode]
	delete(s.stepLogs, mode)
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, step := range steps {
		for key, value := range step {
			sums[key] += value
			counts[key]++
		}
	}
	for key := range sums {
		sums[key] /= float64(counts[key])
	}
	return sums
}

// addMetrics computes the metrics (the training ones for ModeTrain) into values, keyed by MetricKey.
func (s *Session) addMetrics(mode string, values map[string]float64) (map[string]map[string]float64, error) {
	klog.V(1).Infof("computing metrics on %q", mode)
	metrics, err := s.model.ComputeMetrics(mode == ModeTrain)
	if err != nil {
		return nil, errors.WithMessagef(err, "computing %s metrics", mode)
	}
	for nodeName, nodeMetrics := range metrics {
		for metricName, value := range nodeMetrics {
			values[MetricKey(mode, nodeName, metricName)] = value
		}
	}
	return metrics, nil
}

// EndTrainEpoch averages the losses of the training steps of the epoch, computes the training metrics if
// IsTrainEvalEpoch, and logs them all. It returns the logged values.
func (s *Session) EndTrainEpoch(epoch int) (map[string]float64, error) {
	values := s.averageStepLogs(ModeTrain)
	if s.IsTrainEvalEpoch(epoch) {
		if _, err := s.addMetrics(ModeTrain, values); err != nil {
			return nil, err
		}
	}
	if err := s.tracker.LogMetrics(epoch, values); err != nil {
		return nil, errors.WithMessagef(err, "logging training epoch %d", epoch)
	}
	return values, nil
}

// EndEvalEpoch averages the losses of the evaluation steps of mode, computes the evaluation metrics, logs
// them all and, if trainer.verbose, prints the results. For ModeVal the model is then offered to the
// checkpoint keepers. It returns the logged values.
func (s *Session) EndEvalEpoch(mode string, epoch int) (map[string]float64, error) {
	values := s.averageStepLogs(mode)
	s.loggedImages[mode] = 0
	metrics, err := s.addMetrics(mode, values)
	if err != nil {
		return nil, err
	}
	if err = s.tracker.LogMetrics(epoch, values); err != nil {
		return nil, errors.WithMessagef(err, "logging %s epoch %d", mode, epoch)
	}
	if s.model.Config().Trainer.Verbose {
		_, _ = fmt.Fprintln(s.out, s.ResultsTable(mode, values[mode+"/"+model.TotalLossKey], metrics))
	}
	if mode == ModeVal {
		if err = s.offerCheckpoint(epoch, values); err != nil {
			return values, err
		}
	}
	return values, nil
}

// offerCheckpoint offers the current state of the model to the keepers.
func (s *Session) offerCheckpoint(epoch int, values map[string]float64) error {
	if len(s.keepers) == 0 {
		return nil
	}
	monitored := make(map[string]float64, len(s.keepers))
	for _, keeper := range s.keepers {
		if value, found := values[keeper.Monitor()]; found {
			monitored[keeper.Monitor()] = value
		}
	}
	artifact := s.model.Artifact(epoch, s.globalStep, monitored)
	for _, keeper := range s.keepers {
		saved, err := keeper.Offer(artifact)
		if err != nil {
			return errors.WithMessagef(err, "saving checkpoint for %q", keeper.Monitor())
		}
		if saved {
			klog.Infof("epoch %d: new top-%d checkpoint for %s=%s in %q", epoch, s.model.Config().Trainer.SaveTopK,
				keeper.Monitor(), attached.PrettyPrint(monitored[keeper.Monitor()]), keeper.Dir())
		}
	}
	return nil
}

// stageName returns the capitalized mode, as used in printed results.
func stageName(mode string) string {
	switch mode {
	case ModeVal:
		return "Validation"
	case ModeTest:
		return "Test"
	case ModeTrain:
		return "Train"
	case "":
		return ""
	}
	return strings.ToUpper(mode[:1]) + mode[1:]
}

// Close the tracker of the session.
func (s *Session) Close() error {
	return s.tracker.Close()
}

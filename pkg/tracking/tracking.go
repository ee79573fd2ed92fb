// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking records the values and images produced while training and evaluating a model.
//
// A Tracker receives flat mappings of logged values (losses as "train/loss", metrics as
// "val/metric/<node>/<name>", ...) and visualization images, each with the step they refer to.
// KlogTracker writes them to the log, DirTracker to a run directory, and Multi fans out to several trackers.
package tracking

import (
	"image"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/attached"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tracker records logged values and images.
type Tracker interface {
	// LogMetrics records the values at the given step.
	LogMetrics(step int, values map[string]float64) error

	// LogImage records one image at the given step.
	LogImage(name string, img image.Image, step int) error

	// Close flushes and releases the tracker.
	Close() error
}

// FormatValues formats the values sorted by key, as "key=value" pairs.
func FormatValues(values map[string]float64) string {
	parts := make([]string, 0, len(values))
	for _, key := range xslices.SortedKeys(values) {
		parts = append(parts, key+"="+attached.PrettyPrint(values[key]))
	}
	return strings.Join(parts, " ")
}

// KlogTracker writes the logged values to klog, and only the sizes of the images.
type KlogTracker struct{}

var _ Tracker = KlogTracker{}

// LogMetrics implements Tracker.
func (KlogTracker) LogMetrics(step int, values map[string]float64) error {
	klog.Infof("step %d: %s", step, FormatValues(values))
	return nil
}

// LogImage implements Tracker.
func (KlogTracker) LogImage(name string, img image.Image, step int) error {
	bounds := img.Bounds()
	klog.V(1).Infof("step %d: image %q (%dx%d)", step, name, bounds.Dx(), bounds.Dy())
	return nil
}

// Close implements Tracker.
func (KlogTracker) Close() error { return nil }

// Multi forwards everything to all its trackers.
// All trackers are called even if some fail; the first error is returned.
type Multi []Tracker

var _ Tracker = Multi(nil)

func (m Multi) each(fn func(t Tracker) error) error {
	var firstErr error
	for ii, t := range m {
		if err := fn(t); err != nil {
			klog.Warningf("tracker #%d (%T) failed: %+v", ii, t, err)
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "tracker #%d (%T)", ii, t)
			}
		}
	}
	return firstErr
}

// LogMetrics implements Tracker.
func (m Multi) LogMetrics(step int, values map[string]float64) error {
	return m.each(func(t Tracker) error { return t.LogMetrics(step, values) })
}

// LogImage implements Tracker.
func (m Multi) LogImage(name string, img image.Image, step int) error {
	return m.each(func(t Tracker) error { return t.LogImage(name, img, step) })
}

// Close implements Tracker.
func (m Multi) Close() error {
	return m.each(func(t Tracker) error { return t.Close() })
}

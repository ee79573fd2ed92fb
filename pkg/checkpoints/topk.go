// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"math"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode of a TopK keeper: whether lower or higher monitored values are better.
type Mode int

const (
	Min Mode = iota
	Max
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == Max {
		return "max"
	}
	return "min"
}

// ParseMode converts "min" or "max" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	}
	return Min, errors.Errorf("invalid checkpoint mode %q, valid values are \"min\" or \"max\"", s)
}

// TopKEntry is one checkpoint kept by a TopK.
type TopKEntry struct {
	BaseName string
	Value    float64
}

// TopK keeps on disk the best k checkpoints according to one monitored value of Artifact.Metrics,
// e.g. the minimum "val/loss" or the maximum main metric.
type TopK struct {
	handler *Handler
	monitor string
	mode    Mode
	k       int

	// entries sorted from best to worst.
	entries []TopKEntry
}

// NewTopK creates a keeper saving to dir. Checkpoints already in dir are taken into account.
func NewTopK(dir, monitor string, mode Mode, k int) (*TopK, error) {
	if k <= 0 {
		return nil, errors.Errorf("TopK(%q) requires k > 0, got %d", monitor, k)
	}
	handler, err := Build(dir).Keep(-1).Done()
	if err != nil {
		return nil, err
	}
	t := &TopK{handler: handler, monitor: monitor, mode: mode, k: k}
	list, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	for _, baseName := range list {
		meta, err := readMetadata(filepath.Join(dir, baseName))
		if err != nil {
			return nil, err
		}
		if value, found := meta.Metrics[monitor]; found && !math.IsNaN(value) {
			t.insert(TopKEntry{BaseName: baseName, Value: value})
		}
	}
	return t, t.trim()
}

// Monitor returns the name of the monitored value.
func (t *TopK) Monitor() string { return t.monitor }

// Dir where the checkpoints are kept.
func (t *TopK) Dir() string { return t.handler.Dir() }

// Entries returns the kept checkpoints, best first.
func (t *TopK) Entries() []TopKEntry { return slices.Clone(t.entries) }

// Best returns the best checkpoint kept so far.
func (t *TopK) Best() (entry TopKEntry, ok bool) {
	if len(t.entries) == 0 {
		return TopKEntry{}, false
	}
	return t.entries[0], true
}

func (t *TopK) better(a, b float64) bool {
	if t.mode == Max {
		return a > b
	}
	return a < b
}

func (t *TopK) insert(entry TopKEntry) {
	pos, _ := slices.BinarySearchFunc(t.entries, entry.Value, func(e TopKEntry, value float64) int {
		switch {
		case t.better(e.Value, value):
			return -1
		case t.better(value, e.Value):
			return 1
		}
		// Ties: older entries stay first.
		return -1
	})
	t.entries = slices.Insert(t.entries, pos, entry)
}

func (t *TopK) trim() error {
	for len(t.entries) > t.k {
		worst := t.entries[len(t.entries)-1]
		t.entries = t.entries[:len(t.entries)-1]
		if err := t.handler.Remove(worst.BaseName); err != nil {
			return err
		}
	}
	return nil
}

// Offer an artifact: it is saved if it is among the best k so far. Artifacts without the monitored
// value (or with a NaN) are ignored.
func (t *TopK) Offer(artifact *Artifact) (saved bool, err error) {
	value, found := artifact.Metrics[t.monitor]
	if !found || math.IsNaN(value) {
		klog.V(1).Infof("checkpoint: %q not available, not considered for the top-%d", t.monitor, t.k)
		return false, nil
	}
	if len(t.entries) >= t.k && !t.better(value, t.entries[len(t.entries)-1].Value) {
		return false, nil
	}
	baseName, err := t.handler.Save(artifact)
	if err != nil {
		return false, err
	}
	t.insert(TopKEntry{BaseName: baseName, Value: value})
	if err = t.trim(); err != nil {
		return true, err
	}
	klog.V(1).Infof("checkpoint: saved %q with %s=%g (%s)", baseName, t.monitor, value, t.mode)
	return true, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KeyError is a per-key failure copying a saved value into the live tensor.
type KeyError struct {
	Key string
	Err error
}

// Report of a best-effort restore. All lists are sorted.
type Report struct {
	// Loaded keys: present in both and copied.
	Loaded []string

	// Unexpected keys are in the saved state but not in the live model. They are skipped.
	Unexpected []string

	// Missing keys are in the live model but not in the saved state. They keep their current values.
	Missing []string

	// Failed keys are in both, but their values couldn't be copied, e.g. shape or dtype mismatch.
	Failed []KeyError
}

// Clean returns whether everything in the saved state was loaded and nothing was missing.
func (r *Report) Clean() bool {
	return len(r.Unexpected) == 0 && len(r.Missing) == 0 && len(r.Failed) == 0
}

// NumWarnings is the number of warnings logged during the restore.
func (r *Report) NumWarnings() int {
	return len(r.Unexpected) + len(r.Missing) + len(r.Failed)
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "loaded %d", len(r.Loaded))
	if len(r.Unexpected) > 0 {
		_, _ = fmt.Fprintf(&sb, ", unexpected %v", r.Unexpected)
	}
	if len(r.Missing) > 0 {
		_, _ = fmt.Fprintf(&sb, ", missing %v", r.Missing)
	}
	for _, failure := range r.Failed {
		_, _ = fmt.Fprintf(&sb, ", failed %q: %v", failure.Key, failure.Err)
	}
	return sb.String()
}

// Restore copies the saved values into the live tensors, in place.
//
// It works in two phases: first it computes the keys in common and the keys only in one of the sides,
// then it copies the common keys one at a time, collecting the failures. Nothing is fatal: every
// problem is logged as a warning and listed in the returned Report.
func Restore(saved, live map[string]*tensors.Tensor) *Report {
	r := &Report{}

	// Phase 1: key reconciliation.
	liveKeys := sets.MakeWith(xslices.Keys(live)...)
	var common []string
	for _, key := range xslices.SortedKeys(saved) {
		if liveKeys.Has(key) {
			common = append(common, key)
		} else {
			r.Unexpected = append(r.Unexpected, key)
			klog.Warningf("checkpoint: saved parameter %q is not used by the model, skipping it", key)
		}
	}
	for _, key := range xslices.SortedKeys(live) {
		if _, found := saved[key]; !found {
			r.Missing = append(r.Missing, key)
			klog.Warningf("checkpoint: parameter %q not found in the checkpoint, keeping its initial value", key)
		}
	}

	// Phase 2: copy the intersection.
	for _, key := range common {
		if err := copyValue(live[key], saved[key]); err != nil {
			r.Failed = append(r.Failed, KeyError{Key: key, Err: err})
			klog.Warningf("checkpoint: failed to load parameter %q: %v", key, err)
			continue
		}
		r.Loaded = append(r.Loaded, key)
	}
	return r
}

func copyValue(dst, src *tensors.Tensor) error {
	if dst == nil || src == nil {
		return errors.New("nil tensor")
	}
	if !dst.Shape().Equal(src.Shape()) {
		return errors.Errorf("shape mismatch: model has %s, checkpoint has %s", dst.Shape(), src.Shape())
	}
	var err error
	if panicErr := modelerrors.Catch(func() { err = dst.CopyFrom(src) }); panicErr != nil {
		return panicErr
	}
	return err
}

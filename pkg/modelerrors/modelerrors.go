// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package modelerrors defines the error kinds reported while building, running and restoring a model graph.
//
// Every error returned by the modelgraph packages wraps one of the sentinels below, so callers can
// classify failures with errors.Is:
//
//	m, err := model.New(cfg, inputShapes, nil)
//	if errors.Is(err, modelerrors.ErrConfiguration) {
//		// Fix the model description.
//	}
//
// Configuration and shape errors are fatal before training starts; compute errors are fatal for a
// forward pass and are left for the outer training loop to handle.
package modelerrors

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned for invalid model descriptions: cyclic graphs, empty output sets,
	// duplicate names, unknown node or module types, more than one main metric.
	ErrConfiguration = errors.New("configuration error")

	// ErrLookup is returned when a type name is not registered. It is also a configuration error.
	ErrLookup = &kindError{msg: "lookup error", parent: ErrConfiguration}

	// ErrShape is returned when shapes are incompatible, usually found during the lazy shape-inference build.
	ErrShape = errors.New("shape error")

	// ErrRuntimeCompute is returned when a node or attached module fails during a real forward pass.
	ErrRuntimeCompute = errors.New("runtime compute error")

	// ErrValue is returned when a value has an unexpected structure.
	ErrValue = errors.New("value error")

	// ErrMetricShape is returned when a metric result can't be normalized to a flat mapping.
	ErrMetricShape = &kindError{msg: "metric returned an unexpected value", parent: ErrValue}

	// ErrCheckpoint is returned when a checkpoint lacks its top-level state structure.
	ErrCheckpoint = &kindError{msg: "invalid checkpoint", parent: ErrValue}
)

// kindError is a sentinel that also matches a broader parent kind.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }

// Unwrap returns the broader kind, so errors.Is(ErrLookup, ErrConfiguration) holds.
func (e *kindError) Unwrap() error { return e.parent }

// Configurationf returns an error of kind ErrConfiguration with the formatted message.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Lookupf returns an error of kind ErrLookup with the formatted message.
func Lookupf(format string, args ...any) error {
	return errors.Wrapf(ErrLookup, format, args...)
}

// Shapef returns an error of kind ErrShape with the formatted message.
func Shapef(format string, args ...any) error {
	return errors.Wrapf(ErrShape, format, args...)
}

// Computef returns an error of kind ErrRuntimeCompute with the formatted message.
func Computef(format string, args ...any) error {
	return errors.Wrapf(ErrRuntimeCompute, format, args...)
}

// MetricShapef returns an error of kind ErrMetricShape with the formatted message.
func MetricShapef(format string, args ...any) error {
	return errors.Wrapf(ErrMetricShape, format, args...)
}

// Checkpointf returns an error of kind ErrCheckpoint with the formatted message.
func Checkpointf(format string, args ...any) error {
	return errors.Wrapf(ErrCheckpoint, format, args...)
}

// WrapCompute wraps err as an ErrRuntimeCompute, unless it already carries a kind from this package.
// The message is prepended to the original error.
func WrapCompute(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if HasKind(err) {
		return errors.WithMessagef(err, format, args...)
	}
	return errors.WithMessagef(&wrapped{kind: ErrRuntimeCompute, cause: err}, format, args...)
}

// HasKind returns whether err already wraps one of the sentinels of this package.
func HasKind(err error) bool {
	for _, kind := range []error{ErrConfiguration, ErrShape, ErrRuntimeCompute, ErrValue} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// wrapped attaches a kind to an arbitrary cause, keeping both reachable through errors.Is/As.
type wrapped struct {
	kind, cause error
}

func (w *wrapped) Error() string { return w.kind.Error() + ": " + w.cause.Error() }

// Unwrap returns both the kind and the cause.
func (w *wrapped) Unwrap() []error { return []error{w.kind, w.cause} }

// Catch runs fn and returns any panic it raises as an error. Panics with values that are not errors,
// like panic("message"), are converted with their formatted value.
func Catch(fn func()) error {
	exception := exceptions.Try(fn)
	if exception == nil {
		return nil
	}
	if err, ok := exception.(error); ok {
		return err
	}
	return errors.Errorf("%v", exception)
}

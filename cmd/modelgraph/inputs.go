// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/packet"
	"github.com/pkg/errors"
)

// inputsFlag implements flag.Value for repeated "-input name=d0,d1,..." flags.
// All inputs are Float32.
type inputsFlag map[string]shapes.Shape

// String implements flag.Value.
func (f inputsFlag) String() string {
	parts := make([]string, 0, len(f))
	for _, name := range xslices.SortedKeys(f) {
		dims := xslices.Map(f[name].Dimensions, strconv.Itoa)
		parts = append(parts, name+"="+strings.Join(dims, ","))
	}
	return strings.Join(parts, " ")
}

// Set implements flag.Value.
func (f inputsFlag) Set(value string) error {
	name, dimsStr, found := strings.Cut(value, "=")
	if !found || name == "" || dimsStr == "" {
		return errors.Errorf("invalid input %q, expected \"name=d0,d1,...\"", value)
	}
	if _, exists := f[name]; exists {
		return errors.Errorf("input %q given more than once", name)
	}
	parts := strings.Split(dimsStr, ",")
	dims := make([]int, len(parts))
	for ii, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || dim <= 0 {
			return errors.Errorf("invalid dimension %q for input %q", part, name)
		}
		dims[ii] = dim
	}
	f[name] = packet.Float32(dims...)
	return nil
}

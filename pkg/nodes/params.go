// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"math"

	"github.com/gomlx/modelgraph/pkg/modelerrors"
)

// Params holds the type specific parameters of a node or attached module, as decoded from YAML or JSON.
//
// The getters return the given default if the key is missing, and an error of kind
// modelerrors.ErrConfiguration if the value has the wrong type. Numbers are accepted as int or float,
// since JSON decodes all numbers as float64.
type Params map[string]any

// Has returns whether key is set.
func (p Params) Has(key string) bool {
	_, found := p[key]
	return found
}

// Int returns the integer value of key.
func (p Params) Int(key string, defaultValue int) (int, error) {
	v, found := p[key]
	if !found || v == nil {
		return defaultValue, nil
	}
	if i, ok := toInt(v); ok {
		return i, nil
	}
	return 0, modelerrors.Configurationf("parameter %q must be an integer, got %T(%v)", key, v, v)
}

// Float returns the float value of key.
func (p Params) Float(key string, defaultValue float64) (float64, error) {
	v, found := p[key]
	if !found || v == nil {
		return defaultValue, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	if i, ok := toInt(v); ok {
		return float64(i), nil
	}
	return 0, modelerrors.Configurationf("parameter %q must be a number, got %T(%v)", key, v, v)
}

// String returns the string value of key.
func (p Params) String(key string, defaultValue string) (string, error) {
	v, found := p[key]
	if !found || v == nil {
		return defaultValue, nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", modelerrors.Configurationf("parameter %q must be a string, got %T(%v)", key, v, v)
}

// Bool returns the boolean value of key.
func (p Params) Bool(key string, defaultValue bool) (bool, error) {
	v, found := p[key]
	if !found || v == nil {
		return defaultValue, nil
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, modelerrors.Configurationf("parameter %q must be a boolean, got %T(%v)", key, v, v)
}

// Ints returns the list of integers of key.
func (p Params) Ints(key string, defaultValue []int) ([]int, error) {
	v, found := p[key]
	if !found || v == nil {
		return defaultValue, nil
	}
	switch list := v.(type) {
	case []int:
		return list, nil
	case []any:
		ints := make([]int, len(list))
		for ii, e := range list {
			i, ok := toInt(e)
			if !ok {
				return nil, modelerrors.Configurationf("parameter %q must be a list of integers, element #%d is %T(%v)",
					key, ii, e, e)
			}
			ints[ii] = i
		}
		return ints, nil
	}
	return nil, modelerrors.Configurationf("parameter %q must be a list of integers, got %T(%v)", key, v, v)
}

// Strings returns the list of strings of key.
func (p Params) Strings(key string, defaultValue []string) ([]string, error) {
	v, found := p[key]
	if !found || v == nil {
		return defaultValue, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		strs := make([]string, len(list))
		for ii, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, modelerrors.Configurationf("parameter %q must be a list of strings, element #%d is %T(%v)",
					key, ii, e, e)
			}
			strs[ii] = s
		}
		return strs, nil
	}
	return nil, modelerrors.Configurationf("parameter %q must be a list of strings, got %T(%v)", key, v, v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int(n), true
		}
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"gopkg.in/yaml.v3"
)

// UnfreezeAfter is either unset, an epoch (an integer in the configuration) or a fraction of the
// total number of epochs (a float in the configuration).
type UnfreezeAfter struct {
	Epoch    *int
	Fraction *float64
}

// EpochAfter returns an UnfreezeAfter set to an epoch.
func EpochAfter(epoch int) UnfreezeAfter { return UnfreezeAfter{Epoch: &epoch} }

// FractionAfter returns an UnfreezeAfter set to a fraction of the epochs.
func FractionAfter(fraction float64) UnfreezeAfter { return UnfreezeAfter{Fraction: &fraction} }

// IsZero is used by yaml's omitempty.
func (u UnfreezeAfter) IsZero() bool { return u.Epoch == nil && u.Fraction == nil }

// Resolve returns the epoch from which the node is trainable, given the total number of epochs:
// unset means never (epochs), an epoch is returned as is and a fraction f gives int(f*epochs).
func (u UnfreezeAfter) Resolve(epochs int) int {
	switch {
	case u.Epoch != nil:
		return *u.Epoch
	case u.Fraction != nil:
		return int(*u.Fraction * float64(epochs))
	default:
		return epochs
	}
}

// UnmarshalYAML implements yaml.Unmarshaler: "!!int" values are epochs and "!!float" values are fractions.
func (u *UnfreezeAfter) UnmarshalYAML(node *yaml.Node) error {
	*u = UnfreezeAfter{}
	if node.Kind != yaml.ScalarNode {
		return modelerrors.Configurationf("unfreeze_after must be a number, got %q at line %d", node.Value, node.Line)
	}
	switch node.ShortTag() {
	case "!!null":
		return nil
	case "!!int":
		var epoch int
		if err := node.Decode(&epoch); err != nil {
			return err
		}
		*u = EpochAfter(epoch)
		return nil
	case "!!float":
		var fraction float64
		if err := node.Decode(&fraction); err != nil {
			return err
		}
		return u.setFraction(fraction)
	}
	return modelerrors.Configurationf("unfreeze_after must be a number, got %q at line %d", node.Value, node.Line)
}

// MarshalYAML implements yaml.Marshaler.
func (u UnfreezeAfter) MarshalYAML() (any, error) {
	switch {
	case u.Epoch != nil:
		return *u.Epoch, nil
	case u.Fraction != nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: formatFraction(*u.Fraction)}, nil
	default:
		return nil, nil
	}
}

// UnmarshalJSON implements json.Unmarshaler: numbers with a decimal point or exponent are fractions.
func (u *UnfreezeAfter) UnmarshalJSON(b []byte) error {
	*u = UnfreezeAfter{}
	text := strings.TrimSpace(string(b))
	if text == "null" {
		return nil
	}
	if strings.ContainsAny(text, ".eE") {
		var fraction float64
		if err := json.Unmarshal(b, &fraction); err != nil {
			return modelerrors.Configurationf("unfreeze_after: %v", err)
		}
		return u.setFraction(fraction)
	}
	var epoch int
	if err := json.Unmarshal(b, &epoch); err != nil {
		return modelerrors.Configurationf("unfreeze_after: %v", err)
	}
	*u = EpochAfter(epoch)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (u UnfreezeAfter) MarshalJSON() ([]byte, error) {
	switch {
	case u.Epoch != nil:
		return []byte(strconv.Itoa(*u.Epoch)), nil
	case u.Fraction != nil:
		return []byte(formatFraction(*u.Fraction)), nil
	default:
		return []byte("null"), nil
	}
}

func (u *UnfreezeAfter) setFraction(fraction float64) error {
	if fraction < 0 || fraction > 1 {
		return modelerrors.Configurationf("unfreeze_after as a fraction must be in [0, 1], got %g", fraction)
	}
	*u = FractionAfter(fraction)
	return nil
}

// formatFraction always includes a decimal point, so it's read back as a fraction.
func formatFraction(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

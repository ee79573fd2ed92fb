// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseOverrides converts a list of "key value" pairs (as given in the command line) to a mapping.
// An odd number of elements is an error.
func ParseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs)%2 != 0 {
		return nil, modelerrors.Configurationf("overrides must be given in key/value pairs, got %d elements: %v",
			len(pairs), pairs)
	}
	overrides := make(map[string]string, len(pairs)/2)
	for ii := 0; ii < len(pairs); ii += 2 {
		overrides[pairs[ii]] = pairs[ii+1]
	}
	return overrides, nil
}

// ApplyOverrides sets values given by dotted paths, e.g. "trainer.epochs" or "model.nodes.0.params.out_features".
// Values are parsed as YAML, so "10" is an integer, "0.5" a float and "[a, b]" a list.
// Missing mapping keys are created, sequence indices must exist.
//
// Overrides are applied in sorted key order, and the result is decoded again, so the types are checked.
func (c *Config) ApplyOverrides(overrides map[string]string) error {
	if len(overrides) == 0 {
		return nil
	}
	var root yaml.Node
	if err := root.Encode(c); err != nil {
		return errors.Wrap(err, "encoding configuration to apply overrides")
	}
	for _, key := range xslices.SortedKeys(overrides) {
		var value yaml.Node
		if err := yaml.Unmarshal([]byte(overrides[key]), &value); err != nil {
			return errors.Wrapf(modelerrors.ErrConfiguration, "override %q: invalid value %q: %v", key, overrides[key], err)
		}
		valueNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
		if value.Kind == yaml.DocumentNode && len(value.Content) > 0 {
			valueNode = value.Content[0]
		}
		if err := setPath(&root, strings.Split(key, "."), valueNode); err != nil {
			return errors.WithMessagef(err, "override %q", key)
		}
	}
	updated := Default()
	if err := root.Decode(updated); err != nil {
		return errors.Wrapf(modelerrors.ErrConfiguration, "applying overrides: %v", err)
	}
	*c = *updated
	return nil
}

// setPath walks node along path and sets the last element to value.
func setPath(node *yaml.Node, path []string, value *yaml.Node) error {
	if len(path) == 0 {
		*node = *value
		return nil
	}
	key := path[0]
	switch node.Kind {
	case yaml.MappingNode:
		for ii := 0; ii+1 < len(node.Content); ii += 2 {
			if node.Content[ii].Value == key {
				return setPath(node.Content[ii+1], path[1:], value)
			}
		}
		child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
		return setPath(child, path[1:], value)
	case yaml.SequenceNode:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(node.Content) {
			return modelerrors.Configurationf("invalid index %q for a list of %d elements", key, len(node.Content))
		}
		return setPath(node.Content[idx], path[1:], value)
	case yaml.ScalarNode:
		if node.ShortTag() == "!!null" {
			// Unset optional values are created as mappings.
			*node = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			return setPath(node, path, value)
		}
	}
	return modelerrors.Configurationf("can't set %q inside a scalar value", strings.Join(path, "."))
}

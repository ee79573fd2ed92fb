// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/modelgraph/pkg/dag"
	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/pkg/errors"
)

// Validate the whole configuration. All errors are of kind modelerrors.ErrConfiguration.
func (c *Config) Validate() error {
	if _, err := c.Model.Validate(); err != nil {
		return err
	}
	t := &c.Trainer
	if t.Epochs <= 0 {
		return modelerrors.Configurationf("trainer.epochs must be positive, got %d", t.Epochs)
	}
	if t.ValidationInterval <= 0 {
		return modelerrors.Configurationf("trainer.validation_interval must be positive, got %d", t.ValidationInterval)
	}
	if t.TrainMetricsInterval == 0 || t.TrainMetricsInterval < -1 {
		return modelerrors.Configurationf("trainer.train_metrics_interval must be positive or -1, got %d",
			t.TrainMetricsInterval)
	}
	if t.NumLogImages < 0 || t.SaveTopK < 0 {
		return modelerrors.Configurationf("trainer.num_log_images and trainer.save_top_k can't be negative")
	}
	return nil
}

// Graph returns the node names (IDs) in declaration order and the predecessors of each node.
func (m *ModelConfig) Graph() (names []string, predecessors map[string][]string) {
	names = make([]string, len(m.Nodes))
	predecessors = make(map[string][]string, len(m.Nodes))
	for ii := range m.Nodes {
		names[ii] = m.Nodes[ii].ID()
		if len(m.Nodes[ii].Inputs) > 0 {
			predecessors[names[ii]] = m.Nodes[ii].Inputs
		}
	}
	return
}

// Validate the model description and return its output nodes.
//
// It checks that names are unique within each section (nodes, losses, metrics and visualizers), that the
// graph is acyclic with a non-empty set of outputs, that attached modules refer to existing nodes and that
// at most one metric is the main metric.
func (m *ModelConfig) Validate() (outputs []string, err error) {
	if len(m.Nodes) == 0 {
		return nil, modelerrors.Configurationf("model %q has no nodes", m.Name)
	}
	nodeIDs := sets.Make[string](len(m.Nodes))
	for ii := range m.Nodes {
		node := &m.Nodes[ii]
		if node.Name == "" {
			return nil, modelerrors.Configurationf("nodes[%d] has no type name", ii)
		}
		id := node.ID()
		if nodeIDs.Has(id) {
			return nil, modelerrors.Configurationf("duplicate node name %q: use aliases to distinguish nodes of the same type", id)
		}
		nodeIDs.Insert(id)
		if len(node.Inputs) > 0 && len(node.LoaderInputs) > 0 {
			return nil, modelerrors.Configurationf("node %q has inputs, it can't also have loader_inputs", id)
		}
	}

	names, predecessors := m.Graph()
	outputs, err = dag.Validate(names, predecessors, m.Outputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "model %q", m.Name)
	}

	sections := []struct {
		name    string
		modules []AttachedConfig
	}{
		{"losses", m.Losses},
		{"metrics", m.Metrics},
		{"visualizers", m.Visualizers},
	}
	for _, section := range sections {
		ids := sets.Make[string](len(section.modules))
		for ii := range section.modules {
			module := &section.modules[ii]
			if module.Name == "" {
				return nil, modelerrors.Configurationf("%s[%d] has no type name", section.name, ii)
			}
			id := module.ID()
			if ids.Has(id) {
				return nil, modelerrors.Configurationf("duplicate name %q in %s: use aliases to distinguish modules of the same type",
					id, section.name)
			}
			ids.Insert(id)
			if !nodeIDs.Has(module.AttachedTo) {
				return nil, modelerrors.Configurationf("%s %q is attached to unknown node %q", section.name, id, module.AttachedTo)
			}
			if module.IsMainMetric && section.name != "metrics" {
				return nil, modelerrors.Configurationf("%s %q can't be a main metric", section.name, id)
			}
		}
	}

	var mainMetric string
	for ii := range m.Metrics {
		metric := &m.Metrics[ii]
		if !metric.IsMainMetric {
			continue
		}
		if mainMetric != "" {
			return nil, modelerrors.Configurationf("more than one main metric: %q and %q", mainMetric, metric.ID())
		}
		mainMetric = metric.ID()
	}
	return outputs, nil
}

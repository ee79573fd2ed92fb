// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/modelgraph/pkg/attached"
	"github.com/pkg/errors"
)

// ComputeMetrics finalizes the metrics accumulated since the last call and resets them.
//
// It returns, by node name, the flat mapping of metric values (see attached.MetricValue.Normalize).
// The training set of metrics is used if useTrain is set.
// A metric returning a value that can't be normalized fails with modelerrors.ErrMetricShape.
// All metrics are reset, even if one of them fails.
func (m *Model) ComputeMetrics(useTrain bool) (map[string]map[string]float64, error) {
	defer m.ResetMetrics(useTrain)
	metrics := m.metrics
	if useTrain {
		metrics = m.trainMetrics
	}
	results := make(map[string]map[string]float64)
	for idx, nodeMetrics := range metrics {
		if len(nodeMetrics) == 0 {
			continue
		}
		nodeName := m.graph.Name(idx)
		nodeResults := make(map[string]float64)
		for _, metric := range nodeMetrics {
			value, err := metric.Compute()
			if err != nil {
				return nil, errors.WithMessagef(err, "computing metric %q of node %q", metric.Name(), nodeName)
			}
			flat, err := value.Normalize(metric.Name())
			if err != nil {
				return nil, errors.WithMessagef(err, "node %q", nodeName)
			}
			for name, v := range flat {
				nodeResults[name] = v
			}
		}
		results[nodeName] = nodeResults
	}
	return results, nil
}

// ResetMetrics discards the accumulated state of the metrics, the training ones if useTrain is set.
func (m *Model) ResetMetrics(useTrain bool) {
	metrics := m.metrics
	if useTrain {
		metrics = m.trainMetrics
	}
	for _, nodeMetrics := range metrics {
		for _, metric := range nodeMetrics {
			metric.Reset()
		}
	}
}

// Metrics returns the evaluation metrics attached to the node, in declaration order.
func (m *Model) Metrics(nodeName string) []attached.Metric {
	idx, found := m.graph.Index(nodeName)
	if !found {
		return nil
	}
	return m.metrics[idx]
}

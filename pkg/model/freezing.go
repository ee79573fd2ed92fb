// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/modelgraph/pkg/config"
	"github.com/gomlx/modelgraph/pkg/nodes"
)

// FrozenNode is a node whose parameters are not trained before UnfreezeEpoch.
type FrozenNode struct {
	Node          string
	UnfreezeEpoch int
}

// FreezeSchedule lists the frozen nodes, in declaration order.
type FreezeSchedule []FrozenNode

// newFreezeSchedule collects the nodes with an active freezing configuration.
func newFreezeSchedule(cfg *config.Config) FreezeSchedule {
	var schedule FreezeSchedule
	for ii := range cfg.Model.Nodes {
		nodeCfg := &cfg.Model.Nodes[ii]
		if !nodeCfg.Freezing.Active {
			continue
		}
		schedule = append(schedule, FrozenNode{
			Node:          nodeCfg.ID(),
			UnfreezeEpoch: nodeCfg.Freezing.UnfreezeAfter.Resolve(cfg.Trainer.Epochs),
		})
	}
	return schedule
}

// Frozen returns the names of the nodes frozen at the given epoch.
func (s FreezeSchedule) Frozen(epoch int) []string {
	var names []string
	for _, f := range s {
		if epoch < f.UnfreezeEpoch {
			names = append(names, f.Node)
		}
	}
	return names
}

// IsFrozen returns whether the node is frozen at the given epoch.
func (s FreezeSchedule) IsFrozen(node string, epoch int) bool {
	for _, f := range s {
		if f.Node == node {
			return epoch < f.UnfreezeEpoch
		}
	}
	return false
}

// FreezeSchedule of the model.
func (m *Model) FreezeSchedule() FreezeSchedule { return m.freezeSchedule }

// TrainableParameters returns the parameters (keyed as in StateDict) of the nodes not frozen at the given epoch.
func (m *Model) TrainableParameters(epoch int) map[string]*tensors.Tensor {
	frozen := sets.MakeWith(m.freezeSchedule.Frozen(epoch)...)
	params := make(map[string]*tensors.Tensor)
	for idx, node := range m.nodes {
		nodeName := m.graph.Name(idx)
		if frozen.Has(nodeName) {
			continue
		}
		parametric, ok := node.(nodes.Parametric)
		if !ok {
			continue
		}
		for param, t := range parametric.Parameters() {
			params[ParameterName(nodeName, param)] = t
		}
	}
	return params
}

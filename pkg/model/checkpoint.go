// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/modelgraph/pkg/checkpoints"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StateDictPrefix is the prefix of all parameter names of a model: "nodes.<node>.<parameter>".
const StateDictPrefix = "nodes."

// ParameterName returns the state dict key of the parameter of a node.
func ParameterName(nodeName, param string) string {
	return StateDictPrefix + nodeName + "." + param
}

// StateDict returns the live parameters of all nodes, keyed by ParameterName.
// Changing the contents of the tensors changes the model.
func (m *Model) StateDict() map[string]*tensors.Tensor {
	state := make(map[string]*tensors.Tensor)
	for idx, node := range m.nodes {
		parametric, ok := node.(nodes.Parametric)
		if !ok {
			continue
		}
		for param, t := range parametric.Parameters() {
			state[ParameterName(m.graph.Name(idx), param)] = t
		}
	}
	return state
}

// LoadStateDict copies the saved values into the model parameters, best-effort: see checkpoints.Restore.
func (m *Model) LoadStateDict(saved map[string]*tensors.Tensor) *checkpoints.Report {
	return checkpoints.Restore(saved, m.StateDict())
}

// LoadCheckpoint reads the checkpoint at path (its base path, or the path of its ".json" or ".bin" file)
// and loads its state dict into the model.
//
// Only a checkpoint without a state dict, or files that can't be read, are errors: mismatched keys are
// logged and reported.
func (m *Model) LoadCheckpoint(path string) (*checkpoints.Report, error) {
	basePath := strings.TrimSuffix(strings.TrimSuffix(path, checkpoints.JsonNameSuffix), checkpoints.BinDataSuffix)
	artifact, err := checkpoints.Read(basePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading weights of %s", m)
	}
	report := m.LoadStateDict(artifact.StateDict)
	klog.Infof("Loaded checkpoint from %q: %s", path, report)
	return report, nil
}

// Artifact returns a checkpoint artifact holding the current state of the model.
func (m *Model) Artifact(epoch int, globalStep int64, monitored map[string]float64) *checkpoints.Artifact {
	return &checkpoints.Artifact{
		StateDict:  m.StateDict(),
		Epoch:      epoch,
		GlobalStep: globalStep,
		Metrics:    monitored,
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/modelgraph/pkg/attached"
)

// TotalLossKey is the key of the weighted sum of all losses in the logged values.
const TotalLossKey = "loss"

// ReduceLosses returns the weighted sum of the losses, and a flat mapping of the values to log.
//
// losses and weights are indexed by node name and loss name; missing weights default to 1.0.
// Each loss is logged weighted as "loss/<node>/<loss>". If logSubLosses is set, the sublosses are logged
// (weighted by the weight of their loss) as "loss/<node>/<loss>/<subloss>", they are not added to the total.
// The total is logged as TotalLossKey.
//
// The inputs are not modified, and the sum is accumulated in sorted key order, so the result is
// deterministic.
func ReduceLosses(losses map[string]map[string]attached.LossValue, weights map[string]map[string]float64,
	logSubLosses bool) (total float64, log map[string]float64) {
	log = make(map[string]float64)
	for _, nodeName := range xslices.SortedKeys(losses) {
		nodeLosses := losses[nodeName]
		for _, lossName := range xslices.SortedKeys(nodeLosses) {
			value := nodeLosses[lossName]
			weight := 1.0
			if w, found := weights[nodeName][lossName]; found {
				weight = w
			}
			weighted := value.Value * weight
			total += weighted
			key := "loss/" + nodeName + "/" + lossName
			log[key] = weighted
			if logSubLosses && value.Kind == attached.LossWithSublosses {
				for subName, subValue := range value.Sublosses {
					log[key+"/"+subName] = subValue * weight
				}
			}
		}
	}
	log[TotalLossKey] = total
	return total, log
}

// ProcessLosses reduces the losses of a forward pass with the configured weights and
// the trainer.log_sub_losses option.
func (m *Model) ProcessLosses(losses map[string]map[string]attached.LossValue) (total float64, log map[string]float64) {
	return ReduceLosses(losses, m.lossWeights, m.cfg.Trainer.LogSubLosses)
}

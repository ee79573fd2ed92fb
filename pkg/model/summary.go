// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/modelgraph/internal/tables"
	"github.com/gomlx/modelgraph/pkg/nodes"
	"github.com/gomlx/modelgraph/pkg/packet"
)

// NodeSummary describes one node of the model.
type NodeSummary struct {
	Name, Type string

	// Inputs are the predecessor names, or the raw inputs for input nodes.
	Inputs []string

	OutputShapes packet.ShapePacket

	NumParameters  int
	ParameterBytes uintptr

	// UnfreezeEpoch is -1 for nodes that are never frozen.
	UnfreezeEpoch int

	IsOutput bool

	// Attached lists the attached modules, as "<kind>:<name>".
	Attached []string
}

// Summary describes the nodes of the model, in execution order.
func (m *Model) Summary() []NodeSummary {
	unfreeze := make(map[string]int, len(m.freezeSchedule))
	for _, f := range m.freezeSchedule {
		unfreeze[f.Node] = f.UnfreezeEpoch
	}
	rows := make([]NodeSummary, 0, len(m.order))
	for _, idx := range m.order {
		name := m.graph.Name(idx)
		row := NodeSummary{
			Name:          name,
			Type:          m.types[idx],
			OutputShapes:  m.outputShapes[idx],
			UnfreezeEpoch: -1,
			IsOutput:      m.isOutput[idx],
		}
		if m.graph.IsInput(idx) {
			row.Inputs = m.loaderInputs[idx]
		} else {
			for _, predIdx := range m.graph.Predecessors(idx) {
				row.Inputs = append(row.Inputs, m.graph.Name(predIdx))
			}
		}
		if parametric, ok := m.nodes[idx].(nodes.Parametric); ok {
			for _, t := range parametric.Parameters() {
				row.NumParameters += t.Size()
				row.ParameterBytes += t.Memory()
			}
		}
		if epoch, found := unfreeze[name]; found {
			row.UnfreezeEpoch = epoch
		}
		for _, loss := range m.losses[idx] {
			row.Attached = append(row.Attached, "loss:"+loss.Name())
		}
		for _, metric := range m.metrics[idx] {
			row.Attached = append(row.Attached, "metric:"+metric.Name())
		}
		for _, visualizer := range m.visualizers[idx] {
			row.Attached = append(row.Attached, "visualizer:"+visualizer.Name())
		}
		rows = append(rows, row)
	}
	return rows
}

// SummaryTable renders the Summary as a table, with the output nodes highlighted.
func (m *Model) SummaryTable() string {
	table := tables.New([]string{"node", "type", "inputs", "outputs", "# params", "bytes", "frozen", "attached"},
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	var totalParams int
	var totalBytes uintptr
	for _, row := range m.Summary() {
		frozen := "-"
		if row.UnfreezeEpoch >= 0 {
			frozen = fmt.Sprintf("until epoch %d", row.UnfreezeEpoch)
		}
		table.HighlightedRow(row.IsOutput,
			row.Name, row.Type, strings.Join(row.Inputs, ", "), row.OutputShapes.String(),
			humanize.Comma(int64(row.NumParameters)), humanize.Bytes(uint64(row.ParameterBytes)),
			frozen, strings.Join(row.Attached, ", "))
		totalParams += row.NumParameters
		totalBytes += row.ParameterBytes
	}
	table.Row("total", "", "", "", humanize.Comma(int64(totalParams)), humanize.Bytes(uint64(totalBytes)), "", "")
	return fmt.Sprintf("%s\n%s", tables.TitleStyle.Render(m.cfg.Model.Name), table.Render())
}

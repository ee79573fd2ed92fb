// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tables renders the plain terminal tables used by summaries and reports.
package tables

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	highlightRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
				Bold(true).
				PaddingLeft(1).PaddingRight(1)

	// TitleStyle is used for the titles printed above tables.
	TitleStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Table is a lipgloss table with alternating row styles, where some rows can be highlighted.
type Table struct {
	Table       *lgtable.Table
	count       int
	highlighted map[int]bool
}

// New creates a table. The alignments are given per column; the last one is used for the remaining columns.
func New(headers []string, alignments ...lipgloss.Position) *Table {
	t := &Table{highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.highlighted[row]:
				s = highlightRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	if len(headers) > 0 {
		t.Table.Headers(headers...)
	}
	return t
}

// Row adds a row.
func (t *Table) Row(row ...string) {
	t.HighlightedRow(false, row...)
}

// HighlightedRow adds a row, highlighted if highlight is true.
func (t *Table) HighlightedRow(highlight bool, row ...string) {
	if highlight {
		t.highlighted[t.count] = true
	}
	t.Table.Row(row...)
	t.count++
}

// Len returns the number of rows added.
func (t *Table) Len() int { return t.count }

// Render the table.
func (t *Table) Render() string {
	return t.Table.Render()
}

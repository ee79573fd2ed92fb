// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline draws the progress of training and evaluation epochs on the terminal.
package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// Stat is one named value displayed under the progress bar.
type Stat struct {
	Name, Value string
}

type progressBarUpdate struct {
	amount int
	stats  []Stat
}

// ProgressBar displays a progress bar followed by a table of stats. Updates are drawn asynchronously, so
// the loop is not slowed down by a slow terminal.
type ProgressBar struct {
	bar           *progressbar.ProgressBar
	out           io.Writer
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	lastNumLines  int

	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	doneOnce         sync.Once
}

// New creates and starts a ProgressBar on os.Stdout for numSteps steps. If numSteps is unknown, use -1.
func New(description string, numSteps int) *ProgressBar {
	return NewWithWriter(os.Stdout, description, numSteps)
}

// NewWithWriter creates and starts a ProgressBar writing to out.
func NewWithWriter(out io.Writer, description string, numSteps int) *ProgressBar {
	pBar := &ProgressBar{
		out:           out,
		isFirstOutput: true,
		termenv:       termenv.NewOutput(out),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(out),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// drawUpdates draws the enqueued updates, merging those that arrive faster than maxUpdateFrequency.
func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update.stats = newUpdate.stats
			default:
				break exhaust
			}
		}

		// Clear the previous stats table, it will be overwritten.
		if !pBar.isFirstOutput && pBar.lastNumLines > 0 {
			pBar.termenv.ClearLines(pBar.lastNumLines)
		}
		pBar.isFirstOutput = false

		_ = pBar.bar.Add(amount)
		pBar.lastNumLines = 0
		if len(update.stats) > 0 {
			pBar.statsTable.Data(lgtable.NewStringData())
			for _, stat := range update.stats {
				pBar.statsTable.Row(stat.Name, stat.Value)
			}
			_, _ = fmt.Fprintln(pBar.out)
			_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
			pBar.lastNumLines = len(update.stats) + 1 + 2
		}
		time.Sleep(maxUpdateFrequency)
	}
}

// Update advances the bar by amount steps and replaces the displayed stats.
func (pBar *ProgressBar) Update(amount int, stats ...Stat) {
	pBar.updates <- progressBarUpdate{amount: amount, stats: stats}
}

// Done waits for the pending updates to be drawn and finishes the display. It can be called more than once.
func (pBar *ProgressBar) Done() {
	pBar.doneOnce.Do(func() {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		_ = pBar.bar.Finish()
		_, _ = fmt.Fprintln(pBar.out)
	})
}

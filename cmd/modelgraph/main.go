// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// modelgraph builds a model graph from its YAML configuration and reports on it, or on its checkpoints.
//
// Usage:
//
//	modelgraph -config model.yaml -input image=1,3,32,32 summary [key value ...]
//	modelgraph -config model.yaml -input image=1,3,32,32 export [key value ...]
//	modelgraph -config model.yaml -input image=1,3,32,32 forward [key value ...]
//	modelgraph -checkpoint dir checkpoints
//
// The optional trailing pairs override configuration values, e.g. "trainer.epochs 20" or
// "model.nodes.0.params.out_features 8".
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/modelgraph/internal/tables"
	"github.com/gomlx/modelgraph/pkg/checkpoints"
	"github.com/gomlx/modelgraph/pkg/config"
	"github.com/gomlx/modelgraph/pkg/model"
	"github.com/gomlx/modelgraph/pkg/tracking"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig     = flag.String("config", "", "Path to the YAML configuration of the model.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory with checkpoints, for the \"checkpoints\" command.")
	flagWeights    = flag.String("weights", "", "Checkpoint to load into the model, overrides model.weights.")
	flagInputs     = inputsFlag{}
)

func init() {
	flag.Var(flagInputs, "input", "Shape of a raw model input, as \"name=d0,d1,...\", with the batch axis first. "+
		"It can be repeated.")
}

const usage = `Usage: modelgraph [flags] <summary|export|forward|checkpoints> [key value ...]

Commands:
  summary      builds the model and prints its nodes.
  export       prints the outputs of the model traced for export, in order.
  forward      runs the model once on zero inputs and prints how the packets were cached.
  checkpoints  lists the checkpoints in -checkpoint.

Flags:
`

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing command. See 'modelgraph -help'.")
		os.Exit(1)
	}
	command, overrides := args[0], args[1:]
	var err error
	switch command {
	case "summary":
		err = summary(must.M1(buildModel(overrides)))
	case "export":
		err = export(must.M1(buildModel(overrides)))
	case "forward":
		err = forward(must.M1(buildModel(overrides)))
	case "checkpoints":
		err = listCheckpoints(*flagCheckpoint)
	default:
		err = errors.Errorf("unknown command %q, see 'modelgraph -help'", command)
	}
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// buildModel loads the configuration, applies the overrides and builds the model.
func buildModel(overridePairs []string) (*model.Model, error) {
	if *flagConfig == "" {
		return nil, errors.New("-config is required")
	}
	if len(flagInputs) == 0 {
		return nil, errors.New("at least one -input is required")
	}
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return nil, err
	}
	overrides, err := config.ParseOverrides(overridePairs)
	if err != nil {
		return nil, err
	}
	if *flagWeights != "" {
		overrides["model.weights"] = *flagWeights
	}
	if err = cfg.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	return model.New(cfg, flagInputs, nil)
}

func summary(m *model.Model) error {
	fmt.Println(m.SummaryTable())
	if key := m.MainMetricKey(); key != "" {
		fmt.Printf("Main metric: %s\n", key)
	}
	for _, frozen := range m.FreezeSchedule() {
		fmt.Printf("Node %q frozen until epoch %d of %d\n", frozen.Node, frozen.UnfreezeEpoch, m.Config().Trainer.Epochs)
	}
	return nil
}

func export(m *model.Model) error {
	exported, err := m.ExportOutputs(flagInputs)
	if err != nil {
		return err
	}
	table := tables.New([]string{"#", "name", "node", "slot", "index", "shape"}, lipgloss.Right, lipgloss.Left)
	for ii, key := range exported.Keys {
		table.Row(fmt.Sprintf("%d", ii), exported.Names[ii], key.Node, key.Slot, fmt.Sprintf("%d", key.Index),
			exported.Shapes[ii].String())
	}
	fmt.Printf("%s\n%s\n", tables.TitleStyle.Render("Exported outputs"), table.Render())
	return nil
}

func forward(m *model.Model) error {
	batch := &model.Batch{Inputs: make(map[string]*tensors.Tensor, len(flagInputs))}
	for name, shape := range flagInputs {
		batch.Inputs[name] = tensors.FromShape(shape)
	}
	out, err := m.Forward(batch, model.ForwardOptions{SkipLosses: true})
	if err != nil {
		return err
	}
	stats := out.Stats
	evictedAfter := make(map[string][]string)
	for _, e := range stats.Evicted {
		evictedAfter[e.After] = append(evictedAfter[e.After], fmt.Sprintf("%s (%s)", e.Node, humanize.Bytes(uint64(e.Bytes))))
	}
	table := tables.New([]string{"step", "node", "evicted", "cached"}, lipgloss.Right, lipgloss.Left)
	for ii, name := range stats.Visited {
		table.Row(fmt.Sprintf("%d", ii), name, strings.Join(evictedAfter[name], ", "), strings.Join(stats.Live[ii], ", "))
	}
	fmt.Printf("%s\n%s\n", tables.TitleStyle.Render("Forward pass"), table.Render())
	fmt.Printf("Peak: %d packets, %s\n", stats.PeakCached, humanize.Bytes(uint64(stats.PeakBytes)))
	for _, key := range out.OutputKeys() {
		t := out.Outputs[key.Node][key.Slot][key.Index]
		fmt.Printf("Output %s: %s\n", key, t.Shape())
	}
	return nil
}

// listCheckpoints prints the checkpoints in dir and in its subdirectories with the best checkpoints.
func listCheckpoints(dir string) error {
	if dir == "" {
		return errors.New("-checkpoint is required")
	}
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "checkpoint directory %q", dir)
	}
	dirs := []string{dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "reading %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(dir, entry.Name()))
		}
	}
	table := tables.New([]string{"directory", "checkpoint", "epoch", "global step", "# tensors", "# params", "bytes", "metrics"},
		lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	for _, checkpointDir := range dirs {
		handler, err := checkpoints.Build(checkpointDir).Keep(-1).Done()
		if err != nil {
			return err
		}
		names, err := handler.ListCheckpoints()
		if err != nil {
			return err
		}
		for _, name := range names {
			artifact, err := checkpoints.Read(filepath.Join(checkpointDir, name))
			if err != nil {
				return err
			}
			var numParams int
			var numBytes uintptr
			for _, t := range artifact.StateDict {
				numParams += t.Size()
				numBytes += t.Memory()
			}
			relDir, _ := filepath.Rel(dir, checkpointDir)
			table.Row(relDir, name, fmt.Sprintf("%d", artifact.Epoch), humanize.Comma(artifact.GlobalStep),
				humanize.Comma(int64(len(artifact.StateDict))), humanize.Comma(int64(numParams)),
				humanize.Bytes(uint64(numBytes)), tracking.FormatValues(artifact.Metrics))
		}
	}
	if table.Len() == 0 {
		fmt.Printf("No checkpoints in %q\n", dir)
		return nil
	}
	fmt.Printf("%s\n%s\n", tables.TitleStyle.Render("Checkpoints"), table.Render())
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the declarative description of a model (its nodes and attached modules), of the
// trainer and of the exporter, as read from YAML (or JSON) files.
//
// Example:
//
//	model:
//	  name: tiny
//	  nodes:
//	    - name: Linear
//	      alias: backbone
//	      loader_inputs: [image]
//	      params: {out_features: 8}
//	    - name: Linear
//	      alias: head
//	      inputs: [backbone]
//	      params: {out_features: 1}
//	      freezing: {active: true, unfreeze_after: 0.5}
//	  losses:
//	    - name: MSELoss
//	      attached_to: head
//	  metrics:
//	    - name: MeanSquaredError
//	      attached_to: head
//	      is_main_metric: true
//	trainer:
//	  epochs: 10
package config

import (
	"os"

	"github.com/gomlx/modelgraph/pkg/modelerrors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model" json:"model"`
	Trainer  TrainerConfig  `yaml:"trainer" json:"trainer"`
	Exporter ExporterConfig `yaml:"exporter" json:"exporter"`
}

// ModelConfig describes the model graph.
type ModelConfig struct {
	Name string `yaml:"name" json:"name"`

	// Weights is an optional checkpoint to load after the model is built.
	Weights string `yaml:"weights,omitempty" json:"weights,omitempty"`

	Nodes       []NodeConfig     `yaml:"nodes" json:"nodes"`
	Losses      []AttachedConfig `yaml:"losses,omitempty" json:"losses,omitempty"`
	Metrics     []AttachedConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Visualizers []AttachedConfig `yaml:"visualizers,omitempty" json:"visualizers,omitempty"`

	// Outputs overrides the default outputs of the model, the nodes not used as input by any other node.
	Outputs []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// NodeConfig describes one node of the graph.
type NodeConfig struct {
	// Name is the registered node type.
	Name string `yaml:"name" json:"name"`

	// Alias is the name of the node in the graph, defaults to Name.
	Alias string `yaml:"alias,omitempty" json:"alias,omitempty"`

	// Inputs are the names of the predecessor nodes, in the order the node receives them.
	Inputs []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// LoaderInputs are the raw model inputs consumed by an input node. If empty, an input node consumes
	// all the raw inputs.
	LoaderInputs []string `yaml:"loader_inputs,omitempty" json:"loader_inputs,omitempty"`

	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Freezing FreezingConfig `yaml:"freezing,omitempty" json:"freezing,omitempty"`
}

// ID returns the name of the node in the graph: its alias if set, otherwise its type name.
func (n *NodeConfig) ID() string {
	if n.Alias != "" {
		return n.Alias
	}
	return n.Name
}

// FreezingConfig describes whether a node is frozen at the start of training.
type FreezingConfig struct {
	Active bool `yaml:"active,omitempty" json:"active,omitempty"`

	// UnfreezeAfter is the epoch, or fraction of the epochs, after which the node is trained.
	// If not set, the node stays frozen for the whole training.
	UnfreezeAfter UnfreezeAfter `yaml:"unfreeze_after,omitempty" json:"unfreeze_after,omitempty"`
}

// AttachedConfig describes a loss, a metric or a visualizer.
type AttachedConfig struct {
	// Name is the registered module type.
	Name string `yaml:"name" json:"name"`

	// AttachedTo is the name (alias) of the node the module is attached to.
	AttachedTo string `yaml:"attached_to" json:"attached_to"`

	// Alias is the name of the module, defaults to Name.
	Alias string `yaml:"alias,omitempty" json:"alias,omitempty"`

	// Weight of a loss, defaults to 1.0.
	Weight *float64 `yaml:"weight,omitempty" json:"weight,omitempty"`

	// IsMainMetric marks the metric used to select the best checkpoints. At most one metric can be marked.
	IsMainMetric bool `yaml:"is_main_metric,omitempty" json:"is_main_metric,omitempty"`

	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// ID returns the name of the module: its alias if set, otherwise its type name.
func (a *AttachedConfig) ID() string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.Name
}

// LossWeight returns the configured weight, or 1.0 if not set.
func (a *AttachedConfig) LossWeight() float64 {
	if a.Weight == nil {
		return 1.0
	}
	return *a.Weight
}

// TrainerConfig holds the options of the outer training loop used by the model.
type TrainerConfig struct {
	Epochs int `yaml:"epochs" json:"epochs"`

	// LogSubLosses includes the sublosses in the logged losses.
	LogSubLosses bool `yaml:"log_sub_losses" json:"log_sub_losses"`

	// NumLogImages is the maximum number of visualization images logged per evaluation.
	NumLogImages int `yaml:"num_log_images" json:"num_log_images"`

	// TrainMetricsInterval is the interval of epochs in which metrics are also computed on the training data.
	// -1 disables it.
	TrainMetricsInterval int `yaml:"train_metrics_interval" json:"train_metrics_interval"`

	// ValidationInterval is the interval of epochs in which the model is evaluated.
	ValidationInterval int `yaml:"validation_interval" json:"validation_interval"`

	// SaveTopK is the number of best checkpoints kept on disk for each monitored value.
	SaveTopK int `yaml:"save_top_k" json:"save_top_k"`

	Verbose bool `yaml:"verbose" json:"verbose"`
}

// ExporterConfig holds the export options.
type ExporterConfig struct {
	// OutputNames overrides the default names of the exported outputs.
	// It is ignored (with a warning) if its length doesn't match the number of outputs.
	OutputNames []string `yaml:"output_names,omitempty" json:"output_names,omitempty"`
}

// Default returns a configuration with the default values and an empty model.
func Default() *Config {
	return &Config{
		Trainer: TrainerConfig{
			Epochs:               100,
			LogSubLosses:         true,
			NumLogImages:         4,
			TrainMetricsInterval: -1,
			ValidationInterval:   1,
			SaveTopK:             3,
		},
	}
}

// Parse YAML (or JSON) contents over the default configuration. It doesn't validate it, see Config.Validate.
func Parse(contents []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(modelerrors.ErrConfiguration, "parsing configuration: %v", err)
	}
	return cfg, nil
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration from %q", path)
	}
	cfg, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return cfg, nil
}

// Marshal returns the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

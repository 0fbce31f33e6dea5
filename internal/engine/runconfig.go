package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimePolicy tunes one run. Zero values mean engine defaults.
type RuntimePolicy struct {
	TimeoutMS     int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxIteration  int `json:"max_iteration,omitempty" yaml:"max_iteration,omitempty"`
	MaxParallel   int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	GracePeriodMS int `json:"grace_period_ms,omitempty" yaml:"grace_period_ms,omitempty"`
}

// RunConfig is the declarative run description accepted by the CLI:
// which diagram to execute, with what variables, under what policy.
type RunConfig struct {
	Version   int            `json:"version" yaml:"version"`
	Diagram   string         `json:"diagram" yaml:"diagram"`
	Input     string         `json:"input,omitempty" yaml:"input,omitempty"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`

	State struct {
		DB string `json:"db,omitempty" yaml:"db,omitempty"`
	} `json:"state,omitempty" yaml:"state,omitempty"`

	Runtime RuntimePolicy `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// Timeout converts the configured run deadline. Zero means none.
func (c *RunConfig) Timeout() time.Duration {
	return time.Duration(c.Runtime.TimeoutMS) * time.Millisecond
}

// GracePeriod converts the configured abort grace window. Zero means
// the engine default.
func (c *RunConfig) GracePeriod() time.Duration {
	return time.Duration(c.Runtime.GracePeriodMS) * time.Millisecond
}

// LoadRunConfig reads a run config from a YAML or JSON file. Unknown
// fields are rejected so typos fail loudly instead of being ignored.
func LoadRunConfig(path string) (*RunConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeRunConfigJSON(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse run config %s: %w", path, err)
		}
	default:
		if err := decodeRunConfigYAML(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse run config %s: %w", path, err)
		}
	}
	applyRunConfigDefaults(&cfg)
	if err := validateRunConfig(&cfg); err != nil {
		return nil, fmt.Errorf("run config %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeRunConfigJSON(b []byte, cfg *RunConfig) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeRunConfigYAML(b []byte, cfg *RunConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyRunConfigDefaults(cfg *RunConfig) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Variables == nil {
		cfg.Variables = map[string]any{}
	}
	cfg.Diagram = strings.TrimSpace(cfg.Diagram)
	cfg.State.DB = strings.TrimSpace(cfg.State.DB)
}

func validateRunConfig(cfg *RunConfig) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version %d", cfg.Version)
	}
	if cfg.Diagram == "" {
		return fmt.Errorf("diagram is required")
	}
	if cfg.Runtime.TimeoutMS < 0 {
		return fmt.Errorf("runtime.timeout_ms must not be negative")
	}
	if cfg.Runtime.MaxIteration < 0 {
		return fmt.Errorf("runtime.max_iteration must not be negative")
	}
	if cfg.Runtime.MaxParallel < 0 {
		return fmt.Errorf("runtime.max_parallel must not be negative")
	}
	if cfg.Runtime.GracePeriodMS < 0 {
		return fmt.Errorf("runtime.grace_period_ms must not be negative")
	}
	return nil
}

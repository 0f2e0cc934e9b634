package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// TargetConfig is an immutable snapshot of one target's configuration file.
// Reloading the file produces a new snapshot; existing snapshots are never mutated.
type TargetConfig struct {
	Env            string            `yaml:"env" validate:"required"`
	SiteName       string            `yaml:"siteName" validate:"required"`
	LocalRepoPath  string            `yaml:"localRepoPath"`
	Deployment     DeploymentSection `yaml:"deployment"`
	LifecycleHooks LifecycleHooks    `yaml:"lifecycleHooks"`

	// SourcePath is the file the snapshot was read from (empty for programmatic configs)
	SourcePath string `yaml:"-"`
}

// DeploymentSection configures scheduling and the processor pipeline
type DeploymentSection struct {
	Scheduling Scheduling        `yaml:"scheduling"`
	Pipeline   []ProcessorConfig `yaml:"pipeline"`
}

// Scheduling configures the cron trigger of a target
type Scheduling struct {
	Enabled        bool   `yaml:"enabled"`
	CronExpression string `yaml:"cronExpression" validate:"required_if=Enabled true"`
}

// LifecycleHooks lists hook names run at target creation and deletion
type LifecycleHooks struct {
	Create []string `yaml:"create"`
	Delete []string `yaml:"delete"`
}

type targetFile struct {
	Target TargetConfig `yaml:"target"`
}

// TargetID derives the stable identifier of a target from its site and environment
func TargetID(env, siteName string) string {
	return siteName + "-" + env
}

// ID returns the target identifier
func (c TargetConfig) ID() string {
	return TargetID(c.Env, c.SiteName)
}

// PipelineConfig returns a deep copy of the pipeline entries
func (c TargetConfig) PipelineConfig() []ProcessorConfig {
	out := make([]ProcessorConfig, len(c.Deployment.Pipeline))
	for i, p := range c.Deployment.Pipeline {
		out[i] = p.Clone()
	}
	return out
}

// WithDefaults returns a copy with the local repository path defaulted under reposDir
func (c TargetConfig) WithDefaults(reposDir string) TargetConfig {
	if c.LocalRepoPath == "" && reposDir != "" {
		c.LocalRepoPath = filepath.Join(reposDir, c.SiteName)
	}
	c.Deployment.Pipeline = c.PipelineConfig()
	return c
}

// Validate checks required fields and every pipeline entry
func (c TargetConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid target config: %w", err)
	}

	var errs []error
	for i, p := range c.Deployment.Pipeline {
		if p.Name() == "" {
			errs = append(errs, fmt.Errorf("pipeline entry %d: %s is required", i, KeyProcessorName))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid target config %s: %w", c.ID(), errors.Join(errs...))
	}
	return nil
}

// ParseTarget decodes a target YAML document
func ParseTarget(data []byte) (TargetConfig, error) {
	var f targetFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return TargetConfig{}, fmt.Errorf("failed to parse target config: %w", err)
	}

	cfg := f.Target
	if err := cfg.Validate(); err != nil {
		return TargetConfig{}, err
	}
	return cfg, nil
}

// LoadTargetFile reads and validates a target YAML file
func LoadTargetFile(path string) (TargetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TargetConfig{}, fmt.Errorf("failed to read target config %s: %w", path, err)
	}

	cfg, err := ParseTarget(data)
	if err != nil {
		return TargetConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.SourcePath = path
	return cfg, nil
}

// IsTargetFile reports whether a path looks like a target config file
func IsTargetFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	base := filepath.Base(path)
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(base, ".")
}

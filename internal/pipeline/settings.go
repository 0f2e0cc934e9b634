package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/deployment"
)

// Cluster modes accepted by runInClusterMode
const (
	ClusterModeAlways  = "always"
	ClusterModePrimary = "primary"
	ClusterModeReplica = "replica"
)

// Settings are the chain options every processor accepts, parsed once at build time
type Settings struct {
	Name                    string
	Label                   string
	JumpTo                  string
	Include                 []*regexp.Regexp
	Exclude                 []*regexp.Regexp
	AlwaysRun               bool
	FailDeploymentOnFailure bool
	ClusterMode             string
	// Source processors produce the change set, so they run on an empty one
	Source bool
}

// ParseSettings reads the common keys of a pipeline entry. failDefault is the processor's
// own default for failDeploymentOnFailure.
func ParseSettings(cfg config.ProcessorConfig, failDefault bool) (Settings, error) {
	s := Settings{
		Name:                    cfg.Name(),
		Label:                   cfg.Label(),
		JumpTo:                  cfg.String(config.KeyJumpTo, ""),
		AlwaysRun:               cfg.Bool(config.KeyAlwaysRun, false),
		FailDeploymentOnFailure: cfg.Bool(config.KeyFailDeploymentOnFailure, failDefault),
		ClusterMode:             strings.ToLower(cfg.String(config.KeyRunInClusterMode, ClusterModeAlways)),
	}

	var err error
	if s.Include, err = compilePatterns(cfg.Strings(config.KeyIncludeFiles)); err != nil {
		return Settings{}, fmt.Errorf("%s: invalid %s: %w", s.Name, config.KeyIncludeFiles, err)
	}
	if s.Exclude, err = compilePatterns(cfg.Strings(config.KeyExcludeFiles)); err != nil {
		return Settings{}, fmt.Errorf("%s: invalid %s: %w", s.Name, config.KeyExcludeFiles, err)
	}

	switch s.ClusterMode {
	case ClusterModeAlways, ClusterModePrimary, ClusterModeReplica:
	default:
		return Settings{}, fmt.Errorf("%s: invalid %s %q", s.Name, config.KeyRunInClusterMode, s.ClusterMode)
	}

	return s, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		// patterns match the whole path
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// HasFilters reports whether include or exclude patterns are configured
func (s Settings) HasFilters() bool {
	return len(s.Include) > 0 || len(s.Exclude) > 0
}

// Accepts reports whether a path survives the include and exclude patterns
func (s Settings) Accepts(path string) bool {
	if len(s.Include) > 0 && !matchesAny(s.Include, path) {
		return false
	}
	return len(s.Exclude) == 0 || !matchesAny(s.Exclude, path)
}

// Filter applies the patterns to every list of the change set. Without patterns the
// same change set is returned.
func (s Settings) Filter(cs *deployment.ChangeSet) *deployment.ChangeSet {
	if cs == nil || !s.HasFilters() {
		return cs
	}
	return cs.Filter(s.Accepts)
}

func matchesAny(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

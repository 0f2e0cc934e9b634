// Package pipeline runs a target's ordered processor chain over a deployment.
//
// Processors implement a small capability interface. The filtering, jump-to and phase
// rules live in a single wrapper (Step) around each processor, and the Pipeline
// orchestrates the steps, acting as the backstop for every processor error.
package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/deployment"
)

// Phase separates processors that act on the change set from those that report afterwards
type Phase int

const (
	// PhaseMain processors consume the change set and can fail the deployment
	PhaseMain Phase = iota
	// PhasePost processors run once the main phase is over, typically for notification
	PhasePost
)

func (p Phase) String() string {
	if p == PhasePost {
		return "post"
	}
	return "main"
}

// Input is what a processor sees on one invocation
type Input struct {
	Deployment *deployment.Deployment
	// ChangeSet is the deployment's change set after this processor's include/exclude filters
	ChangeSet *deployment.ChangeSet
	// Execution is the audit record of this invocation; nil for post-phase processors
	Execution *deployment.ProcessorExecution
}

// Processor is one unit of work in a pipeline.
//
// Execute may return a new change set, which replaces the deployment's change set for
// every later processor. Returning nil keeps the current one.
type Processor interface {
	Execute(ctx context.Context, in Input) (*deployment.ChangeSet, error)
	SupportsMode(mode deployment.Mode) bool
	Destroy() error
}

// BuildContext carries what factories know about the target being built
type BuildContext struct {
	Target        deployment.TargetRef
	LocalRepoPath string
	Log           zerolog.Logger
}

// Factory builds a configured processor from one pipeline entry
type Factory func(bc BuildContext, cfg config.ProcessorConfig) (Processor, error)

// ModeSet is a helper for SupportsMode implementations
type ModeSet []deployment.Mode

// Contains reports whether mode is in the set. An empty set supports every mode.
func (s ModeSet) Contains(mode deployment.Mode) bool {
	if len(s) == 0 {
		return true
	}
	for _, m := range s {
		if m == mode {
			return true
		}
	}
	return false
}

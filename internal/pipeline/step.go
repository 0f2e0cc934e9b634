package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/deployment"
)

// Step wraps a processor with the chain rules: jump-to suppression, path filtering,
// the phase run predicate, execution bookkeeping and change set replacement.
type Step struct {
	settings  Settings
	phase     Phase
	processor Processor
	log       zerolog.Logger
}

// NewStep wraps a configured processor
func NewStep(settings Settings, phase Phase, processor Processor, log zerolog.Logger) *Step {
	return &Step{
		settings:  settings,
		phase:     phase,
		processor: processor,
		log: log.With().
			Str("processor", settings.Name).
			Str("phase", phase.String()).
			Logger(),
	}
}

// Name returns the processor name
func (s *Step) Name() string {
	return s.settings.Name
}

// Phase returns the processor phase
func (s *Step) Phase() Phase {
	return s.phase
}

// Settings returns the parsed chain options
func (s *Step) Settings() Settings {
	return s.settings
}

// Processor returns the wrapped processor
func (s *Step) Processor() Processor {
	return s.processor
}

// Execute runs the processor against the deployment if the chain rules allow it.
// Skipped steps leave no trace on the deployment. Processor errors and panics are
// returned after being recorded.
func (s *Step) Execute(ctx context.Context, d *deployment.Deployment) error {
	if s.phase == PhaseMain && s.suppressedByJump(d) {
		return nil
	}

	current := d.ChangeSet()
	filtered := s.settings.Filter(current)

	if !s.shouldExecute(d, current, filtered) {
		s.log.Debug().Str("deployment", d.ID()).Msg("Processor skipped")
		return nil
	}

	if s.phase == PhasePost {
		return s.executePost(ctx, d, filtered)
	}
	return s.executeMain(ctx, d, filtered)
}

// suppressedByJump applies an active jump signal; reaching the target label clears it
func (s *Step) suppressedByJump(d *deployment.Deployment) bool {
	label := d.StringParam(deployment.ParamJumpingTo)
	if label == "" {
		return false
	}
	if label != s.settings.Label {
		s.log.Debug().Str("jumping_to", label).Msg("Processor skipped by jump")
		return true
	}
	d.RemoveParam(deployment.ParamJumpingTo)
	return false
}

func (s *Step) shouldExecute(d *deployment.Deployment, current, filtered *deployment.ChangeSet) bool {
	if s.phase == PhasePost {
		return d.Status() == deployment.StatusFailure || !current.IsEmpty()
	}
	return d.IsRunning() && (s.settings.AlwaysRun || s.settings.Source || !filtered.IsEmpty())
}

func (s *Step) executeMain(ctx context.Context, d *deployment.Deployment, filtered *deployment.ChangeSet) error {
	exec := deployment.NewProcessorExecution(s.settings.Name)
	d.AddExecution(exec)

	s.log.Info().Str("deployment", d.ID()).Int("files", filtered.Size()).Msg("Running processor")

	result, err := s.invoke(ctx, Input{Deployment: d, ChangeSet: filtered, Execution: exec})
	if err != nil {
		exec.Fail(err)
		if s.settings.FailDeploymentOnFailure {
			d.End(deployment.StatusFailure)
		}
		return err
	}

	exec.End(deployment.StatusSuccess)
	s.apply(d, result)
	return nil
}

func (s *Step) executePost(ctx context.Context, d *deployment.Deployment, filtered *deployment.ChangeSet) error {
	d.End(deployment.StatusSuccess)

	s.log.Info().Str("deployment", d.ID()).Str("status", string(d.Status())).Msg("Running post processor")

	result, err := s.invoke(ctx, Input{Deployment: d, ChangeSet: filtered})
	if err != nil {
		return err
	}
	s.apply(d, result)
	return nil
}

func (s *Step) apply(d *deployment.Deployment, result *deployment.ChangeSet) {
	if result != nil {
		d.SetChangeSet(result)
	}
	if s.settings.JumpTo != "" {
		d.SetParam(deployment.ParamJumpingTo, s.settings.JumpTo)
	}
}

// invoke calls the processor, converting a panic into an error
func (s *Step) invoke(ctx context.Context, in Input) (cs *deployment.ChangeSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Processor panicked")
			cs = nil
			err = fmt.Errorf("processor %s panicked: %v", s.settings.Name, r)
		}
	}()
	return s.processor.Execute(ctx, in)
}

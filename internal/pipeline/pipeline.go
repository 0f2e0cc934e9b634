package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/deployment"
)

// Cluster describes the cluster coordination state seen by a pipeline
type Cluster struct {
	Enabled bool
	// Role is ClusterModePrimary or ClusterModeReplica
	Role string
}

func (c Cluster) allows(mode string) bool {
	return !c.Enabled || mode == "" || mode == ClusterModeAlways || mode == c.Role
}

// Pipeline is the ordered, immutable processor chain of one target
type Pipeline struct {
	steps   []*Step
	cluster Cluster
	log     zerolog.Logger
}

// New assembles a pipeline from built steps. No main-phase step may follow a post-phase one.
func New(steps []*Step, cluster Cluster, log zerolog.Logger) (*Pipeline, error) {
	seenPost := false
	for i, s := range steps {
		if s.Phase() == PhasePost {
			seenPost = true
			continue
		}
		if seenPost {
			return nil, fmt.Errorf("%w: %s at position %d", ErrPhaseOrder, s.Name(), i)
		}
	}

	return &Pipeline{
		steps:   append([]*Step(nil), steps...),
		cluster: cluster,
		log:     log.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Steps returns the chain in order
func (p *Pipeline) Steps() []*Step {
	return append([]*Step(nil), p.steps...)
}

// Len returns the number of processors
func (p *Pipeline) Len() int {
	return len(p.steps)
}

// Execute runs the deployment through the chain. The first processor error ends the
// deployment with FAILURE and stops the chain; otherwise it ends with SUCCESS. A status
// already set by a processor or by an interruption is kept.
func (p *Pipeline) Execute(ctx context.Context, d *deployment.Deployment) {
	log := p.log.With().
		Str("target", d.Target().ID).
		Str("deployment", d.ID()).
		Str("mode", string(d.Mode())).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Pipeline panicked")
			d.End(deployment.StatusFailure)
		}
	}()

	d.Start()
	log.Info().Msg("Deployment started")

	for _, s := range p.steps {
		if !s.Processor().SupportsMode(d.Mode()) {
			continue
		}
		if !p.cluster.allows(s.Settings().ClusterMode) {
			log.Debug().Str("processor", s.Name()).Str("role", p.cluster.Role).Msg("Processor skipped for cluster role")
			continue
		}

		if err := s.Execute(ctx, d); err != nil {
			log.Error().Err(err).Str("processor", s.Name()).Msg("Processor failed")
			d.End(deployment.StatusFailure)
			break
		}
	}

	d.End(deployment.StatusSuccess)

	log.Info().
		Str("status", string(d.Status())).
		Dur("duration", d.Duration()).
		Int("files", d.ChangeSet().Size()).
		Msg("Deployment finished")
}

// Destroy releases every processor's resources. Failures are logged and do not stop
// the remaining processors from being destroyed.
func (p *Pipeline) Destroy() {
	for _, s := range p.steps {
		if err := destroyStep(s); err != nil {
			p.log.Warn().Err(err).Str("processor", s.Name()).Msg("Failed to destroy processor")
		}
	}
}

func destroyStep(s *Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destroy panicked: %v", r)
		}
	}()
	return s.Processor().Destroy()
}

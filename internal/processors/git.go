package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/cursor"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/gitdiff"
	"github.com/aristath/deployer/internal/gitrepo"
	"github.com/aristath/deployer/internal/pipeline"
)

var errNoCursorStore = errors.New("no processed commit store configured")

// gitPullProcessor keeps the target's local repository in sync with its remote
type gitPullProcessor struct {
	base
	path   string
	remote gitrepo.RemoteConfig
	log    zerolog.Logger
}

func newGitPullProcessor(bc pipeline.BuildContext, cfg config.ProcessorConfig) (pipeline.Processor, error) {
	if bc.LocalRepoPath == "" {
		return nil, fmt.Errorf("%s requires a local repository path", GitPull)
	}
	return &gitPullProcessor{
		path: bc.LocalRepoPath,
		remote: gitrepo.RemoteConfig{
			URL:      cfg.String("remoteRepo.url", ""),
			Branch:   cfg.String("remoteRepo.branch", ""),
			Username: cfg.String("remoteRepo.username", ""),
			Password: cfg.String("remoteRepo.password", ""),
		},
		log: bc.Log.With().Str("processor", GitPull).Logger(),
	}, nil
}

func (p *gitPullProcessor) Execute(ctx context.Context, in pipeline.Input) (*deployment.ChangeSet, error) {
	_, res, err := gitrepo.Sync(ctx, p.path, p.remote)
	if err != nil {
		return nil, err
	}

	p.log.Info().
		Bool("cloned", res.WasCloned).
		Str("old_head", res.OldHead).
		Str("new_head", res.NewHead).
		Msg("Local repository synced")

	in.Execution.SetStatusDetail(map[string]interface{}{
		"cloned":   res.WasCloned,
		"old_head": res.OldHead,
		"new_head": res.NewHead,
	})
	return nil, nil
}

// gitDiffProcessor computes the deployment's change set from the processed commit cursor
type gitDiffProcessor struct {
	base
	path     string
	detector *gitdiff.Detector
	opts     gitdiff.Options
}

func gitDiffFactory(store cursor.Store) pipeline.Factory {
	return func(bc pipeline.BuildContext, cfg config.ProcessorConfig) (pipeline.Processor, error) {
		if store == nil {
			return nil, errNoCursorStore
		}
		if bc.LocalRepoPath == "" {
			return nil, fmt.Errorf("%s requires a local repository path", GitDiff)
		}
		return &gitDiffProcessor{
			path:     bc.LocalRepoPath,
			detector: gitdiff.NewDetector(store, bc.Log),
			opts: gitdiff.Options{
				UpdateCursor: cfg.Bool("updateCommitId", true),
				IncludeLog:   cfg.Bool("includeGitLog", false),
			},
		}, nil
	}
}

func (p *gitDiffProcessor) Execute(ctx context.Context, in pipeline.Input) (*deployment.ChangeSet, error) {
	repo, err := gitrepo.Open(p.path)
	if err != nil {
		return nil, err
	}

	cs, err := p.detector.Detect(ctx, repo, in.Deployment, p.opts)
	if err != nil {
		return nil, err
	}

	detail := map[string]interface{}{
		"commit": in.Deployment.StringParam(deployment.ParamLatestCommitID),
	}
	if cs != nil {
		detail["created"] = len(cs.CreatedFiles())
		detail["updated"] = len(cs.UpdatedFiles())
		detail["deleted"] = len(cs.DeletedFiles())
	}
	in.Execution.SetStatusDetail(detail)
	return cs, nil
}

// gitUpdateCommitIDProcessor persists the commit published by gitDiffProcessor, so the
// cursor only moves once every earlier processor succeeded
type gitUpdateCommitIDProcessor struct {
	base
	store cursor.Store
	log   zerolog.Logger
}

func gitUpdateCommitIDFactory(store cursor.Store) pipeline.Factory {
	return func(bc pipeline.BuildContext, _ config.ProcessorConfig) (pipeline.Processor, error) {
		if store == nil {
			return nil, errNoCursorStore
		}
		return &gitUpdateCommitIDProcessor{
			base:  base{modes: publishOnly},
			store: store,
			log:   bc.Log.With().Str("processor", GitUpdateCommitID).Logger(),
		}, nil
	}
}

func (p *gitUpdateCommitIDProcessor) Execute(ctx context.Context, in pipeline.Input) (*deployment.ChangeSet, error) {
	commitID := in.Deployment.StringParam(deployment.ParamLatestCommitID)
	if commitID == "" {
		in.Execution.SetStatusDetail("no commit id to store")
		return nil, nil
	}

	targetID := in.Deployment.Target().ID
	if err := p.store.Save(ctx, targetID, commitID); err != nil {
		return nil, err
	}

	p.log.Info().Str("target", targetID).Str("commit", commitID).Msg("Processed commit stored")
	in.Execution.SetStatusDetail(map[string]interface{}{"commit": commitID})
	return nil, nil
}

// Package processors holds the concrete pipeline processors and registers them by name.
package processors

import (
	"net/http"
	"time"

	"github.com/aristath/deployer/internal/cursor"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/pipeline"
)

// Registry names
const (
	GitPull             = "gitPullProcessor"
	GitDiff             = "gitDiffProcessor"
	GitUpdateCommitID   = "gitUpdateCommitIdProcessor"
	S3Sync              = "s3SyncProcessor"
	HTTPMethodCall      = "httpMethodCallProcessor"
	CommandLine         = "commandLineProcessor"
	Delay               = "delayProcessor"
	FileOutput          = "fileOutputProcessor"
	WebhookNotification = "webhookNotificationProcessor"
)

// Deps are the shared collaborators processors are built with
type Deps struct {
	Cursor     cursor.Store
	OutputDir  string
	HTTPClient *http.Client
	// S3 builds object storage clients; nil uses NewS3Client
	S3 S3ClientFactory
}

// Register adds every processor type to the registry
func Register(r *pipeline.Registry, deps Deps) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.S3 == nil {
		deps.S3 = NewS3Client
	}

	r.Register(&pipeline.Definition{
		Name:                    GitPull,
		Phase:                   pipeline.PhaseMain,
		FailDeploymentOnFailure: true,
		Source:                  true,
		Factory:                 newGitPullProcessor,
	})
	r.Register(&pipeline.Definition{
		Name:                    GitDiff,
		Phase:                   pipeline.PhaseMain,
		FailDeploymentOnFailure: true,
		Source:                  true,
		Factory:                 gitDiffFactory(deps.Cursor),
	})
	r.Register(&pipeline.Definition{
		Name:    GitUpdateCommitID,
		Phase:   pipeline.PhaseMain,
		Source:  true,
		Factory: gitUpdateCommitIDFactory(deps.Cursor),
	})
	r.Register(&pipeline.Definition{
		Name:    S3Sync,
		Phase:   pipeline.PhaseMain,
		Factory: s3SyncFactory(deps.S3),
	})
	r.Register(&pipeline.Definition{
		Name:    HTTPMethodCall,
		Phase:   pipeline.PhaseMain,
		Factory: httpMethodCallFactory(deps.HTTPClient),
	})
	r.Register(&pipeline.Definition{
		Name:    CommandLine,
		Phase:   pipeline.PhaseMain,
		Factory: newCommandLineProcessor,
	})
	r.Register(&pipeline.Definition{
		Name:    Delay,
		Phase:   pipeline.PhaseMain,
		Factory: newDelayProcessor,
	})
	r.Register(&pipeline.Definition{
		Name:    FileOutput,
		Phase:   pipeline.PhasePost,
		Factory: fileOutputFactory(deps.OutputDir),
	})
	r.Register(&pipeline.Definition{
		Name:    WebhookNotification,
		Phase:   pipeline.PhasePost,
		Factory: webhookFactory(deps.HTTPClient),
	})
}

// base supplies the SupportsMode and Destroy defaults
type base struct {
	modes pipeline.ModeSet
}

func (b base) SupportsMode(mode deployment.Mode) bool {
	return b.modes.Contains(mode)
}

func (b base) Destroy() error {
	return nil
}

var publishOnly = pipeline.ModeSet{deployment.ModePublish}

// changedFiles returns created and updated paths, in that order
func changedFiles(cs *deployment.ChangeSet) []string {
	if cs == nil {
		return nil
	}
	out := make([]string, 0, len(cs.CreatedFiles())+len(cs.UpdatedFiles()))
	out = append(out, cs.CreatedFiles()...)
	return append(out, cs.UpdatedFiles()...)
}

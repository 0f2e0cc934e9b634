package processors

import (
	"context"
	"os/exec"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/cursor"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/pipeline"
	testingutil "github.com/aristath/deployer/internal/testing"
)

var (
	nopLog = zerolog.New(nil).Level(zerolog.Disabled)
	target = deployment.TargetRef{ID: "foo-test", Env: "test", SiteName: "foo"}
)

type env struct {
	registry *pipeline.Registry
	store    cursor.Store
	bc       pipeline.BuildContext
}

func newEnv(t *testing.T, repoPath string, deps Deps) *env {
	t.Helper()

	store, err := cursor.NewFileStore(t.TempDir(), nopLog)
	require.NoError(t, err)
	if deps.Cursor == nil {
		deps.Cursor = store
	}
	if deps.OutputDir == "" {
		deps.OutputDir = t.TempDir()
	}

	r := pipeline.NewRegistry()
	Register(r, deps)

	return &env{
		registry: r,
		store:    deps.Cursor,
		bc:       pipeline.BuildContext{Target: target, LocalRepoPath: repoPath, Log: nopLog},
	}
}

func (e *env) build(t *testing.T, entries ...config.ProcessorConfig) *pipeline.Pipeline {
	t.Helper()
	p, err := e.registry.Build(e.bc, entries, pipeline.Cluster{})
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p
}

func (e *env) processor(t *testing.T, cfg config.ProcessorConfig) pipeline.Processor {
	t.Helper()
	def := e.registry.Get(cfg.Name())
	require.NotNil(t, def)
	p, err := def.Factory(e.bc, cfg)
	require.NoError(t, err)
	return p
}

func (e *env) cursor(t *testing.T) string {
	t.Helper()
	id, _, err := e.store.Load(context.Background(), target.ID)
	require.NoError(t, err)
	return id
}

func newDeployment(t *testing.T, params map[string]interface{}) *deployment.Deployment {
	t.Helper()
	d, err := deployment.New(target, params)
	require.NoError(t, err)
	return d
}

// run invokes a processor the way a main-phase step does
func run(t *testing.T, p pipeline.Processor, d *deployment.Deployment, cs *deployment.ChangeSet) (*deployment.ExecutionRecord, error) {
	t.Helper()
	exec := deployment.NewProcessorExecution("test")
	_, err := p.Execute(context.Background(), pipeline.Input{Deployment: d, ChangeSet: cs, Execution: exec})
	rec := exec.Record()
	return &rec, err
}

func entry(name string, kv ...interface{}) config.ProcessorConfig {
	cfg := config.ProcessorConfig{config.KeyProcessorName: name}
	for i := 0; i+1 < len(kv); i += 2 {
		cfg[kv[i].(string)] = kv[i+1]
	}
	return cfg
}

func TestRegister(t *testing.T) {
	e := newEnv(t, t.TempDir(), Deps{})

	for _, name := range []string{
		GitPull, GitDiff, GitUpdateCommitID, S3Sync, HTTPMethodCall,
		CommandLine, Delay, FileOutput, WebhookNotification,
	} {
		assert.True(t, e.registry.Has(name), name)
	}
	assert.Equal(t, 9, e.registry.Count())

	assert.Equal(t, pipeline.PhasePost, e.registry.Get(FileOutput).Phase)
	assert.Equal(t, pipeline.PhasePost, e.registry.Get(WebhookNotification).Phase)
	assert.True(t, e.registry.Get(GitDiff).FailDeploymentOnFailure)
	assert.True(t, e.registry.Get(GitPull).FailDeploymentOnFailure)
	assert.True(t, e.registry.Get(GitDiff).Source)
}

func TestRegister_PhaseOrderEnforced(t *testing.T) {
	e := newEnv(t, t.TempDir(), Deps{})

	_, err := e.registry.Build(e.bc, []config.ProcessorConfig{
		entry(FileOutput),
		entry(Delay, "seconds", 0),
	}, pipeline.Cluster{})
	assert.ErrorIs(t, err, pipeline.ErrPhaseOrder)
}

func TestGitDiffProcessor(t *testing.T) {
	src := testingutil.NewGitRepo(t)
	src.Write("a.txt", "a").Write("b.txt", "b").Write("site/c.xml", "<c/>")
	head := src.Commit("initial")

	e := newEnv(t, src.Path, Deps{})
	p := e.build(t, entry(GitDiff))

	first := newDeployment(t, nil)
	p.Execute(context.Background(), first)

	assert.Equal(t, deployment.StatusSuccess, first.Status())
	assert.Equal(t, []string{"/a.txt", "/b.txt", "/site/c.xml"}, first.ChangeSet().CreatedFiles())
	assert.Equal(t, head, e.cursor(t))
	require.Len(t, first.Executions(), 1)
	detail := first.Executions()[0].StatusDetail().(map[string]interface{})
	assert.Equal(t, head, detail["commit"])
	assert.Equal(t, 3, detail["created"])

	second := newDeployment(t, nil)
	p.Execute(context.Background(), second)

	assert.Equal(t, deployment.StatusSuccess, second.Status())
	assert.Nil(t, second.ChangeSet())
	assert.Equal(t, head, e.cursor(t))
}

func TestGitDiffProcessor_MissingRepositoryFailsDeployment(t *testing.T) {
	e := newEnv(t, t.TempDir(), Deps{})
	p := e.build(t, entry(GitDiff))

	d := newDeployment(t, nil)
	p.Execute(context.Background(), d)

	assert.Equal(t, deployment.StatusFailure, d.Status())
	require.Len(t, d.Executions(), 1)
	assert.Equal(t, deployment.StatusFailure, d.Executions()[0].Status())
	assert.NotNil(t, d.Executions()[0].StatusDetail())
}

func TestGitUpdateCommitIDProcessor(t *testing.T) {
	src := testingutil.NewGitRepo(t)
	src.Write("a.txt", "a")
	head := src.Commit("initial")

	t.Run("stores the commit once the chain succeeds", func(t *testing.T) {
		e := newEnv(t, src.Path, Deps{})
		p := e.build(t,
			entry(GitDiff, "updateCommitId", false),
			entry(Delay, "seconds", 0),
			entry(GitUpdateCommitID),
		)

		d := newDeployment(t, nil)
		p.Execute(context.Background(), d)

		assert.Equal(t, deployment.StatusSuccess, d.Status())
		assert.Equal(t, head, e.cursor(t))
	})

	t.Run("leaves the cursor alone when an earlier processor fails", func(t *testing.T) {
		e := newEnv(t, src.Path, Deps{})
		p := e.build(t,
			entry(GitDiff, "updateCommitId", false),
			entry(CommandLine, "command", "exit 3"),
			entry(GitUpdateCommitID),
		)

		d := newDeployment(t, nil)
		p.Execute(context.Background(), d)

		assert.Equal(t, deployment.StatusFailure, d.Status())
		assert.Empty(t, e.cursor(t))
	})

	t.Run("publish mode only", func(t *testing.T) {
		e := newEnv(t, src.Path, Deps{})
		proc := e.processor(t, entry(GitUpdateCommitID))
		assert.True(t, proc.SupportsMode(deployment.ModePublish))
		assert.False(t, proc.SupportsMode(deployment.ModeSearchIndex))
	})

	t.Run("no commit id published", func(t *testing.T) {
		e := newEnv(t, src.Path, Deps{})
		proc := e.processor(t, entry(GitUpdateCommitID))

		rec, err := run(t, proc, newDeployment(t, nil), nil)
		require.NoError(t, err)
		assert.Equal(t, "no commit id to store", rec.StatusDetails)
		assert.Empty(t, e.cursor(t))
	})
}

func TestGitPullProcessor(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available for local clones")
	}

	src := testingutil.NewGitRepo(t)
	src.Write("a.txt", "a")
	first := src.Commit("initial")

	local := t.TempDir() + "/repo"
	e := newEnv(t, local, Deps{})
	proc := e.processor(t, entry(GitPull, "remoteRepo", map[string]interface{}{"url": src.Path}))

	rec, err := run(t, proc, newDeployment(t, nil), nil)
	require.NoError(t, err)
	detail := rec.StatusDetails.(map[string]interface{})
	assert.Equal(t, true, detail["cloned"])
	assert.Equal(t, first, detail["new_head"])

	src.Write("b.txt", "b")
	second := src.Commit("second")

	rec, err = run(t, proc, newDeployment(t, nil), nil)
	require.NoError(t, err)
	detail = rec.StatusDetails.(map[string]interface{})
	assert.Equal(t, false, detail["cloned"])
	assert.Equal(t, first, detail["old_head"])
	assert.Equal(t, second, detail["new_head"])
}

func TestGitPullProcessor_RequiresRepoPath(t *testing.T) {
	e := newEnv(t, "", Deps{})
	_, err := e.registry.Get(GitPull).Factory(e.bc, entry(GitPull))
	assert.Error(t, err)
}

// Package target owns the lifecycle of deployment targets: asynchronous initialization,
// single-flight deployment execution, cron triggers, close and delete.
package target

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/cursor"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/events"
	"github.com/aristath/deployer/internal/pipeline"
	"github.com/aristath/deployer/internal/scheduler"
	"github.com/aristath/deployer/internal/work"
)

// Status is the lifecycle state of a target
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusInitInProgress   Status = "INIT_IN_PROGRESS"
	StatusInitCompleted    Status = "INIT_COMPLETED"
	StatusInitFailed       Status = "INIT_FAILED"
	StatusDeleteInProgress Status = "DELETE_IN_PROGRESS"
	StatusDeleted          Status = "DELETED"
)

var (
	// ErrNotReady is returned when deploying to a target that is not initialized
	ErrNotReady = errors.New("target not ready")
	// ErrNotFound is returned for unknown targets
	ErrNotFound = errors.New("target not found")
	// ErrAlreadyExists is returned when creating a target whose id is taken
	ErrAlreadyExists = errors.New("target already exists")

	errBusy = errors.New("deployment in progress")
)

// HistoryStore persists finished deployments
type HistoryStore interface {
	Record(ctx context.Context, d *deployment.Deployment) error
	DeleteTarget(ctx context.Context, targetID string) error
}

// Deps are the process-wide collaborators shared by every target
type Deps struct {
	Registry  *pipeline.Registry
	Hooks     *HookRegistry
	Executor  *work.Executor
	Scheduler *scheduler.Scheduler
	Cursor    cursor.Store
	History   HistoryStore // optional
	Events    *events.Bus  // optional
	Cluster   pipeline.Cluster
	Log       zerolog.Logger
}

// queued is a deployment waiting for, or going through, the pipeline
type queued struct {
	d    *deployment.Deployment
	done chan struct{}
	once sync.Once
}

func (q *queued) finish() {
	q.once.Do(func() { close(q.done) })
}

// Target is one site/environment pair with its own pipeline, queue and schedule.
//
// runMu is the single-flight lock: a run task holds it from dequeue until the
// deployment is finished. mu guards the remaining state and is never held while a
// pipeline runs. lifeCtx is cancelled on shutdown and bounds init and every run.
type Target struct {
	cfg      config.TargetConfig
	ref      deployment.TargetRef
	loadDate time.Time
	deps     Deps
	log      zerolog.Logger

	lifeCtx  context.Context
	stopLife context.CancelFunc

	runMu sync.Mutex

	mu            sync.RWMutex
	status        Status
	pipeline      *pipeline.Pipeline
	pending       []*queued
	current       *queued
	scheduleID    scheduler.EntryID
	hasSchedule   bool
	lastScheduled *work.Task
	initTask      *work.Task
	closed        bool
}

// New creates a target in the CREATED state
func New(cfg config.TargetConfig, deps Deps) *Target {
	if deps.Hooks == nil {
		deps.Hooks = NewHookRegistry()
	}
	ref := deployment.TargetRef{ID: cfg.ID(), Env: cfg.Env, SiteName: cfg.SiteName}
	lifeCtx, stopLife := context.WithCancel(context.Background())
	return &Target{
		cfg:      cfg,
		ref:      ref,
		loadDate: time.Now(),
		deps:     deps,
		log:      deps.Log.With().Str("component", "target").Str("target", ref.ID).Logger(),
		lifeCtx:  lifeCtx,
		stopLife: stopLife,
		status:   StatusCreated,
	}
}

// bound derives a context that is also cancelled when the target shuts down
func (t *Target) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.lifeCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ID returns the target identifier
func (t *Target) ID() string {
	return t.ref.ID
}

// Ref returns the reference stamped on the target's deployments
func (t *Target) Ref() deployment.TargetRef {
	return t.ref
}

// Config returns the configuration snapshot the target was built from
func (t *Target) Config() config.TargetConfig {
	return t.cfg
}

// LoadDate returns when this target generation was created
func (t *Target) LoadDate() time.Time {
	return t.loadDate
}

// Status returns the lifecycle state
func (t *Target) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Current returns the deployment running the pipeline, or nil when idle
func (t *Target) Current() *deployment.Deployment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil
	}
	return t.current.d
}

// Pending returns the queued deployments in execution order
func (t *Target) Pending() []*deployment.Deployment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*deployment.Deployment, len(t.pending))
	for i, q := range t.pending {
		out[i] = q.d
	}
	return out
}

// Init starts asynchronous initialization. It may only be called once.
func (t *Target) Init() (*work.Task, error) {
	t.mu.Lock()
	if t.status != StatusCreated {
		status := t.status
		t.mu.Unlock()
		return nil, fmt.Errorf("target %s cannot be initialized in state %s", t.ref.ID, status)
	}
	t.status = StatusInitInProgress

	// Submit never blocks, so mu may be held across it
	task, err := t.deps.Executor.Submit("init-"+t.ref.ID, t.initialize)
	t.initTask = task
	t.mu.Unlock()

	if err != nil {
		t.failInit(err)
		return nil, err
	}
	return task, nil
}

func (t *Target) initialize(ctx context.Context) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()

	t.log.Info().Msg("Initializing target")

	hooks, err := t.deps.Hooks.resolve(t.cfg.LifecycleHooks.Create)
	if err != nil {
		return t.failInit(err)
	}
	for _, h := range hooks {
		if err := h.hook(ctx, t.cfg, t.log); err != nil {
			return t.failInit(fmt.Errorf("create hook %s failed: %w", h.name, err))
		}
	}

	p, err := t.deps.Registry.Build(pipeline.BuildContext{
		Target:        t.ref,
		LocalRepoPath: t.cfg.LocalRepoPath,
		Log:           t.log,
	}, t.cfg.PipelineConfig(), t.deps.Cluster)
	if err != nil {
		return t.failInit(fmt.Errorf("failed to build pipeline: %w", err))
	}

	if err := t.schedule(); err != nil {
		p.Destroy()
		return t.failInit(err)
	}

	t.mu.Lock()
	if t.closed || t.status != StatusInitInProgress {
		t.mu.Unlock()
		p.Destroy()
		t.log.Info().Msg("Target shut down during initialization")
		return nil
	}
	t.pipeline = p
	t.status = StatusInitCompleted
	t.mu.Unlock()

	t.log.Info().Int("processors", p.Len()).Msg("Target initialized")
	t.emit(&events.TargetCreatedData{Target: t.ref})
	return nil
}

// failInit marks the target INIT_FAILED unless it was closed or deleted meanwhile
func (t *Target) failInit(err error) error {
	t.mu.Lock()
	if t.closed || t.status != StatusInitInProgress {
		t.mu.Unlock()
		t.log.Info().Err(err).Msg("Initialization abandoned")
		return err
	}
	t.status = StatusInitFailed
	t.mu.Unlock()

	t.log.Error().Err(err).Msg("Target initialization failed")
	t.emit(&events.TargetInitFailedData{Target: t.ref, Error: err.Error()})
	return err
}

func (t *Target) schedule() error {
	sched := t.cfg.Deployment.Scheduling
	if !sched.Enabled || t.deps.Scheduler == nil {
		return nil
	}

	id, err := t.deps.Scheduler.Schedule(sched.CronExpression, "deploy-"+t.ref.ID, func() {
		t.scheduledDeploy()
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.deps.Scheduler.Remove(id)
		return nil
	}
	t.scheduleID = id
	t.hasSchedule = true
	return nil
}

// Deploy queues a deployment. With wait set, it blocks until that deployment has
// finished or ctx is done.
func (t *Target) Deploy(ctx context.Context, wait bool, params map[string]interface{}) (*deployment.Deployment, error) {
	q, err := t.enqueue(params, false)
	if err != nil {
		return nil, err
	}

	if wait {
		select {
		case <-q.done:
		case <-ctx.Done():
			return q.d, ctx.Err()
		}
	}
	return q.d, nil
}

// scheduledDeploy queues a deployment unless one is running or the previous scheduled
// one is still outstanding. Reports whether a deployment was queued.
func (t *Target) scheduledDeploy() bool {
	_, err := t.enqueue(nil, true)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errBusy):
		t.log.Info().Msg("Deployment in progress, skipping scheduled deployment")
	default:
		t.log.Warn().Err(err).Msg("Scheduled deployment not queued")
	}
	return false
}

func (t *Target) enqueue(params map[string]interface{}, scheduled bool) (*queued, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusInitCompleted || t.closed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, t.ref.ID, t.status)
	}
	if scheduled && (t.current != nil || (t.lastScheduled != nil && !t.lastScheduled.IsDone())) {
		return nil, errBusy
	}

	d, err := deployment.New(t.ref, params)
	if err != nil {
		return nil, err
	}
	q := &queued{d: d, done: make(chan struct{})}
	t.pending = append(t.pending, q)

	task, err := t.deps.Executor.Submit("deploy-"+t.ref.ID, t.runNext)
	if err != nil {
		t.pending = t.pending[:len(t.pending)-1]
		d.End(deployment.StatusInterrupted)
		q.finish()
		return nil, err
	}
	if scheduled {
		t.lastScheduled = task
	}

	t.log.Debug().Str("deployment", d.ID()).Bool("scheduled", scheduled).Msg("Deployment queued")
	return q, nil
}

// runNext takes the single-flight lock and runs the oldest pending deployment
func (t *Target) runNext(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	ctx, cancel := t.bound(ctx)
	defer cancel()

	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	q := t.pending[0]
	t.pending[0] = nil
	t.pending = t.pending[1:]
	t.current = q
	p := t.pipeline
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.current = nil
		t.mu.Unlock()
		q.finish()
	}()

	// interrupted between dequeue and start
	if q.d.IsEnded() || p == nil {
		q.d.End(deployment.StatusInterrupted)
		t.finished(q.d)
		return nil
	}

	t.emit(&events.DeploymentStartedData{Target: t.ref, DeploymentID: q.d.ID(), Mode: q.d.Mode()})
	p.Execute(ctx, q.d)
	t.finished(q.d)
	return nil
}

// finished records and announces a terminal deployment
func (t *Target) finished(d *deployment.Deployment) {
	if t.deps.History != nil {
		if err := t.deps.History.Record(context.Background(), d); err != nil {
			t.log.Warn().Err(err).Str("deployment", d.ID()).Msg("Failed to record deployment")
		}
	}
	t.emit(&events.DeploymentFinishedData{Target: t.ref, Deployment: d.Record()})
}

// Close interrupts the current and pending deployments, cancels the schedule and
// destroys the pipeline. Persisted state is kept. The context of an in-flight
// processor call is cancelled and Close returns once the call has returned.
func (t *Target) Close() {
	t.shutdown()
}

func (t *Target) shutdown() bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.closed = true
	t.stopLife()

	var interrupted []*deployment.Deployment
	if t.current != nil {
		t.current.d.End(deployment.StatusInterrupted)
	}
	for _, q := range t.pending {
		if q.d.End(deployment.StatusInterrupted) {
			interrupted = append(interrupted, q.d)
		}
		q.finish()
	}
	t.pending = nil

	if t.hasSchedule {
		t.deps.Scheduler.Remove(t.scheduleID)
		t.hasSchedule = false
	}
	t.mu.Unlock()

	for _, d := range interrupted {
		t.finished(d)
	}

	// wait for an in-flight run before tearing the processors down
	t.runMu.Lock()
	t.mu.Lock()
	p := t.pipeline
	t.pipeline = nil
	t.mu.Unlock()
	if p != nil {
		p.Destroy()
	}
	t.runMu.Unlock()

	t.log.Info().Int("interrupted", len(interrupted)).Msg("Target closed")
	return true
}

// Delete closes the target, runs the delete hooks and erases the processed commit cursor
// and deployment history. A target still initializing is shut down first. Hook failures
// are logged; the target always ends DELETED.
func (t *Target) Delete(ctx context.Context) error {
	t.mu.Lock()
	switch t.status {
	case StatusCreated, StatusInitInProgress, StatusInitCompleted, StatusInitFailed:
		t.status = StatusDeleteInProgress
	default:
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("target %s cannot be deleted in state %s", t.ref.ID, status)
	}
	t.mu.Unlock()

	t.log.Info().Msg("Deleting target")
	t.shutdown()

	// let an interrupted initialization back out before the delete hooks run
	t.mu.RLock()
	initTask := t.initTask
	t.mu.RUnlock()
	if initTask != nil {
		_ = initTask.Wait(ctx)
	}

	if hooks, err := t.deps.Hooks.resolve(t.cfg.LifecycleHooks.Delete); err != nil {
		t.log.Error().Err(err).Msg("Delete hooks not run")
	} else {
		for _, h := range hooks {
			if err := h.hook(ctx, t.cfg, t.log); err != nil {
				t.log.Error().Err(err).Str("hook", h.name).Msg("Delete hook failed")
			}
		}
	}

	if t.deps.Cursor != nil {
		if err := t.deps.Cursor.Delete(ctx, t.ref.ID); err != nil {
			t.log.Error().Err(err).Msg("Failed to erase processed commit")
		}
	}
	if t.deps.History != nil {
		if err := t.deps.History.DeleteTarget(ctx, t.ref.ID); err != nil {
			t.log.Error().Err(err).Msg("Failed to erase deployment history")
		}
	}

	t.mu.Lock()
	t.status = StatusDeleted
	t.mu.Unlock()

	t.log.Info().Msg("Target deleted")
	t.emit(&events.TargetDeletedData{Target: t.ref})
	return nil
}

func (t *Target) emit(data events.EventData) {
	if t.deps.Events != nil {
		t.deps.Events.Emit("target", data)
	}
}

// Record is the external representation of a target
type Record struct {
	ID            string    `json:"id"`
	Env           string    `json:"env"`
	SiteName      string    `json:"site_name"`
	Status        Status    `json:"status"`
	LoadDate      time.Time `json:"load_date"`
	LocalRepoPath string    `json:"local_repo_path"`
	Scheduled     bool      `json:"scheduled"`
	Cron          string    `json:"cron_expression,omitempty"`
	Pending       int       `json:"pending_deployments"`
	Busy          bool      `json:"busy"`
}

// Record returns a snapshot of the target
func (t *Target) Record() Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Record{
		ID:            t.ref.ID,
		Env:           t.ref.Env,
		SiteName:      t.ref.SiteName,
		Status:        t.status,
		LoadDate:      t.loadDate,
		LocalRepoPath: t.cfg.LocalRepoPath,
		Scheduled:     t.hasSchedule,
		Pending:       len(t.pending),
		Busy:          t.current != nil,
	}
	if t.hasSchedule {
		r.Cron = t.cfg.Deployment.Scheduling.CronExpression
	}
	return r
}

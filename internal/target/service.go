package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/deployment"
)

const reloadDebounce = 250 * time.Millisecond

// Service keeps the set of live targets, one generation per target id
type Service struct {
	targetsDir string
	reposDir   string
	deps       Deps
	log        zerolog.Logger

	mu      sync.RWMutex
	targets map[string]*Target
}

// NewService creates a target service reading target files from targetsDir.
// Targets without a localRepoPath get one under reposDir.
func NewService(targetsDir, reposDir string, deps Deps) *Service {
	if deps.Hooks == nil {
		deps.Hooks = NewHookRegistry()
	}
	return &Service{
		targetsDir: targetsDir,
		reposDir:   reposDir,
		deps:       deps,
		log:        deps.Log.With().Str("service", "targets").Logger(),
		targets:    make(map[string]*Target),
	}
}

// LoadAll loads every target file in the targets directory. Broken files are logged
// and skipped.
func (s *Service) LoadAll() ([]*Target, error) {
	entries, err := os.ReadDir(s.targetsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets directory %s: %w", s.targetsDir, err)
	}

	var loaded []*Target
	for _, entry := range entries {
		path := filepath.Join(s.targetsDir, entry.Name())
		if entry.IsDir() || !config.IsTargetFile(path) {
			continue
		}

		t, err := s.Load(path)
		if err != nil {
			s.log.Error().Err(err).Str("file", path).Msg("Failed to load target")
			continue
		}
		loaded = append(loaded, t)
	}

	s.log.Info().Int("targets", len(loaded)).Msg("Targets loaded")
	return loaded, nil
}

// Load reads a target file and creates its target, replacing the generation
// currently registered under the same id
func (s *Service) Load(path string) (*Target, error) {
	cfg, err := config.LoadTargetFile(path)
	if err != nil {
		return nil, err
	}
	return s.replace(cfg)
}

// CreateTarget registers and initializes a new target
func (s *Service) CreateTarget(cfg config.TargetConfig) (*Target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults(s.reposDir)

	s.mu.Lock()
	if _, exists := s.targets[cfg.ID()]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.ID())
	}
	t := New(cfg, s.deps)
	s.targets[t.ID()] = t
	s.mu.Unlock()

	return t, s.initTarget(t)
}

// Reload re-reads a target file; the previous generation is closed, not deleted
func (s *Service) Reload(path string) (*Target, error) {
	return s.Load(path)
}

func (s *Service) replace(cfg config.TargetConfig) (*Target, error) {
	cfg = cfg.WithDefaults(s.reposDir)

	s.mu.Lock()
	old := s.targets[cfg.ID()]
	t := New(cfg, s.deps)
	s.targets[t.ID()] = t
	s.mu.Unlock()

	if old != nil {
		s.log.Info().Str("target", t.ID()).Msg("Replacing target with reloaded configuration")
		old.Close()
	}
	return t, s.initTarget(t)
}

func (s *Service) initTarget(t *Target) error {
	_, err := t.Init()
	return err
}

// forget closes and unregisters the target loaded from path
func (s *Service) forget(path string) {
	s.mu.Lock()
	var found *Target
	for id, t := range s.targets {
		if t.cfg.SourcePath == path {
			found = t
			delete(s.targets, id)
			break
		}
	}
	s.mu.Unlock()

	if found != nil {
		s.log.Info().Str("target", found.ID()).Str("file", path).Msg("Target file removed, closing target")
		found.Close()
	}
}

// Get returns the target for env and site
func (s *Service) Get(env, siteName string) (*Target, error) {
	return s.GetByID(config.TargetID(env, siteName))
}

// GetByID returns the target with the given id
func (s *Service) GetByID(id string) (*Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// List returns every target ordered by id
func (s *Service) List() []*Target {
	s.mu.RLock()
	out := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Deploy queues a deployment on one target
func (s *Service) Deploy(ctx context.Context, env, siteName string, wait bool, params map[string]interface{}) (*deployment.Deployment, error) {
	t, err := s.Get(env, siteName)
	if err != nil {
		return nil, err
	}
	return t.Deploy(ctx, wait, params)
}

// DeployAll queues a deployment on every target. Targets that are not ready are
// reported in the joined error; the others still deploy.
func (s *Service) DeployAll(ctx context.Context, wait bool, params map[string]interface{}) ([]*deployment.Deployment, error) {
	targets := s.List()

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		out  []*deployment.Deployment
		errs []error
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t *Target) {
			defer wg.Done()
			d, err := t.Deploy(ctx, wait, params)

			mu.Lock()
			defer mu.Unlock()
			if d != nil {
				out = append(out, d)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.ID(), err))
			}
		}(t)
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Target().ID < out[j].Target().ID })
	return out, errors.Join(errs...)
}

// Delete deletes a target and unregisters it. A target that refuses deletion stays
// registered.
func (s *Service) Delete(ctx context.Context, env, siteName string) error {
	t, err := s.Get(env, siteName)
	if err != nil {
		return err
	}
	if err := t.Delete(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.targets[t.ID()] == t {
		delete(s.targets, t.ID())
	}
	s.mu.Unlock()
	return nil
}

// Close closes every target; persisted state is kept
func (s *Service) Close() {
	s.mu.Lock()
	targets := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	s.targets = make(map[string]*Target)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *Target) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	wg.Wait()
	s.log.Info().Int("targets", len(targets)).Msg("Targets closed")
}

// Watch reloads targets when their files change until ctx is done.
// Writes and creates reload the target; removes and renames close it.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.targetsDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.targetsDir, err)
	}
	s.log.Info().Str("dir", s.targetsDir).Msg("Watching target files")

	timers := make(map[string]*time.Timer)
	defer func() {
		for _, timer := range timers {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !config.IsTargetFile(event.Name) {
				continue
			}

			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				if timer, ok := timers[event.Name]; ok {
					timer.Stop()
					delete(timers, event.Name)
				}
				s.forget(event.Name)

			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				// editors emit several writes per save
				path := event.Name
				if timer, ok := timers[path]; ok {
					timer.Reset(reloadDebounce)
					continue
				}
				timers[path] = time.AfterFunc(reloadDebounce, func() {
					if _, err := s.Reload(path); err != nil {
						s.log.Error().Err(err).Str("file", path).Msg("Failed to reload target")
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("Target watcher error")
		}
	}
}

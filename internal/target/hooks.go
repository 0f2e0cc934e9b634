package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/config"
)

// Hook names available to lifecycleHooks
const (
	CreateLocalRepoFolderHook = "createLocalRepoFolderHook"
	DeleteLocalRepoFolderHook = "deleteLocalRepoFolderHook"
)

// Hook is a side effect run when a target is created or deleted
type Hook func(ctx context.Context, cfg config.TargetConfig, log zerolog.Logger) error

// HookRegistry maps hook names to implementations
type HookRegistry struct {
	hooks map[string]Hook
	mu    sync.RWMutex
}

// NewHookRegistry creates a registry holding the built-in hooks
func NewHookRegistry() *HookRegistry {
	r := &HookRegistry{hooks: make(map[string]Hook)}
	r.Register(CreateLocalRepoFolderHook, createLocalRepoFolder)
	r.Register(DeleteLocalRepoFolderHook, deleteLocalRepoFolder)
	return r
}

// Register adds a hook, replacing any previous one with the same name
func (r *HookRegistry) Register(name string, hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = hook
}

// Get returns a hook by name, or nil if not found
func (r *HookRegistry) Get(name string) Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[name]
}

// Names returns the registered hook names, sorted
func (r *HookRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve looks up every name, failing on the first unknown one
func (r *HookRegistry) resolve(names []string) ([]namedHook, error) {
	out := make([]namedHook, 0, len(names))
	for _, name := range names {
		hook := r.Get(name)
		if hook == nil {
			return nil, fmt.Errorf("unknown lifecycle hook %q", name)
		}
		out = append(out, namedHook{name: name, hook: hook})
	}
	return out, nil
}

type namedHook struct {
	name string
	hook Hook
}

func createLocalRepoFolder(_ context.Context, cfg config.TargetConfig, log zerolog.Logger) error {
	if cfg.LocalRepoPath == "" {
		return fmt.Errorf("target %s has no local repository path", cfg.ID())
	}
	if err := os.MkdirAll(cfg.LocalRepoPath, 0755); err != nil {
		return fmt.Errorf("failed to create local repository folder: %w", err)
	}
	log.Debug().Str("path", cfg.LocalRepoPath).Msg("Local repository folder created")
	return nil
}

func deleteLocalRepoFolder(_ context.Context, cfg config.TargetConfig, log zerolog.Logger) error {
	if cfg.LocalRepoPath == "" {
		return nil
	}
	path := filepath.Clean(cfg.LocalRepoPath)
	if path == "/" || path == "." {
		return fmt.Errorf("refusing to delete %q", cfg.LocalRepoPath)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete local repository folder: %w", err)
	}
	log.Debug().Str("path", path).Msg("Local repository folder deleted")
	return nil
}

package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/sentineld/kernel/pkg/logging"
)

// Instance is a single loaded plugin's runtime state. Exactly one of
// Subprocess is set when Tier is TierSubprocess; in-process plugins
// carry no extra handle beyond the registry entry itself, since their
// host-function calls are dispatched directly through Host.
type Instance struct {
	ID         string
	Manifest   Manifest
	Tier       Tier
	Dir        string
	Subprocess *Subprocess
}

// Registry tracks loaded plugins behind a reader-writer lock; each
// loaded plugin owns its own lifecycle (load, unload) independent of
// the others.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Instance

	host *Host
	log  *logging.Logger
}

// NewRegistry constructs an empty plugin registry mediated by host.
func NewRegistry(host *Host, log *logging.Logger) *Registry {
	return &Registry{plugins: make(map[string]*Instance), host: host, log: log}
}

// LoadOptions configures how a subprocess-tier plugin, if classified as
// such, is launched.
type LoadOptions struct {
	SubprocessCommand string
	SubprocessArgs    []string
	SubprocessEnv     []string
}

// Load parses the plugin at dir, classifies its isolation tier, starts
// it (spawning a sandboxed child process for subprocess tier), and
// registers it under its canonical id. Loading a second plugin with the
// same canonical id replaces the first, unloading it first.
func (r *Registry) Load(ctx context.Context, dir string, opts LoadOptions) (*Instance, error) {
	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}
	id, err := ConvertID(manifest.ID)
	if err != nil {
		return nil, err
	}

	tier := DetectTier(dir, &manifest)

	inst := &Instance{ID: id, Manifest: manifest, Tier: tier, Dir: dir}
	if tier == TierSubprocess {
		sp, err := StartSubprocess(SubprocessConfig{
			Command: opts.SubprocessCommand,
			Args:    opts.SubprocessArgs,
			Env:     opts.SubprocessEnv,
			Dir:     dir,
		})
		if err != nil {
			return nil, err
		}
		inst.Subprocess = sp
	}

	r.mu.Lock()
	if existing, ok := r.plugins[id]; ok {
		r.unlocked(existing)
	}
	r.plugins[id] = inst
	r.mu.Unlock()

	if r.log != nil {
		_ = r.log.Info(logging.CategoryPlugin, "plugin-loaded", fmt.Sprintf("loaded plugin %s", id),
			map[string]any{"plugin": id, "tier": string(tier)})
	}
	return inst, nil
}

// Unload stops and removes the plugin with the given canonical id.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("plugin %q not loaded", id)
	}
	delete(r.plugins, id)
	return r.unlocked(inst)
}

func (r *Registry) unlocked(inst *Instance) error {
	if inst.Subprocess != nil {
		return inst.Subprocess.Close()
	}
	return nil
}

// Get returns the loaded plugin instance for id, if any.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.plugins[id]
	return inst, ok
}

// List returns the canonical ids of all currently loaded plugins.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	return ids
}

// Close unloads every plugin, closing any subprocess handles.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, inst := range r.plugins {
		if err := r.unlocked(inst); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.plugins, id)
	}
	return firstErr
}

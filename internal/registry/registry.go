// Package registry discovers model files and resolves a model id to the path
// and size the RAM cache needs.
package registry

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"memcoord/internal/errs"
	"memcoord/pkg/types"
)

// Registry is a rescannable view of one models directory.
type Registry struct {
	dir string
	log zerolog.Logger

	mu     sync.RWMutex
	models map[string]types.Model
}

// New scans dir once. A missing directory is an error.
func New(dir string) (*Registry, error) {
	r := &Registry{
		dir: dir,
		log: log.With().Str("component", "registry").Str("dir", dir).Logger(),
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewLazy returns an empty registry over dir; the first Resolve miss scans it.
// Used when dir does not exist yet at startup.
func NewLazy(dir string) *Registry {
	return &Registry{
		dir:    dir,
		log:    log.With().Str("component", "registry").Str("dir", dir).Logger(),
		models: map[string]types.Model{},
	}
}

// FromModels builds a registry over a fixed list; Refresh is a no-op.
func FromModels(models []types.Model) *Registry {
	r := &Registry{log: log.With().Str("component", "registry").Logger()}
	r.set(models)
	return r
}

func (r *Registry) set(models []types.Model) {
	m := make(map[string]types.Model, len(models))
	for _, mod := range models {
		m[mod.ID] = mod
	}
	r.mu.Lock()
	r.models = m
	r.mu.Unlock()
}

// Refresh rescans the directory.
func (r *Registry) Refresh() error {
	if r.dir == "" {
		return nil
	}
	models, err := LoadDir(r.dir)
	if err != nil {
		return err
	}
	r.set(models)
	r.log.Debug().Int("models", len(models)).Msg("scanned")
	return nil
}

// List returns models sorted by id.
func (r *Registry) List() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sortModels(out)
	return out
}

// Get looks up one model.
func (r *Registry) Get(id string) (types.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// Resolve returns the on-disk path and size of a model. Unknown ids are
// rescanned once before failing with NotFound.
func (r *Registry) Resolve(id string) (string, uint64, error) {
	if m, ok := r.Get(id); ok {
		return m.Path, m.SizeBytes, nil
	}
	if err := r.Refresh(); err != nil {
		r.log.Warn().Err(err).Msg("rescan failed")
	}
	if m, ok := r.Get(id); ok {
		return m.Path, m.SizeBytes, nil
	}
	return "", 0, errs.New(errs.KindNotFound, "model not in registry").WithModel(id)
}

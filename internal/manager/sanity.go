package manager

import (
	"memcoord/internal/common/fsutil"
)

// SanityReport describes runtime checks for the manager's dependencies.
type SanityReport struct {
	WorkerConnected bool   `json:"worker_connected"`
	Devices         int    `json:"devices"`
	ModelsDir       string `json:"models_dir,omitempty"`
	ModelsDirFound  bool   `json:"models_dir_found"`
	Models          int    `json:"models"`
	Error           string `json:"error,omitempty"`
}

// SanityCheck validates that the worker is reachable and the models
// directory exists. It does not mutate state and is safe to call at any time.
func (m *Manager) SanityCheck(modelsDir string) SanityReport {
	r := SanityReport{
		WorkerConnected: m.Ready(),
		Devices:         len(m.alloc.Devices()),
		ModelsDir:       modelsDir,
		Models:          len(m.registry.List()),
	}
	if modelsDir != "" {
		dir, err := fsutil.ResolveDir(modelsDir)
		if err == nil {
			r.ModelsDirFound, err = fsutil.DirState(dir)
		}
		if err != nil {
			r.Error = err.Error()
			return r
		}
	}
	switch {
	case !r.WorkerConnected:
		r.Error = "worker connection lost"
	case modelsDir != "" && !r.ModelsDirFound:
		r.Error = "models directory not found"
	}
	return r
}

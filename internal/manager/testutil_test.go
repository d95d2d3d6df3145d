package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memcoord/internal/config"
	"memcoord/internal/memory"
)

// createModelFile writes a model file of exactly size bytes into dir.
func createModelFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// testConfig describes a host with 1 MiB and one discrete GPU of gpuCap
// bytes, with no safety margin and background loops effectively idle.
func testConfig(dir string, gpuCap uint64) config.Config {
	cfg := config.Defaults()
	cfg.ModelsDir = dir
	cfg.SafetyMargin = -1
	cfg.Devices = []config.Device{
		{ID: string(memory.HostDevice), Kind: string(memory.KindHost), Capacity: 1 << 20},
		{ID: "gpu0", Kind: string(memory.KindDiscreteGPU), Capacity: config.ByteSize(gpuCap)},
	}
	cfg.Cache.Limit = 1 << 20
	cfg.Coordination.Timeout = config.Duration(2 * time.Second)
	cfg.Coordination.StatusTimeout = config.Duration(time.Second)
	cfg.Coordination.SyncInterval = -1
	return cfg
}

// newTestManager builds a manager over an in-process worker with one model
// file per name, each size bytes. Model ids are the file names.
func newTestManager(t *testing.T, gpuCap uint64, size int, names ...string) *Manager {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		createModelFile(t, dir, n, size)
	}
	return buildTestManager(t, testConfig(dir, gpuCap))
}

func buildTestManager(t *testing.T, cfg config.Config) *Manager {
	t.Helper()
	require.NoError(t, cfg.Validate())
	m, err := Build(context.Background(), cfg, BuildOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"memcoord/internal/config"
	"memcoord/internal/httpapi"
	"memcoord/internal/manager"
	"memcoord/internal/worker"
)

// workerEnv makes the test binary act as a worker process. Its value is the
// simulated gpu0 capacity in bytes.
const workerEnv = "MEMCOORD_E2E_WORKER"

func TestMain(m *testing.M) {
	if v := os.Getenv(workerEnv); v != "" {
		os.Exit(runWorker(v))
	}
	os.Exit(m.Run())
}

func runWorker(capacity string) int {
	n, err := strconv.ParseUint(capacity, 10, 64)
	if err != nil {
		return 2
	}
	w := worker.New(worker.Config{Devices: map[string]uint64{"gpu0": n}})
	if err := w.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		return 1
	}
	return 0
}

// createModelsDir populates a temp dir with model files of the given size.
func createModelsDir(t *testing.T, size int, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, bytes.Repeat([]byte{0}, size), 0o644); err != nil {
			t.Fatalf("write model %s: %v", p, err)
		}
	}
	return dir
}

func testConfig(modelsDir string, gpuCap uint64) config.Config {
	cfg := config.Defaults()
	cfg.ModelsDir = modelsDir
	cfg.SafetyMargin = -1
	cfg.Devices = []config.Device{
		{ID: "host", Kind: "host", Capacity: 1 << 20},
		{ID: "gpu0", Kind: "discrete", Capacity: config.ByteSize(gpuCap)},
	}
	cfg.Cache.Limit = 1 << 20
	cfg.Coordination.Timeout = config.Duration(5 * time.Second)
	cfg.Coordination.StatusTimeout = config.Duration(time.Second)
	cfg.Coordination.SyncInterval = -1
	return cfg
}

// spawnWorker points cfg at a copy of this test binary running as a worker.
func spawnWorker(t *testing.T, cfg *config.Config, gpuCap uint64) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}
	cfg.Worker.Bin = exe
	cfg.Worker.Env = []string{workerEnv + "=" + strconv.FormatUint(gpuCap, 10)}
}

func newServer(t *testing.T, cfg config.Config) (*httptest.Server, *manager.Manager) {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr, err := manager.Build(ctx, cfg, manager.BuildOptions{})
	if err != nil {
		cancel()
		t.Fatalf("build manager: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
		cancel()
	})
	return srv, mgr
}

func httpDo(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", strings.TrimSpace(string(b)), err)
	}
	return v
}

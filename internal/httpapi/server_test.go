package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"memcoord/internal/cache"
	"memcoord/internal/errs"
	"memcoord/internal/manager"
	"memcoord/internal/memory"
	"memcoord/internal/pressure"
	"memcoord/internal/state"
	"memcoord/pkg/types"
)

type mockService struct {
	models []types.Model
	status types.StatusResponse
	ready  bool
	snaps  []pressure.Snapshot

	ensureErr error
	ensureDev memory.DeviceID
	ensureCtx context.Context
	unloadErr error
	cacheErr  error
	evictErr  error
	allocErr  error
	limit     uint64

	entries []cache.Entry
	allocs  []memory.Allocation
	ops     map[string]manager.Op
}

func (m *mockService) ListModels() []types.Model       { return append([]types.Model(nil), m.models...) }
func (m *mockService) Status() types.StatusResponse    { return m.status }
func (m *mockService) Ready() bool                     { return m.ready }
func (m *mockService) Pressure() []pressure.Snapshot   { return m.snaps }
func (m *mockService) CacheEntries() []cache.Entry     { return m.entries }
func (m *mockService) ResizeCache(limit uint64)        { m.limit = limit }
func (m *mockService) Op(id string) (manager.Op, bool) { op, ok := m.ops[id]; return op, ok }

func (m *mockService) EnsureModel(ctx context.Context, id string, dev memory.DeviceID) (state.ModelState, error) {
	m.ensureDev = dev
	m.ensureCtx = ctx
	if m.ensureErr != nil {
		return state.ModelState{}, m.ensureErr
	}
	return state.ModelState{
		ModelID: id,
		Phase:   state.PhaseLoadedVRAM,
		RAM:     &state.RAMRef{Size: 10},
		VRAM:    &state.VRAMRef{Device: "gpu0", Handle: "h-1", Size: 10},
	}, nil
}

func (m *mockService) Switch(ctx context.Context, id string, dev memory.DeviceID) (string, error) {
	if id == "" {
		return "", errs.New(errs.KindNotFound, "model id is required")
	}
	return "op-1", nil
}

func (m *mockService) Unload(ctx context.Context, id string) (state.ModelState, error) {
	if m.unloadErr != nil {
		return state.ModelState{}, m.unloadErr
	}
	return state.ModelState{ModelID: id, Phase: state.PhaseCachedRAM, RAM: &state.RAMRef{Size: 10}}, nil
}

func (m *mockService) Cache(id string, size uint64) (cache.Entry, error) {
	if m.cacheErr != nil {
		return cache.Entry{}, m.cacheErr
	}
	if size == 0 {
		size = 42
	}
	return cache.Entry{ModelID: id, CacheID: "c-1", AllocationID: "a-1", Size: size, Status: cache.StatusCached}, nil
}

func (m *mockService) Evict(id string) error { return m.evictErr }

func (m *mockService) Allocate(dev memory.DeviceID, size uint64, purpose memory.Purpose, owner string) (memory.Allocation, error) {
	if m.allocErr != nil {
		return memory.Allocation{}, m.allocErr
	}
	return memory.Allocation{ID: "a-2", Device: dev, Size: size, Purpose: purpose, Owner: owner}, nil
}

func (m *mockService) Deallocate(id memory.AllocationID) error {
	if id != "a-2" {
		return errs.New(errs.KindNotFound, "allocation %s not found", id)
	}
	return nil
}

func (m *mockService) Transfer(id memory.AllocationID, dst memory.DeviceID, size uint64) (memory.Allocation, error) {
	return memory.Allocation{ID: "a-3", Device: dst, Size: 64, Purpose: memory.PurposeWorking}, nil
}

func (m *mockService) Allocations(dev memory.DeviceID) []memory.Allocation {
	var out []memory.Allocation
	for _, a := range m.allocs {
		if dev == "" || a.Device == dev {
			out = append(out, a)
		}
	}
	return out
}

func (m *mockService) Defragment(dev memory.DeviceID) (memory.DefragResult, error) {
	if dev == "host" {
		return memory.DefragResult{Device: dev}, nil
	}
	if dev != "gpu0" {
		return memory.DefragResult{}, errs.New(errs.KindDeviceUnavailable, "unknown device").WithDevice(string(dev))
	}
	return memory.DefragResult{Device: dev, Supported: true, Moved: 2, BytesReclaimed: 512,
		Before: memory.Fragmentation{Ratio: 0.5}, After: memory.Fragmentation{Ratio: 0}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v (body=%q)", err, w.Body.String())
	}
	return v
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.Model{{ID: "m1"}, {ID: "m2"}}}
	w := do(t, NewMux(svc), http.MethodGet, "/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	body := decode[types.ModelsResponse](t, w)
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{InFlight: 3, Cache: types.CacheStatus{Entries: 1}}}
	w := do(t, NewMux(svc), http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := decode[types.StatusResponse](t, w)
	if body.InFlight != 3 || body.Cache.Entries != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestPressureHandler(t *testing.T) {
	svc := &mockService{snaps: []pressure.Snapshot{{
		Device: "gpu0", Total: 100, Used: 96, Ratio: 0.96,
		Level: pressure.LevelCritical, Actions: pressure.ActionsFor(pressure.LevelCritical),
	}}}
	w := do(t, NewMux(svc), http.MethodGet, "/pressure", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := decode[[]types.PressureSnapshot](t, w)
	if len(body) != 1 || body[0].Level != "critical" || len(body[0].Actions) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	w := do(t, NewMux(&mockService{ready: true}), http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	w = do(t, NewMux(&mockService{}), http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "worker unavailable") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	w := do(t, NewMux(&mockService{}), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestEnsure(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)

	w := do(t, h, http.MethodPost, "/models/tiny.gguf/ensure", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	body := decode[types.ModelStatus](t, w)
	if body.ModelID != "tiny.gguf" || body.Phase != "loaded_vram" || body.VRAMHandle != "h-1" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if svc.ensureDev != "" {
		t.Fatalf("expected default device, got %q", svc.ensureDev)
	}

	w = do(t, h, http.MethodPost, "/models/tiny.gguf/ensure", `{"device":"gpu1"}`)
	if w.Code != http.StatusOK || svc.ensureDev != "gpu1" {
		t.Fatalf("status=%d dev=%q", w.Code, svc.ensureDev)
	}
}

func TestEnsure_Async(t *testing.T) {
	h := NewMux(&mockService{})
	w := do(t, h, http.MethodPost, "/models/tiny.gguf/ensure?async=1", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d", w.Code)
	}
	if body := decode[types.SwitchResponse](t, w); body.OpID != "op-1" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestEnsure_TimeoutApplied(t *testing.T) {
	SetEnsureTimeout(time.Minute)
	defer SetEnsureTimeout(0)
	svc := &mockService{}
	do(t, NewMux(svc), http.MethodPost, "/models/m/ensure", "")
	if _, ok := svc.ensureCtx.Deadline(); !ok {
		t.Fatal("expected a deadline on the ensure context")
	}
}

func TestEnsure_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{errs.New(errs.KindNotFound, "model not in registry"), http.StatusNotFound, "not_found"},
		{errs.New(errs.KindInsufficientMemory, "no room"), http.StatusInsufficientStorage, "insufficient_memory"},
		{errs.New(errs.KindRequestAlreadyInFlight, "busy"), http.StatusConflict, "request_already_in_flight"},
		{errs.New(errs.KindCoordinationTimeout, "slow"), http.StatusGatewayTimeout, "coordination_timeout"},
		{errs.New(errs.KindDeviceUnavailable, "gone"), http.StatusServiceUnavailable, "device_unavailable"},
	}
	for _, c := range cases {
		w := do(t, NewMux(&mockService{ensureErr: c.err}), http.MethodPost, "/models/m/ensure", "")
		if w.Code != c.code {
			t.Fatalf("%v: expected %d, got %d", c.err, c.code, w.Code)
		}
		body := decode[types.ErrorResponse](t, w)
		if body.Kind != c.kind || body.Code != c.code {
			t.Fatalf("%v: unexpected body %+v", c.err, body)
		}
	}
}

func TestUnload(t *testing.T) {
	w := do(t, NewMux(&mockService{}), http.MethodPost, "/models/m/unload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if body := decode[types.ModelStatus](t, w); body.Phase != "cached_ram" {
		t.Fatalf("unexpected body: %+v", body)
	}
	w = do(t, NewMux(&mockService{unloadErr: errs.New(errs.KindInvalidTransition, "not loaded")}), http.MethodPost, "/models/m/unload", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestOps(t *testing.T) {
	started := time.Unix(1700000000, 0)
	svc := &mockService{ops: map[string]manager.Op{
		"op-1": {ID: "op-1", ModelID: "m", Started: started, Finished: started.Add(time.Second), Done: true},
	}}
	h := NewMux(svc)
	w := do(t, h, http.MethodGet, "/ops/op-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := decode[types.OpResponse](t, w)
	if !body.Done || body.FinishedUnix != 1700000001 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if w := do(t, h, http.MethodGet, "/ops/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestCacheEndpoints(t *testing.T) {
	svc := &mockService{entries: []cache.Entry{{ModelID: "m", Size: 7, Status: cache.StatusCached}}}
	h := NewMux(svc)

	w := do(t, h, http.MethodGet, "/cache", "")
	if got := decode[[]types.CacheEntry](t, w); len(got) != 1 || got[0].SizeBytes != 7 {
		t.Fatalf("unexpected entries: %+v", got)
	}

	w = do(t, h, http.MethodPost, "/cache", `{"model":"m2"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d", w.Code)
	}
	if got := decode[types.CacheEntry](t, w); got.SizeBytes != 42 || got.AllocationID != "a-1" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if w := do(t, h, http.MethodPost, "/cache", `{"model":" "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}

	if w := do(t, h, http.MethodPut, "/cache/limit", `{"limit_bytes":1024}`); w.Code != http.StatusNoContent || svc.limit != 1024 {
		t.Fatalf("status=%d limit=%d", w.Code, svc.limit)
	}

	if w := do(t, h, http.MethodDelete, "/cache/m", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	svc.evictErr = errs.New(errs.KindEvictionBlocked, "loaded")
	if w := do(t, h, http.MethodDelete, "/cache/m", ""); w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
	svc.cacheErr = errs.New(errs.KindCacheFull, "full")
	if w := do(t, h, http.MethodPost, "/cache", `{"model":"m3","size_bytes":5}`); w.Code != http.StatusInsufficientStorage {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestAllocationEndpoints(t *testing.T) {
	svc := &mockService{allocs: []memory.Allocation{
		{ID: "a-1", Device: "host", Size: 10, Purpose: memory.PurposeModelCache},
		{ID: "a-2", Device: "gpu0", Size: 20, Purpose: memory.PurposeWorking},
	}}
	h := NewMux(svc)

	if got := decode[[]types.Allocation](t, do(t, h, http.MethodGet, "/allocations", "")); len(got) != 2 {
		t.Fatalf("len=%d", len(got))
	}
	if got := decode[[]types.Allocation](t, do(t, h, http.MethodGet, "/allocations?device=gpu0", "")); len(got) != 1 || got[0].ID != "a-2" {
		t.Fatalf("unexpected: %+v", got)
	}

	w := do(t, h, http.MethodPost, "/allocations", `{"device":"gpu0","size_bytes":4096,"owner":"job"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d", w.Code)
	}
	if got := decode[types.Allocation](t, w); got.SizeBytes != 4096 || got.Owner != "job" {
		t.Fatalf("unexpected: %+v", got)
	}
	if w := do(t, h, http.MethodPost, "/allocations", `{"device":"gpu0"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/allocations/a-2/transfer", `{"device":"host"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got := decode[types.Allocation](t, w); got.Device != "host" {
		t.Fatalf("unexpected: %+v", got)
	}

	if w := do(t, h, http.MethodDelete, "/allocations/a-2", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/allocations/zzz", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}

	svc.allocErr = errs.New(errs.KindInsufficientMemory, "full")
	if w := do(t, h, http.MethodPost, "/allocations", `{"device":"gpu0","size_bytes":1}`); w.Code != http.StatusInsufficientStorage {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestDefragmentEndpoint(t *testing.T) {
	h := NewMux(&mockService{})
	w := do(t, h, http.MethodPost, "/devices/gpu0/defragment", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := decode[types.DefragResponse](t, w)
	if !body.Supported || body.Moved != 2 || body.RatioBefore != 0.5 {
		t.Fatalf("unexpected: %+v", body)
	}
	if got := decode[types.DefragResponse](t, do(t, h, http.MethodPost, "/devices/host/defragment", "")); got.Supported {
		t.Fatalf("host should not compact: %+v", got)
	}
	if w := do(t, h, http.MethodPost, "/devices/gpu9/defragment", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestJSONBodyValidation(t *testing.T) {
	h := NewMux(&mockService{})

	req := httptest.NewRequest(http.MethodPost, "/allocations", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}

	if w := do(t, h, http.MethodPost, "/allocations", `{not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}

	SetMaxBodyBytes(8)
	defer SetMaxBodyBytes(0)
	if w := do(t, h, http.MethodPost, "/cache", `{"model":"much-too-long-for-the-limit"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	h := NewMux(&mockService{ready: true})
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header to be set")
	}
}

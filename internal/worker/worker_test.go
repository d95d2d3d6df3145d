package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memcoord/pkg/types"
)

func request(t *testing.T, id, action string, payload any) types.WireRequest {
	t.Helper()
	req, err := types.NewRequest(id, action, payload)
	require.NoError(t, err)
	return req
}

func TestLoadStatusUnload(t *testing.T) {
	w := New(Config{Devices: map[string]uint64{"gpu0": 1000}})
	ctx := context.Background()

	resp := w.Handle(ctx, request(t, "1", types.ActionLoad, types.LoadRequest{ModelID: "m", DeviceID: "gpu0", SizeEstimateBytes: 400}))
	require.True(t, resp.Success, resp.ErrorMessage())
	var lr types.LoadResult
	require.NoError(t, resp.Decode(&lr))
	assert.NotEmpty(t, lr.VRAMHandle)
	assert.Equal(t, uint64(400), w.Used("gpu0"))

	st := w.Status("m")
	assert.Equal(t, types.WorkerLoaded, st.State)
	assert.Equal(t, lr.VRAMHandle, st.VRAMHandle)

	again := w.Handle(ctx, request(t, "2", types.ActionLoad, types.LoadRequest{ModelID: "m", DeviceID: "gpu0", SizeEstimateBytes: 400}))
	require.True(t, again.Success)
	assert.Equal(t, uint64(400), w.Used("gpu0"), "reloading the same model is idempotent")

	resp = w.Handle(ctx, request(t, "3", types.ActionUnload, types.UnloadRequest{ModelID: "m"}))
	require.True(t, resp.Success)
	assert.Zero(t, w.Used("gpu0"))
	assert.Equal(t, types.WorkerUnloaded, w.Status("m").State)
}

func TestLoadRejectedWhenFull(t *testing.T) {
	w := New(Config{Devices: map[string]uint64{"gpu0": 500}})
	ctx := context.Background()
	require.True(t, w.Handle(ctx, request(t, "1", types.ActionLoad, types.LoadRequest{ModelID: "a", DeviceID: "gpu0", SizeEstimateBytes: 400})).Success)
	resp := w.Handle(ctx, request(t, "2", types.ActionLoad, types.LoadRequest{ModelID: "b", DeviceID: "gpu0", SizeEstimateBytes: 200}))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage(), "insufficient VRAM")

	resp = w.Handle(ctx, request(t, "3", types.ActionLoad, types.LoadRequest{ModelID: "c", DeviceID: "gpu9", SizeEstimateBytes: 1}))
	assert.False(t, resp.Success)
}

func TestCancelInterruptsLoad(t *testing.T) {
	w := New(Config{Devices: map[string]uint64{"gpu0": 1000}, LoadDelay: time.Minute})
	ctx := context.Background()
	done := make(chan types.WireResponse, 1)
	go func() {
		done <- w.Handle(ctx, request(t, "load-1", types.ActionLoad, types.LoadRequest{ModelID: "m", DeviceID: "gpu0", SizeEstimateBytes: 100}))
	}()
	require.Eventually(t, func() bool { return w.Status("m").State == types.WorkerLoading }, time.Second, time.Millisecond)

	resp := w.Handle(ctx, request(t, "c-1", types.ActionCancel, types.CancelRequest{RequestID: "load-1", ModelID: "m"}))
	var cr types.CancelResult
	require.NoError(t, resp.Decode(&cr))
	assert.True(t, cr.Cancelled)

	load := <-done
	assert.False(t, load.Success)
	assert.Equal(t, types.CancelledMessage, load.ErrorMessage())
	assert.Zero(t, w.Used("gpu0"))

	resp = w.Handle(ctx, request(t, "c-2", types.ActionCancel, types.CancelRequest{RequestID: "load-1"}))
	require.NoError(t, resp.Decode(&cr))
	assert.False(t, cr.Cancelled)
}

func TestOptimizeUnloadsOldestFirst(t *testing.T) {
	w := New(Config{Devices: map[string]uint64{"gpu0": 1000}})
	clock := time.Unix(0, 0)
	w.now = func() time.Time { clock = clock.Add(time.Second); return clock }
	ctx := context.Background()
	for i, m := range []string{"old", "mid", "new"} {
		resp := w.Handle(ctx, request(t, string(rune('a'+i)), types.ActionLoad, types.LoadRequest{ModelID: m, DeviceID: "gpu0", SizeEstimateBytes: 200}))
		require.True(t, resp.Success)
	}
	resp := w.Handle(ctx, request(t, "o", types.ActionOptimize, types.OptimizeRequest{DeviceID: "gpu0", PressureLevel: "critical", TargetReductionBytes: 300}))
	require.True(t, resp.Success)
	var or types.OptimizeResult
	require.NoError(t, resp.Decode(&or))
	require.Len(t, or.Unloaded, 2)
	assert.Equal(t, "old", or.Unloaded[0].ModelID)
	assert.Equal(t, "mid", or.Unloaded[1].ModelID)
	assert.Equal(t, uint64(400), or.FreedBytes)
	assert.Equal(t, types.WorkerLoaded, w.Status("new").State)
}

func TestUnknownAction(t *testing.T) {
	w := New(Config{})
	resp := w.Handle(context.Background(), types.WireRequest{RequestID: "x", Action: "model.explode"})
	assert.False(t, resp.Success)
	assert.Equal(t, "x", resp.RequestID)
}

func TestServeSpeaksLines(t *testing.T) {
	w := New(Config{Devices: map[string]uint64{"gpu0": 1000}})
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		_ = w.Serve(context.Background(), inR, outW)
		_ = outW.Close()
	}()

	enc := json.NewEncoder(inW)
	require.NoError(t, enc.Encode(request(t, "s1", types.ActionGetStatus, types.StatusRequest{ModelID: "m"})))
	_, err := inW.Write([]byte("not json\n"))
	require.NoError(t, err)

	sc := bufio.NewScanner(outR)
	require.True(t, sc.Scan())
	var raw map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &raw))
	assert.Equal(t, "s1", raw["request_id"])
	assert.Equal(t, true, raw["success"])
	assert.Nil(t, raw["error"])
	data := raw["data"].(map[string]any)
	assert.Equal(t, types.WorkerUnloaded, data["state"])

	require.NoError(t, inW.Close())
	assert.False(t, sc.Scan())
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memcoord/internal/cache"
	"memcoord/internal/manager"
	"memcoord/internal/memory"
	"memcoord/internal/pressure"
	"memcoord/internal/state"
	"memcoord/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	Pressure() []pressure.Snapshot

	EnsureModel(ctx context.Context, modelID string, dev memory.DeviceID) (state.ModelState, error)
	Switch(ctx context.Context, modelID string, dev memory.DeviceID) (string, error)
	Op(id string) (manager.Op, bool)
	Unload(ctx context.Context, modelID string) (state.ModelState, error)

	Cache(modelID string, size uint64) (cache.Entry, error)
	Evict(modelID string) error
	CacheEntries() []cache.Entry
	ResizeCache(limit uint64)

	Allocate(dev memory.DeviceID, size uint64, purpose memory.Purpose, owner string) (memory.Allocation, error)
	Deallocate(id memory.AllocationID) error
	Transfer(id memory.AllocationID, dst memory.DeviceID, size uint64) (memory.Allocation, error)
	Allocations(dev memory.DeviceID) []memory.Allocation
	Defragment(dev memory.DeviceID) (memory.DefragResult, error)
}

func corsHandlerOptions(c corsOptions) cors.Options {
	o := cors.Options{
		AllowedOrigins: c.origins,
		AllowedMethods: c.methods,
		AllowedHeaders: c.headers,
		MaxAge:         300,
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if len(o.AllowedMethods) == 0 {
		o.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	}
	if len(o.AllowedHeaders) == 0 {
		o.AllowedHeaders = []string{"Content-Type", "X-Log-Level", "X-Request-Id"}
	}
	return o
}

// NewMux builds the HTTP API over svc.
func NewMux(svc Service) http.Handler {
	h := &handlers{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	if corsCfg.enabled {
		r.Use(cors.Handler(corsHandlerOptions(corsCfg)))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", h.listModels)
	r.Post("/models/{id}/ensure", h.ensure)
	r.Post("/models/{id}/unload", h.unload)
	r.Get("/ops/{id}", h.op)

	r.Get("/status", h.status)
	r.Get("/pressure", h.pressure)

	r.Get("/cache", h.cacheEntries)
	r.Post("/cache", h.cacheModel)
	r.Put("/cache/limit", h.resizeCache)
	r.Delete("/cache/{model}", h.evict)

	r.Get("/allocations", h.allocations)
	r.Post("/allocations", h.allocate)
	r.Delete("/allocations/{id}", h.deallocate)
	r.Post("/allocations/{id}/transfer", h.transfer)
	r.Post("/devices/{id}/defragment", h.defragment)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("worker unavailable"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

// decodeJSON enforces the content type and body limit. An empty body leaves
// v untouched when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if optional && r.ContentLength == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// listModels godoc
// @Summary  List models found in the models directory
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Router   /models [get]
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.ListModels()})
}

// status godoc
// @Summary  Devices, cache and per-model residency
// @Produce  json
// @Success  200 {object} types.StatusResponse
// @Router   /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// pressure godoc
// @Summary  Pressure snapshot per device
// @Produce  json
// @Success  200 {array} types.PressureSnapshot
// @Router   /pressure [get]
func (h *handlers) pressure(w http.ResponseWriter, r *http.Request) {
	snaps := h.svc.Pressure()
	out := make([]types.PressureSnapshot, 0, len(snaps))
	for _, s := range snaps {
		ps := types.PressureSnapshot{
			Device:         string(s.Device),
			TotalBytes:     s.Total,
			UsedBytes:      s.Used,
			AvailableBytes: s.Available,
			Ratio:          s.Ratio,
			Level:          string(s.Level),
			Actions:        make([]string, 0, len(s.Actions)),
		}
		for _, a := range s.Actions {
			ps.Actions = append(ps.Actions, string(a))
		}
		out = append(out, ps)
	}
	writeJSON(w, http.StatusOK, out)
}

// ensure godoc
// @Summary  Make a model resident in VRAM
// @Description With ?async=1 the load runs in the background and an operation id is returned.
// @Accept   json
// @Produce  json
// @Param    id    path  string               true  "Model id"
// @Param    body  body  types.EnsureRequest  false "Target device"
// @Success  200 {object} types.ModelStatus
// @Success  202 {object} types.SwitchResponse
// @Failure  404 {object} types.ErrorResponse
// @Failure  409 {object} types.ErrorResponse
// @Failure  507 {object} types.ErrorResponse
// @Router   /models/{id}/ensure [post]
func (h *handlers) ensure(w http.ResponseWriter, r *http.Request) {
	var req types.EnsureRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	id := chi.URLParam(r, "id")
	dev := memory.DeviceID(req.Device)
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		opID, err := h.svc.Switch(r.Context(), id, dev)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.SwitchResponse{OpID: opID})
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if ensureTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, ensureTimeout)
		defer tcancel()
	}
	st, err := h.svc.EnsureModel(ctx, id, dev)
	if err != nil {
		if r.Context().Err() != nil {
			// client went away
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manager.ModelStatusOf(st))
}

// unload godoc
// @Summary  Drop a model from VRAM; it stays cached in RAM
// @Produce  json
// @Param    id  path  string  true  "Model id"
// @Success  200 {object} types.ModelStatus
// @Failure  404 {object} types.ErrorResponse
// @Failure  409 {object} types.ErrorResponse
// @Router   /models/{id}/unload [post]
func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	st, err := h.svc.Unload(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manager.ModelStatusOf(st))
}

// op godoc
// @Summary  Poll a background ensure
// @Produce  json
// @Param    id  path  string  true  "Operation id"
// @Success  200 {object} types.OpResponse
// @Failure  404 {object} types.ErrorResponse
// @Router   /ops/{id} [get]
func (h *handlers) op(w http.ResponseWriter, r *http.Request) {
	op, ok := h.svc.Op(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "operation not found")
		return
	}
	resp := types.OpResponse{
		ID:          op.ID,
		ModelID:     op.ModelID,
		Device:      op.Device,
		Done:        op.Done,
		Error:       op.Err,
		StartedUnix: op.Started.Unix(),
	}
	if op.Done {
		resp.FinishedUnix = op.Finished.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

func cacheEntry(e cache.Entry) types.CacheEntry {
	return types.CacheEntry{
		ModelID:          e.ModelID,
		CacheID:          e.CacheID,
		AllocationID:     string(e.AllocationID),
		Path:             e.Path,
		SizeBytes:        e.Size,
		CachedAtUnix:     e.CachedAt.Unix(),
		LastAccessedUnix: e.LastAccessed.Unix(),
		AccessCount:      e.AccessCount,
		Status:           string(e.Status),
	}
}

// cacheEntries godoc
// @Summary  List the RAM model cache
// @Produce  json
// @Success  200 {array} types.CacheEntry
// @Router   /cache [get]
func (h *handlers) cacheEntries(w http.ResponseWriter, r *http.Request) {
	entries := h.svc.CacheEntries()
	out := make([]types.CacheEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cacheEntry(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// cacheModel godoc
// @Summary  Admit a model into the RAM cache
// @Accept   json
// @Produce  json
// @Param    body  body  types.CacheRequest  true  "Model and optional size"
// @Success  201 {object} types.CacheEntry
// @Failure  404 {object} types.ErrorResponse
// @Failure  507 {object} types.ErrorResponse
// @Router   /cache [post]
func (h *handlers) cacheModel(w http.ResponseWriter, r *http.Request) {
	var req types.CacheRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	e, err := h.svc.Cache(req.Model, req.SizeBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cacheEntry(e))
}

// resizeCache godoc
// @Summary  Change the RAM cache limit; admission enforces it lazily
// @Accept   json
// @Param    body  body  types.CacheResizeRequest  true  "New limit"
// @Success  204
// @Router   /cache/limit [put]
func (h *handlers) resizeCache(w http.ResponseWriter, r *http.Request) {
	var req types.CacheResizeRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	h.svc.ResizeCache(req.LimitBytes)
	w.WriteHeader(http.StatusNoContent)
}

// evict godoc
// @Summary  Evict a model from the RAM cache
// @Param    model  path  string  true  "Model id"
// @Success  204
// @Failure  404 {object} types.ErrorResponse
// @Failure  409 {object} types.ErrorResponse
// @Router   /cache/{model} [delete]
func (h *handlers) evict(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Evict(chi.URLParam(r, "model")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func allocation(a memory.Allocation) types.Allocation {
	return types.Allocation{
		ID:            string(a.ID),
		Device:        string(a.Device),
		SizeBytes:     a.Size,
		Purpose:       string(a.Purpose),
		Owner:         a.Owner,
		CreatedAtUnix: a.CreatedAt.Unix(),
		VirtualAddr:   a.VirtualAddr,
		PhysicalAddr:  a.PhysicalAddr,
	}
}

// allocations godoc
// @Summary  List live allocations
// @Produce  json
// @Param    device  query  string  false  "Restrict to one device"
// @Success  200 {array} types.Allocation
// @Router   /allocations [get]
func (h *handlers) allocations(w http.ResponseWriter, r *http.Request) {
	list := h.svc.Allocations(memory.DeviceID(r.URL.Query().Get("device")))
	out := make([]types.Allocation, 0, len(list))
	for _, a := range list {
		out = append(out, allocation(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// allocate godoc
// @Summary  Reserve working or transfer memory on a device
// @Accept   json
// @Produce  json
// @Param    body  body  types.AllocateRequest  true  "Allocation request"
// @Success  201 {object} types.Allocation
// @Failure  409 {object} types.ErrorResponse
// @Failure  507 {object} types.ErrorResponse
// @Router   /allocations [post]
func (h *handlers) allocate(w http.ResponseWriter, r *http.Request) {
	var req types.AllocateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Device == "" || req.SizeBytes == 0 {
		writeJSONError(w, http.StatusBadRequest, "device and size_bytes are required")
		return
	}
	a, err := h.svc.Allocate(memory.DeviceID(req.Device), req.SizeBytes, memory.Purpose(req.Purpose), req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, allocation(a))
}

// deallocate godoc
// @Summary  Release an allocation
// @Param    id  path  string  true  "Allocation id"
// @Success  204
// @Failure  404 {object} types.ErrorResponse
// @Failure  409 {object} types.ErrorResponse
// @Router   /allocations/{id} [delete]
func (h *handlers) deallocate(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Deallocate(memory.AllocationID(chi.URLParam(r, "id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transfer godoc
// @Summary  Move an allocation to another device
// @Accept   json
// @Produce  json
// @Param    id    path  string                 true  "Allocation id"
// @Param    body  body  types.TransferRequest  true  "Destination"
// @Success  200 {object} types.Allocation
// @Failure  404 {object} types.ErrorResponse
// @Failure  507 {object} types.ErrorResponse
// @Router   /allocations/{id}/transfer [post]
func (h *handlers) transfer(w http.ResponseWriter, r *http.Request) {
	var req types.TransferRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Device == "" {
		writeJSONError(w, http.StatusBadRequest, "device is required")
		return
	}
	a, err := h.svc.Transfer(memory.AllocationID(chi.URLParam(r, "id")), memory.DeviceID(req.Device), req.SizeBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocation(a))
}

// defragment godoc
// @Summary  Compact a device's allocations
// @Produce  json
// @Param    id  path  string  true  "Device id"
// @Success  200 {object} types.DefragResponse
// @Failure  503 {object} types.ErrorResponse
// @Router   /devices/{id}/defragment [post]
func (h *handlers) defragment(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Defragment(memory.DeviceID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DefragResponse{
		Device:         string(res.Device),
		Supported:      res.Supported,
		Moved:          res.Moved,
		BytesReclaimed: res.BytesReclaimed,
		RatioBefore:    res.Before.Ratio,
		RatioAfter:     res.After.Ratio,
	})
}

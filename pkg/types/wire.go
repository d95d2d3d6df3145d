package types

import (
	"encoding/json"
	"fmt"
)

// Actions understood by the worker process.
const (
	ActionLoad      = "model.load"
	ActionUnload    = "model.unload"
	ActionGetStatus = "model.get_status"
	ActionOptimize  = "model.optimize"
	ActionCancel    = "model.cancel"
)

// WireRequest is one line sent to the worker.
type WireRequest struct {
	RequestID string          `json:"request_id"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
}

// WireResponse is one line received from the worker. Data and Error are
// encoded as null when absent.
type WireResponse struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
}

// NewRequest encodes payload as the data of a request.
func NewRequest(id, action string, payload any) (WireRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return WireRequest{}, fmt.Errorf("encode %s payload: %w", action, err)
	}
	return WireRequest{RequestID: id, Action: action, Data: raw}, nil
}

// Decode unmarshals the request data into v.
func (r WireRequest) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("%s: missing data", r.Action)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("%s: decode data: %w", r.Action, err)
	}
	return nil
}

// OK builds a successful response carrying payload.
func OK(id string, payload any) (WireResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return WireResponse{}, fmt.Errorf("encode response payload: %w", err)
	}
	return WireResponse{RequestID: id, Success: true, Data: raw}, nil
}

// CancelledMessage is the error text of a request the worker abandoned
// because of model.cancel.
const CancelledMessage = "cancelled"

// Fail builds an error response.
func Fail(id, msg string) WireResponse {
	return WireResponse{RequestID: id, Success: false, Error: &msg}
}

// ErrorMessage returns the error text or "".
func (r WireResponse) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Decode unmarshals the response data into v. A null payload leaves v unchanged.
func (r WireResponse) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response %s: %w", r.RequestID, err)
	}
	return nil
}

// LoadRequest is the data of model.load.
type LoadRequest struct {
	ModelID           string `json:"model_id"`
	CachePath         string `json:"cache_path,omitempty"`
	CacheID           string `json:"cache_id,omitempty"`
	DeviceID          string `json:"device_id"`
	SizeEstimateBytes uint64 `json:"size_estimate_bytes"`
}

// LoadResult is the data of a successful model.load response.
type LoadResult struct {
	ModelID    string `json:"model_id"`
	DeviceID   string `json:"device_id"`
	VRAMHandle string `json:"vram_handle"`
	SizeBytes  uint64 `json:"size_bytes"`
}

// UnloadRequest is the data of model.unload.
type UnloadRequest struct {
	ModelID  string `json:"model_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// UnloadResult is the data of a successful model.unload response.
type UnloadResult struct {
	ModelID    string `json:"model_id"`
	DeviceID   string `json:"device_id"`
	FreedBytes uint64 `json:"freed_bytes"`
}

// StatusRequest is the data of model.get_status.
type StatusRequest struct {
	ModelID string `json:"model_id"`
}

// Worker-reported residency states.
const (
	WorkerLoaded    = "loaded"
	WorkerUnloaded  = "unloaded"
	WorkerLoading   = "loading"
	WorkerUnloading = "unloading"
)

// StatusResult is the worker's view of one model.
type StatusResult struct {
	ModelID    string `json:"model_id"`
	State      string `json:"state"`
	DeviceID   string `json:"device_id,omitempty"`
	VRAMHandle string `json:"vram_handle,omitempty"`
	SizeBytes  uint64 `json:"size_bytes,omitempty"`
}

// OptimizeRequest is the data of model.optimize.
type OptimizeRequest struct {
	DeviceID             string `json:"device_id"`
	PressureLevel        string `json:"pressure_level"`
	TargetReductionBytes uint64 `json:"target_reduction_bytes"`
}

// UnloadedModel is one model the worker dropped while optimizing.
type UnloadedModel struct {
	ModelID   string `json:"model_id"`
	SizeBytes uint64 `json:"size_bytes"`
}

// OptimizeResult is the data of a successful model.optimize response.
type OptimizeResult struct {
	DeviceID   string          `json:"device_id"`
	Unloaded   []UnloadedModel `json:"unloaded"`
	FreedBytes uint64          `json:"freed_bytes"`
}

// CancelRequest is the data of model.cancel.
type CancelRequest struct {
	RequestID string `json:"request_id"`
	ModelID   string `json:"model_id"`
}

// CancelResult reports whether the target request was stopped before it
// completed.
type CancelResult struct {
	RequestID string `json:"request_id"`
	Cancelled bool   `json:"cancelled"`
}

package types

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// Machine-readable error kind, when known.
	// example: insufficient_memory
	Kind string `json:"kind,omitempty" example:"insufficient_memory"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// DeviceStatus summarizes one memory domain.
type DeviceStatus struct {
	// example: gpu0
	ID string `json:"id" example:"gpu0"`
	// example: discrete
	Kind               string  `json:"kind" example:"discrete"`
	CapacityBytes      uint64  `json:"capacity_bytes"`
	UsedBytes          uint64  `json:"used_bytes"`
	AvailableBytes     uint64  `json:"available_bytes"`
	MarginBytes        uint64  `json:"margin_bytes"`
	Allocations        int     `json:"allocations"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
	// Pressure level including worker-reported residency.
	// example: moderate
	PressureLevel string  `json:"pressure_level" example:"moderate"`
	UsageRatio    float64 `json:"usage_ratio"`
}

// CacheStatus summarizes the RAM model cache.
type CacheStatus struct {
	LimitBytes uint64 `json:"limit_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
	Entries    int    `json:"entries"`
}

// CacheEntry is one RAM cache entry.
type CacheEntry struct {
	ModelID          string `json:"model_id"`
	CacheID          string `json:"cache_id"`
	AllocationID     string `json:"allocation_id"`
	Path             string `json:"path,omitempty"`
	SizeBytes        uint64 `json:"size_bytes"`
	CachedAtUnix     int64  `json:"cached_at_unix"`
	LastAccessedUnix int64  `json:"last_accessed_unix"`
	AccessCount      uint64 `json:"access_count"`
	Status           string `json:"status"`
}

// ModelStatus is one model's residency.
type ModelStatus struct {
	// example: tinyllama-q4
	ModelID string `json:"model_id" example:"tinyllama-q4"`
	// example: loaded_vram
	Phase     string `json:"phase" example:"loaded_vram"`
	Device    string `json:"device,omitempty"`
	RAMBytes   uint64 `json:"ram_bytes"`
	VRAMBytes  uint64 `json:"vram_bytes"`
	VRAMHandle string `json:"vram_handle,omitempty"`
	SinceUnix  int64  `json:"since_unix"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Devices []DeviceStatus `json:"devices"`
	Cache   CacheStatus    `json:"cache"`
	Models  []ModelStatus  `json:"models"`
	// Requests currently awaiting a worker response.
	InFlight int `json:"in_flight"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// Allocation describes a tracked allocation.
type Allocation struct {
	ID            string `json:"id"`
	Device        string `json:"device"`
	SizeBytes     uint64 `json:"size_bytes"`
	Purpose       string `json:"purpose"`
	Owner         string `json:"owner,omitempty"`
	CreatedAtUnix int64  `json:"created_at_unix"`
	VirtualAddr   uint64 `json:"virtual_addr"`
	PhysicalAddr  uint64 `json:"physical_addr"`
}

// AllocateRequest is the body of POST /allocations.
type AllocateRequest struct {
	// example: gpu0
	Device string `json:"device" example:"gpu0"`
	// example: 1048576
	SizeBytes uint64 `json:"size_bytes" example:"1048576"`
	// example: working
	Purpose string `json:"purpose,omitempty" example:"working"`
	Owner   string `json:"owner,omitempty"`
}

// TransferRequest is the body of POST /allocations/{id}/transfer.
type TransferRequest struct {
	// example: host
	Device string `json:"device" example:"host"`
	// Zero means the whole source allocation.
	SizeBytes uint64 `json:"size_bytes,omitempty"`
}

// DefragResponse is returned by POST /devices/{id}/defragment.
type DefragResponse struct {
	Device         string  `json:"device"`
	Supported      bool    `json:"supported"`
	Moved          int     `json:"moved"`
	BytesReclaimed uint64  `json:"bytes_reclaimed"`
	RatioBefore    float64 `json:"fragmentation_before"`
	RatioAfter     float64 `json:"fragmentation_after"`
}

// CacheRequest is the body of POST /cache.
type CacheRequest struct {
	// example: tinyllama-q4
	Model string `json:"model" example:"tinyllama-q4"`
	// Optional size estimate; resolved from the registry when zero.
	SizeBytes uint64 `json:"size_bytes,omitempty"`
}

// EnsureRequest is the body of POST /models/{id}/ensure.
type EnsureRequest struct {
	// Target device; the configured default is used when empty.
	// example: gpu0
	Device string `json:"device,omitempty" example:"gpu0"`
}

// PressureSnapshot is one device's pressure view.
type PressureSnapshot struct {
	Device         string   `json:"device"`
	TotalBytes     uint64   `json:"total_bytes"`
	UsedBytes      uint64   `json:"used_bytes"`
	AvailableBytes uint64   `json:"available_bytes"`
	Ratio          float64  `json:"ratio"`
	Level          string   `json:"level"`
	Actions        []string `json:"recommended_actions"`
}

// SwitchResponse is returned by POST /models/{id}/ensure?async=1.
type SwitchResponse struct {
	// example: 4b7c7d4e-2f0e-4a8e-9a43-0f7c0c1f2d55
	OpID string `json:"op_id" example:"4b7c7d4e-2f0e-4a8e-9a43-0f7c0c1f2d55"`
}

// OpResponse is returned by GET /ops/{id}.
type OpResponse struct {
	ID           string `json:"id"`
	ModelID      string `json:"model_id"`
	Device       string `json:"device,omitempty"`
	Done         bool   `json:"done"`
	Error        string `json:"error,omitempty"`
	StartedUnix  int64  `json:"started_unix"`
	FinishedUnix int64  `json:"finished_unix,omitempty"`
}

// CacheResizeRequest is the body of PUT /cache/limit.
type CacheResizeRequest struct {
	// example: 17179869184
	LimitBytes uint64 `json:"limit_bytes" example:"17179869184"`
}

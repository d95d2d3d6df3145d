package httpapi

import "time"

const defaultMaxBodyBytes = 1 << 20

// Package-level knobs, set once by memcoordd before NewMux.
var (
	maxBodyBytes int64 = defaultMaxBodyBytes
	// ensureTimeout bounds a synchronous ensure; zero defers to the
	// coordinator's own deadline.
	ensureTimeout time.Duration

	corsCfg corsOptions
)

type corsOptions struct {
	enabled bool
	origins []string
	methods []string
	headers []string
}

// SetMaxBodyBytes caps JSON request bodies. Non-positive restores 1 MiB.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		n = defaultMaxBodyBytes
	}
	maxBodyBytes = n
}

// SetEnsureTimeout bounds POST /models/{id}/ensure. Negative is treated as 0.
func SetEnsureTimeout(d time.Duration) {
	ensureTimeout = max(d, 0)
}

// SetCORSOptions enables the CORS middleware. Empty lists fall back to the
// defaults applied in NewMux.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsCfg = corsOptions{
		enabled: enabled,
		origins: append([]string(nil), origins...),
		methods: append([]string(nil), methods...),
		headers: append([]string(nil), headers...),
	}
}

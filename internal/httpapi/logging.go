package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zlog is the access logger. Unset means the global zerolog logger.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

func accessLog() *zerolog.Logger {
	if zlog != nil {
		return zlog
	}
	l := log.With().Str("component", "http").Logger()
	return &l
}

// parseLevel maps a per-request override to a zerolog level. Unknown values
// fall back to info.
func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "off", "none":
		return zerolog.Disabled
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info", "1":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// requestLogLevel picks the level for one access line: ?log= and
// X-Log-Level override; otherwise reads log at debug and writes at info.
func requestLogLevel(r *http.Request) zerolog.Level {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// AccessLog writes one line per request. Server errors are always logged.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		lvl := requestLogLevel(r)
		if status >= 500 {
			lvl = zerolog.ErrorLevel
		}
		if lvl == zerolog.Disabled {
			return
		}
		ev := accessLog().WithLevel(lvl).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			ev = ev.Str("request_id", rid)
		}
		ev.Msg("request")
	})
}

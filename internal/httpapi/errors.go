package httpapi

import (
	"encoding/json"
	"net/http"

	"memcoord/internal/errs"
	"memcoord/internal/manager"
	"memcoord/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps a service error to its status code and error kind.
func writeError(w http.ResponseWriter, err error) int {
	status := manager.HTTPStatus(err)
	kind := errs.KindOf(err)
	if kind != "" {
		rejectionsTotal.WithLabelValues(string(kind)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: err.Error(), Kind: string(kind), Code: status})
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// headers are gone; nothing left but to log
		accessLog().Warn().Err(err).Msg("encode response")
	}
}

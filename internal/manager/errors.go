package manager

import (
	"net/http"

	"memcoord/internal/errs"
)

// HTTPStatus maps an error to the status code the HTTP layer should return.
func HTTPStatus(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInsufficientMemory, errs.KindCacheFull:
		return http.StatusInsufficientStorage
	case errs.KindEvictionBlocked, errs.KindRequestAlreadyInFlight, errs.KindInvalidTransition:
		return http.StatusConflict
	case errs.KindCoordinationTimeout:
		return http.StatusGatewayTimeout
	case errs.KindDeviceUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindStateInconsistent:
		return http.StatusBadGateway
	case errs.KindInvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// IsModelNotFound reports whether err indicates a missing model id.
func IsModelNotFound(err error) bool {
	return errs.IsNotFound(err)
}

// IsBusy reports whether err means the model is mid-transition and the
// caller should retry later.
func IsBusy(err error) bool {
	return errs.IsRequestAlreadyInFlight(err) || errs.IsEvictionBlocked(err)
}

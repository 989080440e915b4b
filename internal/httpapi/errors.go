package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"opd/queue-service/internal/geofence"
	"opd/queue-service/internal/store"
)

const (
	codeInvalidJSON      = "INVALID_JSON"
	codeRateLimited      = "RATE_LIMITED"
	codeUnauthorized     = "UNAUTHORIZED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeInternal         = store.KindInternal
)

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func mapError(err error) (int, string, string, any) {
	var violation *geofence.Violation
	if errors.As(err, &violation) {
		return http.StatusUnprocessableEntity, store.KindGeofenceViolation, violation.Error(), map[string]float64{
			"current_distance":  violation.CurrentDistance,
			"required_distance": violation.RequiredDistance,
		}
	}
	kind := store.Kind(err)
	switch kind {
	case store.KindNotFound:
		return http.StatusNotFound, kind, err.Error(), nil
	case store.KindValidation:
		return http.StatusBadRequest, kind, err.Error(), nil
	case store.KindInvalidState, store.KindConcurrency:
		return http.StatusConflict, kind, err.Error(), nil
	case store.KindGeofenceViolation:
		return http.StatusUnprocessableEntity, kind, err.Error(), nil
	case store.KindNoDoctorAvailable:
		return http.StatusServiceUnavailable, kind, "no doctor with remaining capacity", nil
	case store.KindNoCapacityEscalate:
		return http.StatusConflict, kind, err.Error(), nil
	default:
		return http.StatusInternalServerError, codeInternal, "internal server error", nil
	}
}

func writeError(c echo.Context, status int, code, message string, details any) error {
	return c.JSON(status, errorResponse{
		RequestID: requestID(c),
		Error: responseError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

package store

import "errors"

var (
	ErrTokenNotFound       = errors.New("token not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrDepartmentNotFound  = errors.New("department not found")
	ErrHospitalNotFound    = errors.New("hospital not found")
	ErrValidation          = errors.New("validation error")
	ErrInvalidState        = errors.New("invalid token state")
	ErrGeofenceViolation   = errors.New("check-in outside geofence")
	ErrNoDoctorAvailable   = errors.New("no doctor available")
	ErrNoCapacityEscalate  = errors.New("no capacity for emergency token")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
)

const (
	KindNotFound           = "NOT_FOUND"
	KindValidation         = "VALIDATION_ERROR"
	KindInvalidState       = "INVALID_STATE"
	KindGeofenceViolation  = "GEOFENCE_VIOLATION"
	KindNoDoctorAvailable  = "NO_DOCTOR_AVAILABLE"
	KindNoCapacityEscalate = "NO_CAPACITY_ESCALATE"
	KindConcurrency        = "CONCURRENCY_CONFLICT"
	KindInternal           = "INTERNAL"
)

// Kind maps err onto the domain error taxonomy. Anything that is not a
// domain error is reported as KindInternal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrDoctorNotFound),
		errors.Is(err, ErrDepartmentNotFound), errors.Is(err, ErrHospitalNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrGeofenceViolation):
		return KindGeofenceViolation
	case errors.Is(err, ErrNoDoctorAvailable):
		return KindNoDoctorAvailable
	case errors.Is(err, ErrNoCapacityEscalate):
		return KindNoCapacityEscalate
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrency
	default:
		return KindInternal
	}
}

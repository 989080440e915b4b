// Package geofence decides whether a patient is close enough to a hospital to
// check in.
package geofence

import (
	"fmt"
	"math"

	"opd/queue-service/internal/models"
	"opd/queue-service/internal/store"
)

const earthRadiusMeters = 6371000.0

// Violation is returned when the patient is outside the hospital radius.
type Violation struct {
	CurrentDistance  float64 `json:"current_distance"`
	RequiredDistance float64 `json:"required_distance"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("patient is %.1fm away, must be within %.0fm", v.CurrentDistance, v.RequiredDistance)
}

func (v *Violation) Is(target error) bool {
	return target == store.ErrGeofenceViolation
}

// DistanceMeters is the great-circle distance between two points.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// ValidateCheckIn compares the exact distance with the radius. The distance
// it reports, on success or in the *Violation, is rounded to 0.1m.
func ValidateCheckIn(hospital models.Hospital, lat, lon float64) (float64, error) {
	if !validCoordinate(lat, lon) {
		return 0, fmt.Errorf("%w: coordinates out of range", store.ErrValidation)
	}
	raw := DistanceMeters(hospital.Latitude, hospital.Longitude, lat, lon)
	distance := round1(raw)
	radius := hospital.Radius()
	if raw > radius {
		return distance, &Violation{CurrentDistance: distance, RequiredDistance: radius}
	}
	return distance, nil
}

func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

package models

type DoctorStatus string

const (
	DoctorAvailable DoctorStatus = "AVAILABLE"
	DoctorOnLeave   DoctorStatus = "ON_LEAVE"
	DoctorBreak     DoctorStatus = "BREAK"
)

func (s DoctorStatus) Valid() bool {
	switch s {
	case DoctorAvailable, DoctorOnLeave, DoctorBreak:
		return true
	}
	return false
}

const (
	DefaultAvgConsultationMinutes = 15
	DefaultMaxTokensPerSession    = 30
	DefaultBufferMinutes          = 5
	DefaultGeofenceRadiusMeters   = 200
)

type Doctor struct {
	DoctorID               string       `json:"doctor_id"`
	HospitalID             string       `json:"hospital_id"`
	Name                   string       `json:"name"`
	Specialization         string       `json:"specialization,omitempty"`
	PrimaryDepartmentID    string       `json:"primary_department_id"`
	AvgConsultationMinutes int          `json:"avg_consultation_minutes"`
	MaxTokensPerSession    int          `json:"max_tokens_per_session"`
	Status                 DoctorStatus `json:"status"`
}

// ConsultationMinutes falls back to the department value and then the
// global default when the doctor has none.
func (d Doctor) ConsultationMinutes(dept *Department) int {
	if d.AvgConsultationMinutes > 0 {
		return d.AvgConsultationMinutes
	}
	if dept != nil && dept.AvgConsultationMinutes > 0 {
		return dept.AvgConsultationMinutes
	}
	return DefaultAvgConsultationMinutes
}

type Department struct {
	DepartmentID           string `json:"department_id"`
	HospitalID             string `json:"hospital_id"`
	Name                   string `json:"name"`
	Code                   string `json:"code"`
	AvgConsultationMinutes int    `json:"avg_consultation_minutes"`
	BufferMinutes          int    `json:"buffer_minutes"`
}

type Hospital struct {
	HospitalID           string  `json:"hospital_id"`
	Name                 string  `json:"name"`
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	GeofenceRadiusMeters float64 `json:"geofence_radius_meters"`
}

func (h Hospital) Radius() float64 {
	if h.GeofenceRadiusMeters > 0 {
		return h.GeofenceRadiusMeters
	}
	return DefaultGeofenceRadiusMeters
}

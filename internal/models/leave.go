package models

import "time"

type ExceptionType string

const (
	PlannedLeave   ExceptionType = "PLANNED_LEAVE"
	UnplannedLeave ExceptionType = "UNPLANNED_LEAVE"
	EmergencyLeave ExceptionType = "EMERGENCY"
)

func (e ExceptionType) Valid() bool {
	switch e {
	case PlannedLeave, UnplannedLeave, EmergencyLeave:
		return true
	}
	return false
}

// Unplanned reports whether the absence biases redistribution towards reassignment.
func (e ExceptionType) Unplanned() bool {
	return e == UnplannedLeave || e == EmergencyLeave
}

type Leave struct {
	DoctorID      string        `json:"doctor_id"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	ExceptionType ExceptionType `json:"exception_type"`
	Reason        string        `json:"reason"`
}

type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

package models

import "time"

type Status string

const (
	StatusBooked         Status = "BOOKED"
	StatusCheckedIn      Status = "CHECKED_IN"
	StatusWaiting        Status = "WAITING"
	StatusInConsultation Status = "IN_CONSULTATION"
	StatusCompleted      Status = "COMPLETED"
	StatusNoShow         Status = "NO_SHOW"
	StatusCancelled      Status = "CANCELLED"
	StatusRescheduled    Status = "RESCHEDULED"
)

// ActiveStatuses are the statuses that still hold a place in a doctor's queue.
var ActiveStatuses = []Status{StatusBooked, StatusCheckedIn, StatusWaiting, StatusInConsultation}

// AheadStatuses is the canonical set of statuses that count as "ahead in line"
// for ETA and check-in position reporting.
var AheadStatuses = []Status{StatusCheckedIn, StatusWaiting, StatusInConsultation}

// PendingStatuses are active tokens that have not been called yet.
var PendingStatuses = []Status{StatusBooked, StatusCheckedIn, StatusWaiting}

func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusCheckedIn, StatusWaiting, StatusInConsultation,
		StatusCompleted, StatusNoShow, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

func (s Status) Active() bool {
	return s.In(ActiveStatuses)
}

func (s Status) Terminal() bool {
	return s.Valid() && !s.Active()
}

func (s Status) In(set []Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

type Priority int

const (
	PriorityNormal    Priority = 1
	PriorityReserved  Priority = 2
	PriorityEmergency Priority = 3
)

func (p Priority) Valid() bool {
	return p >= PriorityNormal && p <= PriorityEmergency
}

type Token struct {
	TokenID      string `json:"token_id"`
	TokenNumber  string `json:"token_number"`
	PatientID    string `json:"patient_id"`
	DoctorID     string `json:"doctor_id"`
	DepartmentID string `json:"department_id"`
	HospitalID   string `json:"hospital_id"`

	Priority             Priority   `json:"priority"`
	Status               Status     `json:"status"`
	ScheduledTime        time.Time  `json:"scheduled_time"`
	QueueDay             string     `json:"queue_day"`
	QueuePosition        int        `json:"queue_position"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
	ETAUpdatedAt         *time.Time `json:"eta_updated_at,omitempty"`

	CheckInTime           *time.Time `json:"check_in_time,omitempty"`
	CheckInLatitude       *float64   `json:"check_in_latitude,omitempty"`
	CheckInLongitude      *float64   `json:"check_in_longitude,omitempty"`
	CalledTime            *time.Time `json:"called_time,omitempty"`
	ConsultationStartTime *time.Time `json:"consultation_start_time,omitempty"`
	ConsultationEndTime   *time.Time `json:"consultation_end_time,omitempty"`

	VisitReason        string         `json:"visit_reason,omitempty"`
	Notes              map[string]any `json:"notes,omitempty"`
	CancellationReason string         `json:"cancellation_reason,omitempty"`
	ReminderSent       bool           `json:"reminder_sent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with t.
func (t Token) Clone() Token {
	out := t
	if t.Notes != nil {
		out.Notes = make(map[string]any, len(t.Notes))
		for k, v := range t.Notes {
			out.Notes[k] = v
		}
	}
	return out
}

package store

import (
	"context"
	"time"

	"opd/queue-service/internal/models"
)

// Repository is the source of truth for tokens and doctors. The engine only
// ever holds per-call snapshots of what it returns.
type Repository interface {
	FindToken(ctx context.Context, tokenID string) (models.Token, error)
	// FindActiveTokensForDoctor returns the doctor's tokens whose status is in
	// statuses and whose scheduled time falls inside window, ordered by
	// queue position ascending.
	FindActiveTokensForDoctor(ctx context.Context, doctorID string, statuses []models.Status, window models.TimeRange) ([]models.Token, error)
	// FindCompletedTokensForDoctor returns COMPLETED tokens whose consultation
	// ended inside window.
	FindCompletedTokensForDoctor(ctx context.Context, doctorID string, window models.TimeRange) ([]models.Token, error)
	CountActiveForDoctor(ctx context.Context, doctorID string, window models.TimeRange) (int, error)
	// CountScheduledToday counts the doctor's tokens scheduled inside day that
	// are not COMPLETED, CANCELLED or NO_SHOW.
	CountScheduledToday(ctx context.Context, doctorID string, day models.TimeRange) (int, error)
	ListTokensDue(ctx context.Context, query DueQuery) ([]models.Token, error)
	ListDoctorsWithActiveTokens(ctx context.Context, window models.TimeRange) ([]string, error)

	CreateToken(ctx context.Context, token models.Token) (models.Token, error)
	UpdateToken(ctx context.Context, tokenID string, patch TokenPatch) (models.Token, error)
	// NextQueuePosition atomically increments and returns the per-doctor,
	// per-day position counter.
	NextQueuePosition(ctx context.Context, doctorID, queueDay string) (int, error)

	FindDoctor(ctx context.Context, doctorID string) (models.Doctor, error)
	FindActiveDoctorsInDepartment(ctx context.Context, departmentID, excludingDoctorID string) ([]models.Doctor, error)
	UpdateDoctorStatus(ctx context.Context, doctorID string, status models.DoctorStatus) (models.Doctor, error)
	FindDepartment(ctx context.Context, departmentID string) (models.Department, error)
	FindHospital(ctx context.Context, hospitalID string) (models.Hospital, error)
}

type DueQuery struct {
	Statuses []models.Status
	Window   models.TimeRange
	// OnlyUnreminded restricts the result to tokens with reminderSent=false.
	OnlyUnreminded bool
	Limit          int
}

// TokenPatch describes a partial update. Nil fields are left untouched and
// Notes is merged key by key into the stored notes. The Expect* fields turn
// the update into a compare-and-set that fails with ErrConcurrencyConflict.
type TokenPatch struct {
	ExpectStatus       *models.Status
	ExpectDoctorID     *string
	ExpectReminderSent *bool

	Status                *models.Status
	DoctorID              *string
	QueueDay              *string
	QueuePosition         *int
	EstimatedWaitMinutes  *int
	ETAUpdatedAt          *time.Time
	CheckInTime           *time.Time
	CheckInLatitude       *float64
	CheckInLongitude      *float64
	CalledTime            *time.Time
	ConsultationStartTime *time.Time
	ConsultationEndTime   *time.Time
	CancellationReason    *string
	ReminderSent          *bool
	Notes                 map[string]any
}

// Apply writes the patch onto token in place. Expectations are not checked.
func (p TokenPatch) Apply(token *models.Token) {
	if p.Status != nil {
		token.Status = *p.Status
	}
	if p.DoctorID != nil {
		token.DoctorID = *p.DoctorID
	}
	if p.QueueDay != nil {
		token.QueueDay = *p.QueueDay
	}
	if p.QueuePosition != nil {
		token.QueuePosition = *p.QueuePosition
	}
	if p.EstimatedWaitMinutes != nil {
		token.EstimatedWaitMinutes = *p.EstimatedWaitMinutes
	}
	if p.ETAUpdatedAt != nil {
		token.ETAUpdatedAt = timePtr(*p.ETAUpdatedAt)
	}
	if p.CheckInTime != nil {
		token.CheckInTime = timePtr(*p.CheckInTime)
	}
	if p.CheckInLatitude != nil {
		v := *p.CheckInLatitude
		token.CheckInLatitude = &v
	}
	if p.CheckInLongitude != nil {
		v := *p.CheckInLongitude
		token.CheckInLongitude = &v
	}
	if p.CalledTime != nil {
		token.CalledTime = timePtr(*p.CalledTime)
	}
	if p.ConsultationStartTime != nil {
		token.ConsultationStartTime = timePtr(*p.ConsultationStartTime)
	}
	if p.ConsultationEndTime != nil {
		token.ConsultationEndTime = timePtr(*p.ConsultationEndTime)
	}
	if p.CancellationReason != nil {
		token.CancellationReason = *p.CancellationReason
	}
	if p.ReminderSent != nil {
		token.ReminderSent = *p.ReminderSent
	}
	if len(p.Notes) > 0 {
		if token.Notes == nil {
			token.Notes = make(map[string]any, len(p.Notes))
		}
		for k, v := range p.Notes {
			token.Notes[k] = v
		}
	}
}

// Matches reports whether token satisfies the patch expectations.
func (p TokenPatch) Matches(token models.Token) bool {
	if p.ExpectStatus != nil && token.Status != *p.ExpectStatus {
		return false
	}
	if p.ExpectDoctorID != nil && token.DoctorID != *p.ExpectDoctorID {
		return false
	}
	if p.ExpectReminderSent != nil && token.ReminderSent != *p.ExpectReminderSent {
		return false
	}
	return true
}

func timePtr(t time.Time) *time.Time {
	return &t
}

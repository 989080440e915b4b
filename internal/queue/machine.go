// Package queue moves tokens through their lifecycle and hands out queue
// positions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"opd/queue-service/internal/clock"
	"opd/queue-service/internal/eta"
	"opd/queue-service/internal/geofence"
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/store"
)

const DefaultRetryLimit = 3

type Options struct {
	Clock      clock.Clock
	Location   *time.Location
	Lanes      *Lanes
	RetryLimit int
	Logger     zerolog.Logger
	// Intn picks the auto-assigned doctor. Defaults to math/rand.
	Intn func(n int) int
}

type Machine struct {
	repo    store.Repository
	eta     *eta.Calculator
	lanes   *Lanes
	clock   clock.Clock
	loc     *time.Location
	retries int
	logger  zerolog.Logger
	intn    func(n int) int
}

func NewMachine(repo store.Repository, calc *eta.Calculator, opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Lanes == nil {
		opts.Lanes = NewLanes()
	}
	if opts.RetryLimit < 1 {
		opts.RetryLimit = DefaultRetryLimit
	}
	if opts.Intn == nil {
		opts.Intn = rand.Intn
	}
	return &Machine{
		repo:    repo,
		eta:     calc,
		lanes:   opts.Lanes,
		clock:   opts.Clock,
		loc:     opts.Location,
		retries: opts.RetryLimit,
		logger:  opts.Logger,
		intn:    opts.Intn,
	}
}

func (m *Machine) Lanes() *Lanes { return m.lanes }

// QueueDay is the calendar date a token scheduled at t is queued under.
func (m *Machine) QueueDay(t time.Time) string {
	return clock.DayKey(t, m.loc)
}

type BookRequest struct {
	PatientID     string          `json:"patient_id"`
	DoctorID      string          `json:"doctor_id,omitempty"`
	DepartmentID  string          `json:"department_id"`
	HospitalID    string          `json:"hospital_id,omitempty"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	VisitReason   string          `json:"visit_reason,omitempty"`
	Priority      models.Priority `json:"priority,omitempty"`
}

type Booking struct {
	Token                models.Token `json:"token"`
	EstimatedWaitMinutes int          `json:"estimated_wait_minutes"`
}

func (r BookRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.PatientID) == "" {
		missing = append(missing, "patient_id")
	}
	if strings.TrimSpace(r.DepartmentID) == "" {
		missing = append(missing, "department_id")
	}
	if r.ScheduledTime.IsZero() {
		missing = append(missing, "scheduled_time")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", store.ErrValidation, strings.Join(missing, ", "))
	}
	if r.Priority != 0 && !r.Priority.Valid() {
		return fmt.Errorf("%w: priority must be 1, 2 or 3", store.ErrValidation)
	}
	return nil
}

// Book creates a token for the requested or an auto-assigned doctor.
func (m *Machine) Book(ctx context.Context, req BookRequest) (Booking, error) {
	if err := req.validate(); err != nil {
		return Booking{}, err
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityNormal
	}
	dept, err := m.repo.FindDepartment(ctx, req.DepartmentID)
	if err != nil {
		return Booking{}, err
	}
	if req.HospitalID == "" {
		req.HospitalID = dept.HospitalID
	}

	var candidates []models.Doctor
	if req.DoctorID != "" {
		doctor, err := m.repo.FindDoctor(ctx, req.DoctorID)
		if err != nil {
			return Booking{}, err
		}
		candidates = []models.Doctor{doctor}
	} else if candidates, err = m.openDoctors(ctx, dept.DepartmentID, req.ScheduledTime); err != nil {
		return Booking{}, err
	}
	autoAssign := req.DoctorID == ""

	var (
		booking Booking
		doctor  models.Doctor
	)
	for {
		if len(candidates) == 0 {
			return Booking{}, fmt.Errorf("%w: department %s", store.ErrNoDoctorAvailable, dept.DepartmentID)
		}
		pick := m.intn(len(candidates))
		doctor = candidates[pick]
		full := false
		err = m.lanes.Do(ctx, doctor.DoctorID, func() error {
			// The count that selected the doctor may be stale by now.
			if autoAssign {
				open, err := m.hasCapacity(ctx, doctor, req.ScheduledTime)
				if err != nil {
					return err
				}
				if !open {
					full = true
					return nil
				}
			}
			token, err := m.createWithRetry(ctx, req, doctor, dept)
			if err != nil {
				return err
			}
			minutes, err := m.eta.Estimate(ctx, token.TokenID)
			if err != nil {
				return err
			}
			token.EstimatedWaitMinutes = minutes
			booking = Booking{Token: token, EstimatedWaitMinutes: minutes}
			return nil
		})
		if err != nil {
			return Booking{}, err
		}
		if !full {
			break
		}
		candidates = append(candidates[:pick:pick], candidates[pick+1:]...)
	}
	m.logger.Info().
		Str("token_id", booking.Token.TokenID).
		Str("doctor_id", doctor.DoctorID).
		Int("position", booking.Token.QueuePosition).
		Msg("token booked")
	return booking, nil
}

func (m *Machine) createWithRetry(ctx context.Context, req BookRequest, doctor models.Doctor, dept models.Department) (models.Token, error) {
	queueDay := m.QueueDay(req.ScheduledTime)
	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		position, err := m.repo.NextQueuePosition(ctx, doctor.DoctorID, queueDay)
		if err != nil {
			return models.Token{}, err
		}
		token := models.Token{
			TokenID:       uuid.NewString(),
			TokenNumber:   TokenNumber(dept.Code, position),
			PatientID:     req.PatientID,
			DoctorID:      doctor.DoctorID,
			DepartmentID:  dept.DepartmentID,
			HospitalID:    req.HospitalID,
			Priority:      req.Priority,
			Status:        models.StatusBooked,
			ScheduledTime: req.ScheduledTime,
			QueueDay:      queueDay,
			QueuePosition: position,
			VisitReason:   req.VisitReason,
		}
		created, err := m.repo.CreateToken(ctx, token)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) {
			return models.Token{}, err
		}
		lastErr = err
		m.logger.Warn().Str("doctor_id", doctor.DoctorID).Int("position", position).Int("attempt", attempt+1).Msg("queue position taken, retrying")
	}
	return models.Token{}, fmt.Errorf("allocate queue position for doctor %s: %w", doctor.DoctorID, lastErr)
}

// TokenNumber renders the human-facing token label, e.g. GEN-007.
func TokenNumber(departmentCode string, position int) string {
	if departmentCode == "" {
		departmentCode = "OPD"
	}
	return fmt.Sprintf("%s-%0*d", departmentCode, 3, position)
}

// openDoctors lists the department's active doctors that still have room on
// the scheduled day.
func (m *Machine) openDoctors(ctx context.Context, departmentID string, scheduled time.Time) ([]models.Doctor, error) {
	doctors, err := m.repo.FindActiveDoctorsInDepartment(ctx, departmentID, "")
	if err != nil {
		return nil, err
	}
	var open []models.Doctor
	for _, d := range doctors {
		ok, err := m.hasCapacity(ctx, d, scheduled)
		if err != nil {
			return nil, err
		}
		if ok {
			open = append(open, d)
		}
	}
	return open, nil
}

func (m *Machine) hasCapacity(ctx context.Context, d models.Doctor, scheduled time.Time) (bool, error) {
	from, to := clock.DayBounds(scheduled, m.loc)
	count, err := m.repo.CountScheduledToday(ctx, d.DoctorID, models.TimeRange{From: from, To: to})
	if err != nil {
		return false, err
	}
	return RemainingCapacity(d, count) > 0, nil
}

// RemainingCapacity is how many more tokens the doctor can take in a day.
func RemainingCapacity(d models.Doctor, scheduledCount int) int {
	limit := d.MaxTokensPerSession
	if limit <= 0 {
		limit = models.DefaultMaxTokensPerSession
	}
	return limit - scheduledCount
}

type CheckInResult struct {
	Token                models.Token `json:"token"`
	TokensAhead          int          `json:"tokens_ahead"`
	DistanceMeters       float64      `json:"distance_meters"`
	EstimatedWaitMinutes int          `json:"estimated_wait_minutes"`
}

func (m *Machine) CheckIn(ctx context.Context, tokenID string, lat, lon float64) (CheckInResult, error) {
	token, err := m.repo.FindToken(ctx, tokenID)
	if err != nil {
		return CheckInResult{}, err
	}
	if !store.ValidTransition(store.ActionCheckIn, token.Status) {
		return CheckInResult{}, invalidState(token, store.ActionCheckIn)
	}
	hospital, err := m.repo.FindHospital(ctx, token.HospitalID)
	if err != nil {
		return CheckInResult{}, err
	}
	distance, err := geofence.ValidateCheckIn(hospital, lat, lon)
	if err != nil {
		return CheckInResult{}, err
	}

	var result CheckInResult
	err = m.withToken(ctx, tokenID, store.ActionCheckIn, func(now time.Time, _ models.Token) store.TokenPatch {
		return store.TokenPatch{CheckInTime: &now, CheckInLatitude: &lat, CheckInLongitude: &lon}
	}, func(updated models.Token) error {
		ahead, err := m.tokensAhead(ctx, updated)
		if err != nil {
			return err
		}
		minutes, err := m.eta.Estimate(ctx, updated.TokenID)
		if err != nil {
			return err
		}
		updated.EstimatedWaitMinutes = minutes
		result = CheckInResult{Token: updated, TokensAhead: ahead, DistanceMeters: distance, EstimatedWaitMinutes: minutes}
		return nil
	})
	return result, err
}

// EnterWaiting moves a checked-in patient into the waiting area.
func (m *Machine) EnterWaiting(ctx context.Context, tokenID string) (models.Token, error) {
	var out models.Token
	err := m.withToken(ctx, tokenID, store.ActionWait, nil, func(updated models.Token) error {
		minutes, err := m.eta.Estimate(ctx, updated.TokenID)
		if err != nil {
			return err
		}
		updated.EstimatedWaitMinutes = minutes
		out = updated
		return nil
	})
	return out, err
}

type Transition struct {
	Token models.Token `json:"token"`
	ETAs  []eta.Result `json:"etas,omitempty"`
}

func (m *Machine) StartConsultation(ctx context.Context, tokenID string) (Transition, error) {
	return m.transitionAndRecalculate(ctx, tokenID, store.ActionStart, func(now time.Time, _ models.Token) store.TokenPatch {
		return store.TokenPatch{ConsultationStartTime: &now, CalledTime: &now}
	})
}

type Completion struct {
	Transition
	ConsultationMinutes int           `json:"consultation_minutes"`
	Next                *models.Token `json:"next,omitempty"`
}

// CompleteConsultation closes the running consultation and reports which
// present patient is next in line for the doctor.
func (m *Machine) CompleteConsultation(ctx context.Context, tokenID string, notes map[string]any) (Completion, error) {
	tr, err := m.transitionAndRecalculate(ctx, tokenID, store.ActionComplete, func(now time.Time, _ models.Token) store.TokenPatch {
		patch := store.TokenPatch{ConsultationEndTime: &now}
		if len(notes) > 0 {
			patch.Notes = map[string]any{"clinical": notes}
		}
		return patch
	})
	if err != nil {
		return Completion{}, err
	}
	out := Completion{Transition: tr}
	if start, end := tr.Token.ConsultationStartTime, tr.Token.ConsultationEndTime; start != nil && end != nil {
		out.ConsultationMinutes = int(math.Round(end.Sub(*start).Minutes()))
	}
	next, err := m.NextToCall(ctx, tr.Token.DoctorID, tr.Token.QueueDay)
	if err != nil {
		return Completion{}, err
	}
	out.Next = next
	return out, nil
}

// NextToCall returns the present patient with the smallest queue position,
// or nil when nobody is waiting.
func (m *Machine) NextToCall(ctx context.Context, doctorID, queueDay string) (*models.Token, error) {
	day, err := time.ParseInLocation("2006-01-02", queueDay, m.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: queue day %q", store.ErrValidation, queueDay)
	}
	from, to := clock.DayBounds(day, m.loc)
	waiting, err := m.repo.FindActiveTokensForDoctor(ctx, doctorID,
		[]models.Status{models.StatusCheckedIn, models.StatusWaiting},
		models.TimeRange{From: from, To: to})
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	next := waiting[0]
	return &next, nil
}

func (m *Machine) MarkNoShow(ctx context.Context, tokenID, reason string) (Transition, error) {
	if reason == "" {
		reason = "no show"
	}
	return m.transitionAndRecalculate(ctx, tokenID, store.ActionNoShow, func(time.Time, models.Token) store.TokenPatch {
		return store.TokenPatch{CancellationReason: &reason}
	})
}

func (m *Machine) Cancel(ctx context.Context, tokenID, reason string) (Transition, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return m.transitionAndRecalculate(ctx, tokenID, store.ActionCancel, func(time.Time, models.Token) store.TokenPatch {
		return store.TokenPatch{CancellationReason: &reason}
	})
}

func (m *Machine) transitionAndRecalculate(ctx context.Context, tokenID string, action store.Action, build patchBuilder) (Transition, error) {
	var out Transition
	err := m.withToken(ctx, tokenID, action, build, func(updated models.Token) error {
		results, err := m.eta.RecalculateQueue(ctx, updated.DoctorID)
		if err != nil {
			return err
		}
		out = Transition{Token: updated, ETAs: results}
		return nil
	})
	return out, err
}

type patchBuilder func(now time.Time, current models.Token) store.TokenPatch

// withToken applies action to the token inside its doctor's lane. The write
// is a compare-and-set on the status read inside the lane; then runs with the
// lane still held.
func (m *Machine) withToken(ctx context.Context, tokenID string, action store.Action, build patchBuilder, then func(models.Token) error) error {
	token, err := m.repo.FindToken(ctx, tokenID)
	if err != nil {
		return err
	}
	return m.lanes.Do(ctx, token.DoctorID, func() error {
		current, err := m.repo.FindToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if current.DoctorID != token.DoctorID {
			return fmt.Errorf("%w: token %s moved to another doctor", store.ErrConcurrencyConflict, tokenID)
		}
		target, ok := store.Target(action, current.Status)
		if !ok {
			return invalidState(current, action)
		}
		now := m.clock.Now()
		var patch store.TokenPatch
		if build != nil {
			patch = build(now, current)
		}
		patch.ExpectStatus = &current.Status
		patch.ExpectDoctorID = &current.DoctorID
		patch.Status = &target

		updated, err := m.repo.UpdateToken(ctx, tokenID, patch)
		if errors.Is(err, store.ErrConcurrencyConflict) {
			latest, findErr := m.repo.FindToken(ctx, tokenID)
			if findErr == nil && !store.ValidTransition(action, latest.Status) {
				return invalidState(latest, action)
			}
		}
		if err != nil {
			return err
		}
		m.logger.Debug().
			Str("token_id", tokenID).
			Str("doctor_id", updated.DoctorID).
			Str("action", string(action)).
			Str("from", string(current.Status)).
			Str("to", string(updated.Status)).
			Msg("token transition")
		if then == nil {
			return nil
		}
		return then(updated)
	})
}

// tokensAhead counts present patients of the same doctor and day with a
// smaller queue position.
func (m *Machine) tokensAhead(ctx context.Context, token models.Token) (int, error) {
	from, to := clock.DayBounds(token.ScheduledTime, m.loc)
	tokens, err := m.repo.FindActiveTokensForDoctor(ctx, token.DoctorID, models.AheadStatuses, models.TimeRange{From: from, To: to})
	if err != nil {
		return 0, err
	}
	ahead := 0
	for _, t := range tokens {
		if t.TokenID != token.TokenID && t.QueuePosition < token.QueuePosition {
			ahead++
		}
	}
	return ahead, nil
}

func invalidState(token models.Token, action store.Action) error {
	return fmt.Errorf("%w: cannot %s token %s in status %s", store.ErrInvalidState, action, token.TokenID, token.Status)
}

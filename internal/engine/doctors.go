package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"opd/queue-service/internal/broadcast"
	"opd/queue-service/internal/clock"
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/notify"
	"opd/queue-service/internal/redistribution"
	"opd/queue-service/internal/store"
)

type CurrentConsultation struct {
	Token          models.Token `json:"token"`
	RunningMinutes int          `json:"running_minutes"`
}

type QueueStats struct {
	Completed              int     `json:"completed"`
	Pending                int     `json:"pending"`
	NoShow                 int     `json:"no_show"`
	AvgConsultationMinutes float64 `json:"avg_consultation_minutes"`
}

type QueueView struct {
	Doctor   models.Doctor        `json:"doctor"`
	QueueDay string               `json:"queue_day"`
	Current  *CurrentConsultation `json:"current,omitempty"`
	Upcoming []models.Token       `json:"upcoming"`
	Stats    QueueStats           `json:"stats"`
}

// DoctorQueue returns the doctor's queue for day ("2006-01-02", empty for
// today).
func (e *Engine) DoctorQueue(ctx context.Context, doctorID, day string) (view QueueView, err error) {
	ctx, finish := e.start(ctx, "DoctorQueue", attribute.String("doctor_id", doctorID))
	defer func() { finish(err) }()

	doctor, err := e.repo.FindDoctor(ctx, doctorID)
	if err != nil {
		return QueueView{}, err
	}
	window := e.today()
	if day != "" {
		parsed, err := time.ParseInLocation("2006-01-02", day, e.loc)
		if err != nil {
			return QueueView{}, fmt.Errorf("%w: day must be YYYY-MM-DD", store.ErrValidation)
		}
		from, to := clock.DayBounds(parsed, e.loc)
		window = models.TimeRange{From: from, To: to}
	}
	view = QueueView{Doctor: doctor, QueueDay: clock.DayKey(window.From, e.loc), Upcoming: []models.Token{}}

	active, err := e.repo.FindActiveTokensForDoctor(ctx, doctorID, models.ActiveStatuses, window)
	if err != nil {
		return QueueView{}, err
	}
	now := e.clock.Now()
	for _, t := range active {
		if t.Status == models.StatusInConsultation {
			current := &CurrentConsultation{Token: t}
			if t.ConsultationStartTime != nil {
				current.RunningMinutes = int(math.Floor(now.Sub(*t.ConsultationStartTime).Minutes()))
			}
			view.Current = current
			continue
		}
		view.Stats.Pending++
		if len(view.Upcoming) < UpcomingLimit {
			view.Upcoming = append(view.Upcoming, t)
		}
	}

	completed, err := e.repo.FindCompletedTokensForDoctor(ctx, doctorID, window)
	if err != nil {
		return QueueView{}, err
	}
	view.Stats.Completed = len(completed)
	var total float64
	var timed int
	for _, t := range completed {
		if t.ConsultationStartTime == nil || t.ConsultationEndTime == nil {
			continue
		}
		total += t.ConsultationEndTime.Sub(*t.ConsultationStartTime).Minutes()
		timed++
	}
	if timed > 0 {
		view.Stats.AvgConsultationMinutes = math.Round(total/float64(timed)*10) / 10
	}

	noShows, err := e.repo.FindActiveTokensForDoctor(ctx, doctorID, []models.Status{models.StatusNoShow}, window)
	if err != nil {
		return QueueView{}, err
	}
	view.Stats.NoShow = len(noShows)
	return view, nil
}

type DoctorStatusChange struct {
	Doctor        models.Doctor `json:"doctor"`
	PendingTokens int           `json:"pending_tokens"`
}

// SetDoctorStatus updates the doctor's availability and reports how many
// present patients are still waiting for them today.
func (e *Engine) SetDoctorStatus(ctx context.Context, doctorID string, status models.DoctorStatus) (change DoctorStatusChange, err error) {
	ctx, finish := e.start(ctx, "SetDoctorStatus", attribute.String("doctor_id", doctorID), attribute.String("status", string(status)))
	defer func() { finish(err) }()

	if !status.Valid() {
		return DoctorStatusChange{}, fmt.Errorf("%w: status must be AVAILABLE, ON_LEAVE or BREAK", store.ErrValidation)
	}
	doctor, err := e.repo.UpdateDoctorStatus(ctx, doctorID, status)
	if err != nil {
		return DoctorStatusChange{}, err
	}
	pending, err := e.repo.FindActiveTokensForDoctor(ctx, doctorID,
		[]models.Status{models.StatusCheckedIn, models.StatusWaiting}, e.today())
	if err != nil {
		return DoctorStatusChange{}, err
	}
	change = DoctorStatusChange{Doctor: doctor, PendingTokens: len(pending)}

	data := map[string]any{"doctor_id": doctorID, "status": status, "pending_tokens": change.PendingTokens}
	e.publish(ctx, broadcast.DoctorChannel(doctorID), broadcast.EventDoctorStatus, data)
	e.publishAdmin(ctx, broadcast.EventDoctorStatus, data)
	e.logger.Info().Str("doctor_id", doctorID).Str("status", string(status)).Int("pending", change.PendingTokens).Msg("doctor status changed")
	return change, nil
}

// PreviewLeave plans the redistribution a leave would trigger without
// writing anything.
func (e *Engine) PreviewLeave(ctx context.Context, leave models.Leave) (plan redistribution.Plan, err error) {
	ctx, finish := e.start(ctx, "PreviewLeave", attribute.String("doctor_id", leave.DoctorID))
	defer func() { finish(err) }()

	return e.redist.Plan(ctx, leave)
}

// ReportLeave redistributes the doctor's pending tokens inside the leave
// window and tells every affected patient what happened to their token.
func (e *Engine) ReportLeave(ctx context.Context, leave models.Leave) (out redistribution.Outcome, err error) {
	ctx, finish := e.start(ctx, "ReportLeave",
		attribute.String("doctor_id", leave.DoctorID),
		attribute.String("exception_type", string(leave.ExceptionType)))
	defer func() { finish(err) }()

	out, err = e.redist.Redistribute(ctx, leave)
	if err != nil {
		return out, err
	}

	now := e.clock.Now()
	if (models.TimeRange{From: leave.StartTime, To: leave.EndTime}).Contains(now) {
		if _, err := e.repo.UpdateDoctorStatus(ctx, leave.DoctorID, models.DoctorOnLeave); err != nil {
			e.logger.Error().Err(err).Str("doctor_id", leave.DoctorID).Msg("mark doctor on leave failed")
		} else {
			e.publish(ctx, broadcast.DoctorChannel(leave.DoctorID), broadcast.EventDoctorStatus,
				map[string]any{"doctor_id": leave.DoctorID, "status": models.DoctorOnLeave})
		}
	}

	// Notifications go out for whatever was applied, including an
	// interrupted pass.
	for _, entry := range out.Reassigned {
		e.notify(ctx, notify.KindReassignment, entry.Token, map[string]any{
			"new_doctor": entry.ToDoctorName,
			"position":   entry.QueuePosition,
		})
		e.publishToken(ctx, entry.Token)
		e.publishQueue(ctx, entry.ToDoctorID, entry.Token.DepartmentID)
	}
	for _, entry := range out.Rescheduled {
		e.notify(ctx, notify.KindCancellation, entry.Token, map[string]any{"reason": entry.Reason})
		e.publishToken(ctx, entry.Token)
	}
	for _, entry := range out.Escalated {
		e.publishAdmin(ctx, broadcast.EventEscalation, entry)
	}
	e.publishETAs(ctx, out.ETAs)

	e.metrics.Redistributed(ctx, string(redistribution.DecisionReassign), len(out.Reassigned))
	e.metrics.Redistributed(ctx, string(redistribution.DecisionReschedule), len(out.Rescheduled))
	e.metrics.Redistributed(ctx, string(redistribution.DecisionEscalate), len(out.Escalated))
	e.metrics.ETARecomputed(ctx, len(out.ETAs))

	if out.Result != redistribution.ResultNoActionNeeded {
		e.publishQueue(ctx, leave.DoctorID, "")
	}
	e.publishAdmin(ctx, broadcast.EventRedistribution, out)
	return out, nil
}

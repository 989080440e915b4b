package redistribution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opd/queue-service/internal/clock"
	"opd/queue-service/internal/eta"
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/queue"
	"opd/queue-service/internal/store"
)

const (
	ResultNoActionNeeded = "NO_ACTION_NEEDED"
	ResultCompleted      = "COMPLETED"
	// ResultInterrupted means the context ended mid-pass; remaining tokens
	// were left untouched and are listed under Abandoned.
	ResultInterrupted = "INTERRUPTED"
)

type Options struct {
	Clock    clock.Clock
	Location *time.Location
	Lanes    *queue.Lanes
	Logger   zerolog.Logger
}

type Orchestrator struct {
	repo   store.Repository
	eta    *eta.Calculator
	lanes  *queue.Lanes
	clock  clock.Clock
	loc    *time.Location
	logger zerolog.Logger
}

func New(repo store.Repository, calc *eta.Calculator, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Lanes == nil {
		opts.Lanes = queue.NewLanes()
	}
	return &Orchestrator{
		repo:   repo,
		eta:    calc,
		lanes:  opts.Lanes,
		clock:  opts.Clock,
		loc:    opts.Location,
		logger: opts.Logger,
	}
}

// Entry is one token's fate in a redistribution pass.
type Entry struct {
	TokenID       string       `json:"token_id"`
	TokenNumber   string       `json:"token_number"`
	PatientID     string       `json:"patient_id"`
	Priority      int          `json:"priority"`
	FromDoctorID  string       `json:"from_doctor_id"`
	ToDoctorID    string       `json:"to_doctor_id,omitempty"`
	ToDoctorName  string       `json:"to_doctor_name,omitempty"`
	QueuePosition int          `json:"queue_position,omitempty"`
	Rule          string       `json:"rule"`
	Reason        string       `json:"reason,omitempty"`
	Token         models.Token `json:"-"`
}

type Outcome struct {
	Result      string  `json:"result"`
	DoctorID    string  `json:"doctor_id"`
	Reassigned  []Entry `json:"reassigned"`
	Rescheduled []Entry `json:"rescheduled"`
	Escalated   []Entry `json:"escalated"`
	// Skipped tokens changed status underneath the pass and were left alone.
	Skipped   []Entry      `json:"skipped,omitempty"`
	Abandoned []Entry      `json:"abandoned,omitempty"`
	ETAs      []eta.Result `json:"etas,omitempty"`
}

func (o Outcome) Processed() int {
	return len(o.Reassigned) + len(o.Rescheduled) + len(o.Escalated)
}

func validateLeave(leave models.Leave) error {
	var problems []string
	if strings.TrimSpace(leave.DoctorID) == "" {
		problems = append(problems, "doctor_id is required")
	}
	if !leave.ExceptionType.Valid() {
		problems = append(problems, "exception_type must be PLANNED_LEAVE, UNPLANNED_LEAVE or EMERGENCY")
	}
	if leave.StartTime.IsZero() || leave.EndTime.IsZero() {
		problems = append(problems, "start_time and end_time are required")
	} else if leave.EndTime.Before(leave.StartTime) {
		problems = append(problems, "end_time is before start_time")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", store.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Redistribute plans and applies the redistribution of the doctor's pending
// tokens inside the leave window. The leaving doctor and every pool doctor
// are locked for the whole pass.
func (o *Orchestrator) Redistribute(ctx context.Context, leave models.Leave) (Outcome, error) {
	if err := validateLeave(leave); err != nil {
		return Outcome{}, err
	}
	doctor, err := o.repo.FindDoctor(ctx, leave.DoctorID)
	if err != nil {
		return Outcome{}, err
	}
	others, err := o.repo.FindActiveDoctorsInDepartment(ctx, doctor.PrimaryDepartmentID, doctor.DoctorID)
	if err != nil {
		return Outcome{}, err
	}
	ids := []string{doctor.DoctorID}
	names := make(map[string]string, len(others))
	for _, d := range others {
		ids = append(ids, d.DoctorID)
		names[d.DoctorID] = d.Name
	}

	out := Outcome{DoctorID: doctor.DoctorID}
	err = o.lanes.DoMany(ctx, ids, func() error {
		window := models.TimeRange{From: leave.StartTime, To: leave.EndTime}
		affected, err := o.repo.FindActiveTokensForDoctor(ctx, doctor.DoctorID, models.PendingStatuses, window)
		if err != nil {
			return err
		}
		if len(affected) == 0 {
			out.Result = ResultNoActionNeeded
			return nil
		}
		SortAffected(affected)

		candidates, err := o.snapshot(ctx, others, leave.StartTime)
		if err != nil {
			return err
		}
		plan := Decide(leave, affected, candidates)
		o.logger.Info().
			Str("doctor_id", doctor.DoctorID).
			Str("exception_type", string(leave.ExceptionType)).
			Int("affected", len(affected)).
			Int("pool", len(candidates)).
			Msg("redistribution planned")

		return o.apply(ctx, plan, ids[1:], names, &out)
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// Plan computes the decisions without writing anything.
func (o *Orchestrator) Plan(ctx context.Context, leave models.Leave) (Plan, error) {
	if err := validateLeave(leave); err != nil {
		return Plan{}, err
	}
	doctor, err := o.repo.FindDoctor(ctx, leave.DoctorID)
	if err != nil {
		return Plan{}, err
	}
	others, err := o.repo.FindActiveDoctorsInDepartment(ctx, doctor.PrimaryDepartmentID, doctor.DoctorID)
	if err != nil {
		return Plan{}, err
	}
	affected, err := o.repo.FindActiveTokensForDoctor(ctx, doctor.DoctorID, models.PendingStatuses, models.TimeRange{From: leave.StartTime, To: leave.EndTime})
	if err != nil {
		return Plan{}, err
	}
	SortAffected(affected)
	candidates, err := o.snapshot(ctx, others, leave.StartTime)
	if err != nil {
		return Plan{}, err
	}
	return Decide(leave, affected, candidates), nil
}

func (o *Orchestrator) snapshot(ctx context.Context, doctors []models.Doctor, at time.Time) ([]Candidate, error) {
	day := o.dayOf(at)
	candidates := make([]Candidate, 0, len(doctors))
	for _, d := range doctors {
		scheduled, err := o.repo.CountScheduledToday(ctx, d.DoctorID, day)
		if err != nil {
			return nil, err
		}
		queueLength, err := o.repo.CountActiveForDoctor(ctx, d.DoctorID, day)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{
			DoctorID:    d.DoctorID,
			Name:        d.Name,
			QueueLength: queueLength,
			Remaining:   queue.RemainingCapacity(d, scheduled),
		})
	}
	return candidates, nil
}

func (o *Orchestrator) apply(ctx context.Context, plan Plan, pool []string, names map[string]string, out *Outcome) error {
	reason := plan.Leave.Reason
	if reason == "" {
		reason = strings.ToLower(strings.ReplaceAll(string(plan.Leave.ExceptionType), "_", " "))
	}
	targets := make(map[string]struct{})

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			for _, rest := range plan.Steps[i:] {
				out.Abandoned = append(out.Abandoned, entryFor(rest.Token, rest.Rule))
			}
			out.Result = ResultInterrupted
			o.logger.Warn().Str("doctor_id", out.DoctorID).Int("abandoned", len(plan.Steps)-i).Msg("redistribution interrupted")
			// Tokens already moved must not keep their old doctor's ETA.
			o.refreshTargets(context.WithoutCancel(ctx), targets, out)
			return nil
		}

		var err error
		switch step.Decision {
		case DecisionReassign:
			err = o.reassign(ctx, plan.Leave, reason, step, pool, names, targets, out)
		case DecisionReschedule:
			err = o.reschedule(ctx, reason, step.Token, step.Rule, out)
		case DecisionEscalate:
			err = o.escalate(ctx, plan.Leave, reason, step, out)
		}
		if errors.Is(err, store.ErrConcurrencyConflict) || errors.Is(err, store.ErrTokenNotFound) {
			e := entryFor(step.Token, step.Rule)
			e.Reason = "token changed during redistribution"
			out.Skipped = append(out.Skipped, e)
			continue
		}
		if err != nil {
			return err
		}
	}
	out.Result = ResultCompleted
	o.refreshTargets(ctx, targets, out)
	o.logger.Info().
		Str("doctor_id", out.DoctorID).
		Int("reassigned", len(out.Reassigned)).
		Int("rescheduled", len(out.Rescheduled)).
		Int("escalated", len(out.Escalated)).
		Int("skipped", len(out.Skipped)).
		Msg("redistribution applied")
	return nil
}

func (o *Orchestrator) refreshTargets(ctx context.Context, targets map[string]struct{}, out *Outcome) {
	for doctorID := range targets {
		results, err := o.eta.RecalculateQueue(ctx, doctorID)
		if err != nil {
			o.logger.Error().Err(err).Str("doctor_id", doctorID).Msg("eta recalculation after reassignment failed")
			continue
		}
		out.ETAs = append(out.ETAs, results...)
	}
}

func (o *Orchestrator) reassign(ctx context.Context, leave models.Leave, reason string, step Step, pool []string, names map[string]string, targets map[string]struct{}, out *Outcome) error {
	token := step.Token
	if _, ok := store.Target(store.ActionReassign, token.Status); !ok {
		return store.ErrConcurrencyConflict
	}
	ok, err := o.hasCapacity(ctx, step.TargetDoctorID, token.ScheduledTime)
	if err != nil {
		return err
	}
	if !ok {
		o.logger.Warn().Str("token_id", token.TokenID).Str("target_doctor_id", step.TargetDoctorID).Msg("target capacity vanished")
		if token.Priority != models.PriorityEmergency {
			return o.reschedule(ctx, reason, token, RuleCapacityVanished, out)
		}
		alt, found, err := o.fallbackTarget(ctx, pool, step.TargetDoctorID, token.ScheduledTime)
		if err != nil {
			return err
		}
		// An emergency with nowhere to go is escalated, never rescheduled.
		if !found {
			step.Rule = RuleCapacityVanished
			return o.escalate(ctx, leave, reason, step, out)
		}
		step.TargetDoctorID = alt
	}

	position, err := o.repo.NextQueuePosition(ctx, step.TargetDoctorID, token.QueueDay)
	if err != nil {
		return err
	}
	now := o.clock.Now()
	target := step.TargetDoctorID
	patch := store.TokenPatch{
		ExpectStatus:   &token.Status,
		ExpectDoctorID: &leave.DoctorID,
		DoctorID:       &target,
		QueuePosition:  &position,
		Notes: map[string]any{
			"reassignment": map[string]any{
				"reason":             "Doctor leave - " + reason,
				"original_doctor_id": leave.DoctorID,
				"reassigned_at":      now.UTC().Format(time.RFC3339),
				"rule":               step.Rule,
			},
		},
	}
	updated, err := o.repo.UpdateToken(ctx, token.TokenID, patch)
	if err != nil {
		return err
	}
	targets[target] = struct{}{}
	e := entryFor(updated, step.Rule)
	e.FromDoctorID = leave.DoctorID
	e.ToDoctorID = target
	e.ToDoctorName = names[target]
	e.QueuePosition = position
	out.Reassigned = append(out.Reassigned, e)
	return nil
}

// fallbackTarget returns the first other pool doctor that still has room.
func (o *Orchestrator) fallbackTarget(ctx context.Context, pool []string, skip string, at time.Time) (string, bool, error) {
	for _, doctorID := range pool {
		if doctorID == skip {
			continue
		}
		ok, err := o.hasCapacity(ctx, doctorID, at)
		if err != nil {
			return "", false, err
		}
		if ok {
			return doctorID, true, nil
		}
	}
	return "", false, nil
}

func (o *Orchestrator) hasCapacity(ctx context.Context, doctorID string, at time.Time) (bool, error) {
	doctor, err := o.repo.FindDoctor(ctx, doctorID)
	if err != nil {
		return false, err
	}
	if doctor.Status != models.DoctorAvailable {
		return false, nil
	}
	scheduled, err := o.repo.CountScheduledToday(ctx, doctorID, o.dayOf(at))
	if err != nil {
		return false, err
	}
	return queue.RemainingCapacity(doctor, scheduled) > 0, nil
}

func (o *Orchestrator) reschedule(ctx context.Context, reason string, token models.Token, rule string, out *Outcome) error {
	target, ok := store.Target(store.ActionReschedule, token.Status)
	if !ok {
		return store.ErrConcurrencyConflict
	}
	cancellation := "Doctor unavailable – " + reason
	updated, err := o.repo.UpdateToken(ctx, token.TokenID, store.TokenPatch{
		ExpectStatus:       &token.Status,
		ExpectDoctorID:     &token.DoctorID,
		Status:             &target,
		CancellationReason: &cancellation,
	})
	if err != nil {
		return err
	}
	e := entryFor(updated, rule)
	e.Reason = cancellation
	out.Rescheduled = append(out.Rescheduled, e)
	return nil
}

// escalate leaves the token with its doctor and records why nobody could
// take it. An operator resolves it from the admin dashboard.
func (o *Orchestrator) escalate(ctx context.Context, leave models.Leave, reason string, step Step, out *Outcome) error {
	token := step.Token
	note := fmt.Sprintf("%s: no doctor with capacity during %s leave (%s)", store.KindNoCapacityEscalate, leave.ExceptionType, reason)
	updated, err := o.repo.UpdateToken(ctx, token.TokenID, store.TokenPatch{
		ExpectStatus:   &token.Status,
		ExpectDoctorID: &token.DoctorID,
		Notes: map[string]any{
			"escalation": map[string]any{
				"reason":       note,
				"escalated_at": o.clock.Now().UTC().Format(time.RFC3339),
			},
		},
	})
	if err != nil {
		return err
	}
	e := entryFor(updated, step.Rule)
	e.Reason = note
	out.Escalated = append(out.Escalated, e)
	return nil
}

func (o *Orchestrator) dayOf(t time.Time) models.TimeRange {
	from, to := clock.DayBounds(t, o.loc)
	return models.TimeRange{From: from, To: to}
}

func entryFor(token models.Token, rule string) Entry {
	return Entry{
		TokenID:       token.TokenID,
		TokenNumber:   token.TokenNumber,
		PatientID:     token.PatientID,
		Priority:      int(token.Priority),
		FromDoctorID:  token.DoctorID,
		QueuePosition: token.QueuePosition,
		Rule:          rule,
		Token:         token,
	}
}

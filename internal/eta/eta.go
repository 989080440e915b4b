// Package eta estimates how long a token will wait before it is called.
package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"opd/queue-service/internal/clock"
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/store"
)

const (
	MinMinutes = 5
	MaxMinutes = 180

	// historyThreshold is how many tokens a doctor must have completed today
	// before their running delay is folded into estimates.
	historyThreshold    = 5
	emergencyAdjustment = -10
	lateCheckInPenalty  = 5
	lateCheckInAfter    = 15 * time.Minute
	DefaultCacheTTL     = 5 * time.Minute
)

// Cache holds recently computed estimates for polling readers. It is never
// the source of truth.
type Cache interface {
	GetETA(ctx context.Context, tokenID string) (int, bool, error)
	SetETA(ctx context.Context, tokenID string, minutes int, ttl time.Duration) error
}

type Options struct {
	Clock    clock.Clock
	Cache    Cache
	Location *time.Location
	CacheTTL time.Duration
	Logger   zerolog.Logger
}

type Calculator struct {
	repo   store.Repository
	clock  clock.Clock
	cache  Cache
	loc    *time.Location
	ttl    time.Duration
	logger zerolog.Logger
}

func New(repo store.Repository, opts Options) *Calculator {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Calculator{
		repo:   repo,
		clock:  opts.Clock,
		cache:  opts.Cache,
		loc:    opts.Location,
		ttl:    opts.CacheTTL,
		logger: opts.Logger,
	}
}

// Breakdown is every term that went into an estimate.
type Breakdown struct {
	TokensAhead        int     `json:"tokens_ahead"`
	BaseWait           float64 `json:"base_wait"`
	CurrentOvertime    float64 `json:"current_overtime"`
	AccumulatedDelay   float64 `json:"accumulated_delay"`
	DeviationCascade   float64 `json:"deviation_cascade"`
	BufferSlots        float64 `json:"buffer_slots"`
	PriorityAdjustment float64 `json:"priority_adjustment"`
	Minutes            int     `json:"estimated_wait_minutes"`
}

// Result is a persisted estimate.
type Result struct {
	TokenID string `json:"token_id"`
	Minutes int    `json:"estimated_wait_minutes"`
}

// Compute derives the estimate for token from the current repository state
// without writing anything.
func (c *Calculator) Compute(ctx context.Context, token models.Token) (Breakdown, error) {
	doctor, err := c.repo.FindDoctor(ctx, token.DoctorID)
	if err != nil {
		return Breakdown{}, err
	}
	var dept *models.Department
	if token.DepartmentID != "" {
		d, err := c.repo.FindDepartment(ctx, token.DepartmentID)
		switch {
		case err == nil:
			dept = &d
		case !errors.Is(err, store.ErrDepartmentNotFound):
			return Breakdown{}, err
		}
	}
	avg := float64(doctor.ConsultationMinutes(dept))
	now := c.clock.Now()

	dayStart, dayEnd := clock.DayBounds(token.ScheduledTime, c.loc)
	ahead, err := c.repo.FindActiveTokensForDoctor(ctx, doctor.DoctorID, models.AheadStatuses, models.TimeRange{From: dayStart, To: dayEnd})
	if err != nil {
		return Breakdown{}, fmt.Errorf("load tokens ahead: %w", err)
	}

	var b Breakdown
	var running *models.Token
	for i := range ahead {
		t := ahead[i]
		if t.TokenID == token.TokenID {
			continue
		}
		if t.QueuePosition < token.QueuePosition {
			b.TokensAhead++
		}
		if running == nil && t.Status == models.StatusInConsultation && t.ConsultationStartTime != nil {
			running = &ahead[i]
		}
	}
	tokensAhead := float64(b.TokensAhead)
	b.BaseWait = tokensAhead * avg

	if running != nil {
		elapsed := math.Floor(now.Sub(*running.ConsultationStartTime).Minutes())
		if elapsed > avg {
			b.CurrentOvertime = math.Max(0, elapsed-avg)
		} else {
			b.CurrentOvertime = math.Max(0, avg-elapsed)
		}
	}

	todayStart, todayEnd := clock.DayBounds(now, c.loc)
	completed, err := c.repo.FindCompletedTokensForDoctor(ctx, doctor.DoctorID, models.TimeRange{From: todayStart, To: todayEnd})
	if err != nil {
		return Breakdown{}, fmt.Errorf("load completed tokens: %w", err)
	}
	if len(completed) > historyThreshold {
		var total float64
		var n int
		for _, t := range completed {
			if t.ConsultationStartTime == nil {
				continue
			}
			total += t.ConsultationStartTime.Sub(t.ScheduledTime).Minutes()
			n++
		}
		if n > 0 {
			b.AccumulatedDelay = total / float64(n) * tokensAhead
		}
	}

	b.DeviationCascade = b.CurrentOvertime + b.AccumulatedDelay
	b.BufferSlots = tokensAhead * models.DefaultBufferMinutes

	switch {
	case token.Priority == models.PriorityEmergency:
		b.PriorityAdjustment = emergencyAdjustment
	case token.CheckInTime != nil && token.CheckInTime.Sub(token.ScheduledTime) > lateCheckInAfter:
		b.PriorityAdjustment = lateCheckInPenalty
	}

	total := b.BaseWait + b.DeviationCascade + b.BufferSlots + b.PriorityAdjustment
	b.Minutes = clamp(total)
	return b, nil
}

// Estimate computes and persists the estimate for one token. Tokens that are
// no longer waiting to be called keep their last stored value.
func (c *Calculator) Estimate(ctx context.Context, tokenID string) (int, error) {
	token, err := c.repo.FindToken(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	if !token.Status.In(models.PendingStatuses) {
		return token.EstimatedWaitMinutes, nil
	}
	return c.estimate(ctx, token)
}

func (c *Calculator) estimate(ctx context.Context, token models.Token) (int, error) {
	b, err := c.Compute(ctx, token)
	if err != nil {
		return 0, err
	}
	now := c.clock.Now()
	if _, err := c.repo.UpdateToken(ctx, token.TokenID, store.TokenPatch{
		EstimatedWaitMinutes: &b.Minutes,
		ETAUpdatedAt:         &now,
	}); err != nil {
		return 0, fmt.Errorf("persist eta: %w", err)
	}
	if c.cache != nil {
		if err := c.cache.SetETA(ctx, token.TokenID, b.Minutes, c.ttl); err != nil {
			c.logger.Debug().Err(err).Str("token_id", token.TokenID).Msg("eta cache write failed")
		}
	}
	return b.Minutes, nil
}

// RecalculateQueue re-estimates every not-yet-called token of the doctor from
// today onwards, in queue order. It stops between tokens when ctx is done.
func (c *Calculator) RecalculateQueue(ctx context.Context, doctorID string) ([]Result, error) {
	todayStart, _ := clock.DayBounds(c.clock.Now(), c.loc)
	tokens, err := c.repo.FindActiveTokensForDoctor(ctx, doctorID, models.PendingStatuses, models.TimeRange{From: todayStart})
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	results := make([]Result, 0, len(tokens))
	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		minutes, err := c.estimate(ctx, token)
		if errors.Is(err, store.ErrTokenNotFound) {
			continue
		}
		if err != nil {
			return results, err
		}
		results = append(results, Result{TokenID: token.TokenID, Minutes: minutes})
	}
	c.logger.Debug().Str("doctor_id", doctorID).Int("tokens", len(results)).Msg("queue eta recalculated")
	return results, nil
}

// Cached returns the cached estimate for tokenID, if any.
func (c *Calculator) Cached(ctx context.Context, tokenID string) (int, bool) {
	if c.cache == nil {
		return 0, false
	}
	minutes, ok, err := c.cache.GetETA(ctx, tokenID)
	if err != nil {
		c.logger.Debug().Err(err).Str("token_id", tokenID).Msg("eta cache read failed")
		return 0, false
	}
	return minutes, ok
}

func clamp(total float64) int {
	if total < MinMinutes {
		total = MinMinutes
	}
	if total > MaxMinutes {
		total = MaxMinutes
	}
	return int(math.Round(total))
}

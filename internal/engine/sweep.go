package engine

import (
	"context"
	"errors"

	"opd/queue-service/internal/models"
	"opd/queue-service/internal/notify"
	"opd/queue-service/internal/store"
)

const autoNoShowReason = "auto no-show"

type SweepReport struct {
	Reminders      int `json:"reminders"`
	NoShows        int `json:"no_shows"`
	DoctorsRefresh int `json:"doctors_refreshed"`
	ETAs           int `json:"etas"`
}

// Sweep runs one pass of the background jobs: reminders, auto no-show and
// the ETA refresh. Every step is safe to overlap with live requests and with
// another sweep.
func (e *Engine) Sweep(ctx context.Context) (report SweepReport, err error) {
	ctx, finish := e.start(ctx, "Sweep")
	defer func() { finish(err) }()

	var errs []error
	if report.Reminders, err = e.sendReminders(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.NoShows, err = e.autoNoShow(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.DoctorsRefresh, report.ETAs, err = e.refreshETAs(ctx); err != nil {
		errs = append(errs, err)
	}
	err = errors.Join(errs...)
	e.logger.Debug().
		Int("reminders", report.Reminders).
		Int("no_shows", report.NoShows).
		Int("doctors", report.DoctorsRefresh).
		Int("etas", report.ETAs).
		Msg("sweep finished")
	return report, err
}

// sendReminders claims each due token by flipping reminderSent with a
// compare-and-set, and only the winner sends.
func (e *Engine) sendReminders(ctx context.Context) (int, error) {
	now := e.clock.Now()
	due, err := e.repo.ListTokensDue(ctx, store.DueQuery{
		Statuses:       []models.Status{models.StatusBooked},
		Window:         models.TimeRange{From: now, To: now.Add(e.reminderLead)},
		OnlyUnreminded: true,
		Limit:          e.batchSize,
	})
	if err != nil {
		return 0, err
	}
	sent := 0
	notSent, booked, marked := false, models.StatusBooked, true
	for _, token := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		updated, err := e.repo.UpdateToken(ctx, token.TokenID, store.TokenPatch{
			ExpectStatus:       &booked,
			ExpectReminderSent: &notSent,
			ReminderSent:       &marked,
		})
		if errors.Is(err, store.ErrConcurrencyConflict) || errors.Is(err, store.ErrTokenNotFound) {
			continue
		}
		if err != nil {
			return sent, err
		}
		e.notify(ctx, notify.KindReminder, updated, nil)
		sent++
	}
	return sent, nil
}

func (e *Engine) autoNoShow(ctx context.Context) (int, error) {
	if e.noShowGrace == 0 {
		return 0, nil
	}
	cutoff := e.clock.Now().Add(-e.noShowGrace)
	due, err := e.repo.ListTokensDue(ctx, store.DueQuery{
		Statuses: []models.Status{models.StatusBooked},
		Window:   models.TimeRange{To: cutoff},
		Limit:    e.batchSize,
	})
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, token := range due {
		if ctx.Err() != nil {
			return marked, ctx.Err()
		}
		tr, err := e.machine.MarkNoShow(ctx, token.TokenID, autoNoShowReason)
		if errors.Is(err, store.ErrInvalidState) || errors.Is(err, store.ErrConcurrencyConflict) || errors.Is(err, store.ErrTokenNotFound) {
			continue
		}
		if err != nil {
			return marked, err
		}
		e.afterTransition(ctx, store.ActionNoShow, tr)
		marked++
	}
	if marked > 0 {
		e.logger.Info().Int("tokens", marked).Msg("auto no-show applied")
	}
	return marked, nil
}

// refreshETAs recomputes the queue of every doctor with active tokens today,
// one doctor lane at a time.
func (e *Engine) refreshETAs(ctx context.Context) (int, int, error) {
	doctors, err := e.repo.ListDoctorsWithActiveTokens(ctx, e.today())
	if err != nil {
		return 0, 0, err
	}
	refreshed, total := 0, 0
	for _, doctorID := range doctors {
		err := e.lanes.Do(ctx, doctorID, func() error {
			results, err := e.eta.RecalculateQueue(ctx, doctorID)
			if err != nil {
				return err
			}
			total += len(results)
			e.metrics.ETARecomputed(ctx, len(results))
			e.publishETAs(ctx, results)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return refreshed, total, ctx.Err()
			}
			e.logger.Error().Err(err).Str("doctor_id", doctorID).Msg("eta refresh failed")
			continue
		}
		refreshed++
	}
	return refreshed, total, nil
}

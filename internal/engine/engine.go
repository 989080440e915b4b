// Package engine is the queue orchestration facade. It runs the token state
// machine, ETA calculator and leave redistribution, then fans the results out
// to notifications, live broadcasts and metrics.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opd/queue-service/internal/broadcast"
	"opd/queue-service/internal/clock"
	"opd/queue-service/internal/eta"
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/notify"
	"opd/queue-service/internal/queue"
	"opd/queue-service/internal/redistribution"
	"opd/queue-service/internal/store"
	"opd/queue-service/internal/telemetry"
)

const (
	DefaultReminderLead = time.Hour
	DefaultBatchSize    = 100
	// UpcomingLimit caps the upcoming list of the doctor queue view.
	UpcomingLimit = 20
)

type Options struct {
	Clock      clock.Clock
	Location   *time.Location
	Cache      eta.Cache
	CacheTTL   time.Duration
	RetryLimit int
	Intn       func(n int) int

	Notifier  notify.Sink
	Publisher broadcast.Publisher
	Metrics   *telemetry.Metrics
	Tracer    trace.Tracer
	Logger    zerolog.Logger

	ReminderLead time.Duration
	// NoShowGrace of zero disables the auto no-show sweep.
	NoShowGrace time.Duration
	BatchSize   int
}

type Engine struct {
	repo    store.Repository
	eta     *eta.Calculator
	machine *queue.Machine
	redist  *redistribution.Orchestrator
	lanes   *queue.Lanes

	clock     clock.Clock
	loc       *time.Location
	notifier  notify.Sink
	publisher broadcast.Publisher
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	logger    zerolog.Logger

	reminderLead time.Duration
	noShowGrace  time.Duration
	batchSize    int
}

func New(repo store.Repository, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Notifier == nil {
		opts.Notifier = nopSink{}
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("opd/queue-service/engine")
	}
	if opts.ReminderLead <= 0 {
		opts.ReminderLead = DefaultReminderLead
	}
	if opts.NoShowGrace < 0 {
		opts.NoShowGrace = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	lanes := queue.NewLanes()
	calc := eta.New(repo, eta.Options{
		Clock:    opts.Clock,
		Cache:    opts.Cache,
		Location: opts.Location,
		CacheTTL: opts.CacheTTL,
		Logger:   opts.Logger,
	})
	machine := queue.NewMachine(repo, calc, queue.Options{
		Clock:      opts.Clock,
		Location:   opts.Location,
		Lanes:      lanes,
		RetryLimit: opts.RetryLimit,
		Logger:     opts.Logger,
		Intn:       opts.Intn,
	})
	redist := redistribution.New(repo, calc, redistribution.Options{
		Clock:    opts.Clock,
		Location: opts.Location,
		Lanes:    lanes,
		Logger:   opts.Logger,
	})
	return &Engine{
		repo:         repo,
		eta:          calc,
		machine:      machine,
		redist:       redist,
		lanes:        lanes,
		clock:        opts.Clock,
		loc:          opts.Location,
		notifier:     opts.Notifier,
		publisher:    opts.Publisher,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       opts.Logger,
		reminderLead: opts.ReminderLead,
		noShowGrace:  opts.NoShowGrace,
		batchSize:    opts.BatchSize,
	}
}

// Book creates a token and confirms it to the patient.
func (e *Engine) Book(ctx context.Context, req queue.BookRequest) (booking queue.Booking, err error) {
	ctx, finish := e.start(ctx, "Book", attribute.String("department_id", req.DepartmentID))
	defer func() { finish(err) }()

	booking, err = e.machine.Book(ctx, req)
	if err != nil {
		return queue.Booking{}, err
	}
	token := booking.Token
	e.metrics.Booked(ctx, int(token.Priority))
	e.notify(ctx, notify.KindConfirmation, token, map[string]any{
		"position": token.QueuePosition,
		"eta":      booking.EstimatedWaitMinutes,
	})
	e.publishToken(ctx, token)
	e.publishQueue(ctx, token.DoctorID, token.DepartmentID)
	return booking, nil
}

type TokenView struct {
	Token                models.Token `json:"token"`
	EstimatedWaitMinutes int          `json:"estimated_wait_minutes"`
	// ETASource is "cache" when the estimate came from the ETA cache.
	ETASource string `json:"eta_source"`
}

func (e *Engine) GetToken(ctx context.Context, tokenID string) (view TokenView, err error) {
	ctx, finish := e.start(ctx, "GetToken", attribute.String("token_id", tokenID))
	defer func() { finish(err) }()

	token, err := e.repo.FindToken(ctx, tokenID)
	if err != nil {
		return TokenView{}, err
	}
	view = TokenView{Token: token, EstimatedWaitMinutes: token.EstimatedWaitMinutes, ETASource: "stored"}
	if token.Status.In(models.PendingStatuses) {
		if minutes, ok := e.eta.Cached(ctx, tokenID); ok {
			view.EstimatedWaitMinutes = minutes
			view.ETASource = "cache"
		}
	}
	return view, nil
}

func (e *Engine) CheckIn(ctx context.Context, tokenID string, lat, lon float64) (result queue.CheckInResult, err error) {
	ctx, finish := e.start(ctx, "CheckIn", attribute.String("token_id", tokenID))
	defer func() { finish(err) }()

	result, err = e.machine.CheckIn(ctx, tokenID, lat, lon)
	if err != nil {
		return queue.CheckInResult{}, err
	}
	e.metrics.Transition(ctx, string(store.ActionCheckIn))
	e.publishToken(ctx, result.Token)
	e.publishQueue(ctx, result.Token.DoctorID, result.Token.DepartmentID)
	return result, nil
}

func (e *Engine) EnterWaiting(ctx context.Context, tokenID string) (token models.Token, err error) {
	ctx, finish := e.start(ctx, "EnterWaiting", attribute.String("token_id", tokenID))
	defer func() { finish(err) }()

	token, err = e.machine.EnterWaiting(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	e.metrics.Transition(ctx, string(store.ActionWait))
	e.publishToken(ctx, token)
	e.publishQueue(ctx, token.DoctorID, token.DepartmentID)
	return token, nil
}

func (e *Engine) StartConsultation(ctx context.Context, tokenID string) (tr queue.Transition, err error) {
	ctx, finish := e.start(ctx, "StartConsultation", attribute.String("token_id", tokenID))
	defer func() { finish(err) }()

	tr, err = e.machine.StartConsultation(ctx, tokenID)
	if err != nil {
		return queue.Transition{}, err
	}
	e.afterTransition(ctx, store.ActionStart, tr)
	return tr, nil
}

func (e *Engine) CompleteConsultation(ctx context.Context, tokenID string, notes map[string]any) (c queue.Completion, err error) {
	ctx, finish := e.start(ctx, "CompleteConsultation", attribute.String("token_id", tokenID))
	defer func() { finish(err) }()

	c, err = e.machine.CompleteConsultation(ctx, tokenID, notes)
	if err != nil {
		return queue.Completion{}, err
	}
	e.afterTransition(ctx, store.ActionComplete, c.Transition)
	return c, nil
}

func (e *Engine) MarkNoShow(ctx context.Context, tokenID, reason string) (tr queue.Transition, err error) {
	ctx, finish := e.start(ctx, "MarkNoShow", attribute.String("token_id", tokenID))
	defer func() { finish(err) }()

	tr, err = e.machine.MarkNoShow(ctx, tokenID, reason)
	if err != nil {
		return queue.Transition{}, err
	}
	e.afterTransition(ctx, store.ActionNoShow, tr)
	return tr, nil
}

func (e *Engine) Cancel(ctx context.Context, tokenID, reason string) (tr queue.Transition, err error) {
	ctx, finish := e.start(ctx, "Cancel", attribute.String("token_id", tokenID))
	defer func() { finish(err) }()

	tr, err = e.machine.Cancel(ctx, tokenID, reason)
	if err != nil {
		return queue.Transition{}, err
	}
	e.notify(ctx, notify.KindCancellation, tr.Token, map[string]any{"reason": tr.Token.CancellationReason})
	e.afterTransition(ctx, store.ActionCancel, tr)
	return tr, nil
}

func (e *Engine) afterTransition(ctx context.Context, action store.Action, tr queue.Transition) {
	e.metrics.Transition(ctx, string(action))
	e.metrics.ETARecomputed(ctx, len(tr.ETAs))
	e.publishToken(ctx, tr.Token)
	e.publishETAs(ctx, tr.ETAs)
	e.publishQueue(ctx, tr.Token.DoctorID, tr.Token.DepartmentID)
}

// start opens a span for an engine operation. The returned func ends it and
// records the duration.
func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, store.Kind(err))
		}
		span.End()
		e.metrics.Observe(ctx, op, float64(time.Since(began).Microseconds())/1000)
	}
}

func (e *Engine) notify(ctx context.Context, kind notify.Kind, token models.Token, extra map[string]any) {
	e.notifier.Notify(kind, token, extra)
	e.metrics.Notified(ctx, string(kind))
}

func (e *Engine) today() models.TimeRange {
	from, to := clock.DayBounds(e.clock.Now(), e.loc)
	return models.TimeRange{From: from, To: to}
}

type nopSink struct{}

func (nopSink) Notify(notify.Kind, models.Token, map[string]any) {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, broadcast.Event) error { return nil }

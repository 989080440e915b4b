package telemetry

import (
	"context"
	"expvar"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "opd/queue-service"

// Metrics counts engine activity. Every counter is mirrored into expvar so
// /metrics works without a metrics backend.
type Metrics struct {
	bookings      metric.Int64Counter
	transitions   metric.Int64Counter
	redistributed metric.Int64Counter
	etaRecomputes metric.Int64Counter
	notifications metric.Int64Counter
	opDuration    metric.Float64Histogram
	vars          *expvar.Map
}

var (
	expvarOnce sync.Once
	expvarMap  *expvar.Map
)

func publishedMap() *expvar.Map {
	expvarOnce.Do(func() {
		expvarMap = expvar.NewMap("opd_queue")
	})
	return expvarMap
}

// NewMetrics registers the engine instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(instrumentationName), publishedMap())
}

func newMetrics(meter metric.Meter, vars *expvar.Map) (*Metrics, error) {
	m := &Metrics{vars: vars}
	var err error
	if m.bookings, err = meter.Int64Counter("opd.tokens.booked", metric.WithDescription("Tokens booked")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("opd.tokens.transitions", metric.WithDescription("Token status transitions")); err != nil {
		return nil, err
	}
	if m.redistributed, err = meter.Int64Counter("opd.redistribution.tokens", metric.WithDescription("Tokens handled by leave redistribution, by decision")); err != nil {
		return nil, err
	}
	if m.etaRecomputes, err = meter.Int64Counter("opd.eta.recomputed", metric.WithDescription("ETA recomputations")); err != nil {
		return nil, err
	}
	if m.notifications, err = meter.Int64Counter("opd.notifications", metric.WithDescription("Notifications queued, by kind")); err != nil {
		return nil, err
	}
	if m.opDuration, err = meter.Float64Histogram("opd.engine.duration", metric.WithDescription("Engine operation duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Booked(ctx context.Context, priority int) {
	if m == nil {
		return
	}
	m.bookings.Add(ctx, 1, metric.WithAttributes(attribute.Int("priority", priority)))
	m.vars.Add("tokens_booked", 1)
}

func (m *Metrics) Transition(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	m.vars.Add("transition_"+action, 1)
}

func (m *Metrics) Redistributed(ctx context.Context, decision string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.redistributed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("decision", decision)))
	m.vars.Add("redistribution_"+decision, int64(n))
}

func (m *Metrics) ETARecomputed(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.etaRecomputes.Add(ctx, int64(n))
	m.vars.Add("eta_recomputed", int64(n))
}

func (m *Metrics) Notified(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.vars.Add("notification_"+kind, 1)
}

func (m *Metrics) Observe(ctx context.Context, operation string, millis float64) {
	if m == nil {
		return
	}
	m.opDuration.Record(ctx, millis, metric.WithAttributes(attribute.String("operation", operation)))
}

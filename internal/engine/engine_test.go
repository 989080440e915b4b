package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opd/queue-service/internal/broadcast"
	"opd/queue-service/internal/clock"
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/notify"
	"opd/queue-service/internal/queue"
	"opd/queue-service/internal/redistribution"
	"opd/queue-service/internal/store"
	"opd/queue-service/internal/store/memory"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const (
	hospitalLat = 19.0760
	hospitalLon = 72.8777
)

type sent struct {
	kind  notify.Kind
	token models.Token
	extra map[string]any
}

type recordingSink struct {
	mu   sync.Mutex
	sent []sent
}

func (s *recordingSink) Notify(kind notify.Kind, token models.Token, extra map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{kind: kind, token: token, extra: extra})
}

func (s *recordingSink) kinds(kind notify.Kind) []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sent
	for _, m := range s.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, event broadcast.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) on(channel string) []broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broadcast.Event
	for _, e := range p.events {
		if e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}

type mapCache map[string]int

func (m mapCache) GetETA(_ context.Context, id string) (int, bool, error) {
	v, ok := m[id]
	return v, ok, nil
}

func (m mapCache) SetETA(_ context.Context, id string, minutes int, _ time.Duration) error {
	m[id] = minutes
	return nil
}

type fixture struct {
	repo      *memory.Store
	clock     *clock.Fixed
	sink      *recordingSink
	publisher *recordingPublisher
	cache     mapCache
	engine    *Engine
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	repo := memory.New()
	repo.AddHospital(models.Hospital{HospitalID: "h-1", Latitude: hospitalLat, Longitude: hospitalLon, GeofenceRadiusMeters: 200})
	repo.AddDepartment(models.Department{DepartmentID: "dept-1", HospitalID: "h-1", Code: "GEN"})
	repo.AddDoctor(models.Doctor{DoctorID: "doc-1", HospitalID: "h-1", Name: "Dr. Rao", PrimaryDepartmentID: "dept-1", AvgConsultationMinutes: 15, MaxTokensPerSession: 30, Status: models.DoctorAvailable})
	repo.AddDoctor(models.Doctor{DoctorID: "doc-2", HospitalID: "h-1", Name: "Dr. Iyer", PrimaryDepartmentID: "dept-1", AvgConsultationMinutes: 15, MaxTokensPerSession: 30, Status: models.DoctorAvailable})

	f := &fixture{
		repo:      repo,
		clock:     clock.NewFixed(now),
		sink:      &recordingSink{},
		publisher: &recordingPublisher{},
		cache:     mapCache{},
	}
	f.engine = New(repo, Options{
		Clock:        f.clock,
		Location:     time.UTC,
		Cache:        f.cache,
		Intn:         func(int) int { return 0 },
		Notifier:     f.sink,
		Publisher:    f.publisher,
		ReminderLead: time.Hour,
		NoShowGrace:  grace,
	})
	return f
}

func (f *fixture) book(t *testing.T, doctorID string, offset time.Duration) models.Token {
	t.Helper()
	b, err := f.engine.Book(context.Background(), queue.BookRequest{
		PatientID:     "p-1",
		DoctorID:      doctorID,
		DepartmentID:  "dept-1",
		ScheduledTime: now.Add(offset),
	})
	require.NoError(t, err)
	return b.Token
}

func (f *fixture) token(t *testing.T, id string) models.Token {
	t.Helper()
	token, err := f.repo.FindToken(context.Background(), id)
	require.NoError(t, err)
	return token
}

func TestBookConfirmsAndBroadcasts(t *testing.T) {
	f := newFixture(t, 0)

	token := f.book(t, "doc-1", 30*time.Minute)

	confirmations := f.sink.kinds(notify.KindConfirmation)
	require.Len(t, confirmations, 1)
	assert.Equal(t, token.TokenID, confirmations[0].token.TokenID)
	assert.Equal(t, 1, confirmations[0].extra["position"])

	assert.Len(t, f.publisher.on(broadcast.TokenChannel(token.TokenID)), 1)
	assert.Len(t, f.publisher.on(broadcast.DoctorChannel("doc-1")), 1)
	assert.Len(t, f.publisher.on(broadcast.DepartmentChannel("dept-1")), 1)
}

func TestGetTokenPrefersCachedETA(t *testing.T) {
	f := newFixture(t, 0)
	token := f.book(t, "doc-1", 30*time.Minute)

	f.cache[token.TokenID] = 42
	view, err := f.engine.GetToken(context.Background(), token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, 42, view.EstimatedWaitMinutes)
	assert.Equal(t, "cache", view.ETASource)

	delete(f.cache, token.TokenID)
	view, err = f.engine.GetToken(context.Background(), token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, token.EstimatedWaitMinutes, view.EstimatedWaitMinutes)
	assert.Equal(t, "stored", view.ETASource)

	_, err = f.engine.GetToken(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestCancelNotifiesPatient(t *testing.T) {
	f := newFixture(t, 0)
	token := f.book(t, "doc-1", 30*time.Minute)

	tr, err := f.engine.Cancel(context.Background(), token.TokenID, "patient request")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, tr.Token.Status)

	cancellations := f.sink.kinds(notify.KindCancellation)
	require.Len(t, cancellations, 1)
	assert.Equal(t, "patient request", cancellations[0].extra["reason"])
}

func TestReminderSweepIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	soon := f.book(t, "doc-1", 30*time.Minute)
	f.book(t, "doc-1", 3*time.Hour)

	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminders)

	report, err = f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reminders)

	reminders := f.sink.kinds(notify.KindReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, soon.TokenID, reminders[0].token.TokenID)
	assert.True(t, f.token(t, soon.TokenID).ReminderSent)
}

func TestConcurrentSweepsSendOneReminder(t *testing.T) {
	f := newFixture(t, 0)
	f.book(t, "doc-1", 30*time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Sweep(context.Background())
		}()
	}
	wg.Wait()
	assert.Len(t, f.sink.kinds(notify.KindReminder), 1)
}

func TestAutoNoShowSweep(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	late := models.Token{
		TokenID: "late", TokenNumber: "GEN-001", PatientID: "p-1", DoctorID: "doc-1", DepartmentID: "dept-1", HospitalID: "h-1",
		Priority: models.PriorityNormal, Status: models.StatusBooked, ScheduledTime: now.Add(-time.Hour), QueueDay: "2026-03-02", QueuePosition: 1,
	}
	present := late
	present.TokenID, present.TokenNumber, present.QueuePosition = "present", "GEN-002", 2
	present.Status = models.StatusCheckedIn
	withinGrace := late
	withinGrace.TokenID, withinGrace.TokenNumber, withinGrace.QueuePosition = "grace", "GEN-003", 3
	withinGrace.ScheduledTime = now.Add(-10 * time.Minute)
	f.repo.PutToken(late)
	f.repo.PutToken(present)
	f.repo.PutToken(withinGrace)

	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NoShows)

	got := f.token(t, "late")
	assert.Equal(t, models.StatusNoShow, got.Status)
	assert.Equal(t, "auto no-show", got.CancellationReason)
	assert.Equal(t, models.StatusCheckedIn, f.token(t, "present").Status)
	assert.Equal(t, models.StatusBooked, f.token(t, "grace").Status)
}

func TestAutoNoShowDisabledWithZeroGrace(t *testing.T) {
	f := newFixture(t, 0)
	f.repo.PutToken(models.Token{
		TokenID: "late", DoctorID: "doc-1", DepartmentID: "dept-1", HospitalID: "h-1", Priority: models.PriorityNormal,
		Status: models.StatusBooked, ScheduledTime: now.Add(-2 * time.Hour), QueueDay: "2026-03-02", QueuePosition: 1,
	})

	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.NoShows)
	assert.Equal(t, models.StatusBooked, f.token(t, "late").Status)
}

func TestSweepRefreshesETAs(t *testing.T) {
	f := newFixture(t, 0)
	checkIn := now.Add(-5 * time.Minute)
	for i, id := range []string{"a", "b"} {
		f.repo.PutToken(models.Token{
			TokenID: id, DoctorID: "doc-1", DepartmentID: "dept-1", HospitalID: "h-1", Priority: models.PriorityNormal,
			Status: models.StatusCheckedIn, ScheduledTime: now, CheckInTime: &checkIn,
			QueueDay: "2026-03-02", QueuePosition: i + 1,
		})
	}

	report, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DoctorsRefresh)
	assert.Equal(t, 2, report.ETAs)
	assert.Equal(t, 20, f.token(t, "b").EstimatedWaitMinutes)
	assert.Equal(t, 20, f.cache["b"])
	assert.NotEmpty(t, f.publisher.on(broadcast.TokenChannel("b")))
}

func TestDoctorQueueView(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tokens := []models.Token{
		f.book(t, "doc-1", 10*time.Minute),
		f.book(t, "doc-1", 20*time.Minute),
		f.book(t, "doc-1", 30*time.Minute),
		f.book(t, "doc-1", 40*time.Minute),
	}

	_, err := f.engine.CheckIn(ctx, tokens[0].TokenID, hospitalLat, hospitalLon)
	require.NoError(t, err)
	_, err = f.engine.StartConsultation(ctx, tokens[0].TokenID)
	require.NoError(t, err)
	f.clock.Advance(12 * time.Minute)
	_, err = f.engine.CompleteConsultation(ctx, tokens[0].TokenID, nil)
	require.NoError(t, err)

	_, err = f.engine.CheckIn(ctx, tokens[1].TokenID, hospitalLat, hospitalLon)
	require.NoError(t, err)
	_, err = f.engine.StartConsultation(ctx, tokens[1].TokenID)
	require.NoError(t, err)
	_, err = f.engine.MarkNoShow(ctx, tokens[2].TokenID, "")
	require.NoError(t, err)
	f.clock.Advance(7 * time.Minute)

	view, err := f.engine.DoctorQueue(ctx, "doc-1", "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", view.QueueDay)
	require.NotNil(t, view.Current)
	assert.Equal(t, tokens[1].TokenID, view.Current.Token.TokenID)
	assert.Equal(t, 7, view.Current.RunningMinutes)
	require.Len(t, view.Upcoming, 1)
	assert.Equal(t, tokens[3].TokenID, view.Upcoming[0].TokenID)
	assert.Equal(t, QueueStats{Completed: 1, Pending: 1, NoShow: 1, AvgConsultationMinutes: 12}, view.Stats)

	_, err = f.engine.DoctorQueue(ctx, "doc-1", "02/03/2026")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = f.engine.DoctorQueue(ctx, "nobody", "")
	assert.ErrorIs(t, err, store.ErrDoctorNotFound)
}

func TestSetDoctorStatus(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	token := f.book(t, "doc-1", 10*time.Minute)
	f.book(t, "doc-1", 20*time.Minute)
	_, err := f.engine.CheckIn(ctx, token.TokenID, hospitalLat, hospitalLon)
	require.NoError(t, err)

	change, err := f.engine.SetDoctorStatus(ctx, "doc-1", models.DoctorBreak)
	require.NoError(t, err)
	assert.Equal(t, models.DoctorBreak, change.Doctor.Status)
	assert.Equal(t, 1, change.PendingTokens)
	assert.Len(t, f.publisher.on(broadcast.AdminChannel), 1)

	_, err = f.engine.SetDoctorStatus(ctx, "doc-1", "SLEEPING")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = f.engine.SetDoctorStatus(ctx, "nobody", models.DoctorAvailable)
	assert.ErrorIs(t, err, store.ErrDoctorNotFound)
}

func TestReportUnplannedLeaveReassignsAndNotifies(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.book(t, "doc-1", 30*time.Minute)
	f.book(t, "doc-1", time.Hour)

	out, err := f.engine.ReportLeave(ctx, models.Leave{
		DoctorID:      "doc-1",
		ExceptionType: models.UnplannedLeave,
		StartTime:     now.Add(-time.Minute),
		EndTime:       now.Add(4 * time.Hour),
		Reason:        "fever",
	})
	require.NoError(t, err)
	assert.Equal(t, redistribution.ResultCompleted, out.Result)
	require.Len(t, out.Reassigned, 2)

	reassignments := f.sink.kinds(notify.KindReassignment)
	require.Len(t, reassignments, 2)
	assert.Equal(t, "Dr. Iyer", reassignments[0].extra["new_doctor"])
	assert.Equal(t, "doc-2", reassignments[0].token.DoctorID)

	doctor, err := f.repo.FindDoctor(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.DoctorOnLeave, doctor.Status)

	var summaries int
	for _, e := range f.publisher.on(broadcast.AdminChannel) {
		if e.Type == broadcast.EventRedistribution {
			summaries++
		}
	}
	assert.Equal(t, 1, summaries)
}

func TestPreviewLeaveWritesNothing(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	token := f.book(t, "doc-1", 30*time.Minute)

	plan, err := f.engine.PreviewLeave(ctx, models.Leave{
		DoctorID:      "doc-1",
		ExceptionType: models.UnplannedLeave,
		StartTime:     now.Add(-time.Minute),
		EndTime:       now.Add(4 * time.Hour),
		Reason:        "fever",
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, redistribution.DecisionReassign, plan.Steps[0].Decision)
	assert.Equal(t, "doc-2", plan.Steps[0].TargetDoctorID)

	assert.Equal(t, "doc-1", f.token(t, token.TokenID).DoctorID)
	assert.Empty(t, f.sink.kinds(notify.KindReassignment))
	doctor, err := f.repo.FindDoctor(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.DoctorAvailable, doctor.Status)
}

func TestReportPlannedLeaveReschedules(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	token := f.book(t, "doc-1", 26*time.Hour)

	out, err := f.engine.ReportLeave(ctx, models.Leave{
		DoctorID:      "doc-1",
		ExceptionType: models.PlannedLeave,
		StartTime:     now.Add(24 * time.Hour),
		EndTime:       now.Add(32 * time.Hour),
		Reason:        "conference",
	})
	require.NoError(t, err)
	require.Len(t, out.Rescheduled, 1)
	assert.Equal(t, models.StatusRescheduled, f.token(t, token.TokenID).Status)

	cancellations := f.sink.kinds(notify.KindCancellation)
	require.Len(t, cancellations, 1)
	assert.Equal(t, "Doctor unavailable – conference", cancellations[0].extra["reason"])

	doctor, err := f.repo.FindDoctor(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.DoctorAvailable, doctor.Status)
}

func TestReportLeaveEscalatesEmergencyToAdmin(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.engine.SetDoctorStatus(ctx, "doc-2", models.DoctorOnLeave)
	require.NoError(t, err)
	_, err = f.engine.Book(ctx, queue.BookRequest{
		PatientID: "p-9", DoctorID: "doc-1", DepartmentID: "dept-1",
		ScheduledTime: now.Add(time.Hour), Priority: models.PriorityEmergency,
	})
	require.NoError(t, err)

	out, err := f.engine.ReportLeave(ctx, models.Leave{
		DoctorID: "doc-1", ExceptionType: models.EmergencyLeave,
		StartTime: now, EndTime: now.Add(8 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, out.Escalated, 1)

	var escalations int
	for _, e := range f.publisher.on(broadcast.AdminChannel) {
		if e.Type == broadcast.EventEscalation {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
}

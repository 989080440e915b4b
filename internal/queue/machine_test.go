package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opd/queue-service/internal/clock"
	"opd/queue-service/internal/eta"
	"opd/queue-service/internal/geofence"
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/store"
	"opd/queue-service/internal/store/memory"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const (
	hospitalLat = 19.0760
	hospitalLon = 72.8777
)

type fixture struct {
	repo    *memory.Store
	clock   *clock.Fixed
	machine *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	repo.AddHospital(models.Hospital{HospitalID: "h-1", Latitude: hospitalLat, Longitude: hospitalLon, GeofenceRadiusMeters: 200})
	repo.AddDepartment(models.Department{DepartmentID: "dept-1", HospitalID: "h-1", Code: "GEN"})
	repo.AddDoctor(models.Doctor{DoctorID: "doc-1", HospitalID: "h-1", PrimaryDepartmentID: "dept-1", AvgConsultationMinutes: 15, MaxTokensPerSession: 50, Status: models.DoctorAvailable})
	clk := clock.NewFixed(now)
	calc := eta.New(repo, eta.Options{Clock: clk, Location: time.UTC})
	return &fixture{
		repo:    repo,
		clock:   clk,
		machine: NewMachine(repo, calc, Options{Clock: clk, Location: time.UTC, Intn: func(int) int { return 0 }}),
	}
}

func (f *fixture) book(t *testing.T, doctorID string, offset time.Duration) models.Token {
	t.Helper()
	b, err := f.machine.Book(context.Background(), BookRequest{
		PatientID:     "p-1",
		DoctorID:      doctorID,
		DepartmentID:  "dept-1",
		ScheduledTime: now.Add(offset),
	})
	require.NoError(t, err)
	return b.Token
}

func TestBookAssignsPositionAndNumber(t *testing.T) {
	f := newFixture(t)

	first := f.book(t, "doc-1", time.Hour)
	second := f.book(t, "doc-1", 2*time.Hour)

	assert.Equal(t, 1, first.QueuePosition)
	assert.Equal(t, "GEN-001", first.TokenNumber)
	assert.Equal(t, 2, second.QueuePosition)
	assert.Equal(t, "GEN-002", second.TokenNumber)
	assert.Equal(t, models.StatusBooked, second.Status)
	assert.Equal(t, "h-1", second.HospitalID)
	assert.Equal(t, models.PriorityNormal, second.Priority)
	assert.Equal(t, eta.MinMinutes, first.EstimatedWaitMinutes)
}

func TestBookValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Book(context.Background(), BookRequest{DepartmentID: "dept-1", ScheduledTime: now})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = f.machine.Book(context.Background(), BookRequest{PatientID: "p", DepartmentID: "dept-1", ScheduledTime: now, Priority: 7})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = f.machine.Book(context.Background(), BookRequest{PatientID: "p", DepartmentID: "nope", ScheduledTime: now})
	require.ErrorIs(t, err, store.ErrDepartmentNotFound)
}

func TestBookAutoAssignSkipsFullDoctors(t *testing.T) {
	f := newFixture(t)
	f.repo.AddDoctor(models.Doctor{DoctorID: "doc-0", PrimaryDepartmentID: "dept-1", MaxTokensPerSession: 1, Status: models.DoctorAvailable})
	f.book(t, "doc-0", time.Hour)

	for i := 0; i < 3; i++ {
		b, err := f.machine.Book(context.Background(), BookRequest{PatientID: "p", DepartmentID: "dept-1", ScheduledTime: now.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, "doc-1", b.Token.DoctorID)
	}
}

func TestBookAutoAssignNoDoctorAvailable(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.UpdateDoctorStatus(context.Background(), "doc-1", models.DoctorOnLeave)
	require.NoError(t, err)

	_, err = f.machine.Book(context.Background(), BookRequest{PatientID: "p", DepartmentID: "dept-1", ScheduledTime: now})
	require.ErrorIs(t, err, store.ErrNoDoctorAvailable)
}

func TestConcurrentBookingsGetUniquePositions(t *testing.T) {
	f := newFixture(t)
	const n = 40

	var wg sync.WaitGroup
	var mu sync.Mutex
	var positions []int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := f.machine.Book(context.Background(), BookRequest{
				PatientID:     "p",
				DoctorID:      "doc-1",
				DepartmentID:  "dept-1",
				ScheduledTime: now.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				t.Errorf("book: %v", err)
				return
			}
			mu.Lock()
			positions = append(positions, b.Token.QueuePosition)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	sort.Ints(positions)
	require.Len(t, positions, n)
	for i, pos := range positions {
		assert.Equal(t, i+1, pos)
	}
}

func TestCheckInInsideGeofence(t *testing.T) {
	f := newFixture(t)
	first := f.book(t, "doc-1", 30*time.Minute)
	second := f.book(t, "doc-1", time.Hour)

	_, err := f.machine.CheckIn(context.Background(), first.TokenID, hospitalLat, hospitalLon)
	require.NoError(t, err)
	_, err = f.machine.EnterWaiting(context.Background(), first.TokenID)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	res, err := f.machine.CheckIn(context.Background(), second.TokenID, hospitalLat+0.001, hospitalLon)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCheckedIn, res.Token.Status)
	assert.Equal(t, 1, res.TokensAhead)
	assert.InDelta(t, 111.2, res.DistanceMeters, 0.5)
	require.NotNil(t, res.Token.CheckInTime)
	assert.True(t, res.Token.CheckInTime.Equal(now.Add(5*time.Minute)))
	assert.Equal(t, 20, res.EstimatedWaitMinutes)
}

func TestCheckInOutsideGeofence(t *testing.T) {
	f := newFixture(t)
	tok := f.book(t, "doc-1", time.Hour)

	_, err := f.machine.CheckIn(context.Background(), tok.TokenID, hospitalLat+0.01, hospitalLon)
	require.ErrorIs(t, err, store.ErrGeofenceViolation)
	var violation *geofence.Violation
	require.True(t, errors.As(err, &violation))
	assert.Greater(t, violation.CurrentDistance, 1000.0)

	stored, err := f.repo.FindToken(context.Background(), tok.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBooked, stored.Status)
}

func TestCheckInTwiceIsInvalidState(t *testing.T) {
	f := newFixture(t)
	tok := f.book(t, "doc-1", time.Hour)
	_, err := f.machine.CheckIn(context.Background(), tok.TokenID, hospitalLat, hospitalLon)
	require.NoError(t, err)

	_, err = f.machine.CheckIn(context.Background(), tok.TokenID, hospitalLat, hospitalLon)
	require.ErrorIs(t, err, store.ErrInvalidState)
}

func TestConsultationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.book(t, "doc-1", 0)
	second := f.book(t, "doc-1", 15*time.Minute)
	third := f.book(t, "doc-1", 30*time.Minute)
	for _, tok := range []models.Token{first, second, third} {
		_, err := f.machine.CheckIn(ctx, tok.TokenID, hospitalLat, hospitalLon)
		require.NoError(t, err)
	}

	started, err := f.machine.StartConsultation(ctx, first.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInConsultation, started.Token.Status)
	require.NotNil(t, started.Token.ConsultationStartTime)
	require.NotNil(t, started.Token.CalledTime)
	assert.Len(t, started.ETAs, 2)

	_, err = f.machine.StartConsultation(ctx, first.TokenID)
	require.ErrorIs(t, err, store.ErrInvalidState)

	f.clock.Advance(12*time.Minute + 20*time.Second)
	done, err := f.machine.CompleteConsultation(ctx, first.TokenID, map[string]any{"diagnosis": "viral fever"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Token.Status)
	assert.Equal(t, 12, done.ConsultationMinutes)
	assert.Equal(t, map[string]any{"diagnosis": "viral fever"}, done.Token.Notes["clinical"])
	require.NotNil(t, done.Next)
	assert.Equal(t, second.TokenID, done.Next.TokenID)

	_, err = f.machine.CompleteConsultation(ctx, first.TokenID, nil)
	require.ErrorIs(t, err, store.ErrInvalidState)
}

func TestMarkNoShowAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "doc-1", time.Hour)
	b := f.book(t, "doc-1", 2*time.Hour)

	res, err := f.machine.MarkNoShow(ctx, a.TokenID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, res.Token.Status)
	assert.Equal(t, "no show", res.Token.CancellationReason)

	_, err = f.machine.Cancel(ctx, a.TokenID, "patient request")
	require.ErrorIs(t, err, store.ErrInvalidState)

	res, err = f.machine.Cancel(ctx, b.TokenID, "patient request")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, res.Token.Status)
	assert.Equal(t, "patient request", res.Token.CancellationReason)

	c := f.book(t, "doc-1", 3*time.Hour)
	assert.Equal(t, 3, c.QueuePosition, "positions are never reused")
}

func TestNoShowNotAllowedDuringConsultation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.book(t, "doc-1", 0)
	_, err := f.machine.CheckIn(ctx, tok.TokenID, hospitalLat, hospitalLon)
	require.NoError(t, err)
	_, err = f.machine.StartConsultation(ctx, tok.TokenID)
	require.NoError(t, err)

	_, err = f.machine.MarkNoShow(ctx, tok.TokenID, "")
	require.ErrorIs(t, err, store.ErrInvalidState)
}

func TestUnknownTokenIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.StartConsultation(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestTokenNumber(t *testing.T) {
	assert.Equal(t, "CARD-012", TokenNumber("CARD", 12))
	assert.Equal(t, "OPD-1234", TokenNumber("", 1234))
}

func TestNextToCallSkipsAbsentPatients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.book(t, "doc-1", 0)
	second := f.book(t, "doc-1", 15*time.Minute)

	next, err := f.machine.NextToCall(ctx, "doc-1", "2026-03-02")
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = f.machine.CheckIn(ctx, second.TokenID, hospitalLat, hospitalLon)
	require.NoError(t, err)
	next, err = f.machine.NextToCall(ctx, "doc-1", "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.TokenID, next.TokenID)

	_, err = f.machine.CheckIn(ctx, first.TokenID, hospitalLat, hospitalLon)
	require.NoError(t, err)
	next, err = f.machine.NextToCall(ctx, "doc-1", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, first.TokenID, next.TokenID)

	_, err = f.machine.NextToCall(ctx, "doc-1", "02/03/2026")
	require.ErrorIs(t, err, store.ErrValidation)
}

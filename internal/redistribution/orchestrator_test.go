package redistribution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opd/queue-service/internal/clock"
	"opd/queue-service/internal/eta"
	"opd/queue-service/internal/models"
	"opd/queue-service/internal/store"
	"opd/queue-service/internal/store/memory"
)

type fixture struct {
	repo  *memory.Store
	clock *clock.Fixed
}

func newFixture(targetMax int) *fixture {
	repo := memory.New()
	repo.AddDepartment(models.Department{DepartmentID: "dept-1", Code: "GEN"})
	repo.AddDoctor(models.Doctor{DoctorID: "doc-leaving", Name: "Dr. Leaving", PrimaryDepartmentID: "dept-1", MaxTokensPerSession: 20, Status: models.DoctorAvailable})
	repo.AddDoctor(models.Doctor{DoctorID: "doc-2", Name: "Dr. Two", PrimaryDepartmentID: "dept-1", MaxTokensPerSession: targetMax, Status: models.DoctorAvailable})
	return &fixture{repo: repo, clock: clock.NewFixed(base.Add(-time.Hour))}
}

func (f *fixture) orchestrator(repo store.Repository) *Orchestrator {
	calc := eta.New(repo, eta.Options{Clock: f.clock, Location: time.UTC})
	return New(repo, calc, Options{Clock: f.clock, Location: time.UTC})
}

func (f *fixture) seed(tokens ...models.Token) {
	for i, t := range tokens {
		t.QueuePosition = i + 1
		t.DepartmentID = "dept-1"
		f.repo.PutToken(t)
	}
}

func TestRedistributeNoActionNeeded(t *testing.T) {
	f := newFixture(10)
	out, err := f.orchestrator(f.repo).Redistribute(context.Background(), leave(models.PlannedLeave))
	require.NoError(t, err)
	assert.Equal(t, ResultNoActionNeeded, out.Result)
	assert.Zero(t, out.Processed())
}

func TestRedistributeValidatesLeave(t *testing.T) {
	f := newFixture(10)
	bad := leave(models.ExceptionType("HOLIDAY"))
	_, err := f.orchestrator(f.repo).Redistribute(context.Background(), bad)
	require.ErrorIs(t, err, store.ErrValidation)

	bad = leave(models.PlannedLeave)
	bad.EndTime = bad.StartTime.Add(-time.Minute)
	_, err = f.orchestrator(f.repo).Redistribute(context.Background(), bad)
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestRedistributeUnplannedLeaveMovesAllTokens(t *testing.T) {
	f := newFixture(10)
	f.seed(
		tok("t1", models.PriorityNormal, models.StatusBooked, 0),
		tok("t2", models.PriorityNormal, models.StatusBooked, 30*time.Minute),
		tok("t3", models.PriorityEmergency, models.StatusBooked, time.Hour),
	)
	ctx := context.Background()
	o := f.orchestrator(f.repo)

	plan, err := o.Plan(ctx, leave(models.UnplannedLeave))
	require.NoError(t, err)
	require.Len(t, plan.Pool, 1)
	assert.Equal(t, 7, plan.Pool[0].Remaining)

	out, err := o.Redistribute(ctx, leave(models.UnplannedLeave))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, out.Result)
	require.Len(t, out.Reassigned, 3)
	assert.Equal(t, "t3", out.Reassigned[0].TokenID, "emergency first")
	assert.Equal(t, "t1", out.Reassigned[1].TokenID)
	assert.Equal(t, "t2", out.Reassigned[2].TokenID)
	for i, e := range out.Reassigned {
		assert.Equal(t, "doc-2", e.ToDoctorID)
		assert.Equal(t, "Dr. Two", e.ToDoctorName)
		assert.Equal(t, i+1, e.QueuePosition)
	}

	moved, err := f.repo.FindToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "doc-2", moved.DoctorID)
	assert.Equal(t, models.StatusBooked, moved.Status)
	audit, ok := moved.Notes["reassignment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "doc-leaving", audit["original_doctor_id"])
	assert.Equal(t, "Doctor leave - fever", audit["reason"])
	assert.NotEmpty(t, audit["reassigned_at"])

	assert.Len(t, out.ETAs, 3)
}

func TestRedistributePlannedLeaveReschedules(t *testing.T) {
	f := newFixture(10)
	f.seed(tok("t1", models.PriorityNormal, models.StatusWaiting, 0))
	ctx := context.Background()

	out, err := f.orchestrator(f.repo).Redistribute(ctx, leave(models.PlannedLeave))
	require.NoError(t, err)
	require.Len(t, out.Rescheduled, 1)

	stored, err := f.repo.FindToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRescheduled, stored.Status)
	assert.Equal(t, "Doctor unavailable – fever", stored.CancellationReason)
	assert.Equal(t, "doc-leaving", stored.DoctorID)
}

func TestRedistributeEscalatesEmergencyWithoutPool(t *testing.T) {
	f := newFixture(0)
	_, err := f.repo.UpdateDoctorStatus(context.Background(), "doc-2", models.DoctorOnLeave)
	require.NoError(t, err)
	f.seed(tok("t1", models.PriorityEmergency, models.StatusBooked, 0))
	ctx := context.Background()

	out, err := f.orchestrator(f.repo).Redistribute(ctx, leave(models.EmergencyLeave))
	require.NoError(t, err)
	require.Len(t, out.Escalated, 1)
	assert.Empty(t, out.Rescheduled)

	stored, err := f.repo.FindToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBooked, stored.Status, "escalation never cancels")
	assert.Contains(t, stored.Notes, "escalation")
}

// capacityThief reports the target doctor as full after the pool snapshot.
type capacityThief struct {
	*memory.Store
	doctorID string
	calls    int
}

func (c *capacityThief) CountScheduledToday(ctx context.Context, doctorID string, day models.TimeRange) (int, error) {
	if doctorID == c.doctorID {
		c.calls++
		if c.calls > 1 {
			return 1000, nil
		}
	}
	return c.Store.CountScheduledToday(ctx, doctorID, day)
}

func TestRedistributeRevalidatesCapacity(t *testing.T) {
	f := newFixture(10)
	f.seed(
		tok("t1", models.PriorityEmergency, models.StatusBooked, 0),
		tok("t2", models.PriorityNormal, models.StatusBooked, time.Hour),
	)
	repo := &capacityThief{Store: f.repo, doctorID: "doc-2"}

	out, err := f.orchestrator(repo).Redistribute(context.Background(), leave(models.UnplannedLeave))
	require.NoError(t, err)
	assert.Empty(t, out.Reassigned)
	require.Len(t, out.Escalated, 1)
	assert.Equal(t, "t1", out.Escalated[0].TokenID)
	assert.Equal(t, RuleCapacityVanished, out.Escalated[0].Rule)
	require.Len(t, out.Rescheduled, 1)
	assert.Equal(t, RuleCapacityVanished, out.Rescheduled[0].Rule)
}

// cancelAfterWrites cancels the pass once n token writes have happened.
type cancelAfterWrites struct {
	*memory.Store
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfterWrites) UpdateToken(ctx context.Context, tokenID string, patch store.TokenPatch) (models.Token, error) {
	tok, err := c.Store.UpdateToken(ctx, tokenID, patch)
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return tok, err
}

func TestRedistributeCancelledBetweenTokens(t *testing.T) {
	f := newFixture(10)
	f.seed(
		tok("t1", models.PriorityNormal, models.StatusBooked, 0),
		tok("t2", models.PriorityNormal, models.StatusBooked, time.Minute),
		tok("t3", models.PriorityNormal, models.StatusBooked, 2*time.Minute),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := &cancelAfterWrites{Store: f.repo, n: 1, cancel: cancel}

	out, err := f.orchestrator(repo).Redistribute(ctx, leave(models.PlannedLeave))
	require.NoError(t, err)
	assert.Equal(t, ResultInterrupted, out.Result)
	require.Len(t, out.Rescheduled, 1)
	require.Len(t, out.Abandoned, 2)

	for _, id := range []string{"t2", "t3"} {
		stored, err := f.repo.FindToken(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusBooked, stored.Status)
	}
}

func TestRedistributeEveryTokenAccountedFor(t *testing.T) {
	f := newFixture(2)
	f.seed(
		tok("t1", models.PriorityEmergency, models.StatusBooked, 0),
		tok("t2", models.PriorityNormal, models.StatusCheckedIn, time.Minute),
		tok("t3", models.PriorityEmergency, models.StatusWaiting, 2*time.Minute),
		tok("t4", models.PriorityReserved, models.StatusBooked, 3*time.Minute),
	)
	out, err := f.orchestrator(f.repo).Redistribute(context.Background(), leave(models.UnplannedLeave))
	require.NoError(t, err)
	assert.Equal(t, 4, out.Processed())
	assert.Len(t, out.Reassigned, 2)
	assert.Len(t, out.Escalated, 0)
	seen := map[string]bool{}
	for _, group := range [][]Entry{out.Reassigned, out.Rescheduled, out.Escalated} {
		for _, e := range group {
			assert.False(t, seen[e.TokenID])
			seen[e.TokenID] = true
		}
	}
	assert.Len(t, seen, 4)
}

func TestRedistributeInterruptedRefreshesMovedTokens(t *testing.T) {
	f := newFixture(10)
	f.seed(
		tok("t1", models.PriorityNormal, models.StatusBooked, 0),
		tok("t2", models.PriorityNormal, models.StatusBooked, time.Minute),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := &cancelAfterWrites{Store: f.repo, n: 1, cancel: cancel}

	out, err := f.orchestrator(repo).Redistribute(ctx, leave(models.UnplannedLeave))
	require.NoError(t, err)
	assert.Equal(t, ResultInterrupted, out.Result)
	require.Len(t, out.Reassigned, 1)
	require.Len(t, out.Abandoned, 1)

	var refreshed []string
	for _, r := range out.ETAs {
		refreshed = append(refreshed, r.TokenID)
	}
	assert.Contains(t, refreshed, "t1")
}

func TestRedistributeEmergencyFallsBackToNextDoctor(t *testing.T) {
	f := newFixture(10)
	f.repo.AddDoctor(models.Doctor{DoctorID: "doc-3", Name: "Dr. Three", PrimaryDepartmentID: "dept-1", MaxTokensPerSession: 5, Status: models.DoctorAvailable})
	f.seed(tok("t1", models.PriorityEmergency, models.StatusBooked, 0))
	repo := &capacityThief{Store: f.repo, doctorID: "doc-2"}

	out, err := f.orchestrator(repo).Redistribute(context.Background(), leave(models.UnplannedLeave))
	require.NoError(t, err)
	assert.Empty(t, out.Escalated)
	require.Len(t, out.Reassigned, 1)
	assert.Equal(t, "doc-3", out.Reassigned[0].ToDoctorID)
	assert.Equal(t, "Dr. Three", out.Reassigned[0].ToDoctorName)

	stored, err := f.repo.FindToken(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "doc-3", stored.DoctorID)
}

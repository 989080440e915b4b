// Package redistribution moves a doctor's pending tokens elsewhere when the
// doctor becomes unavailable.
package redistribution

import (
	"sort"

	"opd/queue-service/internal/models"
)

type Decision string

const (
	DecisionReassign   Decision = "REASSIGN"
	DecisionReschedule Decision = "RESCHEDULE"
	DecisionEscalate   Decision = "ESCALATE"
)

// Rules that produced a decision.
const (
	RuleEmergency        = "EMERGENCY_PRIORITY"
	RuleCheckedIn        = "PATIENT_PRESENT"
	RuleUnplannedLeave   = "UNPLANNED_LEAVE_BIAS"
	RuleDefault          = "DEFAULT_RESCHEDULE"
	RuleCapacityVanished = "CAPACITY_VANISHED"
)

const (
	loadScoreBase        = 50
	unplannedMinCapacity = 5
)

// Candidate is an alternative doctor with spare capacity.
type Candidate struct {
	DoctorID    string `json:"doctor_id"`
	Name        string `json:"name"`
	QueueLength int    `json:"queue_length"`
	Remaining   int    `json:"remaining_capacity"`
	LoadScore   int    `json:"load_score"`
}

func LoadScore(queueLength, remaining int) int {
	return queueLength*2 + (loadScoreBase - remaining)
}

// NewPool keeps candidates with spare capacity, scores them and orders them
// least loaded first. Ties keep input order.
func NewPool(candidates []Candidate) []Candidate {
	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Remaining <= 0 {
			continue
		}
		c.LoadScore = LoadScore(c.QueueLength, c.Remaining)
		pool = append(pool, c)
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].LoadScore < pool[j].LoadScore })
	return pool
}

// SortAffected orders tokens by priority descending, then scheduled time.
func SortAffected(tokens []models.Token) {
	sort.SliceStable(tokens, func(i, j int) bool {
		if tokens[i].Priority != tokens[j].Priority {
			return tokens[i].Priority > tokens[j].Priority
		}
		return tokens[i].ScheduledTime.Before(tokens[j].ScheduledTime)
	})
}

type Step struct {
	Token          models.Token `json:"token"`
	Decision       Decision     `json:"decision"`
	Rule           string       `json:"rule"`
	TargetDoctorID string       `json:"target_doctor_id,omitempty"`
}

type Plan struct {
	Leave models.Leave `json:"leave"`
	Steps []Step       `json:"steps"`
	// Pool is what is left of the capacity pool once every step is taken.
	Pool []Candidate `json:"pool"`
}

// Decide runs the rules over tokens in order, consuming pool capacity as
// tokens are reassigned. It performs no I/O.
func Decide(leave models.Leave, tokens []models.Token, candidates []Candidate) Plan {
	pool := NewPool(candidates)
	plan := Plan{Leave: leave, Steps: make([]Step, 0, len(tokens))}
	for _, token := range tokens {
		step := decide(leave.ExceptionType, token, pool)
		if step.Decision == DecisionReassign {
			pool = consume(pool, step.TargetDoctorID)
		}
		plan.Steps = append(plan.Steps, step)
	}
	plan.Pool = pool
	return plan
}

func decide(kind models.ExceptionType, token models.Token, pool []Candidate) Step {
	step := Step{Token: token}
	switch {
	case token.Priority == models.PriorityEmergency:
		step.Rule = RuleEmergency
		if len(pool) == 0 {
			step.Decision = DecisionEscalate
			return step
		}
		step.Decision = DecisionReassign
		step.TargetDoctorID = pool[0].DoctorID
	case token.Status == models.StatusCheckedIn:
		step.Rule = RuleCheckedIn
		if len(pool) == 0 {
			step.Decision = DecisionReschedule
			return step
		}
		step.Decision = DecisionReassign
		step.TargetDoctorID = shortestQueue(pool).DoctorID
	case kind.Unplanned() && len(pool) > 0 && pool[0].Remaining >= unplannedMinCapacity:
		step.Rule = RuleUnplannedLeave
		step.Decision = DecisionReassign
		step.TargetDoctorID = pool[0].DoctorID
	default:
		step.Rule = RuleDefault
		step.Decision = DecisionReschedule
	}
	return step
}

func shortestQueue(pool []Candidate) Candidate {
	best := pool[0]
	for _, c := range pool[1:] {
		if c.QueueLength < best.QueueLength {
			best = c
		}
	}
	return best
}

// consume takes one slot from doctorID and drops it from the pool when it
// runs out. Order is preserved.
func consume(pool []Candidate, doctorID string) []Candidate {
	for i := range pool {
		if pool[i].DoctorID != doctorID {
			continue
		}
		pool[i].Remaining--
		pool[i].QueueLength++
		if pool[i].Remaining <= 0 {
			return append(pool[:i:i], pool[i+1:]...)
		}
		return pool
	}
	return pool
}

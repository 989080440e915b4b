package store

import "opd/queue-service/internal/models"

type Action string

const (
	ActionCheckIn    Action = "check_in"
	ActionWait       Action = "wait"
	ActionStart      Action = "start_consultation"
	ActionComplete   Action = "complete_consultation"
	ActionNoShow     Action = "no_show"
	ActionCancel     Action = "cancel"
	ActionReschedule Action = "reschedule"
	ActionReassign   Action = "reassign"
)

type transition struct {
	from []models.Status
	to   models.Status
}

var transitionMap = map[Action]transition{
	ActionCheckIn:    {from: []models.Status{models.StatusBooked}, to: models.StatusCheckedIn},
	ActionWait:       {from: []models.Status{models.StatusCheckedIn}, to: models.StatusWaiting},
	ActionStart:      {from: []models.Status{models.StatusCheckedIn, models.StatusWaiting}, to: models.StatusInConsultation},
	ActionComplete:   {from: []models.Status{models.StatusInConsultation}, to: models.StatusCompleted},
	ActionNoShow:     {from: models.PendingStatuses, to: models.StatusNoShow},
	ActionCancel:     {from: models.PendingStatuses, to: models.StatusCancelled},
	ActionReschedule: {from: models.PendingStatuses, to: models.StatusRescheduled},
	// Reassignment keeps the status and moves the token to another doctor.
	ActionReassign: {from: models.PendingStatuses},
}

func ValidTransition(action Action, fromStatus models.Status) bool {
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	return fromStatus.In(t.from)
}

// Target returns the status a token holds after action is applied from
// fromStatus.
func Target(action Action, fromStatus models.Status) (models.Status, bool) {
	if !ValidTransition(action, fromStatus) {
		return "", false
	}
	t := transitionMap[action]
	if t.to == "" {
		return fromStatus, true
	}
	return t.to, true
}

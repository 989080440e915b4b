package engine

import (
	"context"

	"opd/queue-service/internal/broadcast"
	"opd/queue-service/internal/eta"
	"opd/queue-service/internal/models"
)

// Broadcast failures are logged and never fail the operation that caused them.
func (e *Engine) publish(ctx context.Context, channel, eventType string, data any) {
	event := broadcast.Event{Type: eventType, Channel: channel, Data: data, At: e.clock.Now()}
	if err := e.publisher.Publish(ctx, channel, event); err != nil {
		e.logger.Warn().Err(err).Str("channel", channel).Str("event", eventType).Msg("broadcast failed")
	}
}

func (e *Engine) publishToken(ctx context.Context, token models.Token) {
	e.publish(ctx, broadcast.TokenChannel(token.TokenID), broadcast.EventTokenUpdated, map[string]any{
		"token_id":               token.TokenID,
		"token_number":           token.TokenNumber,
		"status":                 token.Status,
		"doctor_id":              token.DoctorID,
		"queue_position":         token.QueuePosition,
		"estimated_wait_minutes": token.EstimatedWaitMinutes,
	})
}

func (e *Engine) publishETAs(ctx context.Context, results []eta.Result) {
	for _, r := range results {
		e.publish(ctx, broadcast.TokenChannel(r.TokenID), broadcast.EventETAUpdated, r)
	}
}

// publishQueue tells the doctor's console and the department display board
// that the queue changed.
func (e *Engine) publishQueue(ctx context.Context, doctorID, departmentID string) {
	data := map[string]any{"doctor_id": doctorID, "department_id": departmentID}
	e.publish(ctx, broadcast.DoctorChannel(doctorID), broadcast.EventQueueUpdated, data)
	if departmentID != "" {
		e.publish(ctx, broadcast.DepartmentChannel(departmentID), broadcast.EventDisplayBoard, data)
	}
}

func (e *Engine) publishAdmin(ctx context.Context, eventType string, data any) {
	e.publish(ctx, broadcast.AdminChannel, eventType, data)
}

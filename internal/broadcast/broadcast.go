// Package broadcast fans queue updates out to live displays and dashboards.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const AdminChannel = "admin:dashboard"

func TokenChannel(tokenID string) string { return "token:" + tokenID }

func DoctorChannel(doctorID string) string { return "doctor:" + doctorID }

func DepartmentChannel(departmentID string) string { return "dept:" + departmentID }

// Event types.
const (
	EventTokenUpdated   = "token.updated"
	EventETAUpdated     = "token.eta"
	EventQueueUpdated   = "queue.updated"
	EventDoctorStatus   = "doctor.status"
	EventRedistribution = "doctor.leave"
	EventEscalation     = "token.escalated"
	EventDisplayBoard   = "display.updated"
)

type Event struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel"`
	Data    any       `json:"data"`
	At      time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// RedisPublisher relays events over Redis pub/sub so every instance and any
// external display service sees them.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, event Event) error {
	event.Channel = channel
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe relays events published by other instances into hub until ctx
// is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, hub *Hub) error {
	sub := p.client.PSubscribe(ctx, p.prefix+"*")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			channel := msg.Channel[len(p.prefix):]
			hub.Deliver(channel, []byte(msg.Payload))
		}
	}
}

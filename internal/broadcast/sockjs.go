package broadcast

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

// SockJSHandler serves hub subscriptions under prefix. Clients send
// {"action":"subscribe","channels":["doctor:..."]} frames and receive every
// event published on those channels.
func SockJSHandler(prefix string, hub *Hub, logger zerolog.Logger) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := NewClient(uuid.NewString(), 16)
		hub.Register(client)
		defer hub.Unregister(client)

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				logger.Debug().Str("client_id", client.ID).Msg("ignoring malformed realtime frame")
				continue
			}
			if parsed.Action == "unsubscribe" {
				hub.Unsubscribe(client, parsed.Channels...)
				continue
			}
			hub.Subscribe(client, parsed.Channels...)
		}
	})
}

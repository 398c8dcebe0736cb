package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kalambet/shareq/internal/syncer"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
)

// handleEvents streams every engine event to the client as a JSON text
// message. A client that falls eventBuffer events behind is disconnected.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.CloseNow()

		// The stream is one-way; CloseRead handles control frames and
		// cancels ctx when the client goes away.
		ctx := conn.CloseRead(r.Context())

		events := make(chan syncer.Event, eventBuffer)
		overflow := make(chan struct{})
		var once sync.Once
		cancel := deps.Engine.Subscribe(func(ev syncer.Event) {
			select {
			case events <- ev:
			default:
				once.Do(func() { close(overflow) })
			}
		})
		defer cancel()

		// Send current state first so the client can render without polling.
		hello := syncer.Event{Type: eventState, At: time.Now().UTC()}
		if err := writeEvent(ctx, conn, stateMessage{Event: hello, State: deps.Engine.State()}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-overflow:
				slog.Warn("event client too slow, closing")
				conn.Close(websocket.StatusPolicyViolation, "event buffer overflow")
				return
			case ev := <-events:
				if err := writeEvent(ctx, conn, ev); err != nil {
					slog.Debug("event stream closed", "error", err)
					return
				}
			}
		}
	}
}

// eventState is only sent by the stream itself, as its first message.
const eventState syncer.EventType = "state"

type stateMessage struct {
	syncer.Event
	State syncer.EngineState `json:"state"`
}

func writeEvent(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

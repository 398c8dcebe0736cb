package syncer

import (
	"time"

	"github.com/kalambet/shareq/internal/storage"
)

// EventType identifies what an Event reports.
type EventType string

const (
	EventStatusChanged  EventType = "status_changed"
	EventReauthRequired EventType = "reauth_required"
	EventPaused         EventType = "paused"
	EventResumed        EventType = "resumed"
)

// StatusChange describes one item moving between statuses. From is empty for
// a newly enqueued item.
type StatusChange struct {
	ID           string             `json:"id"`
	From         storage.Status     `json:"from,omitempty"`
	To           storage.Status     `json:"to"`
	AttemptCount int                `json:"attempt_count"`
	LastError    *storage.ItemError `json:"last_error,omitempty"`
	// NextAttemptAt is set for items waiting out a backoff ("will retry").
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Event is delivered to observers registered with Subscribe.
type Event struct {
	Type   EventType     `json:"type"`
	At     time.Time     `json:"at"`
	Change *StatusChange `json:"change,omitempty"`
}

func (e *Engine) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}

	e.obsMu.Lock()
	fns := make([]func(Event), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.obsMu.Unlock()

	for _, fn := range fns {
		e.notify(fn, ev)
	}
}

func (e *Engine) notify(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("observer panicked", "event", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

func (e *Engine) emitChange(item storage.QueueItem, from storage.Status) {
	e.emit(Event{
		Type: EventStatusChanged,
		Change: &StatusChange{
			ID:            item.ID(),
			From:          from,
			To:            item.Status,
			AttemptCount:  item.AttemptCount,
			LastError:     item.LastError,
			NextAttemptAt: item.NextAttemptAt,
		},
	})
}

// Subscribe registers fn to receive every engine event. Observers run on the
// goroutine that produced the event and must not block. The returned func
// unregisters fn.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

// Package delivery defines the boundary between the sync engine and whatever
// uploads shares to the backend.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/shareq/internal/share"
)

// ErrorKind classifies a failed delivery.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindServer      ErrorKind = "server"
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindClient      ErrorKind = "client"
	KindUnknown     ErrorKind = "unknown"
	KindStorage     ErrorKind = "storage"
)

// Retryable reports whether retrying the same content could succeed.
// Auth is not retryable per item; the engine pauses instead.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindRateLimited, KindUnknown:
		return true
	}
	return false
}

// Status is the coarse result of one delivery attempt.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusRetryable Status = "retryable"
	StatusTerminal  Status = "terminal"
)

// Outcome is what a Transport reports for one attempt.
type Outcome struct {
	Status  Status
	Kind    ErrorKind
	Message string
	// Hint is a server-supplied minimum delay before the next attempt.
	Hint time.Duration
}

func Success() Outcome {
	return Outcome{Status: StatusSuccess}
}

func Retry(kind ErrorKind, msg string, hint time.Duration) Outcome {
	return Outcome{Status: StatusRetryable, Kind: kind, Message: msg, Hint: hint}
}

func Terminal(kind ErrorKind, msg string) Outcome {
	return Outcome{Status: StatusTerminal, Kind: kind, Message: msg}
}

func (o Outcome) OK() bool { return o.Status == StatusSuccess }

func (o Outcome) String() string {
	if o.OK() {
		return "success"
	}
	return fmt.Sprintf("%s %s: %s", o.Status, o.Kind, o.Message)
}

// Transport uploads one share. Implementations report every failure through
// the Outcome and never panic.
type Transport interface {
	Deliver(ctx context.Context, c share.Content) Outcome
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, c share.Content) Outcome

func (f TransportFunc) Deliver(ctx context.Context, c share.Content) Outcome {
	return f(ctx, c)
}

// Safe wraps t so that a panic inside Deliver becomes a retryable unknown
// failure instead of taking down the sync pass.
func Safe(t Transport) Transport {
	return TransportFunc(func(ctx context.Context, c share.Content) (out Outcome) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("transport panicked", "id", c.ID, "panic", r)
				out = Retry(KindUnknown, fmt.Sprintf("transport panic: %v", r), 0)
			}
		}()
		return t.Deliver(ctx, c)
	})
}

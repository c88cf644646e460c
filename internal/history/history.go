// Package history records service lifecycle events to an append-only
// sink for after-the-fact inspection. The sink is observability only:
// it is never read back at boot and the supervisor runs fine without
// one.
package history

import (
	"context"
	"time"
)

// EventType is the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventExit  EventType = "exit"
	EventFail  EventType = "fail"
	EventStop  EventType = "stop"
)

// Event is one lifecycle occurrence for a service.
type Event struct {
	Service    string
	PID        int
	Type       EventType
	ExitStatus int
	Detail     string
	Runlevel   int
	OccurredAt time.Time
}

// Sink is a destination for lifecycle events.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

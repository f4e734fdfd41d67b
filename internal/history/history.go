// Package history exports worker lifecycle events to analytics stores.
// Sinks are write-only audit trails; nothing in botctl reads them back.
package history

import (
	"context"
	"time"
)

// EventType is the lifecycle operation that produced the event.
type EventType string

const (
	EventProvision EventType = "provision"
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
)

// Event is one completed operation.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Worker     string    `json:"worker"` // entry script path
	PID        int       `json:"pid,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Table is the default table (or index) name used by the sinks.
const Table = "worker_history"

package models

import "time"

// EventKind groups ledger events by the component that produced them.
type EventKind string

const (
	EventKindHook    EventKind = "hook"
	EventKindWorker  EventKind = "worker"
	EventKindQueue   EventKind = "queue"
	EventKindSession EventKind = "session"
)

// Event is one recorded decision or outcome.
type Event struct {
	ID        string
	SessionID string
	Kind      EventKind
	// Name is the hook, command or task that produced the event.
	Name      string
	Decision  string
	Message   string
	CreatedAt time.Time
}

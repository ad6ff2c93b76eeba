package journal

import (
	"context"
	"time"
)

// Event types written by the settlement driver.
const (
	TypeTransition   = "settlement_transition"
	TypeTransmission = "transmission"
	TypeFailure      = "settlement_failure"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "settlement_transition", "transmission"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}

// Package notify carries booking events to the outside world after a
// transaction has committed.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventBookingCreated      EventType = "booking.created"
	EventBookingCancelled    EventType = "booking.cancelled"
	EventBookingPromoted     EventType = "booking.promoted"
	EventOccurrenceCancelled EventType = "occurrence.cancelled"
	EventSeriesCancelled     EventType = "series.cancelled"
	EventAttendanceMarked    EventType = "attendance.marked"
)

type Event struct {
	ID               string    `json:"id"`
	Type             EventType `json:"type"`
	OccurrenceID     string    `json:"occurrence_id,omitempty"`
	ReservationID    string    `json:"reservation_id,omitempty"`
	ParticipantID    string    `json:"participant_id,omitempty"`
	ParticipantIDs   []string  `json:"participant_ids,omitempty"`
	ReservationIDs   []string  `json:"reservation_ids,omitempty"`
	Status           string    `json:"status,omitempty"`
	WaitlistPosition *int      `json:"waitlist_position,omitempty"`
	Reason           *string   `json:"reason,omitempty"`
	Count            int       `json:"count,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(t EventType, at time.Time) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{ID: id.String(), Type: t, OccurredAt: at.UTC()}
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event) error { return nil }

package domain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ReservationStatus string

const (
	ReservationStatusBooked     ReservationStatus = "BOOKED"
	ReservationStatusWaitlisted ReservationStatus = "WAITLISTED"
	ReservationStatusCancelled  ReservationStatus = "CANCELLED"
	ReservationStatusAttended   ReservationStatus = "ATTENDED"
	ReservationStatusNoShow     ReservationStatus = "NO_SHOW"
)

func ParseReservationStatus(s string) (ReservationStatus, bool) {
	switch st := ReservationStatus(s); st {
	case ReservationStatusBooked, ReservationStatusWaitlisted, ReservationStatusCancelled,
		ReservationStatusAttended, ReservationStatusNoShow:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether the status ends the current booking cycle.
// Terminal reservations can only be revived by rebooking.
func (s ReservationStatus) IsTerminal() bool {
	switch s {
	case ReservationStatusCancelled, ReservationStatusAttended, ReservationStatusNoShow:
		return true
	}
	return false
}

func (s ReservationStatus) IsActive() bool {
	return s == ReservationStatusBooked || s == ReservationStatusWaitlisted
}

// ActiveStatuses are the statuses that hold a seat or a waitlist slot.
var ActiveStatuses = []ReservationStatus{ReservationStatusBooked, ReservationStatusWaitlisted}

type Actor string

const (
	ActorParticipant Actor = "participant"
	ActorOrganizer   Actor = "organizer"
)

type AttendanceOutcome = ReservationStatus

type Reservation struct {
	bun.BaseModel `bun:"table:reservations,alias:r"`

	ID                   uuid.UUID         `bun:"id,pk,type:uuid"`
	OccurrenceID         uuid.UUID         `bun:"occurrence_id,notnull,type:uuid"`
	ParticipantID        string            `bun:"participant_id,notnull"`
	Status               ReservationStatus `bun:"status,notnull"`
	WaitlistPosition     *int              `bun:"waitlist_position"`
	BookedAt             time.Time         `bun:"booked_at,notnull"`
	CancelledAt          *time.Time        `bun:"cancelled_at"`
	CancelReason         *string           `bun:"cancel_reason"`
	CancelledByOrganizer bool              `bun:"cancelled_by_organizer,notnull"`
	AttendedAt           *time.Time        `bun:"attended_at"`
	OrganizerNotes       *string           `bun:"organizer_notes"`
	CreatedAt            time.Time         `bun:"created_at,notnull"`
	UpdatedAt            time.Time         `bun:"updated_at,notnull"`
}

func (r *Reservation) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			r.ID = id
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}

// Position returns the waitlist position, or 0 when the reservation is not
// queued.
func (r Reservation) Position() int {
	if r.WaitlistPosition == nil {
		return 0
	}
	return *r.WaitlistPosition
}

// CheckWaitlistDensity verifies that the WAITLISTED reservations of a single
// occurrence hold exactly the positions 1..N.
func CheckWaitlistDensity(rs []Reservation) error {
	positions := make([]int, 0, len(rs))
	for _, r := range rs {
		if r.Status != ReservationStatusWaitlisted {
			if r.WaitlistPosition != nil {
				return fmt.Errorf("reservation %s has position %d while %s", r.ID, *r.WaitlistPosition, r.Status)
			}
			continue
		}
		if r.WaitlistPosition == nil {
			return fmt.Errorf("waitlisted reservation %s has no position", r.ID)
		}
		positions = append(positions, *r.WaitlistPosition)
	}
	sort.Ints(positions)
	for i, p := range positions {
		if p != i+1 {
			return fmt.Errorf("waitlist positions %v are not dense", positions)
		}
	}
	return nil
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"classbook/internal/domain"
)

type OccurrenceFilter struct {
	OrganizerID      string
	ClassID          uuid.UUID
	WindowStart      time.Time
	WindowEnd        time.Time
	IncludeCancelled bool
}

type ReservationFilter struct {
	OccurrenceID  uuid.UUID
	ParticipantID string
	Statuses      []domain.ReservationStatus
}

// BookingTx is the transaction-scoped view handed to booking operations. Row
// locks taken through it are held until the transaction ends.
type BookingTx interface {
	CreateClass(ctx context.Context, class domain.Class) (domain.Class, error)
	GetClass(ctx context.Context, classID uuid.UUID) (domain.Class, error)

	CreateOccurrences(ctx context.Context, occs []domain.Occurrence) ([]domain.Occurrence, error)
	GetOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error)
	// LockOccurrence serializes every booking mutation on one occurrence.
	LockOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error)
	UpdateOccurrence(ctx context.Context, occ domain.Occurrence) error
	// FindFutureInSeries locks and returns the series root and its children
	// starting at or after from, in ascending id order.
	FindFutureInSeries(ctx context.Context, rootID uuid.UUID, from time.Time) ([]domain.Occurrence, error)
	// FindSeries returns the whole series without locking, ordered by start
	// time.
	FindSeries(ctx context.Context, rootID uuid.UUID) ([]domain.Occurrence, error)

	GetReservation(ctx context.Context, reservationID uuid.UUID) (domain.Reservation, error)
	FindReservationByOccurrenceAndParticipant(ctx context.Context, occurrenceID uuid.UUID, participantID string) (domain.Reservation, error)
	CountReservationsByStatuses(ctx context.Context, occurrenceID uuid.UUID, statuses ...domain.ReservationStatus) (int, error)
	MaxWaitlistPosition(ctx context.Context, occurrenceID uuid.UUID) (int, error)
	FindLowestWaitlistedReservation(ctx context.Context, occurrenceID uuid.UUID) (domain.Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]domain.Reservation, error)
	CreateReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, error)
	UpdateReservation(ctx context.Context, r domain.Reservation) error
	// ShiftWaitlistPositions moves every waitlisted reservation behind
	// afterPosition one place forward.
	ShiftWaitlistPositions(ctx context.Context, occurrenceID uuid.UUID, afterPosition int, at time.Time) error
	// SetReservationStatuses applies one status to a batch of reservations and
	// clears their waitlist positions.
	SetReservationStatuses(ctx context.Context, ids []uuid.UUID, status domain.ReservationStatus, attendedAt *time.Time, at time.Time) (int, error)
}

type BookingStore interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error
	// InClassTransaction additionally holds a class-wide lock, used while a
	// series is materialized.
	InClassTransaction(ctx context.Context, classID uuid.UUID, fn func(ctx context.Context, tx BookingTx) error) error

	GetOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error)
	ListOccurrences(ctx context.Context, filter OccurrenceFilter) ([]domain.Occurrence, error)
	GetReservation(ctx context.Context, reservationID uuid.UUID) (domain.Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]domain.Reservation, error)

	Ping(ctx context.Context) error
}

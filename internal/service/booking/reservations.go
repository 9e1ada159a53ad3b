package booking

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"classbook/internal/domain"
	"classbook/internal/ledger"
	"classbook/internal/notify"
	"classbook/internal/store"
)

type ReserveInput struct {
	OccurrenceID  uuid.UUID `json:"occurrence_id" validate:"required"`
	ParticipantID string    `json:"participant_id" validate:"required,max=128"`
}

// Reserve books a seat for the participant, or queues them on the waitlist
// when the occurrence is full. A terminal reservation for the same pair is
// revived instead of duplicated.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (domain.Reservation, error) {
	in.ParticipantID = strings.TrimSpace(in.ParticipantID)
	if err := s.check(in); err != nil {
		return domain.Reservation{}, err
	}

	var res ledger.ReserveResult
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx store.BookingTx) error {
		r, err := s.ledger.Reserve(ctx, tx, in.OccurrenceID, in.ParticipantID)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	s.dispatch(ctx, s.reservationEvent(notify.EventBookingCreated, res.Reservation))
	return res.Reservation, nil
}

// Rebook revives a cancelled or no-show reservation of the participant.
func (s *Service) Rebook(ctx context.Context, participantID string, reservationID uuid.UUID) (domain.Reservation, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return domain.Reservation{}, validationError("participant_id is required")
	}
	if reservationID == uuid.Nil {
		return domain.Reservation{}, validationError("reservation_id is required")
	}
	if _, err := s.loadReservation(ctx, reservationID); err != nil {
		return domain.Reservation{}, err
	}
	if err := s.requireParticipantOfReservation(ctx, participantID, reservationID); err != nil {
		return domain.Reservation{}, err
	}

	var out domain.Reservation
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx store.BookingTx) error {
		r, err := s.ledger.Rebook(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	s.dispatch(ctx, s.reservationEvent(notify.EventBookingCreated, out))
	return out, nil
}

type CancelReservationInput struct {
	ReservationID uuid.UUID    `json:"reservation_id" validate:"required"`
	Actor         domain.Actor `json:"actor" validate:"required,oneof=participant organizer"`
	ActorID       string       `json:"actor_id" validate:"required"`
	Reason        string       `json:"reason" validate:"max=1000"`
}

type CancelReservationResult struct {
	Reservation domain.Reservation
	Promoted    *domain.Reservation
}

// CancelReservation cancels on behalf of the participant who holds the
// reservation or the organizer who owns its occurrence. A freed seat goes to
// the head of the waitlist.
func (s *Service) CancelReservation(ctx context.Context, in CancelReservationInput) (CancelReservationResult, error) {
	in.ActorID = strings.TrimSpace(in.ActorID)
	if err := s.check(in); err != nil {
		return CancelReservationResult{}, err
	}

	current, err := s.loadReservation(ctx, in.ReservationID)
	if err != nil {
		return CancelReservationResult{}, err
	}
	switch in.Actor {
	case domain.ActorParticipant:
		err = s.requireParticipantOfReservation(ctx, in.ActorID, in.ReservationID)
	case domain.ActorOrganizer:
		err = s.requireOrganizerOfOccurrence(ctx, in.ActorID, current.OccurrenceID)
	}
	if err != nil {
		return CancelReservationResult{}, err
	}

	var res ledger.CancelResult
	err = s.store.InTransaction(ctx, func(ctx context.Context, tx store.BookingTx) error {
		c, err := s.ledger.Cancel(ctx, tx, in.ReservationID, in.Actor, strPtrOrNil(in.Reason))
		if err != nil {
			return err
		}
		res = c
		return nil
	})
	if err != nil {
		return CancelReservationResult{}, err
	}

	cancelled := s.reservationEvent(notify.EventBookingCancelled, res.Reservation)
	cancelled.Reason = res.Reservation.CancelReason
	events := []notify.Event{cancelled}
	if res.Promoted != nil {
		events = append(events, s.reservationEvent(notify.EventBookingPromoted, *res.Promoted))
	}
	s.dispatch(ctx, events...)

	return CancelReservationResult{Reservation: res.Reservation, Promoted: res.Promoted}, nil
}

type MarkAttendanceInput struct {
	OrganizerID    string                   `json:"organizer_id" validate:"required"`
	ReservationIDs []uuid.UUID              `json:"reservation_ids" validate:"required,min=1,max=500"`
	Outcome        domain.AttendanceOutcome `json:"outcome" validate:"required,oneof=ATTENDED NO_SHOW"`
}

// MarkAttendance records the outcome for every listed reservation or for none
// of them. It returns the number of reservations updated.
func (s *Service) MarkAttendance(ctx context.Context, in MarkAttendanceInput) (int, error) {
	in.OrganizerID = strings.TrimSpace(in.OrganizerID)
	if err := s.check(in); err != nil {
		return 0, err
	}

	checked := make(map[uuid.UUID]struct{})
	for _, id := range in.ReservationIDs {
		if id == uuid.Nil {
			return 0, validationError("reservation_ids contains an empty id")
		}
		r, err := s.loadReservation(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("reservation %s: %w", id, err)
		}
		if _, ok := checked[r.OccurrenceID]; ok {
			continue
		}
		if err := s.requireOrganizerOfOccurrence(ctx, in.OrganizerID, r.OccurrenceID); err != nil {
			return 0, err
		}
		checked[r.OccurrenceID] = struct{}{}
	}

	var marked []domain.Reservation
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx store.BookingTx) error {
		out, err := s.ledger.MarkAttendance(ctx, tx, in.ReservationIDs, in.Outcome)
		if err != nil {
			return err
		}
		marked = out
		return nil
	})
	if err != nil {
		return 0, err
	}

	ids := make([]uuid.UUID, 0, len(marked))
	for _, r := range marked {
		ids = append(ids, r.ID)
	}
	ev := notify.NewEvent(notify.EventAttendanceMarked, s.clock.Now())
	ev.ReservationIDs = idStrings(ids)
	ev.Status = string(in.Outcome)
	ev.Count = len(marked)
	s.dispatch(ctx, ev)

	return len(marked), nil
}

// AnnotateReservation replaces the organizer notes. Empty notes clear them.
func (s *Service) AnnotateReservation(ctx context.Context, organizerID string, reservationID uuid.UUID, notes string) (domain.Reservation, error) {
	organizerID = strings.TrimSpace(organizerID)
	if organizerID == "" {
		return domain.Reservation{}, validationError("organizer_id is required")
	}
	if reservationID == uuid.Nil {
		return domain.Reservation{}, validationError("reservation_id is required")
	}
	if len(notes) > 2000 {
		return domain.Reservation{}, validationError("notes is too long")
	}

	current, err := s.loadReservation(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := s.requireOrganizerOfOccurrence(ctx, organizerID, current.OccurrenceID); err != nil {
		return domain.Reservation{}, err
	}

	var out domain.Reservation
	err = s.store.InTransaction(ctx, func(ctx context.Context, tx store.BookingTx) error {
		r, err := s.ledger.Annotate(ctx, tx, reservationID, strPtrOrNil(notes))
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return out, nil
}

type ListReservationsInput struct {
	OccurrenceID  uuid.UUID
	ParticipantID string
	Statuses      []domain.ReservationStatus
}

func (s *Service) ListReservations(ctx context.Context, in ListReservationsInput) ([]domain.Reservation, error) {
	participantID := strings.TrimSpace(in.ParticipantID)
	if in.OccurrenceID == uuid.Nil && participantID == "" {
		return nil, validationError("occurrence_id or participant_id is required")
	}
	for _, st := range in.Statuses {
		if _, ok := domain.ParseReservationStatus(string(st)); !ok {
			return nil, validationError("unknown status " + string(st))
		}
	}
	return s.store.ListReservations(ctx, store.ReservationFilter{
		OccurrenceID:  in.OccurrenceID,
		ParticipantID: participantID,
		Statuses:      in.Statuses,
	})
}

func (s *Service) reservationEvent(t notify.EventType, r domain.Reservation) notify.Event {
	ev := notify.NewEvent(t, s.clock.Now())
	ev.OccurrenceID = r.OccurrenceID.String()
	ev.ReservationID = r.ID.String()
	ev.ParticipantID = r.ParticipantID
	ev.Status = string(r.Status)
	ev.WaitlistPosition = r.WaitlistPosition
	return ev
}

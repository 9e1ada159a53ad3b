// Package ledger owns the reservation state machine. Every method runs inside a
// caller-provided store transaction and takes the occurrence locks it needs
// before reading counts, so capacity decisions and waitlist renumbering are
// never interleaved for the same occurrence.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"classbook/internal/clock"
	"classbook/internal/domain"
	"classbook/internal/store"
)

type Ledger struct {
	clock clock.Clock
}

func New(clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.System{}
	}
	return &Ledger{clock: clk}
}

// ReserveResult reports the reservation written and whether an existing
// terminal row was revived.
type ReserveResult struct {
	Reservation domain.Reservation
	Rebooked    bool
}

type CancelResult struct {
	Reservation domain.Reservation
	PriorStatus domain.ReservationStatus
	// Promoted is the waitlisted reservation that took the freed seat.
	Promoted *domain.Reservation
}

type OccurrenceCancellation struct {
	Occurrence     domain.Occurrence
	ParticipantIDs []string
}

type SeriesCancellation struct {
	CancelledCount             int
	Occurrences                []domain.Occurrence
	ParticipantIDsByOccurrence map[uuid.UUID][]string
}

func (l *Ledger) Reserve(ctx context.Context, tx store.BookingTx, occurrenceID uuid.UUID, participantID string) (ReserveResult, error) {
	occ, err := lockOpenOccurrence(ctx, tx, occurrenceID)
	if err != nil {
		return ReserveResult{}, err
	}

	existing, err := tx.FindReservationByOccurrenceAndParticipant(ctx, occ.ID, participantID)
	switch {
	case err == nil:
		if existing.Status.IsActive() {
			return ReserveResult{}, domain.ErrAlreadyBooked
		}
		r, err := l.rebook(ctx, tx, occ, existing)
		if err != nil {
			return ReserveResult{}, err
		}
		return ReserveResult{Reservation: r, Rebooked: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return ReserveResult{}, err
	}

	decision, err := l.decide(ctx, tx, occ)
	if err != nil {
		return ReserveResult{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return ReserveResult{}, err
	}
	now := l.clock.Now()
	r := domain.Reservation{
		ID:            id,
		OccurrenceID:  occ.ID,
		ParticipantID: participantID,
		Status:        decision.Status(),
		BookedAt:      now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if decision.Outcome == domain.CapacityWaitlist {
		pos := decision.Position
		r.WaitlistPosition = &pos
	}

	created, err := tx.CreateReservation(ctx, r)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ReserveResult{}, domain.ErrAlreadyBooked
		}
		return ReserveResult{}, fmt.Errorf("create reservation: %w", err)
	}
	return ReserveResult{Reservation: created}, nil
}

// Rebook revives a terminal reservation as if it were a fresh reservation
// attempt: it goes through the capacity policy again and joins the back of the
// waitlist when the class is full.
func (l *Ledger) Rebook(ctx context.Context, tx store.BookingTx, reservationID uuid.UUID) (domain.Reservation, error) {
	r, occ, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !r.Status.IsTerminal() {
		return domain.Reservation{}, domain.ErrBookingNotRebookable
	}
	if occ.IsCancelled {
		return domain.Reservation{}, domain.ErrOccurrenceAlreadyCancelled
	}
	return l.rebook(ctx, tx, occ, r)
}

func (l *Ledger) rebook(ctx context.Context, tx store.BookingTx, occ domain.Occurrence, r domain.Reservation) (domain.Reservation, error) {
	if !r.Status.IsTerminal() {
		return domain.Reservation{}, domain.ErrBookingNotRebookable
	}

	decision, err := l.decide(ctx, tx, occ)
	if err != nil {
		return domain.Reservation{}, err
	}

	r.Status = decision.Status()
	r.WaitlistPosition = nil
	if decision.Outcome == domain.CapacityWaitlist {
		pos := decision.Position
		r.WaitlistPosition = &pos
	}
	r.BookedAt = l.clock.Now()
	r.CancelledAt = nil
	r.CancelReason = nil
	r.CancelledByOrganizer = false
	r.AttendedAt = nil

	if err := tx.UpdateReservation(ctx, r); err != nil {
		return domain.Reservation{}, fmt.Errorf("rebook reservation: %w", err)
	}
	return r, nil
}

func (l *Ledger) decide(ctx context.Context, tx store.BookingTx, occ domain.Occurrence) (domain.CapacityDecision, error) {
	class, err := tx.GetClass(ctx, occ.ClassID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CapacityDecision{}, domain.ErrClassNotFound
		}
		return domain.CapacityDecision{}, err
	}
	booked, err := tx.CountReservationsByStatuses(ctx, occ.ID, domain.ReservationStatusBooked)
	if err != nil {
		return domain.CapacityDecision{}, err
	}
	waitlisted, err := tx.CountReservationsByStatuses(ctx, occ.ID, domain.ReservationStatusWaitlisted)
	if err != nil {
		return domain.CapacityDecision{}, err
	}
	maxPos, err := tx.MaxWaitlistPosition(ctx, occ.ID)
	if err != nil {
		return domain.CapacityDecision{}, err
	}
	return domain.DecideCapacity(class, booked, waitlisted, maxPos)
}

// Cancel ends a reservation. A freed seat goes to the head of the waitlist
// while the class still has room for it.
func (l *Ledger) Cancel(ctx context.Context, tx store.BookingTx, reservationID uuid.UUID, actor domain.Actor, reason *string) (CancelResult, error) {
	r, occ, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return CancelResult{}, err
	}
	if r.Status == domain.ReservationStatusCancelled {
		return CancelResult{}, domain.ErrBookingAlreadyCancelled
	}

	prior := r.Status
	priorPos := r.Position()
	now := l.clock.Now()

	r.Status = domain.ReservationStatusCancelled
	r.WaitlistPosition = nil
	r.CancelledAt = &now
	r.CancelReason = reason
	r.CancelledByOrganizer = actor == domain.ActorOrganizer
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return CancelResult{}, fmt.Errorf("cancel reservation: %w", err)
	}

	res := CancelResult{Reservation: r, PriorStatus: prior}
	switch prior {
	case domain.ReservationStatusBooked:
		promoted, err := l.promote(ctx, tx, occ)
		if err != nil {
			return CancelResult{}, err
		}
		res.Promoted = promoted
	case domain.ReservationStatusWaitlisted:
		if err := tx.ShiftWaitlistPositions(ctx, occ.ID, priorPos, now); err != nil {
			return CancelResult{}, fmt.Errorf("close waitlist gap: %w", err)
		}
	}
	return res, nil
}

func (l *Ledger) promote(ctx context.Context, tx store.BookingTx, occ domain.Occurrence) (*domain.Reservation, error) {
	if occ.IsCancelled {
		return nil, nil
	}
	class, err := tx.GetClass(ctx, occ.ClassID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.ErrClassNotFound
		}
		return nil, err
	}
	booked, err := tx.CountReservationsByStatuses(ctx, occ.ID, domain.ReservationStatusBooked)
	if err != nil {
		return nil, err
	}
	if !class.HasFreeSeat(booked) {
		return nil, nil
	}

	head, err := tx.FindLowestWaitlistedReservation(ctx, occ.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pos := head.Position()
	head.Status = domain.ReservationStatusBooked
	head.WaitlistPosition = nil
	if err := tx.UpdateReservation(ctx, head); err != nil {
		return nil, fmt.Errorf("promote reservation: %w", err)
	}
	if err := tx.ShiftWaitlistPositions(ctx, occ.ID, pos, l.clock.Now()); err != nil {
		return nil, fmt.Errorf("close waitlist gap: %w", err)
	}
	return &head, nil
}

// MarkAttendance records the outcome for a batch of reservations. The batch is
// all-or-nothing: any id that is not BOOKED or WAITLISTED fails the call.
func (l *Ledger) MarkAttendance(ctx context.Context, tx store.BookingTx, reservationIDs []uuid.UUID, outcome domain.AttendanceOutcome) ([]domain.Reservation, error) {
	if outcome != domain.ReservationStatusAttended && outcome != domain.ReservationStatusNoShow {
		return nil, fmt.Errorf("attendance outcome %q is not ATTENDED or NO_SHOW", outcome)
	}
	ids := uniqueIDs(reservationIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	occIDs := make([]uuid.UUID, 0)
	seenOcc := make(map[uuid.UUID]struct{})
	for _, id := range ids {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", domain.ErrBookingNotFound, id)
			}
			return nil, err
		}
		if _, ok := seenOcc[r.OccurrenceID]; !ok {
			seenOcc[r.OccurrenceID] = struct{}{}
			occIDs = append(occIDs, r.OccurrenceID)
		}
	}
	sortIDs(occIDs)
	for _, occID := range occIDs {
		if _, err := tx.LockOccurrence(ctx, occID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, domain.ErrOccurrenceNotFound
			}
			return nil, err
		}
	}

	targets := make([]domain.Reservation, 0, len(ids))
	var offending []string
	for _, id := range ids {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return nil, err
		}
		if !r.Status.IsActive() {
			offending = append(offending, id.String())
			continue
		}
		targets = append(targets, r)
	}
	if len(offending) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrBookingNotInBookedStatus, strings.Join(offending, ", "))
	}

	now := l.clock.Now()

	// Leave the queue from the back so the remaining target positions stay
	// valid while gaps are closed.
	queued := make([]domain.Reservation, 0)
	for _, r := range targets {
		if r.Status == domain.ReservationStatusWaitlisted {
			queued = append(queued, r)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].Position() > queued[j].Position() })
	for _, r := range queued {
		pos := r.Position()
		r.WaitlistPosition = nil
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return nil, fmt.Errorf("dequeue reservation: %w", err)
		}
		if pos > 0 {
			if err := tx.ShiftWaitlistPositions(ctx, r.OccurrenceID, pos, now); err != nil {
				return nil, fmt.Errorf("close waitlist gap: %w", err)
			}
		}
	}

	var attendedAt *time.Time
	if outcome == domain.ReservationStatusAttended {
		attendedAt = &now
	}
	if _, err := tx.SetReservationStatuses(ctx, ids, outcome, attendedAt, now); err != nil {
		return nil, fmt.Errorf("set attendance: %w", err)
	}

	out := make([]domain.Reservation, 0, len(targets))
	for _, r := range targets {
		r.Status = outcome
		r.WaitlistPosition = nil
		r.AttendedAt = attendedAt
		r.UpdatedAt = now
		out = append(out, r)
	}
	return out, nil
}

// CancelOccurrence cancels the occurrence and every active reservation on it
// on behalf of the organizer. Nobody is promoted.
func (l *Ledger) CancelOccurrence(ctx context.Context, tx store.BookingTx, occurrenceID uuid.UUID, reason *string) (OccurrenceCancellation, error) {
	occ, err := tx.LockOccurrence(ctx, occurrenceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OccurrenceCancellation{}, domain.ErrOccurrenceNotFound
		}
		return OccurrenceCancellation{}, err
	}
	if occ.IsCancelled {
		return OccurrenceCancellation{}, domain.ErrOccurrenceAlreadyCancelled
	}
	return l.cancelLockedOccurrence(ctx, tx, occ, reason)
}

func (l *Ledger) cancelLockedOccurrence(ctx context.Context, tx store.BookingTx, occ domain.Occurrence, reason *string) (OccurrenceCancellation, error) {
	now := l.clock.Now()
	occ.IsCancelled = true
	occ.CancelledAt = &now
	occ.CancelReason = reason
	if err := tx.UpdateOccurrence(ctx, occ); err != nil {
		return OccurrenceCancellation{}, fmt.Errorf("cancel occurrence: %w", err)
	}

	active, err := tx.ListReservations(ctx, store.ReservationFilter{
		OccurrenceID: occ.ID,
		Statuses:     domain.ActiveStatuses,
	})
	if err != nil {
		return OccurrenceCancellation{}, err
	}

	participants := make([]string, 0, len(active))
	for _, r := range active {
		cancelledAt := now
		r.Status = domain.ReservationStatusCancelled
		r.WaitlistPosition = nil
		r.CancelledAt = &cancelledAt
		r.CancelReason = reason
		r.CancelledByOrganizer = true
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return OccurrenceCancellation{}, fmt.Errorf("cancel reservation %s: %w", r.ID, err)
		}
		participants = append(participants, r.ParticipantID)
	}
	return OccurrenceCancellation{Occurrence: occ, ParticipantIDs: participants}, nil
}

// CancelSeries cancels the given occurrence and every later occurrence of its
// series that is still open.
func (l *Ledger) CancelSeries(ctx context.Context, tx store.BookingTx, occurrenceID uuid.UUID, reason *string) (SeriesCancellation, error) {
	anchor, err := tx.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SeriesCancellation{}, domain.ErrOccurrenceNotFound
		}
		return SeriesCancellation{}, err
	}
	if !anchor.IsRecurring() {
		return SeriesCancellation{}, domain.ErrScheduleNotRecurring
	}

	members, err := tx.FindFutureInSeries(ctx, anchor.SeriesRootID(), anchor.StartTime)
	if err != nil {
		return SeriesCancellation{}, err
	}

	res := SeriesCancellation{ParticipantIDsByOccurrence: make(map[uuid.UUID][]string)}
	for _, occ := range members {
		if occ.IsCancelled {
			continue
		}
		c, err := l.cancelLockedOccurrence(ctx, tx, occ, reason)
		if err != nil {
			return SeriesCancellation{}, err
		}
		res.CancelledCount++
		res.Occurrences = append(res.Occurrences, c.Occurrence)
		res.ParticipantIDsByOccurrence[occ.ID] = c.ParticipantIDs
	}
	return res, nil
}

func (l *Ledger) Annotate(ctx context.Context, tx store.BookingTx, reservationID uuid.UUID, notes *string) (domain.Reservation, error) {
	r, _, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	r.OrganizerNotes = notes
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return domain.Reservation{}, fmt.Errorf("annotate reservation: %w", err)
	}
	return r, nil
}

func lockOpenOccurrence(ctx context.Context, tx store.BookingTx, occurrenceID uuid.UUID) (domain.Occurrence, error) {
	occ, err := tx.LockOccurrence(ctx, occurrenceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Occurrence{}, domain.ErrOccurrenceNotFound
		}
		return domain.Occurrence{}, err
	}
	if occ.IsCancelled {
		return domain.Occurrence{}, domain.ErrOccurrenceAlreadyCancelled
	}
	return occ, nil
}

// lockReservation locks the reservation's occurrence and re-reads the
// reservation under that lock.
func lockReservation(ctx context.Context, tx store.BookingTx, reservationID uuid.UUID) (domain.Reservation, domain.Occurrence, error) {
	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Reservation{}, domain.Occurrence{}, domain.ErrBookingNotFound
		}
		return domain.Reservation{}, domain.Occurrence{}, err
	}
	occ, err := tx.LockOccurrence(ctx, r.OccurrenceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Reservation{}, domain.Occurrence{}, domain.ErrOccurrenceNotFound
		}
		return domain.Reservation{}, domain.Occurrence{}, err
	}
	r, err = tx.GetReservation(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, domain.Occurrence{}, err
	}
	return r, occ, nil
}

func uniqueIDs(in []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(in))
	out := make([]uuid.UUID, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}

package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"classbook/internal/domain"
	"classbook/internal/notify"
	"classbook/internal/store"
)

type CreateClassInput struct {
	OrganizerID    string `json:"organizer_id" validate:"required"`
	Title          string `json:"title" validate:"required,max=200"`
	Capacity       *int   `json:"capacity" validate:"omitempty,min=0"`
	WaitlistLimit  *int   `json:"waitlist_limit" validate:"omitempty,min=0"`
	IsCapacitySoft bool   `json:"is_capacity_soft"`
}

func (s *Service) CreateClass(ctx context.Context, in CreateClassInput) (domain.Class, error) {
	in.OrganizerID = strings.TrimSpace(in.OrganizerID)
	in.Title = strings.TrimSpace(in.Title)
	if err := s.check(in); err != nil {
		return domain.Class{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.Class{}, err
	}
	now := s.clock.Now().UTC()
	class := domain.Class{
		ID:             id,
		OrganizerID:    in.OrganizerID,
		Title:          in.Title,
		Capacity:       in.Capacity,
		WaitlistLimit:  in.WaitlistLimit,
		IsCapacitySoft: in.IsCapacitySoft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var created domain.Class
	err = s.store.InTransaction(ctx, func(ctx context.Context, tx store.BookingTx) error {
		c, err := tx.CreateClass(ctx, class)
		if err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return domain.Class{}, err
	}
	return created, nil
}

type CreateOccurrenceInput struct {
	OrganizerID    string    `json:"organizer_id" validate:"required"`
	ClassID        uuid.UUID `json:"class_id" validate:"required"`
	StartTime      time.Time `json:"start_time" validate:"required"`
	EndTime        time.Time `json:"end_time" validate:"required"`
	Timezone       string    `json:"timezone" validate:"omitempty,timezone"`
	RecurrenceRule string    `json:"recurrence_rule"`
	IdempotencyKey string    `json:"idempotency_key" validate:"max=256"`
}

// CreateOccurrence schedules a single occurrence, or a whole series when a
// recurrence rule is given. The parent comes first in the result. A repeated
// call with the same idempotency key returns the series created the first
// time.
func (s *Service) CreateOccurrence(ctx context.Context, in CreateOccurrenceInput) ([]domain.Occurrence, error) {
	in.OrganizerID = strings.TrimSpace(in.OrganizerID)
	in.Timezone = strings.TrimSpace(in.Timezone)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}

	start := in.StartTime.UTC()
	end := in.EndTime.UTC()
	if !end.After(start) {
		return nil, domain.ErrInvalidTimeRange
	}

	var (
		rule     *domain.RecurrenceRule
		ruleText *string
		slots    []domain.Slot
	)
	if raw := strings.TrimSpace(in.RecurrenceRule); raw != "" {
		parsed, err := domain.ParseRecurrenceRule(raw)
		if err != nil {
			return nil, err
		}
		exp, err := domain.Expand(start, end, parsed, s.horizon)
		if err != nil {
			return nil, err
		}
		slots = exp.Collect()
		canonical := parsed.String()
		rule, ruleText = &parsed, &canonical
	}

	if err := s.requireOrganizerOfClass(ctx, in.OrganizerID, in.ClassID); err != nil {
		return nil, err
	}

	parentID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if in.IdempotencyKey != "" {
		parentID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("classbook:create_occurrence:"+in.OrganizerID+":"+in.IdempotencyKey))
	}

	now := s.clock.Now().UTC()
	parent := domain.Occurrence{
		ID:             parentID,
		ClassID:        in.ClassID,
		StartTime:      start,
		EndTime:        end,
		Timezone:       in.Timezone,
		RecurrenceRule: ruleText,
		OccurrenceDate: domain.OccurrenceDateOf(start),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	occs := make([]domain.Occurrence, 0, len(slots)+1)
	occs = append(occs, parent)
	for _, slot := range slots {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		pid := parentID
		occs = append(occs, domain.Occurrence{
			ID:             id,
			ClassID:        in.ClassID,
			StartTime:      slot.StartTime,
			EndTime:        slot.EndTime,
			Timezone:       in.Timezone,
			OccurrenceDate: domain.OccurrenceDateOf(slot.StartTime),
			ParentID:       &pid,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	var created []domain.Occurrence
	err = s.store.InClassTransaction(ctx, in.ClassID, func(ctx context.Context, tx store.BookingTx) error {
		if _, err := tx.GetClass(ctx, in.ClassID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.ErrClassNotFound
			}
			return err
		}

		if in.IdempotencyKey != "" {
			existing, err := tx.GetOccurrence(ctx, parentID)
			switch {
			case err == nil:
				if !sameRequest(existing, parent) {
					return store.ErrIdempotencyConflict
				}
				series, err := tx.FindSeries(ctx, parentID)
				if err != nil {
					return err
				}
				created = parentFirst(series, parentID)
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		out, err := tx.CreateOccurrences(ctx, occs)
		if err != nil {
			return err
		}
		created = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("class_id", in.ClassID.String()),
		slog.String("occurrence_id", parentID.String()),
		slog.Int("count", len(created)),
	}
	if rule != nil {
		attrs = append(attrs, slog.String("rule", rule.String()))
	}
	s.log.InfoContext(ctx, "occurrences scheduled", attrs...)
	return created, nil
}

func sameRequest(existing, want domain.Occurrence) bool {
	if existing.ClassID != want.ClassID || !existing.StartTime.Equal(want.StartTime) || !existing.EndTime.Equal(want.EndTime) {
		return false
	}
	if existing.Timezone != want.Timezone {
		return false
	}
	switch {
	case existing.RecurrenceRule == nil && want.RecurrenceRule == nil:
		return true
	case existing.RecurrenceRule == nil || want.RecurrenceRule == nil:
		return false
	}
	return *existing.RecurrenceRule == *want.RecurrenceRule
}

// parentFirst orders a series by start time with the parent leading.
func parentFirst(series []domain.Occurrence, parentID uuid.UUID) []domain.Occurrence {
	out := make([]domain.Occurrence, 0, len(series))
	for _, o := range series {
		if o.ID == parentID {
			out = append(out, o)
		}
	}
	rest := make([]domain.Occurrence, 0, len(series))
	for _, o := range series {
		if o.ID != parentID {
			rest = append(rest, o)
		}
	}
	sortByStart(rest)
	return append(out, rest...)
}

func sortByStart(occs []domain.Occurrence) {
	sort.SliceStable(occs, func(i, j int) bool { return occs[i].StartTime.Before(occs[j].StartTime) })
}

type UpdateOccurrenceInput struct {
	OrganizerID  string    `json:"organizer_id" validate:"required"`
	OccurrenceID uuid.UUID `json:"occurrence_id" validate:"required"`
	Patch        domain.OccurrencePatch
}

func (s *Service) UpdateOccurrence(ctx context.Context, in UpdateOccurrenceInput) (domain.Occurrence, error) {
	in.OrganizerID = strings.TrimSpace(in.OrganizerID)
	if err := s.check(in); err != nil {
		return domain.Occurrence{}, err
	}
	if in.Patch.IsEmpty() {
		return domain.Occurrence{}, validationError("nothing to update")
	}
	if in.Patch.Timezone != nil {
		tz := strings.TrimSpace(*in.Patch.Timezone)
		if _, err := time.LoadLocation(tz); err != nil || tz == "" {
			return domain.Occurrence{}, validationError("timezone is invalid")
		}
		in.Patch.Timezone = &tz
	}
	if _, err := s.loadOccurrence(ctx, in.OccurrenceID); err != nil {
		return domain.Occurrence{}, err
	}
	if err := s.requireOrganizerOfOccurrence(ctx, in.OrganizerID, in.OccurrenceID); err != nil {
		return domain.Occurrence{}, err
	}

	var updated domain.Occurrence
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx store.BookingTx) error {
		occ, err := tx.LockOccurrence(ctx, in.OccurrenceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.ErrOccurrenceNotFound
			}
			return err
		}
		if occ.IsCancelled {
			return domain.ErrOccurrenceAlreadyCancelled
		}
		next, err := in.Patch.Apply(occ)
		if err != nil {
			return err
		}
		next.UpdatedAt = s.clock.Now().UTC()
		if err := tx.UpdateOccurrence(ctx, next); err != nil {
			return fmt.Errorf("update occurrence: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Occurrence{}, err
	}
	return updated, nil
}

// CancelOccurrence cancels one occurrence and every active reservation on it.
// It returns the participants who held those reservations.
func (s *Service) CancelOccurrence(ctx context.Context, organizerID string, occurrenceID uuid.UUID, reason string) ([]string, error) {
	organizerID = strings.TrimSpace(organizerID)
	if organizerID == "" {
		return nil, validationError("organizer_id is required")
	}
	if occurrenceID == uuid.Nil {
		return nil, validationError("occurrence_id is required")
	}
	if _, err := s.loadOccurrence(ctx, occurrenceID); err != nil {
		return nil, err
	}
	if err := s.requireOrganizerOfOccurrence(ctx, organizerID, occurrenceID); err != nil {
		return nil, err
	}

	var res struct {
		participants []string
		occ          domain.Occurrence
	}
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx store.BookingTx) error {
		c, err := s.ledger.CancelOccurrence(ctx, tx, occurrenceID, strPtrOrNil(reason))
		if err != nil {
			return err
		}
		res.participants = c.ParticipantIDs
		res.occ = c.Occurrence
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, s.occurrenceCancelledEvent(res.occ, res.participants))
	return res.participants, nil
}

type CancelSeriesResult struct {
	CancelledCount int
	// ParticipantIDsByOccurrence holds an entry for every occurrence cancelled
	// by the call, empty when nobody was booked.
	ParticipantIDsByOccurrence map[uuid.UUID][]string
}

// CancelSeries cancels the given occurrence and every later open occurrence
// of its series.
func (s *Service) CancelSeries(ctx context.Context, organizerID string, occurrenceID uuid.UUID, reason string) (CancelSeriesResult, error) {
	organizerID = strings.TrimSpace(organizerID)
	if organizerID == "" {
		return CancelSeriesResult{}, validationError("organizer_id is required")
	}
	if occurrenceID == uuid.Nil {
		return CancelSeriesResult{}, validationError("occurrence_id is required")
	}
	if _, err := s.loadOccurrence(ctx, occurrenceID); err != nil {
		return CancelSeriesResult{}, err
	}
	if err := s.requireOrganizerOfOccurrence(ctx, organizerID, occurrenceID); err != nil {
		return CancelSeriesResult{}, err
	}

	var sc struct {
		count        int
		occs         []domain.Occurrence
		participants map[uuid.UUID][]string
	}
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx store.BookingTx) error {
		c, err := s.ledger.CancelSeries(ctx, tx, occurrenceID, strPtrOrNil(reason))
		if err != nil {
			return err
		}
		sc.count = c.CancelledCount
		sc.occs = c.Occurrences
		sc.participants = c.ParticipantIDsByOccurrence
		return nil
	})
	if err != nil {
		return CancelSeriesResult{}, err
	}

	events := make([]notify.Event, 0, len(sc.occs)+1)
	var everyone []string
	for _, occ := range sc.occs {
		ids := sc.participants[occ.ID]
		everyone = append(everyone, ids...)
		events = append(events, s.occurrenceCancelledEvent(occ, ids))
	}
	ev := notify.NewEvent(notify.EventSeriesCancelled, s.clock.Now())
	ev.OccurrenceID = occurrenceID.String()
	ev.ParticipantIDs = everyone
	ev.Count = sc.count
	ev.Reason = strPtrOrNil(reason)
	events = append(events, ev)
	s.dispatch(ctx, events...)

	return CancelSeriesResult{CancelledCount: sc.count, ParticipantIDsByOccurrence: sc.participants}, nil
}

func (s *Service) occurrenceCancelledEvent(occ domain.Occurrence, participants []string) notify.Event {
	ev := notify.NewEvent(notify.EventOccurrenceCancelled, s.clock.Now())
	ev.OccurrenceID = occ.ID.String()
	ev.ParticipantIDs = participants
	ev.Count = len(participants)
	ev.Reason = occ.CancelReason
	return ev
}

type ListOccurrencesInput struct {
	OrganizerID      string
	ClassID          uuid.UUID
	WindowStart      time.Time
	WindowEnd        time.Time
	IncludeCancelled bool
}

func (s *Service) ListOccurrences(ctx context.Context, in ListOccurrencesInput) ([]domain.Occurrence, error) {
	organizerID := strings.TrimSpace(in.OrganizerID)
	if organizerID == "" && in.ClassID == uuid.Nil {
		return nil, validationError("organizer_id or class_id is required")
	}
	start := in.WindowStart.UTC()
	end := in.WindowEnd.UTC()
	if !in.WindowStart.IsZero() && !in.WindowEnd.IsZero() && !end.After(start) {
		return nil, validationError("window_end must be after window_start")
	}
	return s.store.ListOccurrences(ctx, store.OccurrenceFilter{
		OrganizerID:      organizerID,
		ClassID:          in.ClassID,
		WindowStart:      start,
		WindowEnd:        end,
		IncludeCancelled: in.IncludeCancelled,
	})
}

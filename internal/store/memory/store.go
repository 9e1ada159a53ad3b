// Package memory is an in-process BookingStore. Every transaction stages its
// writes privately and publishes them atomically on commit; per-occurrence and
// per-class locks are held until the transaction ends.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classbook/internal/domain"
	"classbook/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	classes      map[uuid.UUID]domain.Class
	occurrences  map[uuid.UUID]domain.Occurrence
	reservations map[uuid.UUID]domain.Reservation

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

var _ store.BookingStore = (*Store)(nil)

func New() *Store {
	return &Store{
		classes:      make(map[uuid.UUID]domain.Class),
		occurrences:  make(map[uuid.UUID]domain.Occurrence),
		reservations: make(map[uuid.UUID]domain.Reservation),
		locks:        make(map[string]chan struct{}),
	}
}

func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.BookingTx) error) error {
	return s.run(ctx, "", fn)
}

func (s *Store) InClassTransaction(ctx context.Context, classID uuid.UUID, fn func(ctx context.Context, tx store.BookingTx) error) error {
	return s.run(ctx, "class:"+classID.String(), fn)
}

func (s *Store) run(ctx context.Context, lockKey string, fn func(ctx context.Context, tx store.BookingTx) error) error {
	t := newTx(s)
	defer t.releaseLocks()

	if lockKey != "" {
		if err := t.lock(ctx, lockKey); err != nil {
			return err
		}
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) lockFor(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWaitlistPositionsLocked(t); err != nil {
		return err
	}
	maps.Copy(s.classes, t.classes)
	maps.Copy(s.occurrences, t.occurrences)
	maps.Copy(s.reservations, t.reservations)
	return nil
}

// checkWaitlistPositionsLocked mirrors the deferred unique constraint on
// (occurrence_id, waitlist_position).
func (s *Store) checkWaitlistPositionsLocked(t *tx) error {
	touched := make(map[uuid.UUID]struct{})
	for _, r := range t.reservations {
		touched[r.OccurrenceID] = struct{}{}
	}
	for occID := range touched {
		seen := make(map[int]uuid.UUID)
		check := func(r domain.Reservation) error {
			if r.OccurrenceID != occID || r.WaitlistPosition == nil {
				return nil
			}
			if other, dup := seen[*r.WaitlistPosition]; dup {
				return fmt.Errorf("%w: reservations %s and %s share waitlist position %d", store.ErrConflict, other, r.ID, *r.WaitlistPosition)
			}
			seen[*r.WaitlistPosition] = r.ID
			return nil
		}
		for id, r := range s.reservations {
			if _, staged := t.reservations[id]; staged {
				continue
			}
			if err := check(r); err != nil {
				return err
			}
		}
		for _, r := range t.reservations {
			if err := check(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) GetOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error) {
	return newTx(s).GetOccurrence(ctx, occurrenceID)
}

func (s *Store) GetReservation(ctx context.Context, reservationID uuid.UUID) (domain.Reservation, error) {
	return newTx(s).GetReservation(ctx, reservationID)
}

func (s *Store) ListReservations(ctx context.Context, filter store.ReservationFilter) ([]domain.Reservation, error) {
	return newTx(s).ListReservations(ctx, filter)
}

func (s *Store) ListOccurrences(ctx context.Context, filter store.OccurrenceFilter) ([]domain.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Occurrence, 0)
	for _, o := range s.occurrences {
		if filter.ClassID != uuid.Nil && o.ClassID != filter.ClassID {
			continue
		}
		if filter.OrganizerID != "" {
			c, ok := s.classes[o.ClassID]
			if !ok || c.OrganizerID != filter.OrganizerID {
				continue
			}
		}
		if !filter.IncludeCancelled && o.IsCancelled {
			continue
		}
		if !filter.WindowEnd.IsZero() && !o.StartTime.Before(filter.WindowEnd) {
			continue
		}
		if !filter.WindowStart.IsZero() && !o.EndTime.After(filter.WindowStart) {
			continue
		}
		out = append(out, cloneOccurrence(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// tx stages writes on top of the committed maps.
type tx struct {
	s            *Store
	classes      map[uuid.UUID]domain.Class
	occurrences  map[uuid.UUID]domain.Occurrence
	reservations map[uuid.UUID]domain.Reservation
	held         map[string]chan struct{}
}

var _ store.BookingTx = (*tx)(nil)

func newTx(s *Store) *tx {
	return &tx{
		s:            s,
		classes:      make(map[uuid.UUID]domain.Class),
		occurrences:  make(map[uuid.UUID]domain.Occurrence),
		reservations: make(map[uuid.UUID]domain.Reservation),
		held:         make(map[string]chan struct{}),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.s.lockFor(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tx) releaseLocks() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *tx) class(id uuid.UUID) (domain.Class, bool) {
	if c, ok := t.classes[id]; ok {
		return c, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	c, ok := t.s.classes[id]
	return c, ok
}

func (t *tx) occurrence(id uuid.UUID) (domain.Occurrence, bool) {
	if o, ok := t.occurrences[id]; ok {
		return cloneOccurrence(o), true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	o, ok := t.s.occurrences[id]
	return cloneOccurrence(o), ok
}

func (t *tx) reservation(id uuid.UUID) (domain.Reservation, bool) {
	if r, ok := t.reservations[id]; ok {
		return cloneReservation(r), true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.reservations[id]
	return cloneReservation(r), ok
}

func (t *tx) allOccurrences() []domain.Occurrence {
	t.s.mu.RLock()
	merged := make(map[uuid.UUID]domain.Occurrence, len(t.s.occurrences)+len(t.occurrences))
	maps.Copy(merged, t.s.occurrences)
	t.s.mu.RUnlock()
	maps.Copy(merged, t.occurrences)

	out := make([]domain.Occurrence, 0, len(merged))
	for _, o := range merged {
		out = append(out, cloneOccurrence(o))
	}
	return out
}

func (t *tx) allReservations() []domain.Reservation {
	t.s.mu.RLock()
	merged := make(map[uuid.UUID]domain.Reservation, len(t.s.reservations)+len(t.reservations))
	maps.Copy(merged, t.s.reservations)
	t.s.mu.RUnlock()
	maps.Copy(merged, t.reservations)

	out := make([]domain.Reservation, 0, len(merged))
	for _, r := range merged {
		out = append(out, cloneReservation(r))
	}
	return out
}

func (t *tx) CreateClass(ctx context.Context, class domain.Class) (domain.Class, error) {
	if class.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Class{}, err
		}
		class.ID = id
	}
	if _, exists := t.class(class.ID); exists {
		return domain.Class{}, store.ErrConflict
	}
	now := time.Now().UTC()
	if class.CreatedAt.IsZero() {
		class.CreatedAt = now
	}
	if class.UpdatedAt.IsZero() {
		class.UpdatedAt = now
	}
	t.classes[class.ID] = cloneClass(class)
	return class, nil
}

func (t *tx) GetClass(ctx context.Context, classID uuid.UUID) (domain.Class, error) {
	c, ok := t.class(classID)
	if !ok {
		return domain.Class{}, store.ErrNotFound
	}
	return cloneClass(c), nil
}

func (t *tx) CreateOccurrences(ctx context.Context, occs []domain.Occurrence) ([]domain.Occurrence, error) {
	now := time.Now().UTC()
	out := make([]domain.Occurrence, 0, len(occs))
	for _, o := range occs {
		if o.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			o.ID = id
		}
		if _, exists := t.occurrence(o.ID); exists {
			return nil, store.ErrConflict
		}
		if o.OccurrenceDate.IsZero() {
			o.OccurrenceDate = domain.OccurrenceDateOf(o.StartTime)
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = now
		}
		t.occurrences[o.ID] = cloneOccurrence(o)
		out = append(out, o)
	}
	return out, nil
}

func (t *tx) GetOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error) {
	o, ok := t.occurrence(occurrenceID)
	if !ok {
		return domain.Occurrence{}, store.ErrNotFound
	}
	return o, nil
}

func (t *tx) LockOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error) {
	if err := t.lock(ctx, "occurrence:"+occurrenceID.String()); err != nil {
		return domain.Occurrence{}, err
	}
	return t.GetOccurrence(ctx, occurrenceID)
}

func (t *tx) UpdateOccurrence(ctx context.Context, occ domain.Occurrence) error {
	if _, ok := t.occurrence(occ.ID); !ok {
		return store.ErrNotFound
	}
	occ.UpdatedAt = time.Now().UTC()
	t.occurrences[occ.ID] = cloneOccurrence(occ)
	return nil
}

func (t *tx) FindFutureInSeries(ctx context.Context, rootID uuid.UUID, from time.Time) ([]domain.Occurrence, error) {
	var ids []uuid.UUID
	for _, o := range t.allOccurrences() {
		inSeries := o.ID == rootID || (o.ParentID != nil && *o.ParentID == rootID)
		if inSeries && !o.StartTime.Before(from) {
			ids = append(ids, o.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })

	out := make([]domain.Occurrence, 0, len(ids))
	for _, id := range ids {
		o, err := t.LockOccurrence(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (t *tx) FindSeries(ctx context.Context, rootID uuid.UUID) ([]domain.Occurrence, error) {
	var out []domain.Occurrence
	for _, o := range t.allOccurrences() {
		if o.ID == rootID || (o.ParentID != nil && *o.ParentID == rootID) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (t *tx) GetReservation(ctx context.Context, reservationID uuid.UUID) (domain.Reservation, error) {
	r, ok := t.reservation(reservationID)
	if !ok {
		return domain.Reservation{}, store.ErrNotFound
	}
	return r, nil
}

func (t *tx) FindReservationByOccurrenceAndParticipant(ctx context.Context, occurrenceID uuid.UUID, participantID string) (domain.Reservation, error) {
	for _, r := range t.allReservations() {
		if r.OccurrenceID == occurrenceID && r.ParticipantID == participantID {
			return r, nil
		}
	}
	return domain.Reservation{}, store.ErrNotFound
}

func (t *tx) CountReservationsByStatuses(ctx context.Context, occurrenceID uuid.UUID, statuses ...domain.ReservationStatus) (int, error) {
	n := 0
	for _, r := range t.allReservations() {
		if r.OccurrenceID == occurrenceID && hasStatus(statuses, r.Status) {
			n++
		}
	}
	return n, nil
}

func (t *tx) MaxWaitlistPosition(ctx context.Context, occurrenceID uuid.UUID) (int, error) {
	highest := 0
	for _, r := range t.allReservations() {
		if r.OccurrenceID == occurrenceID && r.Status == domain.ReservationStatusWaitlisted && r.Position() > highest {
			highest = r.Position()
		}
	}
	return highest, nil
}

func (t *tx) FindLowestWaitlistedReservation(ctx context.Context, occurrenceID uuid.UUID) (domain.Reservation, error) {
	var (
		lowest domain.Reservation
		found  bool
	)
	for _, r := range t.allReservations() {
		if r.OccurrenceID != occurrenceID || r.Status != domain.ReservationStatusWaitlisted || r.WaitlistPosition == nil {
			continue
		}
		if !found || r.Position() < lowest.Position() {
			lowest = r
			found = true
		}
	}
	if !found {
		return domain.Reservation{}, store.ErrNotFound
	}
	return lowest, nil
}

func (t *tx) ListReservations(ctx context.Context, filter store.ReservationFilter) ([]domain.Reservation, error) {
	out := make([]domain.Reservation, 0)
	for _, r := range t.allReservations() {
		if filter.OccurrenceID != uuid.Nil && r.OccurrenceID != filter.OccurrenceID {
			continue
		}
		if filter.ParticipantID != "" && r.ParticipantID != filter.ParticipantID {
			continue
		}
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, r.Status) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BookedAt.Equal(out[j].BookedAt) {
			return out[i].BookedAt.Before(out[j].BookedAt)
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (t *tx) CreateReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, error) {
	if r.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Reservation{}, err
		}
		r.ID = id
	}
	for _, existing := range t.allReservations() {
		if existing.ID == r.ID {
			return domain.Reservation{}, store.ErrConflict
		}
		if existing.OccurrenceID == r.OccurrenceID && existing.ParticipantID == r.ParticipantID {
			return domain.Reservation{}, store.ErrConflict
		}
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	t.reservations[r.ID] = cloneReservation(r)
	return r, nil
}

func (t *tx) UpdateReservation(ctx context.Context, r domain.Reservation) error {
	if _, ok := t.reservation(r.ID); !ok {
		return store.ErrNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	t.reservations[r.ID] = cloneReservation(r)
	return nil
}

func (t *tx) ShiftWaitlistPositions(ctx context.Context, occurrenceID uuid.UUID, afterPosition int, at time.Time) error {
	for _, r := range t.allReservations() {
		if r.OccurrenceID != occurrenceID || r.Status != domain.ReservationStatusWaitlisted || r.WaitlistPosition == nil {
			continue
		}
		if *r.WaitlistPosition <= afterPosition {
			continue
		}
		pos := *r.WaitlistPosition - 1
		r.WaitlistPosition = &pos
		r.UpdatedAt = at
		t.reservations[r.ID] = r
	}
	return nil
}

func (t *tx) SetReservationStatuses(ctx context.Context, ids []uuid.UUID, status domain.ReservationStatus, attendedAt *time.Time, at time.Time) (int, error) {
	n := 0
	for _, id := range ids {
		r, ok := t.reservation(id)
		if !ok {
			continue
		}
		r.Status = status
		r.WaitlistPosition = nil
		r.AttendedAt = cloneTime(attendedAt)
		r.UpdatedAt = at
		t.reservations[id] = r
		n++
	}
	return n, nil
}

func hasStatus(statuses []domain.ReservationStatus, st domain.ReservationStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

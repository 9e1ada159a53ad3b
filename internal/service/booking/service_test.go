package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"classbook/internal/clock"
	"classbook/internal/domain"
	"classbook/internal/notify"
	"classbook/internal/store"
	"classbook/internal/store/memory"
)

func intPtr(v int) *int { return &v }

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

type fakeAuthorizer struct {
	ownsClass       func(ctx context.Context, organizerID string, classID uuid.UUID) (bool, error)
	ownsOccurrence  func(ctx context.Context, organizerID string, occurrenceID uuid.UUID) (bool, error)
	ownsReservation func(ctx context.Context, participantID string, reservationID uuid.UUID) (bool, error)
}

func (f *fakeAuthorizer) OrganizerOwnsClass(ctx context.Context, organizerID string, classID uuid.UUID) (bool, error) {
	if f.ownsClass == nil {
		panic("OrganizerOwnsClass not configured")
	}
	return f.ownsClass(ctx, organizerID, classID)
}

func (f *fakeAuthorizer) OrganizerOwnsOccurrence(ctx context.Context, organizerID string, occurrenceID uuid.UUID) (bool, error) {
	if f.ownsOccurrence == nil {
		panic("OrganizerOwnsOccurrence not configured")
	}
	return f.ownsOccurrence(ctx, organizerID, occurrenceID)
}

func (f *fakeAuthorizer) ParticipantOwnsReservation(ctx context.Context, participantID string, reservationID uuid.UUID) (bool, error) {
	if f.ownsReservation == nil {
		panic("ParticipantOwnsReservation not configured")
	}
	return f.ownsReservation(ctx, participantID, reservationID)
}

func tickingClock() clock.Func {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

type env struct {
	t     *testing.T
	store *memory.Store
	svc   *Service
	notes *recordingNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memory.New()
	notes := &recordingNotifier{}
	svc := NewService(st, st, WithClock(tickingClock()), WithNotifier(notes))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return &env{
		t:     t,
		store: st,
		notes: notes,
		svc:   svc,
	}
}

// flush waits until every event dispatched so far reached the notifier.
func (e *env) flush() {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.svc.events.Flush(ctx); err != nil {
		e.t.Fatalf("Flush error: %v", err)
	}
}

func (e *env) eventTypes() []notify.EventType {
	e.flush()
	return e.notes.types()
}

func (e *env) resetEvents() {
	e.flush()
	e.notes.reset()
}

func (e *env) class(capacity, waitlist *int) domain.Class {
	e.t.Helper()
	c, err := e.svc.CreateClass(context.Background(), CreateClassInput{
		OrganizerID:   "org-1",
		Title:         "Yoga",
		Capacity:      capacity,
		WaitlistLimit: waitlist,
	})
	if err != nil {
		e.t.Fatalf("CreateClass error: %v", err)
	}
	return c
}

func (e *env) schedule(classID uuid.UUID, rule string) []domain.Occurrence {
	e.t.Helper()
	start := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	occs, err := e.svc.CreateOccurrence(context.Background(), CreateOccurrenceInput{
		OrganizerID:    "org-1",
		ClassID:        classID,
		StartTime:      start,
		EndTime:        start.Add(time.Hour),
		RecurrenceRule: rule,
	})
	if err != nil {
		e.t.Fatalf("CreateOccurrence error: %v", err)
	}
	return occs
}

func (e *env) reserve(occurrenceID uuid.UUID, participantID string) domain.Reservation {
	e.t.Helper()
	r, err := e.svc.Reserve(context.Background(), ReserveInput{OccurrenceID: occurrenceID, ParticipantID: participantID})
	if err != nil {
		e.t.Fatalf("Reserve(%s) error: %v", participantID, err)
	}
	return r
}

func TestCreateClass_ValidationErrorType(t *testing.T) {
	e := newEnv(t)

	cases := []struct {
		name string
		in   CreateClassInput
		want string
	}{
		{name: "missing organizer", in: CreateClassInput{Title: "Yoga"}, want: "organizer_id is required"},
		{name: "blank title", in: CreateClassInput{OrganizerID: "org-1", Title: "   "}, want: "title is required"},
		{name: "negative capacity", in: CreateClassInput{OrganizerID: "org-1", Title: "Yoga", Capacity: intPtr(-1)}, want: "capacity must be at least 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.CreateClass(context.Background(), tc.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type = %T (%v), want *ValidationError", err, err)
			}
			if vErr.Error() != tc.want {
				t.Fatalf("error = %q, want %q", vErr.Error(), tc.want)
			}
		})
	}
}

func TestCreateOccurrence_Series(t *testing.T) {
	e := newEnv(t)
	c := e.class(intPtr(10), nil)

	occs := e.schedule(c.ID, "FREQ=WEEKLY;COUNT=4")
	if len(occs) != 4 {
		t.Fatalf("len(occs) = %d, want 4", len(occs))
	}
	parent := occs[0]
	if parent.RecurrenceRule == nil || *parent.RecurrenceRule != "FREQ=WEEKLY;COUNT=4" {
		t.Fatalf("parent rule = %v", parent.RecurrenceRule)
	}
	if parent.Timezone != "UTC" {
		t.Fatalf("timezone = %q, want UTC", parent.Timezone)
	}
	for i, o := range occs[1:] {
		if o.ParentID == nil || *o.ParentID != parent.ID {
			t.Fatalf("child %d parent = %v, want %s", i, o.ParentID, parent.ID)
		}
		if o.RecurrenceRule != nil {
			t.Fatalf("child %d carries a rule", i)
		}
		want := parent.StartTime.AddDate(0, 0, 7*(i+1))
		if !o.StartTime.Equal(want) {
			t.Fatalf("child %d start = %s, want %s", i, o.StartTime, want)
		}
	}

	listed, err := e.svc.ListOccurrences(context.Background(), ListOccurrencesInput{ClassID: c.ID})
	if err != nil {
		t.Fatalf("ListOccurrences error: %v", err)
	}
	if len(listed) != 4 {
		t.Fatalf("listed = %d, want 4", len(listed))
	}
}

func TestCreateOccurrence_Errors(t *testing.T) {
	e := newEnv(t)
	c := e.class(nil, nil)
	start := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		in   CreateOccurrenceInput
		want error
	}{
		{
			name: "end before start",
			in:   CreateOccurrenceInput{OrganizerID: "org-1", ClassID: c.ID, StartTime: start, EndTime: start.Add(-time.Minute)},
			want: domain.ErrInvalidTimeRange,
		},
		{
			name: "empty range",
			in:   CreateOccurrenceInput{OrganizerID: "org-1", ClassID: c.ID, StartTime: start, EndTime: start},
			want: domain.ErrInvalidTimeRange,
		},
		{
			name: "bad rule",
			in:   CreateOccurrenceInput{OrganizerID: "org-1", ClassID: c.ID, StartTime: start, EndTime: start.Add(time.Hour), RecurrenceRule: "FREQ=HOURLY"},
			want: domain.ErrInvalidRecurrenceRule,
		},
		{
			name: "not the owner",
			in:   CreateOccurrenceInput{OrganizerID: "org-2", ClassID: c.ID, StartTime: start, EndTime: start.Add(time.Hour)},
			want: domain.ErrAccessDenied,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.CreateOccurrence(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateOccurrence_IdempotencyKey(t *testing.T) {
	e := newEnv(t)
	c := e.class(nil, nil)
	start := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	in := CreateOccurrenceInput{
		OrganizerID:    "org-1",
		ClassID:        c.ID,
		StartTime:      start,
		EndTime:        start.Add(time.Hour),
		RecurrenceRule: "FREQ=DAILY;COUNT=3",
		IdempotencyKey: "k1",
	}

	first, err := e.svc.CreateOccurrence(context.Background(), in)
	if err != nil {
		t.Fatalf("first CreateOccurrence error: %v", err)
	}
	second, err := e.svc.CreateOccurrence(context.Background(), in)
	if err != nil {
		t.Fatalf("second CreateOccurrence error: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("replay returned %d occurrences, want %d", len(second), len(first))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("occurrence %d id = %s, want %s", i, second[i].ID, first[i].ID)
		}
	}

	in.StartTime = start.Add(time.Hour)
	in.EndTime = start.Add(2 * time.Hour)
	if _, err := e.svc.CreateOccurrence(context.Background(), in); !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want %v", err, store.ErrIdempotencyConflict)
	}

	listed, err := e.svc.ListOccurrences(context.Background(), ListOccurrencesInput{OrganizerID: "org-1"})
	if err != nil {
		t.Fatalf("ListOccurrences error: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed = %d, want 3", len(listed))
	}
}

func TestCreateOccurrence_ReplayIncludesRescheduledChildren(t *testing.T) {
	e := newEnv(t)
	c := e.class(nil, nil)
	start := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	in := CreateOccurrenceInput{
		OrganizerID:    "org-1",
		ClassID:        c.ID,
		StartTime:      start,
		EndTime:        start.Add(time.Hour),
		RecurrenceRule: "FREQ=WEEKLY;COUNT=3",
		IdempotencyKey: "k-moved",
	}
	first, err := e.svc.CreateOccurrence(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateOccurrence error: %v", err)
	}

	earlier := start.Add(-48 * time.Hour)
	earlierEnd := earlier.Add(time.Hour)
	_, err = e.svc.UpdateOccurrence(context.Background(), UpdateOccurrenceInput{
		OrganizerID:  "org-1",
		OccurrenceID: first[2].ID,
		Patch:        domain.OccurrencePatch{StartTime: &earlier, EndTime: &earlierEnd},
	})
	if err != nil {
		t.Fatalf("UpdateOccurrence error: %v", err)
	}

	replay, err := e.svc.CreateOccurrence(context.Background(), in)
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if len(replay) != 3 {
		t.Fatalf("replay returned %d occurrences, want 3", len(replay))
	}
	if replay[0].ID != first[0].ID {
		t.Fatalf("replay[0] = %s, want parent %s", replay[0].ID, first[0].ID)
	}
	if replay[1].ID != first[2].ID || !replay[1].StartTime.Equal(earlier) {
		t.Fatalf("replay[1] = %s at %s, want moved child %s at %s", replay[1].ID, replay[1].StartTime, first[2].ID, earlier)
	}
	if replay[2].ID != first[1].ID {
		t.Fatalf("replay[2] = %s, want %s", replay[2].ID, first[1].ID)
	}
}

func TestReserve_ConcurrentLastSeat(t *testing.T) {
	e := newEnv(t)
	c := e.class(intPtr(1), intPtr(0))
	occ := e.schedule(c.ID, "")[0]

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		booked  int
		refused int
		other   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.svc.Reserve(context.Background(), ReserveInput{OccurrenceID: occ.ID, ParticipantID: fmt.Sprintf("p-%d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked++
			case errors.Is(err, domain.ErrClassFullAndWaitlistFull):
				refused++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if booked != 1 || refused != workers-1 {
		t.Fatalf("booked=%d refused=%d, want 1 and %d", booked, refused, workers-1)
	}
}

func TestReserve_ConcurrentWaitlistStaysDense(t *testing.T) {
	e := newEnv(t)
	c := e.class(intPtr(2), nil)
	occ := e.schedule(c.ID, "")[0]

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.svc.Reserve(context.Background(), ReserveInput{OccurrenceID: occ.ID, ParticipantID: fmt.Sprintf("p-%d", i)}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Reserve error: %v", err)
	}

	rows, err := e.svc.ListReservations(context.Background(), ListReservationsInput{OccurrenceID: occ.ID})
	if err != nil {
		t.Fatalf("ListReservations error: %v", err)
	}
	var booked, waitlisted int
	for _, r := range rows {
		switch r.Status {
		case domain.ReservationStatusBooked:
			booked++
		case domain.ReservationStatusWaitlisted:
			waitlisted++
		}
	}
	if booked != 2 || waitlisted != workers-2 {
		t.Fatalf("booked=%d waitlisted=%d, want 2 and %d", booked, waitlisted, workers-2)
	}
	if err := domain.CheckWaitlistDensity(rows); err != nil {
		t.Fatalf("density: %v", err)
	}
}

func TestCancelReservation_PromotesAndNotifies(t *testing.T) {
	e := newEnv(t)
	c := e.class(intPtr(1), nil)
	occ := e.schedule(c.ID, "")[0]
	a := e.reserve(occ.ID, "A")
	b := e.reserve(occ.ID, "B")
	if b.Status != domain.ReservationStatusWaitlisted || b.Position() != 1 {
		t.Fatalf("B = %s/%d, want WAITLISTED/1", b.Status, b.Position())
	}
	e.resetEvents()

	res, err := e.svc.CancelReservation(context.Background(), CancelReservationInput{
		ReservationID: a.ID,
		Actor:         domain.ActorParticipant,
		ActorID:       "A",
		Reason:        "sick",
	})
	if err != nil {
		t.Fatalf("CancelReservation error: %v", err)
	}
	if res.Reservation.Status != domain.ReservationStatusCancelled || res.Reservation.CancelledByOrganizer {
		t.Fatalf("cancelled = %+v", res.Reservation)
	}
	if res.Promoted == nil || res.Promoted.ID != b.ID || res.Promoted.Status != domain.ReservationStatusBooked {
		t.Fatalf("promoted = %+v, want B booked", res.Promoted)
	}

	got := e.eventTypes()
	want := []notify.EventType{notify.EventBookingCancelled, notify.EventBookingPromoted}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestCancelReservation_ActorAuthorization(t *testing.T) {
	e := newEnv(t)
	c := e.class(nil, nil)
	occ := e.schedule(c.ID, "")[0]
	a := e.reserve(occ.ID, "A")

	cases := []struct {
		name  string
		actor domain.Actor
		id    string
		want  error
	}{
		{name: "other participant", actor: domain.ActorParticipant, id: "B", want: domain.ErrAccessDenied},
		{name: "foreign organizer", actor: domain.ActorOrganizer, id: "org-2", want: domain.ErrAccessDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.CancelReservation(context.Background(), CancelReservationInput{ReservationID: a.ID, Actor: tc.actor, ActorID: tc.id})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	res, err := e.svc.CancelReservation(context.Background(), CancelReservationInput{ReservationID: a.ID, Actor: domain.ActorOrganizer, ActorID: "org-1"})
	if err != nil {
		t.Fatalf("organizer cancel error: %v", err)
	}
	if !res.Reservation.CancelledByOrganizer {
		t.Fatalf("cancelled_by_organizer = false, want true")
	}

	_, err = e.svc.CancelReservation(context.Background(), CancelReservationInput{ReservationID: uuid.New(), Actor: domain.ActorParticipant, ActorID: "A"})
	if !errors.Is(err, domain.ErrBookingNotFound) {
		t.Fatalf("unknown reservation err = %v, want %v", err, domain.ErrBookingNotFound)
	}

	_, err = e.svc.CancelReservation(context.Background(), CancelReservationInput{ReservationID: a.ID, Actor: "admin", ActorID: "x"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Error() != "actor must be one of participant, organizer" {
		t.Fatalf("err = %v, want actor validation error", err)
	}
}

func TestCancelSeries_FromMiddleOfSeries(t *testing.T) {
	e := newEnv(t)
	c := e.class(nil, nil)
	occs := e.schedule(c.ID, "FREQ=WEEKLY;COUNT=4")
	first := e.reserve(occs[0].ID, "A")
	second := e.reserve(occs[1].ID, "A")
	third := e.reserve(occs[2].ID, "B")
	e.resetEvents()

	res, err := e.svc.CancelSeries(context.Background(), "org-1", occs[1].ID, "venue closed")
	if err != nil {
		t.Fatalf("CancelSeries error: %v", err)
	}
	if res.CancelledCount != 3 {
		t.Fatalf("cancelled = %d, want 3", res.CancelledCount)
	}
	if len(res.ParticipantIDsByOccurrence) != 3 {
		t.Fatalf("participants by occurrence = %v, want 3 entries", res.ParticipantIDsByOccurrence)
	}
	wantByOccurrence := map[uuid.UUID][]string{
		occs[1].ID: {"A"},
		occs[2].ID: {"B"},
		occs[3].ID: nil,
	}
	for id, want := range wantByOccurrence {
		got, ok := res.ParticipantIDsByOccurrence[id]
		if !ok {
			t.Fatalf("occurrence %s missing from result", id)
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("participants of %s = %v, want %v", id, got, want)
		}
	}
	if _, ok := res.ParticipantIDsByOccurrence[occs[0].ID]; ok {
		t.Fatalf("first occurrence reported as cancelled")
	}

	head, err := e.store.GetOccurrence(context.Background(), occs[0].ID)
	if err != nil {
		t.Fatalf("GetOccurrence error: %v", err)
	}
	if head.IsCancelled {
		t.Fatalf("first occurrence was cancelled")
	}
	for i, id := range []uuid.UUID{occs[1].ID, occs[2].ID, occs[3].ID} {
		o, err := e.store.GetOccurrence(context.Background(), id)
		if err != nil {
			t.Fatalf("GetOccurrence error: %v", err)
		}
		if !o.IsCancelled || o.CancelReason == nil || *o.CancelReason != "venue closed" {
			t.Fatalf("occurrence %d = cancelled:%v reason:%v", i+1, o.IsCancelled, o.CancelReason)
		}
	}

	checks := []struct {
		id   uuid.UUID
		want domain.ReservationStatus
	}{
		{first.ID, domain.ReservationStatusBooked},
		{second.ID, domain.ReservationStatusCancelled},
		{third.ID, domain.ReservationStatusCancelled},
	}
	for _, c := range checks {
		r, err := e.store.GetReservation(context.Background(), c.id)
		if err != nil {
			t.Fatalf("GetReservation error: %v", err)
		}
		if r.Status != c.want {
			t.Fatalf("reservation %s = %s, want %s", c.id, r.Status, c.want)
		}
	}

	types := e.eventTypes()
	if len(types) != 4 || types[3] != notify.EventSeriesCancelled {
		t.Fatalf("events = %v, want three occurrence events and one series event", types)
	}

	again, err := e.svc.CancelSeries(context.Background(), "org-1", occs[0].ID, "")
	if err != nil {
		t.Fatalf("second CancelSeries error: %v", err)
	}
	if again.CancelledCount != 1 {
		t.Fatalf("second cancel = %d, want 1", again.CancelledCount)
	}
	if _, ok := again.ParticipantIDsByOccurrence[occs[0].ID]; !ok {
		t.Fatalf("second cancel result = %v, want first occurrence", again.ParticipantIDsByOccurrence)
	}
}

func TestCancelOccurrence_NotFoundAndDenied(t *testing.T) {
	e := newEnv(t)
	c := e.class(nil, nil)
	occ := e.schedule(c.ID, "")[0]

	if _, err := e.svc.CancelOccurrence(context.Background(), "org-1", uuid.New(), ""); !errors.Is(err, domain.ErrOccurrenceNotFound) {
		t.Fatalf("err = %v, want %v", err, domain.ErrOccurrenceNotFound)
	}
	if _, err := e.svc.CancelOccurrence(context.Background(), "org-2", occ.ID, ""); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("err = %v, want %v", err, domain.ErrAccessDenied)
	}
	if _, err := e.svc.CancelSeries(context.Background(), "org-1", occ.ID, ""); !errors.Is(err, domain.ErrScheduleNotRecurring) {
		t.Fatalf("err = %v, want %v", err, domain.ErrScheduleNotRecurring)
	}

	e.reserve(occ.ID, "A")
	participants, err := e.svc.CancelOccurrence(context.Background(), "org-1", occ.ID, "rain")
	if err != nil {
		t.Fatalf("CancelOccurrence error: %v", err)
	}
	if len(participants) != 1 || participants[0] != "A" {
		t.Fatalf("participants = %v, want [A]", participants)
	}
	if _, err := e.svc.CancelOccurrence(context.Background(), "org-1", occ.ID, ""); !errors.Is(err, domain.ErrOccurrenceAlreadyCancelled) {
		t.Fatalf("err = %v, want %v", err, domain.ErrOccurrenceAlreadyCancelled)
	}
}

func TestNotifierFailureDoesNotFailOperation(t *testing.T) {
	e := newEnv(t)
	e.notes.err = errors.New("broker down")
	c := e.class(nil, nil)
	occ := e.schedule(c.ID, "")[0]

	r, err := e.svc.Reserve(context.Background(), ReserveInput{OccurrenceID: occ.ID, ParticipantID: "A"})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if r.Status != domain.ReservationStatusBooked {
		t.Fatalf("status = %s, want BOOKED", r.Status)
	}
	if got := e.eventTypes(); len(got) != 1 || got[0] != notify.EventBookingCreated {
		t.Fatalf("events = %v, want one booking.created attempt", got)
	}
}

type slowNotifier struct {
	delay time.Duration
	mu    sync.Mutex
	count int
}

func (n *slowNotifier) Notify(ctx context.Context, ev notify.Event) error {
	select {
	case <-time.After(n.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	n.mu.Lock()
	n.count++
	n.mu.Unlock()
	return nil
}

func TestSlowNotifierDoesNotDelayOperations(t *testing.T) {
	st := memory.New()
	slow := &slowNotifier{delay: 2 * time.Second}
	svc := NewService(st, st, WithClock(tickingClock()), WithNotifier(slow), WithEventQueue(64, 10*time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = svc.Close(ctx)
	})

	class, err := svc.CreateClass(context.Background(), CreateClassInput{OrganizerID: "org-1", Title: "Spin"})
	if err != nil {
		t.Fatalf("CreateClass error: %v", err)
	}
	start := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	occs, err := svc.CreateOccurrence(context.Background(), CreateOccurrenceInput{
		OrganizerID:    "org-1",
		ClassID:        class.ID,
		StartTime:      start,
		EndTime:        start.Add(time.Hour),
		RecurrenceRule: "FREQ=WEEKLY;COUNT=3",
	})
	if err != nil {
		t.Fatalf("CreateOccurrence error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	begin := time.Now()
	if _, err := svc.Reserve(ctx, ReserveInput{OccurrenceID: occs[0].ID, ParticipantID: "A"}); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("Reserve took %s with a slow notifier", elapsed)
	}

	begin = time.Now()
	res, err := svc.CancelSeries(context.Background(), "org-1", occs[0].ID, "")
	if err != nil {
		t.Fatalf("CancelSeries error: %v", err)
	}
	if res.CancelledCount != 3 {
		t.Fatalf("cancelled = %d, want 3", res.CancelledCount)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("CancelSeries took %s with a slow notifier", elapsed)
	}
}

func TestMarkAttendance(t *testing.T) {
	e := newEnv(t)
	c := e.class(intPtr(1), nil)
	occ := e.schedule(c.ID, "")[0]
	a := e.reserve(occ.ID, "A")
	b := e.reserve(occ.ID, "B")

	_, err := e.svc.MarkAttendance(context.Background(), MarkAttendanceInput{
		OrganizerID:    "org-1",
		ReservationIDs: []uuid.UUID{a.ID, uuid.New()},
		Outcome:        domain.ReservationStatusAttended,
	})
	if !errors.Is(err, domain.ErrBookingNotFound) {
		t.Fatalf("err = %v, want %v", err, domain.ErrBookingNotFound)
	}

	_, err = e.svc.MarkAttendance(context.Background(), MarkAttendanceInput{
		OrganizerID:    "org-2",
		ReservationIDs: []uuid.UUID{a.ID},
		Outcome:        domain.ReservationStatusAttended,
	})
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("err = %v, want %v", err, domain.ErrAccessDenied)
	}

	_, err = e.svc.MarkAttendance(context.Background(), MarkAttendanceInput{
		OrganizerID:    "org-1",
		ReservationIDs: []uuid.UUID{a.ID},
		Outcome:        domain.ReservationStatusCancelled,
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}

	n, err := e.svc.MarkAttendance(context.Background(), MarkAttendanceInput{
		OrganizerID:    "org-1",
		ReservationIDs: []uuid.UUID{a.ID, b.ID},
		Outcome:        domain.ReservationStatusNoShow,
	})
	if err != nil {
		t.Fatalf("MarkAttendance error: %v", err)
	}
	if n != 2 {
		t.Fatalf("marked = %d, want 2", n)
	}

	rebooked, err := e.svc.Rebook(context.Background(), "A", a.ID)
	if err != nil {
		t.Fatalf("Rebook error: %v", err)
	}
	if rebooked.ID != a.ID || rebooked.Status != domain.ReservationStatusBooked {
		t.Fatalf("rebooked = %s/%s, want same row BOOKED", rebooked.ID, rebooked.Status)
	}
	if _, err := e.svc.Rebook(context.Background(), "B", a.ID); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("err = %v, want %v", err, domain.ErrAccessDenied)
	}
}

func TestAnnotateReservation(t *testing.T) {
	e := newEnv(t)
	c := e.class(nil, nil)
	occ := e.schedule(c.ID, "")[0]
	a := e.reserve(occ.ID, "A")

	r, err := e.svc.AnnotateReservation(context.Background(), "org-1", a.ID, "front row")
	if err != nil {
		t.Fatalf("AnnotateReservation error: %v", err)
	}
	if r.OrganizerNotes == nil || *r.OrganizerNotes != "front row" {
		t.Fatalf("notes = %v, want front row", r.OrganizerNotes)
	}

	r, err = e.svc.AnnotateReservation(context.Background(), "org-1", a.ID, "")
	if err != nil {
		t.Fatalf("AnnotateReservation error: %v", err)
	}
	if r.OrganizerNotes != nil {
		t.Fatalf("notes = %q, want cleared", *r.OrganizerNotes)
	}

	if _, err := e.svc.AnnotateReservation(context.Background(), "org-2", a.ID, "x"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("err = %v, want %v", err, domain.ErrAccessDenied)
	}
}

func TestUpdateOccurrence(t *testing.T) {
	e := newEnv(t)
	c := e.class(nil, nil)
	occ := e.schedule(c.ID, "")[0]

	earlier := occ.StartTime.Add(-2 * time.Hour)
	_, err := e.svc.UpdateOccurrence(context.Background(), UpdateOccurrenceInput{
		OrganizerID:  "org-1",
		OccurrenceID: occ.ID,
		Patch:        domain.OccurrencePatch{EndTime: &earlier},
	})
	if !errors.Is(err, domain.ErrInvalidTimeRange) {
		t.Fatalf("err = %v, want %v", err, domain.ErrInvalidTimeRange)
	}

	later := occ.EndTime.Add(30 * time.Minute)
	got, err := e.svc.UpdateOccurrence(context.Background(), UpdateOccurrenceInput{
		OrganizerID:  "org-1",
		OccurrenceID: occ.ID,
		Patch:        domain.OccurrencePatch{EndTime: &later},
	})
	if err != nil {
		t.Fatalf("UpdateOccurrence error: %v", err)
	}
	if !got.EndTime.Equal(later) || !got.StartTime.Equal(occ.StartTime) {
		t.Fatalf("updated = %s..%s", got.StartTime, got.EndTime)
	}

	_, err = e.svc.UpdateOccurrence(context.Background(), UpdateOccurrenceInput{OrganizerID: "org-1", OccurrenceID: occ.ID})
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Error() != "nothing to update" {
		t.Fatalf("err = %v, want nothing to update", err)
	}
}

func TestListReservations_RequiresScope(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.ListReservations(context.Background(), ListReservationsInput{})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}

	_, err = e.svc.ListReservations(context.Background(), ListReservationsInput{ParticipantID: "A", Statuses: []domain.ReservationStatus{"PENDING"}})
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestAuthorizerErrorIsWrapped(t *testing.T) {
	boom := errors.New("lookup failed")
	st := memory.New()
	svc := NewService(st, &fakeAuthorizer{
		ownsClass: func(ctx context.Context, organizerID string, classID uuid.UUID) (bool, error) {
			return false, boom
		},
	})
	start := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

	_, err := svc.CreateOccurrence(context.Background(), CreateOccurrenceInput{
		OrganizerID: "org-1",
		ClassID:     uuid.New(),
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"classbook/internal/clock"
	"classbook/internal/domain"
	"classbook/internal/ledger"
	"classbook/internal/notify"
	"classbook/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// Authorizer answers ownership questions. A false answer without error means
// access is denied.
type Authorizer interface {
	OrganizerOwnsClass(ctx context.Context, organizerID string, classID uuid.UUID) (bool, error)
	OrganizerOwnsOccurrence(ctx context.Context, organizerID string, occurrenceID uuid.UUID) (bool, error)
	ParticipantOwnsReservation(ctx context.Context, participantID string, reservationID uuid.UUID) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) error
}

type Service struct {
	store    store.BookingStore
	ledger   *ledger.Ledger
	authz    Authorizer
	notifier Notifier
	events   *notify.Dispatcher
	clock    clock.Clock
	log      *slog.Logger
	validate *validator.Validate
	horizon  time.Duration

	queueSize   int
	sendTimeout time.Duration
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDefaultHorizon bounds open-ended series.
func WithDefaultHorizon(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.horizon = d
		}
	}
}

// WithEventQueue sizes the post-commit event queue and bounds each delivery.
func WithEventQueue(size int, sendTimeout time.Duration) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
		if sendTimeout > 0 {
			s.sendTimeout = sendTimeout
		}
	}
}

// NewService starts the event dispatcher goroutine; Close stops it.
func NewService(st store.BookingStore, authz Authorizer, opts ...Option) *Service {
	s := &Service{
		store:    st,
		authz:    authz,
		notifier: notify.Discard{},
		clock:    clock.System{},
		log:      slog.Default(),
		validate: newValidator(),
		horizon:  domain.DefaultRecurrenceHorizon,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = ledger.New(s.clock)
	s.events = notify.NewDispatcher(s.notifier,
		notify.WithQueueSize(s.queueSize),
		notify.WithSendTimeout(s.sendTimeout),
		notify.WithDispatchLogger(s.log.With(slog.String("component", "notify.dispatcher"))),
	)
	return s
}

// Close delivers the events still queued, giving up when ctx ends.
func (s *Service) Close(ctx context.Context) error {
	return s.events.Close(ctx)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// check runs struct-tag validation and reports the first failing field.
func (s *Service) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return validationError("invalid input")
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return validationError(fe.Field() + " is required")
	case "oneof":
		return validationError(fe.Field() + " must be one of " + strings.ReplaceAll(fe.Param(), " ", ", "))
	case "max":
		return validationError(fe.Field() + " is too long")
	case "min":
		if fe.Kind().String() == "slice" {
			return validationError(fe.Field() + " must not be empty")
		}
		return validationError(fe.Field() + " must be at least " + fe.Param())
	}
	return validationError(fe.Field() + " is invalid")
}

func (s *Service) requireOrganizerOfClass(ctx context.Context, organizerID string, classID uuid.UUID) error {
	ok, err := s.authz.OrganizerOwnsClass(ctx, organizerID, classID)
	if err != nil {
		return fmt.Errorf("authorize class: %w", err)
	}
	if !ok {
		return domain.ErrAccessDenied
	}
	return nil
}

func (s *Service) requireOrganizerOfOccurrence(ctx context.Context, organizerID string, occurrenceID uuid.UUID) error {
	ok, err := s.authz.OrganizerOwnsOccurrence(ctx, organizerID, occurrenceID)
	if err != nil {
		return fmt.Errorf("authorize occurrence: %w", err)
	}
	if !ok {
		return domain.ErrAccessDenied
	}
	return nil
}

func (s *Service) requireParticipantOfReservation(ctx context.Context, participantID string, reservationID uuid.UUID) error {
	ok, err := s.authz.ParticipantOwnsReservation(ctx, participantID, reservationID)
	if err != nil {
		return fmt.Errorf("authorize reservation: %w", err)
	}
	if !ok {
		return domain.ErrAccessDenied
	}
	return nil
}

func (s *Service) loadReservation(ctx context.Context, reservationID uuid.UUID) (domain.Reservation, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Reservation{}, domain.ErrBookingNotFound
		}
		return domain.Reservation{}, err
	}
	return r, nil
}

func (s *Service) loadOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error) {
	o, err := s.store.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Occurrence{}, domain.ErrOccurrenceNotFound
		}
		return domain.Occurrence{}, err
	}
	return o, nil
}

// dispatch queues events after commit without waiting for delivery. Dropped
// events are logged and never reach the caller.
func (s *Service) dispatch(ctx context.Context, events ...notify.Event) {
	for _, ev := range events {
		if err := s.events.Notify(ctx, ev); err != nil {
			s.log.WarnContext(ctx, "notification dropped",
				slog.String("event_type", string(ev.Type)),
				slog.String("event_id", ev.ID),
				slog.Any("err", err),
			)
		}
	}
}

func strPtrOrNil(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

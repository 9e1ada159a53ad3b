package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"classbook/internal/domain"
	"classbook/internal/service/booking"
	"classbook/internal/store"
)

const ServiceName = "classbook.v1.BookingService"

// errorDomain is carried in the ErrorInfo detail of business errors.
const errorDomain = "classbook"

type bookingService interface {
	CreateClass(ctx context.Context, in booking.CreateClassInput) (domain.Class, error)
	CreateOccurrence(ctx context.Context, in booking.CreateOccurrenceInput) ([]domain.Occurrence, error)
	UpdateOccurrence(ctx context.Context, in booking.UpdateOccurrenceInput) (domain.Occurrence, error)
	CancelOccurrence(ctx context.Context, organizerID string, occurrenceID uuid.UUID, reason string) ([]string, error)
	CancelSeries(ctx context.Context, organizerID string, occurrenceID uuid.UUID, reason string) (booking.CancelSeriesResult, error)
	ListOccurrences(ctx context.Context, in booking.ListOccurrencesInput) ([]domain.Occurrence, error)
	Reserve(ctx context.Context, in booking.ReserveInput) (domain.Reservation, error)
	Rebook(ctx context.Context, participantID string, reservationID uuid.UUID) (domain.Reservation, error)
	CancelReservation(ctx context.Context, in booking.CancelReservationInput) (booking.CancelReservationResult, error)
	MarkAttendance(ctx context.Context, in booking.MarkAttendanceInput) (int, error)
	AnnotateReservation(ctx context.Context, organizerID string, reservationID uuid.UUID, notes string) (domain.Reservation, error)
	ListReservations(ctx context.Context, in booking.ListReservationsInput) ([]domain.Reservation, error)
}

type BookingServer struct {
	svc bookingService
	log *slog.Logger
}

func NewBookingServer(svc bookingService, log *slog.Logger) *BookingServer {
	if log == nil {
		log = slog.Default()
	}
	return &BookingServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.booking")),
	}
}

func (s *BookingServer) CreateClass(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CreateClass"))

	var in createClassRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	class, err := s.svc.CreateClass(ctx, booking.CreateClassInput{
		OrganizerID:    in.OrganizerID,
		Title:          in.Title,
		Capacity:       in.Capacity,
		WaitlistLimit:  in.WaitlistLimit,
		IsCapacitySoft: in.IsCapacitySoft,
	})
	if err != nil {
		return nil, s.fail(log, err, slog.String("organizer_id", in.OrganizerID))
	}

	log.Info("class created", slog.String("class_id", class.ID.String()), slog.String("organizer_id", class.OrganizerID))
	return encode(map[string]any{"class": toClassMsg(class)})
}

func (s *BookingServer) CreateOccurrence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CreateOccurrence"))

	var in createOccurrenceRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	occs, err := s.svc.CreateOccurrence(ctx, booking.CreateOccurrenceInput{
		OrganizerID:    in.OrganizerID,
		ClassID:        in.ClassID,
		StartTime:      in.StartTime,
		EndTime:        in.EndTime,
		Timezone:       in.Timezone,
		RecurrenceRule: in.RecurrenceRule,
		IdempotencyKey: idempotencyKey(ctx),
	})
	if err != nil {
		return nil, s.fail(log, err, slog.String("organizer_id", in.OrganizerID), slog.String("class_id", in.ClassID.String()))
	}

	log.Info("occurrences created", slog.String("class_id", in.ClassID.String()), slog.Int("count", len(occs)))
	return encode(map[string]any{"occurrences": toOccurrenceMsgs(occs)})
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func (s *BookingServer) UpdateOccurrence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "UpdateOccurrence"))

	var in updateOccurrenceRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	occ, err := s.svc.UpdateOccurrence(ctx, booking.UpdateOccurrenceInput{
		OrganizerID:  in.OrganizerID,
		OccurrenceID: in.OccurrenceID,
		Patch: domain.OccurrencePatch{
			StartTime: in.StartTime,
			EndTime:   in.EndTime,
			Timezone:  in.Timezone,
		},
	})
	if err != nil {
		return nil, s.fail(log, err, slog.String("occurrence_id", in.OccurrenceID.String()))
	}

	log.Info("occurrence updated", slog.String("occurrence_id", occ.ID.String()))
	return encode(map[string]any{"occurrence": toOccurrenceMsg(occ)})
}

func (s *BookingServer) CancelOccurrence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CancelOccurrence"))

	var in cancelOccurrenceRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	participants, err := s.svc.CancelOccurrence(ctx, in.OrganizerID, in.OccurrenceID, in.Reason)
	if err != nil {
		return nil, s.fail(log, err, slog.String("occurrence_id", in.OccurrenceID.String()))
	}

	log.Info("occurrence cancelled", slog.String("occurrence_id", in.OccurrenceID.String()), slog.Int("affected", len(participants)))
	return encode(map[string]any{"participant_ids": nonNil(participants)})
}

func (s *BookingServer) CancelSeries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CancelSeries"))

	var in cancelOccurrenceRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	res, err := s.svc.CancelSeries(ctx, in.OrganizerID, in.OccurrenceID, in.Reason)
	if err != nil {
		return nil, s.fail(log, err, slog.String("occurrence_id", in.OccurrenceID.String()))
	}

	byOccurrence := make(map[string][]string, len(res.ParticipantIDsByOccurrence))
	for id, participants := range res.ParticipantIDsByOccurrence {
		byOccurrence[id.String()] = nonNil(participants)
	}

	log.Info("series cancelled", slog.String("occurrence_id", in.OccurrenceID.String()), slog.Int("cancelled", res.CancelledCount))
	return encode(map[string]any{
		"cancelled_count":               res.CancelledCount,
		"participant_ids_by_occurrence": byOccurrence,
	})
}

func (s *BookingServer) ListOccurrences(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListOccurrences"))

	var in listOccurrencesRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	filter := booking.ListOccurrencesInput{
		OrganizerID:      in.OrganizerID,
		IncludeCancelled: in.IncludeCancelled,
	}
	if in.ClassID != nil {
		filter.ClassID = *in.ClassID
	}
	if in.WindowStart != nil {
		filter.WindowStart = *in.WindowStart
	}
	if in.WindowEnd != nil {
		filter.WindowEnd = *in.WindowEnd
	}

	occs, err := s.svc.ListOccurrences(ctx, filter)
	if err != nil {
		return nil, s.fail(log, err, slog.String("organizer_id", in.OrganizerID))
	}

	log.Debug("occurrences listed", slog.String("organizer_id", in.OrganizerID), slog.Int("count", len(occs)))
	return encode(map[string]any{"occurrences": toOccurrenceMsgs(occs)})
}

func (s *BookingServer) Reserve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "Reserve"))

	var in reserveRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	r, err := s.svc.Reserve(ctx, booking.ReserveInput{OccurrenceID: in.OccurrenceID, ParticipantID: in.ParticipantID})
	if err != nil {
		return nil, s.fail(log, err, slog.String("occurrence_id", in.OccurrenceID.String()), slog.String("participant_id", in.ParticipantID))
	}

	log.Info(
		"reservation created",
		slog.String("reservation_id", r.ID.String()),
		slog.String("occurrence_id", r.OccurrenceID.String()),
		slog.String("status", string(r.Status)),
	)
	return encode(map[string]any{"reservation": toReservationMsg(r)})
}

func (s *BookingServer) Rebook(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "Rebook"))

	var in rebookRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	r, err := s.svc.Rebook(ctx, in.ParticipantID, in.ReservationID)
	if err != nil {
		return nil, s.fail(log, err, slog.String("reservation_id", in.ReservationID.String()))
	}

	log.Info("reservation rebooked", slog.String("reservation_id", r.ID.String()), slog.String("status", string(r.Status)))
	return encode(map[string]any{"reservation": toReservationMsg(r)})
}

func (s *BookingServer) CancelReservation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CancelReservation"))

	var in cancelReservationRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	res, err := s.svc.CancelReservation(ctx, booking.CancelReservationInput{
		ReservationID: in.ReservationID,
		Actor:         domain.Actor(strings.ToLower(strings.TrimSpace(in.Actor))),
		ActorID:       in.ActorID,
		Reason:        in.Reason,
	})
	if err != nil {
		return nil, s.fail(log, err, slog.String("reservation_id", in.ReservationID.String()), slog.String("actor", in.Actor))
	}

	out := map[string]any{"reservation": toReservationMsg(res.Reservation)}
	attrs := []any{slog.String("reservation_id", res.Reservation.ID.String())}
	if res.Promoted != nil {
		out["promoted"] = toReservationMsg(*res.Promoted)
		attrs = append(attrs, slog.String("promoted_id", res.Promoted.ID.String()))
	}
	log.Info("reservation cancelled", attrs...)
	return encode(out)
}

func (s *BookingServer) MarkAttendance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "MarkAttendance"))

	var in markAttendanceRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	n, err := s.svc.MarkAttendance(ctx, booking.MarkAttendanceInput{
		OrganizerID:    in.OrganizerID,
		ReservationIDs: in.ReservationIDs,
		Outcome:        domain.AttendanceOutcome(strings.ToUpper(strings.TrimSpace(in.Outcome))),
	})
	if err != nil {
		return nil, s.fail(log, err, slog.String("organizer_id", in.OrganizerID), slog.Int("requested", len(in.ReservationIDs)))
	}

	log.Info("attendance marked", slog.String("outcome", in.Outcome), slog.Int("updated", n))
	return encode(map[string]any{"updated_count": n})
}

func (s *BookingServer) AnnotateReservation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "AnnotateReservation"))

	var in annotateReservationRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	r, err := s.svc.AnnotateReservation(ctx, in.OrganizerID, in.ReservationID, in.Notes)
	if err != nil {
		return nil, s.fail(log, err, slog.String("reservation_id", in.ReservationID.String()))
	}

	log.Info("reservation annotated", slog.String("reservation_id", r.ID.String()))
	return encode(map[string]any{"reservation": toReservationMsg(r)})
}

func (s *BookingServer) ListReservations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListReservations"))

	var in listReservationsRequest
	if err := decode(req, &in); err != nil {
		log.Warn("invalid request", slog.Any("err", err))
		return nil, err
	}

	filter := booking.ListReservationsInput{ParticipantID: in.ParticipantID}
	if in.OccurrenceID != nil {
		filter.OccurrenceID = *in.OccurrenceID
	}
	for _, st := range in.Statuses {
		filter.Statuses = append(filter.Statuses, domain.ReservationStatus(strings.ToUpper(strings.TrimSpace(st))))
	}

	rs, err := s.svc.ListReservations(ctx, filter)
	if err != nil {
		return nil, s.fail(log, err, slog.String("participant_id", in.ParticipantID))
	}

	log.Debug("reservations listed", slog.Int("count", len(rs)))
	return encode(map[string]any{"reservations": toReservationMsgs(rs)})
}

// fail logs err at a level matching its class and converts it to a status.
func (s *BookingServer) fail(log *slog.Logger, err error, attrs ...any) error {
	args := append([]any{slog.Any("err", err)}, attrs...)

	var vErr *booking.ValidationError
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", args...)
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info("idempotency conflict", args...)
		return status.Error(codes.FailedPrecondition, "This request key was already used for a different schedule. Try again.")
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("request timed out", args...)
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		log.Info("request cancelled", args...)
		return status.Error(codes.Canceled, "request cancelled")
	}

	kind := domain.ErrorKind(err)
	if kind == "" {
		log.Error("request failed", args...)
		return status.Error(codes.Internal, "internal error")
	}

	log.Info("request rejected", append(args, slog.String("kind", kind))...)
	st := status.New(codeForKind(kind), err.Error())
	withInfo, detailErr := st.WithDetails(&errdetails.ErrorInfo{Reason: kind, Domain: errorDomain})
	if detailErr != nil {
		return st.Err()
	}
	return withInfo.Err()
}

func codeForKind(kind string) codes.Code {
	switch kind {
	case "CLASS_NOT_FOUND", "OCCURRENCE_NOT_FOUND", "BOOKING_NOT_FOUND":
		return codes.NotFound
	case "ALREADY_BOOKED":
		return codes.AlreadyExists
	case "CLASS_FULL_AND_WAITLIST_FULL":
		return codes.ResourceExhausted
	case "ACCESS_DENIED":
		return codes.PermissionDenied
	case "INVALID_TIME_RANGE", "INVALID_RECURRENCE_RULE":
		return codes.InvalidArgument
	default:
		return codes.FailedPrecondition
	}
}

// ErrorKindOf extracts the business error kind from a status returned by the
// booking service, or "" when there is none.
func ErrorKindOf(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == errorDomain {
			return info.GetReason()
		}
	}
	return ""
}

// RequestTimeoutInterceptor bounds requests that arrive without a deadline.
func RequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

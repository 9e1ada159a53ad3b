package grpc

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"classbook/internal/domain"
)

// Requests and responses travel as google.protobuf.Struct. The field names
// below are the wire contract.

type createClassRequest struct {
	OrganizerID    string `json:"organizer_id"`
	Title          string `json:"title"`
	Capacity       *int   `json:"capacity"`
	WaitlistLimit  *int   `json:"waitlist_limit"`
	IsCapacitySoft bool   `json:"is_capacity_soft"`
}

type createOccurrenceRequest struct {
	OrganizerID    string    `json:"organizer_id"`
	ClassID        uuid.UUID `json:"class_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Timezone       string    `json:"timezone"`
	RecurrenceRule string    `json:"recurrence_rule"`
}

type updateOccurrenceRequest struct {
	OrganizerID  string     `json:"organizer_id"`
	OccurrenceID uuid.UUID  `json:"occurrence_id"`
	StartTime    *time.Time `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	Timezone     *string    `json:"timezone"`
}

type cancelOccurrenceRequest struct {
	OrganizerID  string    `json:"organizer_id"`
	OccurrenceID uuid.UUID `json:"occurrence_id"`
	Reason       string    `json:"reason"`
}

type reserveRequest struct {
	OccurrenceID  uuid.UUID `json:"occurrence_id"`
	ParticipantID string    `json:"participant_id"`
}

type rebookRequest struct {
	ParticipantID string    `json:"participant_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
}

type cancelReservationRequest struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	Actor         string    `json:"actor"`
	ActorID       string    `json:"actor_id"`
	Reason        string    `json:"reason"`
}

type markAttendanceRequest struct {
	OrganizerID    string      `json:"organizer_id"`
	ReservationIDs []uuid.UUID `json:"reservation_ids"`
	Outcome        string      `json:"outcome"`
}

type annotateReservationRequest struct {
	OrganizerID   string    `json:"organizer_id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	Notes         string    `json:"notes"`
}

type listReservationsRequest struct {
	OccurrenceID  *uuid.UUID `json:"occurrence_id"`
	ParticipantID string     `json:"participant_id"`
	Statuses      []string   `json:"statuses"`
}

type listOccurrencesRequest struct {
	OrganizerID      string     `json:"organizer_id"`
	ClassID          *uuid.UUID `json:"class_id"`
	WindowStart      *time.Time `json:"window_start"`
	WindowEnd        *time.Time `json:"window_end"`
	IncludeCancelled bool       `json:"include_cancelled"`
}

type classMsg struct {
	ID             string    `json:"id"`
	OrganizerID    string    `json:"organizer_id"`
	Title          string    `json:"title"`
	Capacity       *int      `json:"capacity"`
	WaitlistLimit  *int      `json:"waitlist_limit"`
	IsCapacitySoft bool      `json:"is_capacity_soft"`
	CreatedAt      time.Time `json:"created_at"`
}

type occurrenceMsg struct {
	ID             string     `json:"id"`
	ClassID        string     `json:"class_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	Timezone       string     `json:"timezone"`
	RecurrenceRule *string    `json:"recurrence_rule,omitempty"`
	OccurrenceDate string     `json:"occurrence_date"`
	ParentID       *string    `json:"parent_occurrence_id,omitempty"`
	IsCancelled    bool       `json:"is_cancelled"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CancelReason   *string    `json:"cancel_reason,omitempty"`
}

type reservationMsg struct {
	ID                   string     `json:"id"`
	OccurrenceID         string     `json:"occurrence_id"`
	ParticipantID        string     `json:"participant_id"`
	Status               string     `json:"status"`
	WaitlistPosition     *int       `json:"waitlist_position,omitempty"`
	BookedAt             time.Time  `json:"booked_at"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	CancelReason         *string    `json:"cancel_reason,omitempty"`
	CancelledByOrganizer bool       `json:"cancelled_by_organizer"`
	AttendedAt           *time.Time `json:"attended_at,omitempty"`
	OrganizerNotes       *string    `json:"organizer_notes,omitempty"`
}

func toClassMsg(c domain.Class) classMsg {
	return classMsg{
		ID:             c.ID.String(),
		OrganizerID:    c.OrganizerID,
		Title:          c.Title,
		Capacity:       c.Capacity,
		WaitlistLimit:  c.WaitlistLimit,
		IsCapacitySoft: c.IsCapacitySoft,
		CreatedAt:      c.CreatedAt.UTC(),
	}
}

func toOccurrenceMsg(o domain.Occurrence) occurrenceMsg {
	m := occurrenceMsg{
		ID:             o.ID.String(),
		ClassID:        o.ClassID.String(),
		StartTime:      o.StartTime.UTC(),
		EndTime:        o.EndTime.UTC(),
		Timezone:       o.Timezone,
		RecurrenceRule: o.RecurrenceRule,
		OccurrenceDate: o.OccurrenceDate.Format(time.DateOnly),
		IsCancelled:    o.IsCancelled,
		CancelledAt:    o.CancelledAt,
		CancelReason:   o.CancelReason,
	}
	if o.ParentID != nil {
		p := o.ParentID.String()
		m.ParentID = &p
	}
	return m
}

func toOccurrenceMsgs(occs []domain.Occurrence) []occurrenceMsg {
	out := make([]occurrenceMsg, 0, len(occs))
	for _, o := range occs {
		out = append(out, toOccurrenceMsg(o))
	}
	return out
}

func toReservationMsg(r domain.Reservation) reservationMsg {
	return reservationMsg{
		ID:                   r.ID.String(),
		OccurrenceID:         r.OccurrenceID.String(),
		ParticipantID:        r.ParticipantID,
		Status:               string(r.Status),
		WaitlistPosition:     r.WaitlistPosition,
		BookedAt:             r.BookedAt.UTC(),
		CancelledAt:          r.CancelledAt,
		CancelReason:         r.CancelReason,
		CancelledByOrganizer: r.CancelledByOrganizer,
		AttendedAt:           r.AttendedAt,
		OrganizerNotes:       r.OrganizerNotes,
	}
}

func toReservationMsgs(rs []domain.Reservation) []reservationMsg {
	out := make([]reservationMsg, 0, len(rs))
	for _, r := range rs {
		out = append(out, toReservationMsg(r))
	}
	return out
}

// nonNil keeps empty lists as [] rather than null on the wire.
func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// decode maps a Struct request onto dst. Unknown fields are rejected.
func decode(req *structpb.Struct, dst any) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}
	b, err := protojson.Marshal(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, "malformed request")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

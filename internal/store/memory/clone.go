package memory

import (
	"time"

	"classbook/internal/domain"
)

// Stored values never share pointer fields with callers.

func cloneClass(c domain.Class) domain.Class {
	c.Capacity = cloneInt(c.Capacity)
	c.WaitlistLimit = cloneInt(c.WaitlistLimit)
	return c
}

func cloneOccurrence(o domain.Occurrence) domain.Occurrence {
	o.RecurrenceRule = cloneString(o.RecurrenceRule)
	if o.ParentID != nil {
		p := *o.ParentID
		o.ParentID = &p
	}
	o.CancelledAt = cloneTime(o.CancelledAt)
	o.CancelReason = cloneString(o.CancelReason)
	return o
}

func cloneReservation(r domain.Reservation) domain.Reservation {
	r.WaitlistPosition = cloneInt(r.WaitlistPosition)
	r.CancelledAt = cloneTime(r.CancelledAt)
	r.CancelReason = cloneString(r.CancelReason)
	r.AttendedAt = cloneTime(r.AttendedAt)
	r.OrganizerNotes = cloneString(r.OrganizerNotes)
	return r
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

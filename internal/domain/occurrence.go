package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Occurrence is one concrete time slot of a class. Recurring series keep the
// rule on the parent only; generated children point at the parent.
type Occurrence struct {
	bun.BaseModel `bun:"table:class_occurrences,alias:o"`

	ID             uuid.UUID  `bun:"id,pk,type:uuid"`
	ClassID        uuid.UUID  `bun:"class_id,notnull,type:uuid"`
	StartTime      time.Time  `bun:"start_time,notnull"`
	EndTime        time.Time  `bun:"end_time,notnull"`
	Timezone       string     `bun:"timezone,notnull"`
	RecurrenceRule *string    `bun:"recurrence_rule"`
	OccurrenceDate time.Time  `bun:"occurrence_date,type:date,notnull"`
	ParentID       *uuid.UUID `bun:"parent_occurrence_id,type:uuid"`
	IsCancelled    bool       `bun:"is_cancelled,notnull"`
	CancelledAt    *time.Time `bun:"cancelled_at"`
	CancelReason   *string    `bun:"cancel_reason"`
	CreatedAt      time.Time  `bun:"created_at,notnull"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull"`
}

func (o *Occurrence) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if o.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			o.ID = id
		}
		if o.OccurrenceDate.IsZero() {
			o.OccurrenceDate = OccurrenceDateOf(o.StartTime)
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		o.UpdatedAt = now
	}
	return nil
}

// IsRecurring reports whether the occurrence belongs to a series.
func (o Occurrence) IsRecurring() bool {
	return o.ParentID != nil || o.RecurrenceRule != nil
}

// SeriesRootID returns the id of the series parent.
func (o Occurrence) SeriesRootID() uuid.UUID {
	if o.ParentID != nil {
		return *o.ParentID
	}
	return o.ID
}

// OccurrenceDateOf is the calendar date key of a UTC start time.
func OccurrenceDateOf(start time.Time) time.Time {
	s := start.UTC()
	return time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
}

// OccurrencePatch is a field mask: nil fields are left untouched.
type OccurrencePatch struct {
	StartTime *time.Time
	EndTime   *time.Time
	Timezone  *string
}

func (p OccurrencePatch) IsEmpty() bool {
	return p.StartTime == nil && p.EndTime == nil && p.Timezone == nil
}

// Apply returns a copy of o with the patch applied. The resulting time range
// must stay valid.
func (p OccurrencePatch) Apply(o Occurrence) (Occurrence, error) {
	if p.StartTime != nil {
		o.StartTime = p.StartTime.UTC()
		o.OccurrenceDate = OccurrenceDateOf(o.StartTime)
	}
	if p.EndTime != nil {
		o.EndTime = p.EndTime.UTC()
	}
	if p.Timezone != nil {
		o.Timezone = *p.Timezone
	}
	if !o.EndTime.After(o.StartTime) {
		return Occurrence{}, ErrInvalidTimeRange
	}
	return o, nil
}

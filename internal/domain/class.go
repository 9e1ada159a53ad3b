package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Class is the organizer-owned template that occurrences are scheduled from.
// A nil Capacity or WaitlistLimit means unlimited.
type Class struct {
	bun.BaseModel `bun:"table:classes,alias:c"`

	ID             uuid.UUID `bun:"id,pk,type:uuid"`
	OrganizerID    string    `bun:"organizer_id,notnull"`
	Title          string    `bun:"title,notnull"`
	Capacity       *int      `bun:"capacity"`
	WaitlistLimit  *int      `bun:"waitlist_limit"`
	IsCapacitySoft bool      `bun:"is_capacity_soft,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

func (c *Class) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if c.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			c.ID = id
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		c.UpdatedAt = now
	}
	return nil
}

// HasFreeSeat reports whether one more participant can be seated directly
// given the current number of BOOKED reservations.
func (c Class) HasFreeSeat(bookedCount int) bool {
	return c.IsCapacitySoft || c.Capacity == nil || bookedCount < *c.Capacity
}

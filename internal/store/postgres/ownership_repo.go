package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"classbook/internal/domain"
)

// OwnershipRepo answers authorization questions straight from the booking
// tables.
type OwnershipRepo struct {
	db *bun.DB
}

func NewOwnershipRepo(db *bun.DB) *OwnershipRepo {
	return &OwnershipRepo{db: db}
}

func (r *OwnershipRepo) OrganizerOwnsClass(ctx context.Context, organizerID string, classID uuid.UUID) (bool, error) {
	return r.db.NewSelect().
		Model((*domain.Class)(nil)).
		Where("c.id = ?", classID).
		Where("c.organizer_id = ?", organizerID).
		Exists(ctx)
}

func (r *OwnershipRepo) OrganizerOwnsOccurrence(ctx context.Context, organizerID string, occurrenceID uuid.UUID) (bool, error) {
	return r.db.NewSelect().
		Model((*domain.Occurrence)(nil)).
		Join("JOIN classes AS c ON c.id = o.class_id").
		Where("o.id = ?", occurrenceID).
		Where("c.organizer_id = ?", organizerID).
		Exists(ctx)
}

func (r *OwnershipRepo) ParticipantOwnsReservation(ctx context.Context, participantID string, reservationID uuid.UUID) (bool, error) {
	return r.db.NewSelect().
		Model((*domain.Reservation)(nil)).
		Where("r.id = ?", reservationID).
		Where("r.participant_id = ?", participantID).
		Exists(ctx)
}

package memory

import (
	"context"

	"github.com/google/uuid"
)

// OrganizerOwnsClass and the methods below let the store double as the
// authorizer when the memory driver runs standalone.
func (s *Store) OrganizerOwnsClass(ctx context.Context, organizerID string, classID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.classes[classID]
	return ok && c.OrganizerID == organizerID, nil
}

func (s *Store) OrganizerOwnsOccurrence(ctx context.Context, organizerID string, occurrenceID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.occurrences[occurrenceID]
	if !ok {
		return false, nil
	}
	c, ok := s.classes[o.ClassID]
	return ok && c.OrganizerID == organizerID, nil
}

func (s *Store) ParticipantOwnsReservation(ctx context.Context, participantID string, reservationID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	return ok && r.ParticipantID == participantID, nil
}

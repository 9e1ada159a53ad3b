// Package authz decorates ownership checks with a shared cache.
package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"classbook/internal/cache"
)

type Authorizer interface {
	OrganizerOwnsClass(ctx context.Context, organizerID string, classID uuid.UUID) (bool, error)
	OrganizerOwnsOccurrence(ctx context.Context, organizerID string, occurrenceID uuid.UUID) (bool, error)
	ParticipantOwnsReservation(ctx context.Context, participantID string, reservationID uuid.UUID) (bool, error)
}

const DefaultTTL = 5 * time.Minute

// CachedAuthorizer remembers granted ownership for ttl. Denials are not cached
// because the resource may simply not exist yet. Cache failures fall through
// to the wrapped authorizer.
type CachedAuthorizer struct {
	next  Authorizer
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

var _ Authorizer = (*CachedAuthorizer)(nil)

func NewCachedAuthorizer(next Authorizer, c cache.Cache, ttl time.Duration, log *slog.Logger) *CachedAuthorizer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedAuthorizer{next: next, cache: c, ttl: ttl, log: log}
}

func (a *CachedAuthorizer) OrganizerOwnsClass(ctx context.Context, organizerID string, classID uuid.UUID) (bool, error) {
	return a.check(ctx, "authz:class:"+classID.String()+":organizer:"+organizerID, func() (bool, error) {
		return a.next.OrganizerOwnsClass(ctx, organizerID, classID)
	})
}

func (a *CachedAuthorizer) OrganizerOwnsOccurrence(ctx context.Context, organizerID string, occurrenceID uuid.UUID) (bool, error) {
	return a.check(ctx, "authz:occurrence:"+occurrenceID.String()+":organizer:"+organizerID, func() (bool, error) {
		return a.next.OrganizerOwnsOccurrence(ctx, organizerID, occurrenceID)
	})
}

func (a *CachedAuthorizer) ParticipantOwnsReservation(ctx context.Context, participantID string, reservationID uuid.UUID) (bool, error) {
	return a.check(ctx, "authz:reservation:"+reservationID.String()+":participant:"+participantID, func() (bool, error) {
		return a.next.ParticipantOwnsReservation(ctx, participantID, reservationID)
	})
}

func (a *CachedAuthorizer) check(ctx context.Context, key string, load func() (bool, error)) (bool, error) {
	v, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.log.WarnContext(ctx, "authz cache read failed", slog.String("key", key), slog.Any("err", err))
	} else if ok {
		return v == "1", nil
	}

	allowed, err := load()
	if err != nil {
		return false, err
	}
	if allowed {
		if err := a.cache.Set(ctx, key, "1", a.ttl); err != nil {
			a.log.WarnContext(ctx, "authz cache write failed", slog.String("key", key), slog.Any("err", err))
		}
	}
	return allowed, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"classbook/internal/domain"
	"classbook/internal/store"
)

const pgUniqueViolation = "23505"

type BookingRepo struct {
	db *bun.DB
}

var _ store.BookingStore = (*BookingRepo)(nil)

func NewBookingRepo(db *bun.DB) *BookingRepo {
	return &BookingRepo{db: db}
}

type bookingTx struct {
	tx bun.Tx
}

var _ store.BookingTx = bookingTx{}

func (r *BookingRepo) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.BookingTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, bookingTx{tx: tx})
	})
}

func (r *BookingRepo) InClassTransaction(ctx context.Context, classID uuid.UUID, fn func(ctx context.Context, tx store.BookingTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockClass(ctx, tx, classID); err != nil {
			return err
		}
		return fn(ctx, bookingTx{tx: tx})
	})
}

func lockClass(ctx context.Context, tx bun.Tx, classID uuid.UUID) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", "class:"+classID.String()).Exec(ctx)
	return err
}

func (r *BookingRepo) GetOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error) {
	return getOccurrence(ctx, r.db, occurrenceID, false)
}

func (r *BookingRepo) GetReservation(ctx context.Context, reservationID uuid.UUID) (domain.Reservation, error) {
	return getReservation(ctx, r.db, reservationID)
}

func (r *BookingRepo) ListReservations(ctx context.Context, filter store.ReservationFilter) ([]domain.Reservation, error) {
	return listReservations(ctx, r.db, filter)
}

func (r *BookingRepo) ListOccurrences(ctx context.Context, filter store.OccurrenceFilter) ([]domain.Occurrence, error) {
	var rows []domain.Occurrence
	q := r.db.NewSelect().Model(&rows)
	if filter.ClassID != uuid.Nil {
		q = q.Where("o.class_id = ?", filter.ClassID)
	}
	if filter.OrganizerID != "" {
		owned := r.db.NewSelect().
			Model((*domain.Class)(nil)).
			Column("c.id").
			Where("c.organizer_id = ?", filter.OrganizerID)
		q = q.Where("o.class_id IN (?)", owned)
	}
	if !filter.IncludeCancelled {
		q = q.Where("o.is_cancelled = FALSE")
	}
	if !filter.WindowEnd.IsZero() {
		q = q.Where("o.start_time < ?", filter.WindowEnd)
	}
	if !filter.WindowStart.IsZero() {
		q = q.Where("o.end_time > ?", filter.WindowStart)
	}
	if err := q.OrderExpr("o.start_time ASC, o.id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *BookingRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (t bookingTx) CreateClass(ctx context.Context, class domain.Class) (domain.Class, error) {
	m := class
	if _, err := t.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.Class{}, mapWriteError(err)
	}
	return m, nil
}

func (t bookingTx) GetClass(ctx context.Context, classID uuid.UUID) (domain.Class, error) {
	var c domain.Class
	err := t.tx.NewSelect().
		Model(&c).
		Where("c.id = ?", classID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Class{}, mapReadError(err)
	}
	return c, nil
}

func (t bookingTx) CreateOccurrences(ctx context.Context, occs []domain.Occurrence) ([]domain.Occurrence, error) {
	if len(occs) == 0 {
		return nil, nil
	}
	out := make([]domain.Occurrence, 0, len(occs))
	for _, o := range occs {
		m := o
		if _, err := t.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return nil, mapWriteError(err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (t bookingTx) GetOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error) {
	return getOccurrence(ctx, t.tx, occurrenceID, false)
}

func (t bookingTx) LockOccurrence(ctx context.Context, occurrenceID uuid.UUID) (domain.Occurrence, error) {
	return getOccurrence(ctx, t.tx, occurrenceID, true)
}

func (t bookingTx) UpdateOccurrence(ctx context.Context, occ domain.Occurrence) error {
	m := occ
	res, err := t.tx.NewUpdate().Model(&m).WherePK().Exec(ctx)
	if err != nil {
		return mapWriteError(err)
	}
	return requireAffected(res)
}

func (t bookingTx) FindFutureInSeries(ctx context.Context, rootID uuid.UUID, from time.Time) ([]domain.Occurrence, error) {
	var rows []domain.Occurrence
	err := t.tx.NewSelect().
		Model(&rows).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("o.id = ?", rootID).WhereOr("o.parent_occurrence_id = ?", rootID)
		}).
		Where("o.start_time >= ?", from).
		OrderExpr("o.id ASC").
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t bookingTx) FindSeries(ctx context.Context, rootID uuid.UUID) ([]domain.Occurrence, error) {
	var rows []domain.Occurrence
	err := t.tx.NewSelect().
		Model(&rows).
		Where("o.id = ?", rootID).
		WhereOr("o.parent_occurrence_id = ?", rootID).
		OrderExpr("o.start_time ASC, o.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t bookingTx) GetReservation(ctx context.Context, reservationID uuid.UUID) (domain.Reservation, error) {
	return getReservation(ctx, t.tx, reservationID)
}

func (t bookingTx) FindReservationByOccurrenceAndParticipant(ctx context.Context, occurrenceID uuid.UUID, participantID string) (domain.Reservation, error) {
	var r domain.Reservation
	err := t.tx.NewSelect().
		Model(&r).
		Where("r.occurrence_id = ?", occurrenceID).
		Where("r.participant_id = ?", participantID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Reservation{}, mapReadError(err)
	}
	return r, nil
}

func (t bookingTx) CountReservationsByStatuses(ctx context.Context, occurrenceID uuid.UUID, statuses ...domain.ReservationStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	return t.tx.NewSelect().
		Model((*domain.Reservation)(nil)).
		Where("r.occurrence_id = ?", occurrenceID).
		Where("r.status IN (?)", bun.In(statuses)).
		Count(ctx)
}

func (t bookingTx) MaxWaitlistPosition(ctx context.Context, occurrenceID uuid.UUID) (int, error) {
	var highest int
	err := t.tx.NewSelect().
		Model((*domain.Reservation)(nil)).
		ColumnExpr("COALESCE(MAX(r.waitlist_position), 0)").
		Where("r.occurrence_id = ?", occurrenceID).
		Where("r.status = ?", domain.ReservationStatusWaitlisted).
		Scan(ctx, &highest)
	if err != nil {
		return 0, err
	}
	return highest, nil
}

func (t bookingTx) FindLowestWaitlistedReservation(ctx context.Context, occurrenceID uuid.UUID) (domain.Reservation, error) {
	var r domain.Reservation
	err := t.tx.NewSelect().
		Model(&r).
		Where("r.occurrence_id = ?", occurrenceID).
		Where("r.status = ?", domain.ReservationStatusWaitlisted).
		Where("r.waitlist_position IS NOT NULL").
		OrderExpr("r.waitlist_position ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Reservation{}, mapReadError(err)
	}
	return r, nil
}

func (t bookingTx) ListReservations(ctx context.Context, filter store.ReservationFilter) ([]domain.Reservation, error) {
	return listReservations(ctx, t.tx, filter)
}

func (t bookingTx) CreateReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, error) {
	m := r
	if _, err := t.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.Reservation{}, mapWriteError(err)
	}
	return m, nil
}

func (t bookingTx) UpdateReservation(ctx context.Context, r domain.Reservation) error {
	m := r
	res, err := t.tx.NewUpdate().Model(&m).WherePK().Exec(ctx)
	if err != nil {
		return mapWriteError(err)
	}
	return requireAffected(res)
}

func (t bookingTx) ShiftWaitlistPositions(ctx context.Context, occurrenceID uuid.UUID, afterPosition int, at time.Time) error {
	_, err := t.tx.NewUpdate().
		Model((*domain.Reservation)(nil)).
		Set("waitlist_position = waitlist_position - 1").
		Set("updated_at = ?", at).
		Where("occurrence_id = ?", occurrenceID).
		Where("status = ?", domain.ReservationStatusWaitlisted).
		Where("waitlist_position > ?", afterPosition).
		Exec(ctx)
	return err
}

func (t bookingTx) SetReservationStatuses(ctx context.Context, ids []uuid.UUID, status domain.ReservationStatus, attendedAt *time.Time, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := t.tx.NewUpdate().
		Model((*domain.Reservation)(nil)).
		Set("status = ?", status).
		Set("waitlist_position = NULL").
		Set("attended_at = ?", attendedAt).
		Set("updated_at = ?", at).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func getOccurrence(ctx context.Context, db bun.IDB, occurrenceID uuid.UUID, forUpdate bool) (domain.Occurrence, error) {
	var o domain.Occurrence
	q := db.NewSelect().
		Model(&o).
		Where("o.id = ?", occurrenceID).
		Limit(1)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		return domain.Occurrence{}, mapReadError(err)
	}
	return o, nil
}

func getReservation(ctx context.Context, db bun.IDB, reservationID uuid.UUID) (domain.Reservation, error) {
	var r domain.Reservation
	err := db.NewSelect().
		Model(&r).
		Where("r.id = ?", reservationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Reservation{}, mapReadError(err)
	}
	return r, nil
}

func listReservations(ctx context.Context, db bun.IDB, filter store.ReservationFilter) ([]domain.Reservation, error) {
	var rows []domain.Reservation
	q := db.NewSelect().Model(&rows)
	if filter.OccurrenceID != uuid.Nil {
		q = q.Where("r.occurrence_id = ?", filter.OccurrenceID)
	}
	if filter.ParticipantID != "" {
		q = q.Where("r.participant_id = ?", filter.ParticipantID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("r.status IN (?)", bun.In(filter.Statuses))
	}
	if err := q.OrderExpr("r.booked_at ASC, r.id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func mapReadError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return store.ErrConflict
	}
	return err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

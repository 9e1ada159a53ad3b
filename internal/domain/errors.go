package domain

import "errors"

var (
	ErrClassNotFound              = errors.New("class not found")
	ErrOccurrenceNotFound         = errors.New("occurrence not found")
	ErrOccurrenceAlreadyCancelled = errors.New("occurrence already cancelled")
	ErrInvalidTimeRange           = errors.New("end_time must be after start_time")
	ErrScheduleNotRecurring       = errors.New("occurrence is not part of a recurring series")

	ErrAlreadyBooked            = errors.New("participant already has an active reservation for this occurrence")
	ErrBookingNotFound          = errors.New("booking not found")
	ErrBookingAlreadyCancelled  = errors.New("booking already cancelled")
	ErrBookingNotRebookable     = errors.New("booking is not in a rebookable status")
	ErrBookingNotInBookedStatus = errors.New("booking is not in booked or waitlisted status")

	ErrClassFullAndWaitlistFull = errors.New("class is full and waitlist is full")

	ErrAccessDenied = errors.New("access denied")

	ErrInvalidRecurrenceRule = errors.New("invalid recurrence rule")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrClassNotFound, "CLASS_NOT_FOUND"},
	{ErrOccurrenceNotFound, "OCCURRENCE_NOT_FOUND"},
	{ErrOccurrenceAlreadyCancelled, "OCCURRENCE_ALREADY_CANCELLED"},
	{ErrInvalidTimeRange, "INVALID_TIME_RANGE"},
	{ErrScheduleNotRecurring, "SCHEDULE_NOT_RECURRING"},
	{ErrAlreadyBooked, "ALREADY_BOOKED"},
	{ErrBookingNotFound, "BOOKING_NOT_FOUND"},
	{ErrBookingAlreadyCancelled, "BOOKING_ALREADY_CANCELLED"},
	{ErrBookingNotRebookable, "BOOKING_NOT_REBOOKABLE"},
	{ErrBookingNotInBookedStatus, "BOOKING_NOT_IN_BOOKED_STATUS"},
	{ErrClassFullAndWaitlistFull, "CLASS_FULL_AND_WAITLIST_FULL"},
	{ErrAccessDenied, "ACCESS_DENIED"},
	{ErrInvalidRecurrenceRule, "INVALID_RECURRENCE_RULE"},
}

// ErrorKind returns the stable code of the business error wrapped by err, or
// "" when err is not one of the package sentinels.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

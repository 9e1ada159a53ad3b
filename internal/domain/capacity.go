package domain

type CapacityOutcome string

const (
	CapacityBook     CapacityOutcome = "BOOK"
	CapacityWaitlist CapacityOutcome = "WAITLIST"
	CapacityReject   CapacityOutcome = "REJECT"
)

type CapacityDecision struct {
	Outcome  CapacityOutcome
	Position int
}

// Status maps an admitting decision to the reservation status it produces.
func (d CapacityDecision) Status() ReservationStatus {
	if d.Outcome == CapacityWaitlist {
		return ReservationStatusWaitlisted
	}
	return ReservationStatusBooked
}

// DecideCapacity decides the outcome of a reservation attempt from the counts
// read in the same transaction. Soft capacity always books directly and has no
// upper bound.
func DecideCapacity(class Class, bookedCount, waitlistedCount, maxWaitlistPosition int) (CapacityDecision, error) {
	if class.HasFreeSeat(bookedCount) {
		return CapacityDecision{Outcome: CapacityBook}, nil
	}
	if class.WaitlistLimit == nil || waitlistedCount < *class.WaitlistLimit {
		return CapacityDecision{Outcome: CapacityWaitlist, Position: maxWaitlistPosition + 1}, nil
	}
	return CapacityDecision{Outcome: CapacityReject}, ErrClassFullAndWaitlistFull
}

package domain

import (
	"errors"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestDecideCapacity(t *testing.T) {
	tests := []struct {
		name         string
		class        Class
		booked       int
		waitlisted   int
		maxPos       int
		wantOutcome  CapacityOutcome
		wantPosition int
		wantErr      error
	}{
		{
			name:        "unlimited capacity books",
			class:       Class{},
			booked:      1000,
			wantOutcome: CapacityBook,
		},
		{
			name:        "free seat books",
			class:       Class{Capacity: intPtr(2)},
			booked:      1,
			wantOutcome: CapacityBook,
		},
		{
			name:         "full class waitlists at tail",
			class:        Class{Capacity: intPtr(2)},
			booked:       2,
			waitlisted:   3,
			maxPos:       3,
			wantOutcome:  CapacityWaitlist,
			wantPosition: 4,
		},
		{
			name:         "full class with room in limited waitlist",
			class:        Class{Capacity: intPtr(1), WaitlistLimit: intPtr(2)},
			booked:       1,
			waitlisted:   1,
			maxPos:       1,
			wantOutcome:  CapacityWaitlist,
			wantPosition: 2,
		},
		{
			name:        "full class and full waitlist rejects",
			class:       Class{Capacity: intPtr(1), WaitlistLimit: intPtr(1)},
			booked:      1,
			waitlisted:  1,
			maxPos:      1,
			wantOutcome: CapacityReject,
			wantErr:     ErrClassFullAndWaitlistFull,
		},
		{
			name:        "zero waitlist limit rejects",
			class:       Class{Capacity: intPtr(1), WaitlistLimit: intPtr(0)},
			booked:      1,
			wantOutcome: CapacityReject,
			wantErr:     ErrClassFullAndWaitlistFull,
		},
		{
			name:        "soft capacity overbooks",
			class:       Class{Capacity: intPtr(1), WaitlistLimit: intPtr(0), IsCapacitySoft: true},
			booked:      5,
			wantOutcome: CapacityBook,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecideCapacity(tt.class, tt.booked, tt.waitlisted, tt.maxPos)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got.Outcome != tt.wantOutcome {
				t.Fatalf("outcome = %s, want %s", got.Outcome, tt.wantOutcome)
			}
			if got.Position != tt.wantPosition {
				t.Fatalf("position = %d, want %d", got.Position, tt.wantPosition)
			}
		})
	}
}

func TestCheckWaitlistDensity(t *testing.T) {
	booked := Reservation{Status: ReservationStatusBooked}
	w := func(p int) Reservation {
		return Reservation{Status: ReservationStatusWaitlisted, WaitlistPosition: intPtr(p)}
	}

	if err := CheckWaitlistDensity([]Reservation{booked, w(2), w(1), w(3)}); err != nil {
		t.Fatalf("dense waitlist err = %v", err)
	}
	if err := CheckWaitlistDensity([]Reservation{w(1), w(3)}); err == nil {
		t.Fatalf("gap in waitlist accepted")
	}
	if err := CheckWaitlistDensity([]Reservation{w(1), w(1)}); err == nil {
		t.Fatalf("duplicate position accepted")
	}
	stray := Reservation{Status: ReservationStatusCancelled, WaitlistPosition: intPtr(1)}
	if err := CheckWaitlistDensity([]Reservation{stray}); err == nil {
		t.Fatalf("position on cancelled reservation accepted")
	}
}

func TestErrorKind(t *testing.T) {
	wrapped := invalidRule("bad")
	if got := ErrorKind(wrapped); got != "INVALID_RECURRENCE_RULE" {
		t.Fatalf("ErrorKind = %q, want INVALID_RECURRENCE_RULE", got)
	}
	if got := ErrorKind(ErrAccessDenied); got != "ACCESS_DENIED" {
		t.Fatalf("ErrorKind = %q, want ACCESS_DENIED", got)
	}
	if got := ErrorKind(errors.New("boom")); got != "" {
		t.Fatalf("ErrorKind = %q, want empty", got)
	}
}

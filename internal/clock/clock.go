package clock

import "time"

type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a plain function, mostly for tests.
type Func func() time.Time

func (f Func) Now() time.Time {
	return f().UTC()
}

// Fixed always reports the same instant.
func Fixed(t time.Time) Func {
	return func() time.Time { return t }
}

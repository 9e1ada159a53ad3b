package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type RecurrenceFrequency string

const (
	RecurrenceFrequencyDaily   RecurrenceFrequency = "DAILY"
	RecurrenceFrequencyWeekly  RecurrenceFrequency = "WEEKLY"
	RecurrenceFrequencyMonthly RecurrenceFrequency = "MONTHLY"
	RecurrenceFrequencyYearly  RecurrenceFrequency = "YEARLY"
)

const (
	// MaxSeriesOccurrences caps a series, parent included.
	MaxSeriesOccurrences = 520

	DefaultRecurrenceHorizon = 12 * 7 * 24 * time.Hour

	untilLayout     = "20060102T150405Z"
	untilDateLayout = "20060102"

	// guards calendar walks that skip invalid dates (e.g. Feb 30).
	maxCalendarSteps = 4800
)

var weekdayCodes = map[string]time.Weekday{
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
	"SU": time.Sunday,
}

// RecurrenceRule is the supported subset of an RFC 5545 RRULE.
type RecurrenceRule struct {
	Frequency RecurrenceFrequency
	Interval  int
	ByWeekday []time.Weekday
	Count     *int
	Until     *time.Time
}

func invalidRule(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecurrenceRule, fmt.Sprintf(format, args...))
}

// ParseRecurrenceRule parses expressions like
// "FREQ=WEEKLY;INTERVAL=1;BYDAY=MO,WE;COUNT=5". Keys are case-insensitive and
// an "RRULE:" prefix is accepted.
func ParseRecurrenceRule(s string) (RecurrenceRule, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}
	if s == "" {
		return RecurrenceRule{}, invalidRule("rule is empty")
	}

	rule := RecurrenceRule{Interval: 1}
	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return RecurrenceRule{}, invalidRule("malformed part %q", part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.ToUpper(strings.TrimSpace(value))
		if _, dup := seen[key]; dup {
			return RecurrenceRule{}, invalidRule("duplicate %s", key)
		}
		seen[key] = struct{}{}

		switch key {
		case "FREQ":
			rule.Frequency = RecurrenceFrequency(value)
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil {
				return RecurrenceRule{}, invalidRule("INTERVAL %q is not a number", value)
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil {
				return RecurrenceRule{}, invalidRule("COUNT %q is not a number", value)
			}
			rule.Count = &n
		case "UNTIL":
			u, err := parseUntil(value)
			if err != nil {
				return RecurrenceRule{}, err
			}
			rule.Until = &u
		case "BYDAY":
			for _, code := range strings.Split(value, ",") {
				wd, ok := weekdayCodes[strings.TrimSpace(code)]
				if !ok {
					return RecurrenceRule{}, invalidRule("unknown BYDAY value %q", code)
				}
				rule.ByWeekday = append(rule.ByWeekday, wd)
			}
		default:
			return RecurrenceRule{}, invalidRule("unsupported key %s", key)
		}
	}

	if err := rule.Validate(); err != nil {
		return RecurrenceRule{}, err
	}
	rule.ByWeekday = normalizeWeekdays(rule.ByWeekday)
	return rule, nil
}

func parseUntil(value string) (time.Time, error) {
	if t, err := time.Parse(untilLayout, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(untilDateLayout, value); err == nil {
		// A bare date includes the whole day.
		return t.UTC().Add(24*time.Hour - time.Second), nil
	}
	return time.Time{}, invalidRule("UNTIL %q is not a UTC date-time", value)
}

func (r RecurrenceRule) Validate() error {
	switch r.Frequency {
	case RecurrenceFrequencyDaily, RecurrenceFrequencyWeekly, RecurrenceFrequencyMonthly, RecurrenceFrequencyYearly:
	case "":
		return invalidRule("FREQ is required")
	default:
		return invalidRule("unsupported FREQ %s", r.Frequency)
	}
	if r.Interval < 1 {
		return invalidRule("INTERVAL must be at least 1")
	}
	if len(r.ByWeekday) > 0 && r.Frequency != RecurrenceFrequencyWeekly {
		return invalidRule("BYDAY is only supported with FREQ=WEEKLY")
	}
	for _, wd := range r.ByWeekday {
		if wd < time.Sunday || wd > time.Saturday {
			return invalidRule("invalid weekday %d", wd)
		}
	}
	if r.Count != nil {
		if *r.Count < 1 {
			return invalidRule("COUNT must be at least 1")
		}
		if *r.Count > MaxSeriesOccurrences {
			return invalidRule("COUNT must not exceed %d", MaxSeriesOccurrences)
		}
	}
	return nil
}

// String renders the canonical form stored on a series parent.
func (r RecurrenceRule) String() string {
	parts := []string{"FREQ=" + string(r.Frequency)}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if len(r.ByWeekday) > 0 {
		codes := make([]string, 0, len(r.ByWeekday))
		for _, wd := range normalizeWeekdays(r.ByWeekday) {
			codes = append(codes, weekdayCode(wd))
		}
		parts = append(parts, "BYDAY="+strings.Join(codes, ","))
	}
	if r.Count != nil {
		parts = append(parts, "COUNT="+strconv.Itoa(*r.Count))
	}
	if r.Until != nil {
		parts = append(parts, "UNTIL="+r.Until.UTC().Format(untilLayout))
	}
	return strings.Join(parts, ";")
}

func weekdayCode(wd time.Weekday) string {
	for code, d := range weekdayCodes {
		if d == wd {
			return code
		}
	}
	return ""
}

// normalizeWeekdays dedups and orders weekdays Monday first.
func normalizeWeekdays(in []time.Weekday) []time.Weekday {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[time.Weekday]struct{}, len(in))
	out := make([]time.Weekday, 0, len(in))
	for _, wd := range in {
		if _, ok := seen[wd]; ok {
			continue
		}
		seen[wd] = struct{}{}
		out = append(out, wd)
	}
	sort.Slice(out, func(i, j int) bool {
		return weekdayOffsetFromMonday(out[i]) < weekdayOffsetFromMonday(out[j])
	})
	return out
}

type Slot struct {
	StartTime time.Time
	EndTime   time.Time
}

// Expansion walks the occurrences of a rule after the first one. It is lazy,
// finite and cannot be restarted.
type Expansion struct {
	rule      RecurrenceRule
	origin    time.Time
	duration  time.Duration
	cutoff    time.Time
	remaining int
	weekdays  map[time.Weekday]struct{}
	cursor    time.Time
	step      int
	done      bool
}

// Expand validates the rule and returns a cursor over the child occurrences of
// a series starting at start. Without COUNT or UNTIL the series stops at
// start+horizon (DefaultRecurrenceHorizon when horizon <= 0).
func Expand(start, end time.Time, rule RecurrenceRule, horizon time.Duration) (*Expansion, error) {
	start = start.UTC()
	end = end.UTC()
	if !end.After(start) {
		return nil, ErrInvalidTimeRange
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.Until != nil && rule.Until.Before(start) {
		return nil, invalidRule("UNTIL is before the first occurrence")
	}
	if horizon <= 0 {
		horizon = DefaultRecurrenceHorizon
	}

	e := &Expansion{
		rule:      rule,
		origin:    start,
		duration:  end.Sub(start),
		cursor:    start,
		remaining: MaxSeriesOccurrences - 1,
	}
	if rule.Count != nil {
		e.remaining = *rule.Count - 1
	}
	switch {
	case rule.Until != nil:
		e.cutoff = rule.Until.UTC()
	case rule.Count == nil:
		e.cutoff = start.Add(horizon)
	}
	if len(rule.ByWeekday) > 0 {
		e.weekdays = make(map[time.Weekday]struct{}, len(rule.ByWeekday))
		for _, wd := range rule.ByWeekday {
			e.weekdays[wd] = struct{}{}
		}
	}
	return e, nil
}

func (e *Expansion) Next() (Slot, bool) {
	if e.done {
		return Slot{}, false
	}
	if e.remaining <= 0 {
		e.done = true
		return Slot{}, false
	}
	next, ok := e.advance()
	if !ok || (!e.cutoff.IsZero() && next.After(e.cutoff)) {
		e.done = true
		return Slot{}, false
	}
	e.cursor = next
	e.remaining--
	return Slot{StartTime: next, EndTime: next.Add(e.duration)}, true
}

// Collect drains the remaining occurrences.
func (e *Expansion) Collect() []Slot {
	var out []Slot
	for {
		s, ok := e.Next()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func (e *Expansion) advance() (time.Time, bool) {
	interval := e.rule.Interval
	switch e.rule.Frequency {
	case RecurrenceFrequencyDaily:
		return e.cursor.AddDate(0, 0, interval), true
	case RecurrenceFrequencyWeekly:
		if e.weekdays == nil {
			return e.cursor.AddDate(0, 0, 7*interval), true
		}
		originWeek := mondayDateUTC(e.origin)
		c := e.cursor
		for i := 0; i < 7*(interval+1); i++ {
			c = c.AddDate(0, 0, 1)
			if _, ok := e.weekdays[c.Weekday()]; !ok {
				continue
			}
			weeks := int(mondayDateUTC(c).Sub(originWeek).Hours()) / (24 * 7)
			if weeks%interval == 0 {
				return c, true
			}
		}
		return time.Time{}, false
	case RecurrenceFrequencyMonthly:
		return e.advanceMonths(interval)
	case RecurrenceFrequencyYearly:
		return e.advanceMonths(12 * interval)
	}
	return time.Time{}, false
}

// advanceMonths steps from the origin in whole months and skips months that
// lack the origin's day of month.
func (e *Expansion) advanceMonths(months int) (time.Time, bool) {
	o := e.origin
	for i := 0; i < maxCalendarSteps; i++ {
		e.step++
		total := int(o.Month()) - 1 + e.step*months
		year := o.Year() + total/12
		month := time.Month(total%12 + 1)
		if o.Day() > daysIn(year, month) {
			continue
		}
		return time.Date(year, month, o.Day(), o.Hour(), o.Minute(), o.Second(), o.Nanosecond(), time.UTC), true
	}
	return time.Time{}, false
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func mondayDateUTC(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, -weekdayOffsetFromMonday(t.Weekday()))
}

func weekdayOffsetFromMonday(wd time.Weekday) int {
	if wd == time.Sunday {
		return 6
	}
	return int(wd) - 1
}

// Package cron parses cron expressions and computes next-fire times
// for the Job Engine's scheduled registrations.
//
// Design Notes:
//   - Accepts 5-field (minute hour dayOfMonth month dayOfWeek) or
//     6-field expressions. In the 6-field form the leading field is
//     seconds and is PARSED BUT DISCARDED: next-fire computation only
//     ever resolves to whole minutes. This looks like a bug — a
//     seconds-granularity schedule collapses to minute granularity —
//     but it is intentional, documented behavior and must not be
//     "fixed" to use the seconds field.
//   - Next-fire search starts at now+1 minute aligned to :00 seconds
//     and walks forward one minute at a time for up to one year before
//     giving up, rather than computing each field analytically. This
//     trades a bounded amount of CPU for a much simpler, harder-to-get-
//     wrong implementation, favoring straightforward loops over clever
//     closed-form math.
//   - Next matches fields against wall-clock time in the schedule's
//     location while stepping real time one minute at a time. Across a
//     DST transition a wall-clock minute can therefore be skipped
//     (spring forward) or seen twice (fall back); no compensation is
//     made for either.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldSpec is the parsed set of allowed values for one cron field.
type fieldSpec struct {
	allowed map[int]struct{}
}

func (f fieldSpec) has(v int) bool {
	_, ok := f.allowed[v]
	return ok
}

// Schedule is a parsed cron expression ready to answer Next queries.
type Schedule struct {
	minute     fieldSpec
	hour       fieldSpec
	dayOfMonth fieldSpec
	month      fieldSpec
	dayOfWeek  fieldSpec
	loc        *time.Location
}

// Parse parses a 5-field or 6-field cron expression. In the 6-field
// form the first field (seconds) is validated but discarded. tz names
// an IANA timezone; "" or "UTC" selects UTC.
func Parse(expr string, tz string) (*Schedule, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		// minute hour dom month dow
	case 6:
		// seconds minute hour dom month dow — validate, then drop seconds
		if _, err := parseField(fields[0], 0, 59); err != nil {
			return nil, fmt.Errorf("cron: seconds field: %w", err)
		}
		fields = fields[1:]
	default:
		return nil, fmt.Errorf("cron: expected 5 or 6 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("cron: minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("cron: hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("cron: month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7) // 0 and 7 both mean Sunday
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-week field: %w", err)
	}

	loc := time.UTC
	if tz != "" && !strings.EqualFold(tz, "UTC") {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("cron: unknown timezone %q: %w", tz, err)
		}
		loc = l
	}

	return &Schedule{minute: minute, hour: hour, dayOfMonth: dom, month: month, dayOfWeek: dow, loc: loc}, nil
}

// parseField parses one comma-separated cron field, each term being
// "*", "a", "a-b", or "a-b/step" (a bare "*/step" is also accepted).
func parseField(field string, min, max int) (fieldSpec, error) {
	allowed := make(map[int]struct{})

	for _, term := range strings.Split(field, ",") {
		rangeStart, rangeEnd, step := min, max, 1

		base := term
		if idx := strings.Index(term, "/"); idx >= 0 {
			base = term[:idx]
			s, err := strconv.Atoi(term[idx+1:])
			if err != nil || s <= 0 {
				return fieldSpec{}, fmt.Errorf("invalid step in %q", term)
			}
			step = s
		}

		switch {
		case base == "*":
			// rangeStart/rangeEnd already min/max
		case strings.Contains(base, "-"):
			parts := strings.SplitN(base, "-", 2)
			a, err1 := strconv.Atoi(parts[0])
			b, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil {
				return fieldSpec{}, fmt.Errorf("invalid range %q", base)
			}
			rangeStart, rangeEnd = a, b
		default:
			v, err := strconv.Atoi(base)
			if err != nil {
				return fieldSpec{}, fmt.Errorf("invalid value %q", base)
			}
			rangeStart, rangeEnd = v, v
		}

		if rangeStart < min || rangeEnd > max || rangeStart > rangeEnd {
			return fieldSpec{}, fmt.Errorf("value out of range [%d,%d] in %q", min, max, term)
		}

		for v := rangeStart; v <= rangeEnd; v += step {
			allowed[v] = struct{}{}
		}
	}

	return fieldSpec{allowed: allowed}, nil
}

// matchesDayOfWeek treats both 0 and 7 as Sunday.
func (s *Schedule) matchesDayOfWeek(t time.Time) bool {
	wd := int(t.Weekday()) // 0=Sunday .. 6=Saturday
	if s.dayOfWeek.has(wd) {
		return true
	}
	if wd == 0 && s.dayOfWeek.has(7) {
		return true
	}
	return false
}

// maxSearchWindow bounds the next-fire walk
const maxSearchWindow = 366 * 24 * time.Hour

// Next computes the next fire time strictly after from, beginning the
// search at from+1 minute aligned to zero seconds, walking minute by
// minute for up to one year.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	from = from.In(s.loc)
	cursor := from.Add(time.Minute).Truncate(time.Minute)
	deadline := from.Add(maxSearchWindow)

	for !cursor.After(deadline) {
		if s.month.has(int(cursor.Month())) &&
			s.dayOfMonth.has(cursor.Day()) &&
			s.matchesDayOfWeek(cursor) &&
			s.hour.has(cursor.Hour()) &&
			s.minute.has(cursor.Minute()) {
			return cursor, nil
		}
		cursor = cursor.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("cron: no matching minute found within %s of %s", maxSearchWindow, from)
}

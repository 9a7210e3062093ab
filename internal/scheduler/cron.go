package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronField is a parsed five-field cron position as a membership set over its
// allowed range.
type cronField struct {
	set        map[int]bool
	restricted bool
}

func (f cronField) match(v int) bool {
	return !f.restricted || f.set[v]
}

// cronSchedule is a parsed `minute hour day-of-month month day-of-week`
// expression. Day-of-month and day-of-week combine with OR when both are
// restricted, per the classic cron convention.
type cronSchedule struct {
	minute cronField
	hour   cronField
	dom    cronField
	month  cronField
	dow    cronField
}

type cronFieldSpec struct {
	name string
	min  int
	max  int
}

var cronFieldSpecs = [5]cronFieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// parseCron parses a five-field cron expression. Each field supports `*`,
// literals, `a-b` ranges, `*/n` and `a-b/n` steps, and comma lists. Invalid
// expressions report which field is wrong and why.
func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields (minute hour day-of-month month day-of-week), got %d", expr, len(fields))
	}

	var parsed [5]cronField
	for i, raw := range fields {
		f, err := parseCronField(raw, cronFieldSpecs[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		parsed[i] = f
	}
	return &cronSchedule{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
	}, nil
}

func parseCronField(raw string, spec cronFieldSpec) (cronField, error) {
	f := cronField{set: make(map[int]bool)}
	if raw == "*" {
		return f, nil
	}
	f.restricted = true

	for _, part := range strings.Split(raw, ",") {
		if part == "" {
			return f, fmt.Errorf("%s field %q: empty list entry", spec.name, raw)
		}
		if err := parseCronPart(part, spec, f.set); err != nil {
			return f, err
		}
	}
	return f, nil
}

func parseCronPart(part string, spec cronFieldSpec, set map[int]bool) error {
	step := 1
	rangePart := part
	if base, stepStr, found := strings.Cut(part, "/"); found {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s field: invalid step %q", spec.name, stepStr)
		}
		step = n
		rangePart = base
	}

	lo, hi := spec.min, spec.max
	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		loStr, hiStr, _ := strings.Cut(rangePart, "-")
		var err1, err2 error
		lo, err1 = strconv.Atoi(loStr)
		hi, err2 = strconv.Atoi(hiStr)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("%s field: invalid range %q", spec.name, rangePart)
		}
		if lo > hi {
			return fmt.Errorf("%s field: range %q is inverted", spec.name, rangePart)
		}
	default:
		n, err := strconv.Atoi(rangePart)
		if err != nil {
			return fmt.Errorf("%s field: invalid value %q", spec.name, rangePart)
		}
		if step != 1 {
			// "5/2" style: treat the literal as the range start.
			lo, hi = n, spec.max
		} else {
			lo, hi = n, n
		}
	}

	if lo < spec.min || hi > spec.max {
		return fmt.Errorf("%s field: value out of range %d-%d", spec.name, spec.min, spec.max)
	}
	for v := lo; v <= hi; v += step {
		set[v] = true
	}
	return nil
}

// matchDay evaluates the date fields for a given day. When both day-of-month
// and day-of-week are restricted, either matching suffices.
func (s *cronSchedule) matchDay(t time.Time) bool {
	if !s.month.match(int(t.Month())) {
		return false
	}
	domOK := s.dom.match(t.Day())
	dowOK := s.dow.match(int(t.Weekday()))
	if s.dom.restricted && s.dow.restricted {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// next returns the first fire time strictly after t, computed from the
// schedule alone. The search is bounded; expressions that can never fire
// (e.g. Feb 30) return the zero time.
func (s *cronSchedule) next(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	// Bound: any satisfiable date expression fires within 4 years.
	limit := t.AddDate(4, 0, 1)

	for d := day; d.Before(limit); d = d.AddDate(0, 0, 1) {
		if !s.matchDay(d) {
			continue
		}
		for hour := 0; hour < 24; hour++ {
			if !s.hour.match(hour) {
				continue
			}
			for minute := 0; minute < 60; minute++ {
				if !s.minute.match(minute) {
					continue
				}
				fire := time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, t.Location())
				if fire.After(t) {
					return fire
				}
			}
		}
	}
	return time.Time{}
}

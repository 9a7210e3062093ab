package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *cronSchedule {
	t.Helper()
	s, err := parseCron(expr)
	require.NoError(t, err)
	return s
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func TestCronEveryFiveMinutes(t *testing.T) {
	s := mustParse(t, "*/5 * * * *")
	next := s.next(at(t, "2024-01-01T10:00:00Z"))
	assert.Equal(t, at(t, "2024-01-01T10:05:00Z"), next)
}

func TestCronHourly(t *testing.T) {
	s := mustParse(t, "0 * * * *")
	next := s.next(at(t, "2024-01-01T10:00:00Z"))
	assert.Equal(t, at(t, "2024-01-01T11:00:00Z"), next)
	assert.Equal(t, at(t, "2024-01-01T12:00:00Z"), s.next(next))
}

func TestCronLiteralAndList(t *testing.T) {
	s := mustParse(t, "15,45 9 * * *")
	next := s.next(at(t, "2024-01-01T09:20:00Z"))
	assert.Equal(t, at(t, "2024-01-01T09:45:00Z"), next)
	assert.Equal(t, at(t, "2024-01-02T09:15:00Z"), s.next(next))
}

func TestCronRangeWithStep(t *testing.T) {
	s := mustParse(t, "0 9-17/4 * * *")
	next := s.next(at(t, "2024-01-01T09:30:00Z"))
	assert.Equal(t, at(t, "2024-01-01T13:00:00Z"), next)
}

func TestCronDayOfWeek(t *testing.T) {
	// 2024-01-01 is a Monday; dow 0 is Sunday.
	s := mustParse(t, "0 0 * * 0")
	next := s.next(at(t, "2024-01-01T00:00:00Z"))
	assert.Equal(t, at(t, "2024-01-07T00:00:00Z"), next)
}

func TestCronDomDowDisjunction(t *testing.T) {
	// Both date fields restricted: fires on the 15th OR on Mondays.
	s := mustParse(t, "0 0 15 * 1")
	next := s.next(at(t, "2024-01-05T00:00:00Z"))
	assert.Equal(t, at(t, "2024-01-08T00:00:00Z"), next, "Monday the 8th beats the 15th")
	assert.Equal(t, at(t, "2024-01-15T00:00:00Z"), s.next(next), "the 15th is also a Monday")
}

func TestCronMonthBoundary(t *testing.T) {
	s := mustParse(t, "30 8 1 * *")
	next := s.next(at(t, "2024-01-15T12:00:00Z"))
	assert.Equal(t, at(t, "2024-02-01T08:30:00Z"), next)
}

func TestCronImpossibleDateNeverFires(t *testing.T) {
	s := mustParse(t, "0 0 30 2 *")
	assert.True(t, s.next(at(t, "2024-01-01T00:00:00Z")).IsZero())
}

func TestCronParseErrors(t *testing.T) {
	cases := map[string]string{
		"wrong field count": "* * * *",
		"minute too large":  "60 * * * *",
		"hour too large":    "0 24 * * *",
		"dom zero":          "0 0 0 * *",
		"month too large":   "0 0 1 13 *",
		"dow seven":         "0 0 * * 7",
		"bad literal":       "x * * * *",
		"bad step":          "*/0 * * * *",
		"inverted range":    "30-10 * * * *",
		"empty list entry":  "1,,2 * * * *",
	}
	for name, expr := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseCron(expr)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "cron")
		})
	}
}
